package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/ratio/runtime/events"
	"goa.design/ratio/storage"
)

// DefaultRecursionThreshold suppresses a subscription that fired more
// recently than this.
const DefaultRecursionThreshold = 60 * time.Second

type (
	// Subscription describes an external trigger that starts an execution
	// when a matching file or system event occurs.
	Subscription struct {
		// ID identifies the subscription.
		ID string
		// ToolDefinitionPath is the definition to execute.
		ToolDefinitionPath string
		// WorkingDirectory hosts the triggered execution.
		WorkingDirectory string
		// ArgumentsPath optionally stages pre-built arguments.
		ArgumentsPath string
	}

	// SubscriptionGate tracks last-execution times and suppresses
	// subscriptions that re-fire within the recursion threshold. A
	// subscription whose execution writes into a directory it watches
	// would otherwise trigger itself forever.
	SubscriptionGate struct {
		mu        sync.Mutex
		threshold time.Duration
		last      map[string]time.Time
		now       func() time.Time
	}

	// RecursionError reports a suppressed subscription firing.
	RecursionError struct {
		SubscriptionID string
		SinceLast      time.Duration
	}
)

// Error implements the error interface.
func (e *RecursionError) Error() string {
	return fmt.Sprintf("subscription %s fired %s after its last execution, suppressed", e.SubscriptionID, e.SinceLast)
}

// NewSubscriptionGate builds a gate. A zero threshold uses the default.
func NewSubscriptionGate(threshold time.Duration) *SubscriptionGate {
	if threshold == 0 {
		threshold = DefaultRecursionThreshold
	}
	return &SubscriptionGate{
		threshold: threshold,
		last:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the gate's time source for tests.
func (g *SubscriptionGate) SetClock(now func() time.Time) { g.now = now }

// Allow records a firing attempt. It returns a RecursionError when the
// subscription fired within the threshold; otherwise it stamps the new
// last-execution time.
func (g *SubscriptionGate) Allow(subscriptionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if prev, ok := g.last[subscriptionID]; ok {
		since := now.Sub(prev)
		if since < g.threshold {
			return &RecursionError{SubscriptionID: subscriptionID, SinceLast: since}
		}
	}
	g.last[subscriptionID] = now
	return nil
}

// TriggerSubscription starts an execution on behalf of a subscription: gate
// the firing, mint an execution token from the caller token, verify the
// file-access preconditions, and publish the execute event.
func (c *Coordinator) TriggerSubscription(ctx context.Context, gate *SubscriptionGate, sub Subscription, callerToken string) (string, error) {
	if err := gate.Allow(sub.ID); err != nil {
		return "", err
	}
	tok, err := c.tokens.Mint(callerToken)
	if err != nil {
		return "", fmt.Errorf("mint subscription token: %w", err)
	}
	ok, err := c.storage.ValidateFileAccess(ctx, tok, sub.WorkingDirectory,
		[]string{storage.PermissionRead, storage.PermissionWrite})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: subscription %s has no access to %s", storage.ErrAccessDenied, sub.ID, sub.WorkingDirectory)
	}
	processID := c.newID()
	ev, err := events.New(events.TypeExecuteCompositeTool, events.ExecuteToolRequest{
		ArgumentsPath:      sub.ArgumentsPath,
		ToolDefinitionPath: sub.ToolDefinitionPath,
		ProcessID:          processID,
		Token:              tok,
		WorkingDirectory:   sub.WorkingDirectory,
	})
	if err != nil {
		return "", err
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		return "", err
	}
	return processID, nil
}
