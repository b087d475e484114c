package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/ratio/runtime/events"
	"goa.design/ratio/runtime/processes"
	"goa.design/ratio/storage"
)

func TestSubscriptionGateSuppressesRapidRefire(t *testing.T) {
	gate := NewSubscriptionGate(time.Minute)
	base := time.Now()
	now := base
	gate.SetClock(func() time.Time { return now })

	require.NoError(t, gate.Allow("sub-1"))

	var rerr *RecursionError
	err := gate.Allow("sub-1")
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "sub-1", rerr.SubscriptionID)

	// An unrelated subscription is not affected.
	require.NoError(t, gate.Allow("sub-2"))

	// Past the threshold the subscription may fire again.
	now = base.Add(time.Minute)
	require.NoError(t, gate.Allow("sub-1"))

	// A suppressed firing does not reset the window.
	now = base.Add(90 * time.Second)
	require.ErrorAs(t, gate.Allow("sub-1"), &rerr)
	now = base.Add(2 * time.Minute)
	require.NoError(t, gate.Allow("sub-1"))
}

func TestTriggerSubscription(t *testing.T) {
	h := newHarness(t)
	gate := NewSubscriptionGate(time.Minute)
	sub := Subscription{
		ID:                 "on-upload",
		ToolDefinitionPath: "/tools/pipeline.json",
		WorkingDirectory:   "/wd",
		ArgumentsPath:      "/wd/args.aio",
	}

	processID, err := h.coord.TriggerSubscription(context.Background(), gate, sub, h.tok)
	require.NoError(t, err)
	require.NotEmpty(t, processID)

	p, ok := h.bus.Next()
	require.True(t, ok)
	require.Equal(t, events.TypeExecuteCompositeTool, p.Event.Type)
	var req events.ExecuteToolRequest
	require.NoError(t, p.Event.DecodeBody(&req))
	require.Equal(t, processID, req.ProcessID)
	require.Equal(t, "/tools/pipeline.json", req.ToolDefinitionPath)
	require.Equal(t, "/wd/args.aio", req.ArgumentsPath)
	require.NotEqual(t, h.tok, req.Token, "subscriptions run on a minted execution token")

	// Immediate re-fire is suppressed before any token or storage work.
	var rerr *RecursionError
	_, err = h.coord.TriggerSubscription(context.Background(), gate, sub, h.tok)
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 0, h.bus.Pending())
}

func TestTriggerSubscriptionDeniedDirectory(t *testing.T) {
	h := newHarness(t)
	h.store.Deny("/private")
	gate := NewSubscriptionGate(time.Minute)

	_, err := h.coord.TriggerSubscription(context.Background(), gate, Subscription{
		ID:                 "on-upload",
		ToolDefinitionPath: "/tools/pipeline.json",
		WorkingDirectory:   "/private",
	}, h.tok)
	require.ErrorIs(t, err, storage.ErrAccessDenied)
	require.Equal(t, 0, h.bus.Pending())
}

func TestTriggeredSubscriptionRunsEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.seedLeafDef("/tools/fetch.json", "weather::fetch", nil,
		[]map[string]any{{"name": "items", "type_name": "list"}})
	h.store.SeedJSON("/tools/pipeline.json", map[string]any{
		"instructions": []map[string]any{
			{"execution_id": "fetch", "tool_definition_path": "/tools/fetch.json"},
		},
	})
	gate := NewSubscriptionGate(time.Minute)

	processID, err := h.coord.TriggerSubscription(context.Background(), gate, Subscription{
		ID:                 "on-upload",
		ToolDefinitionPath: "/tools/pipeline.json",
		WorkingDirectory:   "/wd",
	}, h.tok)
	require.NoError(t, err)

	h.pump(map[string]func(events.SystemExecuteToolRequest){
		"weather::fetch": h.leafSucceeds(map[string]any{"items": []any{}}),
	})
	require.Equal(t, processes.StatusCompleted, h.status(processID))
}
