package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/ratio/runtime/processes"
)

func running(id, parent string, started time.Time) *processes.Process {
	return &processes.Process{
		ProcessID:       id,
		ParentProcessID: parent,
		ExecutionStatus: processes.StatusRunning,
		StartedOn:       started,
	}
}

func TestCreateGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := running("p1", processes.SystemParent, time.Now())
	require.NoError(t, s.Create(ctx, p))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, processes.StatusRunning, got.ExecutionStatus)
	got.ExecutionStatus = processes.StatusFailed
	reread, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, processes.StatusRunning, reread.ExecutionStatus, "expected defensive copy")

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, processes.ErrNotFound)
}

func TestListByParent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, running("c2", "parent", time.Now())))
	require.NoError(t, s.Create(ctx, running("c1", "parent", time.Now())))
	require.NoError(t, s.Create(ctx, running("other", "elsewhere", time.Now())))

	got, err := s.ListByParent(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c1", got[0].ProcessID, "children sort by process id")
	require.Equal(t, "c2", got[1].ProcessID)
}

func TestListRunningBefore(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, running("old", processes.SystemParent, base.Add(-20*time.Minute))))
	require.NoError(t, s.Create(ctx, running("fresh", processes.SystemParent, base.Add(-time.Minute))))

	got, err := s.ListRunningBefore(ctx, base.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "old", got[0].ProcessID)
}

func TestTransitionMonotone(t *testing.T) {
	s := New()
	ctx := context.Background()
	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return ended })
	require.NoError(t, s.Create(ctx, running("p1", processes.SystemParent, ended.Add(-time.Minute))))

	row, changed, err := s.Transition(ctx, "p1", processes.StatusCompleted, "done")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, processes.StatusCompleted, row.ExecutionStatus)
	require.Equal(t, "done", row.StatusMessage)
	require.NotNil(t, row.EndedOn)
	require.Equal(t, ended, *row.EndedOn)

	row, changed, err = s.Transition(ctx, "p1", processes.StatusFailed, "too late")
	require.NoError(t, err)
	require.False(t, changed, "terminal rows never transition again")
	require.Equal(t, processes.StatusCompleted, row.ExecutionStatus)
	require.Equal(t, "done", row.StatusMessage)

	_, _, err = s.Transition(ctx, "missing", processes.StatusFailed, "")
	require.ErrorIs(t, err, processes.ErrNotFound)
}

func TestAppendStatusMessage(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, running("p1", processes.SystemParent, time.Now())))
	require.NoError(t, s.AppendStatusMessage(ctx, "p1", "first"))
	require.NoError(t, s.AppendStatusMessage(ctx, "p1", "second"))
	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "first\nsecond", got.StatusMessage)
}

func TestSetResponsePathAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, running("p1", processes.SystemParent, time.Now())))
	require.NoError(t, s.SetResponsePath(ctx, "p1", "/wd/agent_exec-p1/response.aio"))
	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "/wd/agent_exec-p1/response.aio", got.ResponsePath)

	require.NoError(t, s.Delete(ctx, "p1"))
	_, err = s.Get(ctx, "p1")
	require.ErrorIs(t, err, processes.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "p1"), processes.ErrNotFound)
}

// Whatever sequence of transitions is attempted, the row ends in the first
// terminal status reached and later attempts never change it.
func TestTransitionMonotoneProperty(t *testing.T) {
	statuses := []processes.Status{
		processes.StatusCompleted,
		processes.StatusFailed,
		processes.StatusTerminated,
		processes.StatusTimedOut,
	}
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("first terminal status wins", prop.ForAll(
		func(picks []int) bool {
			if len(picks) == 0 {
				return true
			}
			s := New()
			ctx := context.Background()
			if err := s.Create(ctx, running("p", processes.SystemParent, time.Now())); err != nil {
				return false
			}
			first := statuses[picks[0]%len(statuses)]
			for i, pick := range picks {
				to := statuses[pick%len(statuses)]
				_, changed, err := s.Transition(ctx, "p", to, "")
				if err != nil {
					return false
				}
				if (i == 0) != changed {
					return false
				}
			}
			row, err := s.Get(ctx, "p")
			if err != nil {
				return false
			}
			return row.ExecutionStatus == first
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
