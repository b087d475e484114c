package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAndDecodeBody(t *testing.T) {
	ev, err := New(TypeToolResponse, ToolResponse{
		ParentProcessID: "parent",
		ProcessID:       "child",
		Status:          StatusSuccess,
		Response:        "/wd/response.aio",
	})
	require.NoError(t, err)
	require.Equal(t, TypeToolResponse, ev.Type)

	var resp ToolResponse
	require.NoError(t, ev.DecodeBody(&resp))
	require.Equal(t, "parent", resp.ParentProcessID)
	require.Equal(t, "/wd/response.aio", resp.Response)

	var wrong struct {
		ProcessID []int `json:"process_id"`
	}
	require.Error(t, ev.DecodeBody(&wrong))
}

func TestNewRejectsUnmarshalableBody(t *testing.T) {
	_, err := New(TypeToolResponse, func() {})
	require.Error(t, err)
}

func TestWithDelay(t *testing.T) {
	var opts PublishOptions
	WithDelay(3 * time.Second)(&opts)
	require.Equal(t, 3*time.Second, opts.Delay)
}
