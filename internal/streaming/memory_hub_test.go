package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain collects whatever is buffered on ch within a short window.
func drain(ch <-chan RunEvent) []RunEvent {
	var out []RunEvent
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(30 * time.Millisecond):
			return out
		}
	}
}

func subscribe(t *testing.T, hub *MemoryHub, f EventFilter) <-chan RunEvent {
	t.Helper()
	ch, cancel, err := hub.Subscribe(context.Background(), f)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

func TestMemoryHub_DeliversEventUnchanged(t *testing.T) {
	hub := NewMemoryHub()
	ch := subscribe(t, hub, EventFilter{})

	event := RunEvent{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		StepID:     "fetch",
		Type:       "step_completed",
		Sequence:   3,
		Payload:    map[string]any{"result": "ok"},
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, hub.Publish(context.Background(), event))

	assert.Equal(t, []RunEvent{event}, drain(ch))
}

func TestMemoryHub_Filters(t *testing.T) {
	published := []RunEvent{
		{RunID: "run-1", WorkflowID: "wf-1", Type: "step_started"},
		{RunID: "run-2", WorkflowID: "wf-2", Type: "run_failed"},
		{RunID: "run-3", WorkflowID: "wf-1", Type: "run_completed"},
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   []string // run ids in arrival order
	}{
		{"everything", EventFilter{}, []string{"run-1", "run-2", "run-3"}},
		{"by run", EventFilter{RunID: "run-1"}, []string{"run-1"}},
		{"by workflow", EventFilter{WorkflowID: "wf-1"}, []string{"run-1", "run-3"}},
		{"by type", EventFilter{EventTypes: []string{"run_completed", "run_failed"}}, []string{"run-2", "run-3"}},
		{"workflow and type", EventFilter{WorkflowID: "wf-1", EventTypes: []string{"run_completed"}}, []string{"run-3"}},
		{"no match", EventFilter{RunID: "run-9"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewMemoryHub()
			ch := subscribe(t, hub, tt.filter)
			for _, e := range published {
				require.NoError(t, hub.Publish(context.Background(), e))
			}

			var got []string
			for _, e := range drain(ch) {
				got = append(got, e.RunID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryHub_FanOut(t *testing.T) {
	hub := NewMemoryHub()
	chans := []<-chan RunEvent{
		subscribe(t, hub, EventFilter{}),
		subscribe(t, hub, EventFilter{}),
		subscribe(t, hub, EventFilter{RunID: "r"}),
	}
	require.Equal(t, 3, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), RunEvent{RunID: "r", Type: "run_started"}))
	for i, ch := range chans {
		got := drain(ch)
		require.Len(t, got, 1, "subscriber %d", i)
		assert.Equal(t, "run_started", got[0].Type)
	}
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	cancel()
	assert.NotPanics(t, cancel)

	require.NoError(t, hub.Publish(context.Background(), RunEvent{RunID: "r", Type: "step_completed"}))
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers())
}

func TestMemoryHub_SubscriptionOutlivesSubscribeContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, stop := context.WithCancel(context.Background())
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()
	stop()

	require.NoError(t, hub.Publish(context.Background(), RunEvent{RunID: "r", Type: "run_completed"}))
	assert.Len(t, drain(ch), 1)
}

func TestMemoryHub_DropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	slow := subscribe(t, hub, EventFilter{})

	const extra = 7
	for i := 1; i <= subscriberBuffer+extra; i++ {
		require.NoError(t, hub.Publish(context.Background(), RunEvent{RunID: "r", Type: "tick", Sequence: int64(i)}))
	}

	got := drain(slow)
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(subscriberBuffer), got[len(got)-1].Sequence)
	assert.Equal(t, int64(extra), hub.Dropped())
}

func TestMemoryHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 40; j++ {
				_ = hub.Publish(context.Background(), RunEvent{RunID: fmt.Sprintf("run-%d", i), Type: "tick"})
			}
		}(i)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
			if err != nil {
				return
			}
			defer cancel()
			for range 3 {
				select {
				case <-ch:
				case <-time.After(5 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, hub.Subscribers())
}

func TestMemoryHub_RejectsDoneContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, RunEvent{RunID: "r"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
