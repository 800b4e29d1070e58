package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchKeyPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"wf/a", "wf/a", true},
		{"wf/a", "wf/b", false},
		{"wf/*", "wf/a", true},
		{"wf/*", "other/a", false},
		{"*/status", "wf/status", true},
		{"*/status", "wf/state", false},
		{"wf/*/x", "wf/a/x", true},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, matchKeyPattern(tt.pattern, tt.key))
		})
	}
}

func TestWatcher_DeliversChangeEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	// Pre-existing state must not be replayed to subscribers.
	_, err := s.Save(ctx, "wf/existing", "old")
	require.NoError(t, err)

	w := NewWatcher(s, 10*time.Millisecond, nil)

	var mu sync.Mutex
	var got []Event
	unsubscribe := w.Subscribe("wf/*", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	defer unsubscribe()

	w.Start(ctx)
	defer w.Stop()

	_, err = s.Save(ctx, "wf/task", "first")
	require.NoError(t, err)
	_, err = s.Save(ctx, "unrelated", "nope")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "wf/task", got[0].Key)
	assert.Equal(t, 1, got[0].Version)
	require.NotNil(t, got[0].Entry)
	assert.Equal(t, "first", got[0].Entry.Value)
}

func TestWatcher_SlowCallbackDoesNotStallLoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	w := NewWatcher(s, 10*time.Millisecond, nil, WithCallbackTimeout(20*time.Millisecond))

	block := make(chan struct{})
	w.Subscribe("slow", func(Event) { <-block })

	var mu sync.Mutex
	fastEvents := 0
	w.Subscribe("fast", func(Event) {
		mu.Lock()
		defer mu.Unlock()
		fastEvents++
	})

	w.Start(ctx)
	defer w.Stop()
	defer close(block)

	_, err := s.Save(ctx, "slow", 1)
	require.NoError(t, err)
	_, err = s.Save(ctx, "fast", 1)
	require.NoError(t, err)

	// The blocked subscriber is abandoned after its timeout and the fast
	// subscriber still gets its event.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fastEvents >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestWatcher_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	w := NewWatcher(s, 10*time.Millisecond, nil)

	var mu sync.Mutex
	events := 0
	cancel := w.Subscribe("k", func(Event) {
		mu.Lock()
		defer mu.Unlock()
		events++
	})

	w.Start(ctx)
	defer w.Stop()

	_, err := s.Save(ctx, "k", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	_, err = s.Save(ctx, "k", 2)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, events)
}
