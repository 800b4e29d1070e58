package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(Config{Threshold: 3, Cooldown: time.Minute}, zap.NewNop())

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Threshold: 3, Cooldown: time.Minute}, zap.NewNop())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())

	// Two more failures after a success must not trip a threshold of 3.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{Threshold: 1, Cooldown: 20 * time.Millisecond}, zap.NewNop())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	time.Sleep(30 * time.Millisecond)

	// The cooldown check is lazy: the next Allow admits a probe.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// A second concurrent probe is rejected with the default quota of 1.
	assert.ErrorIs(t, b.Allow(), ErrTooManyProbes)
}

func TestBreaker_HalfOpenOutcomes(t *testing.T) {
	t.Run("probe success closes", func(t *testing.T) {
		b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond}, zap.NewNop())
		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Allow())

		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.State())
		require.NoError(t, b.Allow())
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond}, zap.NewNop())
		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Allow())

		b.RecordFailure()
		assert.Equal(t, StateOpen, b.State())
		assert.ErrorIs(t, b.Allow(), ErrOpen)
	})
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{Threshold: 1, Cooldown: time.Hour}, zap.NewNop())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	require.NoError(t, b.Allow())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
		done        = make(chan struct{}, 4)
	)
	cfg := Config{
		Threshold: 1,
		Cooldown:  time.Hour,
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		},
	}
	b := New(cfg, zap.NewNop())

	b.RecordFailure()
	<-done
	b.Reset()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	b := New(Config{}, nil)
	assert.Equal(t, 5, b.cfg.Threshold)
	assert.Equal(t, 5*time.Minute, b.cfg.Cooldown)
	assert.Equal(t, 1, b.cfg.HalfOpenMaxCalls)
}
