package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/checkpoint"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state/store"
)

func newPersistence(t *testing.T) (*StatePersistence, *checkpoint.Manager) {
	t.Helper()
	cm, err := checkpoint.NewManager(
		checkpoint.Config{StorageRoot: t.TempDir()},
		state.NewSerializer(),
		zap.NewNop(),
	)
	require.NoError(t, err)

	p, err := New("wf-1", store.NewMemoryStore(), cm, zap.NewNop())
	require.NoError(t, err)
	return p, cm
}

func TestPersistence_LoadFreshState(t *testing.T) {
	p, _ := newPersistence(t)

	st, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wf-1", st.WorkflowID)
	assert.Empty(t, st.Data)
	assert.Equal(t, 0, st.Step)
}

func TestPersistence_UpdatePersistsVersions(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	_, err := p.Load(ctx)
	require.NoError(t, err)

	st, err := p.Update(ctx, func(st *state.WorkflowState) error {
		st.Phase = "execute"
		st.Data["task"] = "migrate"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Step)
	assert.NotEmpty(t, st.Checksum)

	_, err = p.Update(ctx, func(st *state.WorkflowState) error {
		st.Data["task"] = "verify"
		return nil
	})
	require.NoError(t, err)

	versions, err := p.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestPersistence_LoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	p1, err := New("wf-1", mem, nil, zap.NewNop())
	require.NoError(t, err)
	_, err = p1.Load(ctx)
	require.NoError(t, err)
	_, err = p1.Update(ctx, func(st *state.WorkflowState) error {
		st.Phase = "review"
		st.Data["deadline"] = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
		return nil
	})
	require.NoError(t, err)

	// A second instance over the same store sees the same state, typed
	// values included.
	p2, err := New("wf-1", mem, nil, zap.NewNop())
	require.NoError(t, err)
	st, err := p2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "review", st.Phase)
	assert.Equal(t, 1, st.Step)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), st.Data["deadline"])
}

func TestPersistence_UpdateFailureLeavesStateUntouched(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()
	_, err := p.Load(ctx)
	require.NoError(t, err)
	_, err = p.Update(ctx, func(st *state.WorkflowState) error {
		st.Data["k"] = "v1"
		return nil
	})
	require.NoError(t, err)

	_, err = p.Update(ctx, func(st *state.WorkflowState) error {
		st.Data["k"] = "v2"
		return assert.AnError
	})
	require.Error(t, err)

	assert.Equal(t, "v1", p.Current().Data["k"])
	versions, err := p.History(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "failed mutation writes no version")
}

func TestPersistence_MaxVersionsPruning(t *testing.T) {
	mem := store.NewMemoryStore()
	p, err := New("wf-1", mem, nil, zap.NewNop(), WithMaxVersions(2))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = p.Load(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := p.Update(ctx, func(st *state.WorkflowState) error {
			st.Data["i"] = int64(i)
			return nil
		})
		require.NoError(t, err)
	}

	versions, err := p.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, versions)
}

func TestPersistence_Checkpoint(t *testing.T) {
	p, cm := newPersistence(t)
	ctx := context.Background()
	_, err := p.Load(ctx)
	require.NoError(t, err)
	_, err = p.Update(ctx, func(st *state.WorkflowState) error {
		st.Data["progress"] = int64(40)
		return nil
	})
	require.NoError(t, err)

	cp, err := p.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Version)

	got, err := cm.GetLatest(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.State.Data["progress"])
}

func TestPersistence_AutoCheckpointLoop(t *testing.T) {
	p, cm := newPersistence(t)
	ctx := context.Background()
	_, err := p.Load(ctx)
	require.NoError(t, err)

	p.StartAutoCheckpoint(20 * time.Millisecond)
	defer p.Close(ctx)

	_, err = p.Update(ctx, func(st *state.WorkflowState) error {
		st.Data["n"] = int64(1)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := cm.GetLatest(ctx, "wf-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Without further updates the loop stays quiet.
	first, err := cm.GetLatest(ctx, "wf-1")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	latest, err := cm.GetLatest(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, latest.Version)
}

func TestPersistence_CloseTakesFinalCheckpoint(t *testing.T) {
	p, cm := newPersistence(t)
	ctx := context.Background()
	_, err := p.Load(ctx)
	require.NoError(t, err)

	// Long interval: the loop will not fire before Close.
	p.StartAutoCheckpoint(time.Hour)

	_, err = p.Update(ctx, func(st *state.WorkflowState) error {
		st.Data["final"] = "yes"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))

	cp, err := cm.GetLatest(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "yes", cp.State.Data["final"])
}

func TestPersistence_Restore(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	st := state.NewWorkflowState("wf-1")
	st.Phase = "execute"
	st.Data["recovered"] = true
	require.NoError(t, p.Restore(ctx, st))

	assert.Equal(t, true, p.Current().Data["recovered"])
	versions, err := p.History(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}
