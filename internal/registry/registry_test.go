package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softcane/skyway-agent/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.Open(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil)
}

func record(name string, state State) NodeRecord {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return NodeRecord{
		Name:      name,
		NodeClass: "c5",
		Account:   "acct",
		State:     state,
		CreatedAt: now,
		LastSeen:  now,
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	rec := record("node-1", StateRequested)
	rec.RequestID = "req-1"
	require.NoError(t, reg.Put(ctx, rec, PutOptions{}))

	got, err := reg.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RequestID, got.RequestID)
	assert.Equal(t, StateRequested, got.State)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestGetMissing(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutConflictOnLiveRecord(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, record("node-1", StateReady), PutOptions{}))

	err := reg.Put(ctx, record("node-1", StateRequested), PutOptions{})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)
	assert.Equal(t, StateReady, conflict.Existing)
	assert.True(t, IsInvariantViolation(err))

	require.NoError(t, reg.Put(ctx, record("node-1", StateDraining), PutOptions{Overwrite: true}))
	got, err := reg.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, StateDraining, got.State)
}

func TestPutReplacesTerminalRecord(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, record("node-1", StateTerminated), PutOptions{}))
	assert.NoError(t, reg.Put(ctx, record("node-1", StateRequested), PutOptions{}))
}

func TestPutRejectsInvalidRecord(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.Put(context.Background(), record("", StateReady), PutOptions{})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	err = reg.Put(context.Background(), record("node-1", State("bogus")), PutOptions{})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, record("live", StateBusy), PutOptions{}))
	require.NoError(t, reg.Put(ctx, record("gone", StateTerminated), PutOptions{}))
	require.NoError(t, reg.Put(ctx, record("bad", StateQuarantined), PutOptions{}))

	err := reg.Remove(ctx, "live")
	var invalid *InvalidStateError
	require.True(t, errors.As(err, &invalid), "expected InvalidStateError, got %v", err)
	assert.Equal(t, StateBusy, invalid.From)

	assert.NoError(t, reg.Remove(ctx, "gone"))
	assert.NoError(t, reg.Remove(ctx, "bad"))
	assert.ErrorIs(t, reg.Remove(ctx, "gone"), ErrNotFound)

	_, err = reg.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestListFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	for _, r := range []NodeRecord{
		record("c", StateReady),
		record("a", StateIdle),
		record("b", StateReady),
		record("d", StateTerminated),
	} {
		require.NoError(t, reg.Put(ctx, r, PutOptions{}))
	}

	all, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(all))

	ready, err := reg.List(ctx, StateReady, StateIdle)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(ready))
}

func TestListReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, record("a", StateReady), PutOptions{}))

	snap, err := reg.List(ctx)
	require.NoError(t, err)
	snap[0].State = StateTerminated

	got, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateReady, got.State)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, record("n", StateRequested), PutOptions{}))

	rec, err := reg.Transition(ctx, "n", StateProvisioning, func(r *NodeRecord) {
		r.ProviderID = "i-123"
	})
	require.NoError(t, err)
	assert.Equal(t, "i-123", rec.ProviderID)

	_, err = reg.Transition(ctx, "n", StateIdle, nil)
	var invalid *InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StateProvisioning, invalid.From)
	assert.Equal(t, StateIdle, invalid.To)

	_, err = reg.Transition(ctx, "n", StateTerminating, nil)
	require.NoError(t, err)
	_, err = reg.Transition(ctx, "n", StateTerminated, nil)
	require.NoError(t, err)

	_, err = reg.Transition(ctx, "missing", StateReady, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByProviderID(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	rec := record("n", StateReady)
	rec.ProviderID = "i-abc"
	require.NoError(t, reg.Put(ctx, rec, PutOptions{}))

	got, err := reg.ByProviderID(ctx, "i-abc")
	require.NoError(t, err)
	assert.Equal(t, "n", got.Name)

	_, err = reg.ByProviderID(ctx, "i-zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := storage.Open(storage.Options{Path: dir})
	require.NoError(t, err)
	reg := New(db, nil)
	rec := record("node-1", StateRequested)
	rec.RequestID = "req-42"
	require.NoError(t, reg.Put(ctx, rec, PutOptions{}))
	require.NoError(t, db.Close())

	db, err = storage.Open(storage.Options{Path: dir})
	require.NoError(t, err)
	defer db.Close()
	reg = New(db, nil)

	got, err := reg.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "req-42", got.RequestID)
	assert.Equal(t, StateRequested, got.State)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateRequested, StateProvisioning, true},
		{StateVerifying, StateQuarantined, true},
		{StateBusy, StateTerminating, true},
		{StateTerminated, StateTerminating, false},
		{StateQuarantined, StateTerminating, true},
		{StateTerminating, StateReady, false},
		{StateIdle, StateRequested, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func names(recs []NodeRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}
