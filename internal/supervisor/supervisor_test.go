package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *DescriptorStore {
	t.Helper()
	return NewDescriptorStore(filepath.Join(t.TempDir(), "svc.run.yaml"))
}

func TestDescriptor_WriteRead(t *testing.T) {
	s := newStore(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	require.NoError(t, s.Write(Descriptor{PID: 42, Status: StatusRunning}))

	d, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, 42, d.PID)
	assert.Equal(t, StatusRunning, d.Status)
	assert.True(t, d.Update.Equal(at))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "status: running")
}

func TestDescriptor_Missing(t *testing.T) {
	_, err := newStore(t).Read()
	assert.ErrorIs(t, err, ErrNoDescriptor)
}

func TestDescriptor_StalePIDReadsAsFailed(t *testing.T) {
	s := newStore(t)
	s.alive = func(int) bool { return false }
	require.NoError(t, s.Write(Descriptor{PID: 999999, Status: StatusRunning}))

	d, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)

	// A clean stop is never reported as failed.
	require.NoError(t, s.Write(Descriptor{PID: 0, Status: StatusStopped}))
	d, err = s.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, d.Status)
}

func TestDescriptor_RegisterRefusesLiveOwner(t *testing.T) {
	s := newStore(t)
	s.alive = func(pid int) bool { return pid == 100 }
	require.NoError(t, s.Write(Descriptor{PID: 100, Status: StatusRunning}))

	assert.ErrorIs(t, s.Register(200, StatusRunning), ErrAlreadyRunning)

	s.alive = func(int) bool { return false }
	require.NoError(t, s.Register(200, StatusTesting))
	d, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, 200, d.PID)
	assert.Equal(t, StatusTesting, d.Status)
}

func TestDescriptor_SetStatus(t *testing.T) {
	s := newStore(t)
	s.alive = func(int) bool { return true }
	require.NoError(t, s.Register(7, StatusRunning))

	require.NoError(t, s.SetStatus(StatusPaused))
	d, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, d.Status)
	assert.Equal(t, 7, d.PID)

	assert.Error(t, s.SetStatus(StatusStopped))

	s.alive = func(int) bool { return false }
	assert.ErrorIs(t, s.SetStatus(StatusRunning), ErrNotRunning)
}

func TestDescriptor_StopAlreadyStopped(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Write(Descriptor{PID: 0, Status: StatusStopped}))
	assert.NoError(t, s.Stop(context.Background()))
}

type countingTicker struct {
	mu     sync.Mutex
	calls  int
	onTick func(ctx context.Context, n int)
}

func (c *countingTicker) Tick(ctx context.Context) error {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if c.onTick != nil {
		c.onTick(ctx, n)
	}
	return nil
}

func (c *countingTicker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := &countingTicker{onTick: func(_ context.Context, n int) {
		if n == 3 {
			cancel()
		}
	}}
	sup, err := New(Config{
		Store:          store,
		Reconcile:      ticker,
		Interval:       5 * time.Millisecond,
		SleepIncrement: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, sup.Run(ctx))
	assert.Equal(t, 3, ticker.Calls())

	d, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, Descriptor{PID: 0, Status: StatusStopped, Update: d.Update}, d)
}

func TestRun_TickSurvivesShutdownSignal(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tickCtxErr error
	ticker := &countingTicker{onTick: func(tctx context.Context, _ int) {
		cancel()
		tickCtxErr = tctx.Err()
	}}
	sup, err := New(Config{Store: store, Reconcile: ticker, Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, sup.Run(ctx))
	assert.Equal(t, 1, ticker.Calls())
	assert.NoError(t, tickCtxErr)
}

func TestRun_PausedDoesNotTick(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ticker := &countingTicker{}
	sup, err := New(Config{
		Store:          store,
		Reconcile:      ticker,
		Interval:       2 * time.Millisecond,
		SleepIncrement: time.Millisecond,
		Initial:        StatusPaused,
	})
	require.NoError(t, err)

	require.NoError(t, sup.Run(ctx))
	assert.Equal(t, 0, ticker.Calls())
}

func TestRun_RefusesSecondInstance(t *testing.T) {
	store := newStore(t)
	store.alive = func(int) bool { return true }
	require.NoError(t, store.Write(Descriptor{PID: os.Getpid() + 1, Status: StatusRunning}))

	sup, err := New(Config{Store: store, Reconcile: &countingTicker{}, Interval: time.Second})
	require.NoError(t, err)
	assert.ErrorIs(t, sup.Run(context.Background()), ErrAlreadyRunning)
}

type nopSnapshots struct{}

func (nopSnapshots) SnapshotUsage(context.Context) error { return nil }

func TestNew_Validation(t *testing.T) {
	store := newStore(t)

	_, err := New(Config{Store: store, Reconcile: &countingTicker{}})
	assert.Error(t, err, "zero interval")

	_, err = New(Config{Reconcile: &countingTicker{}, Interval: time.Second})
	assert.Error(t, err, "missing store")

	_, err = New(Config{
		Store:            store,
		Reconcile:        &countingTicker{},
		Interval:         time.Second,
		Snapshots:        nopSnapshots{},
		SnapshotSchedule: "every tuesday",
	})
	assert.Error(t, err, "bad schedule")

	sup, err := New(Config{
		Store:            store,
		Reconcile:        &countingTicker{},
		Interval:         time.Second,
		Snapshots:        nopSnapshots{},
		SnapshotSchedule: "0 * * * *",
	})
	require.NoError(t, err)
	assert.NotNil(t, sup.cron)
}
