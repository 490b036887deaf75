package janitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingEvicter struct{ calls atomic.Int32 }

func (e *countingEvicter) Evict() int {
	e.calls.Add(1)
	return 2
}

type fakeResumer struct {
	calls atomic.Int32
	err   error
}

func (r *fakeResumer) Resume(context.Context) (int, error) {
	r.calls.Add(1)
	if r.err != nil {
		return 0, r.err
	}
	return 3, nil
}

func TestJanitor_RunNow(t *testing.T) {
	t.Parallel()

	ev := &countingEvicter{}
	res := &fakeResumer{}
	j := New(ev, res, zap.NewNop())

	require.Equal(t, 2, j.EvictNow())
	n, err := j.SweepNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	res.err = errors.New("db down")
	_, err = j.SweepNow(context.Background())
	require.ErrorContains(t, err, "db down")
}

func TestJanitor_NilCollaborators(t *testing.T) {
	t.Parallel()

	j := New(nil, nil, nil)
	require.Zero(t, j.EvictNow())
	n, err := j.SweepNow(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, j.Start(Schedules{Evict: "@every 1m", Sweep: "@every 1m"}))
	j.Stop(context.Background())
}

func TestJanitor_StartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	j := New(&countingEvicter{}, &fakeResumer{}, zap.NewNop())
	require.ErrorContains(t, j.Start(Schedules{Evict: "not a schedule"}), "schedule eviction")

	j = New(&countingEvicter{}, &fakeResumer{}, zap.NewNop())
	require.ErrorContains(t, j.Start(Schedules{Sweep: "61 * * * *"}), "schedule sweep")
}

func TestJanitor_RunsScheduledTasks(t *testing.T) {
	t.Parallel()

	ev := &countingEvicter{}
	res := &fakeResumer{}
	j := New(ev, res, zap.NewNop())
	require.NoError(t, j.Start(Schedules{Evict: "@every 1s", Sweep: "@every 1s"}))
	defer j.Stop(context.Background())

	require.Eventually(t, func() bool {
		return ev.calls.Load() > 0 && res.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

type blockingResumer struct {
	once     sync.Once
	started  chan struct{}
	released chan error
}

func (r *blockingResumer) Resume(ctx context.Context) (int, error) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	select {
	case r.released <- ctx.Err():
	default:
	}
	return 0, ctx.Err()
}

func TestJanitor_StopCancelsRunningSweep(t *testing.T) {
	t.Parallel()

	res := &blockingResumer{started: make(chan struct{}), released: make(chan error, 1)}
	j := New(nil, res, zap.NewNop())
	require.NoError(t, j.Start(Schedules{Sweep: "@every 1s"}))

	select {
	case <-res.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never ran")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	j.Stop(stopCtx)
	require.Less(t, time.Since(start), time.Second)
	require.ErrorIs(t, <-res.released, context.Canceled)
}
