package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

func init() {
	monitoring.SetLogger(nil)
}

func testOpts() Options {
	return Options{
		Namespace:    "trig",
		PollInterval: time.Millisecond,
		Attach:       shm.AttachOptions{Timeout: time.Second, PollInterval: time.Millisecond},
	}
}

func TestStepsAreAcknowledged(t *testing.T) {
	p := shm.NewMemoryProvider()
	trig, err := New(p, 3, testOpts())
	require.NoError(t, err)
	defer trig.Close()

	members := make([]*Member, 3)
	for i := range members {
		members[i], err = Attach(context.Background(), p, i, testOpts())
		require.NoError(t, err)
		defer members[i].Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int][]int64{}
	)
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *Member) {
			defer wg.Done()
			for {
				step, err := m.Wait(ctx)
				if err != nil {
					assert.ErrorIs(t, err, ErrShutdown)
					return
				}
				mu.Lock()
				seen[i] = append(seen[i], step)
				mu.Unlock()
				m.Ack()
			}
		}(i, m)
	}

	for want := int64(1); want <= 5; want++ {
		assert.Equal(t, want, trig.Trigger())
		require.NoError(t, trig.WaitAcks(ctx, time.Second))
		assert.Empty(t, trig.Pending())
	}
	trig.Shutdown()
	wg.Wait()

	for i := range members {
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen[i], "member %d", i)
	}
}

func TestWaitAcksTimesOut(t *testing.T) {
	p := shm.NewMemoryProvider()
	trig, err := New(p, 2, testOpts())
	require.NoError(t, err)
	defer trig.Close()

	m, err := Attach(context.Background(), p, 1, testOpts())
	require.NoError(t, err)
	defer m.Close()

	trig.Trigger()
	step, err := m.Wait(context.Background())
	require.NoError(t, err)
	m.Ack()
	assert.Equal(t, int64(1), step)

	err = trig.WaitAcks(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.Equal(t, []int{0}, trig.Pending())
}

func TestWaitHonoursContext(t *testing.T) {
	p := shm.NewMemoryProvider()
	trig, err := New(p, 1, testOpts())
	require.NoError(t, err)
	defer trig.Close()

	m, err := Attach(context.Background(), p, 0, testOpts())
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	trig.Trigger()
	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	assert.ErrorIs(t, trig.WaitAcks(cctx, 0), context.Canceled)
}

func TestShutdownWinsOverPendingStep(t *testing.T) {
	p := shm.NewMemoryProvider()
	trig, err := New(p, 1, testOpts())
	require.NoError(t, err)
	defer trig.Close()

	m, err := Attach(context.Background(), p, 0, testOpts())
	require.NoError(t, err)
	defer m.Close()

	trig.Trigger()
	trig.Shutdown()
	_, err = m.Wait(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestAttachRejectsBadMember(t *testing.T) {
	p := shm.NewMemoryProvider()
	trig, err := New(p, 2, testOpts())
	require.NoError(t, err)
	defer trig.Close()

	_, err = Attach(context.Background(), p, 2, testOpts())
	assert.ErrorIs(t, err, cluster.ErrShapeMismatch)
	_, err = Attach(context.Background(), p, -1, testOpts())
	assert.ErrorIs(t, err, cluster.ErrShapeMismatch)

	_, err = New(p, 0, testOpts())
	assert.Error(t, err)
}

func TestAttachRejectsWrongElementType(t *testing.T) {
	p := shm.NewMemoryProvider()
	seg, err := p.Create(shm.Spec{Key: cluster.Key("trig", cluster.TriggerName), Rows: 1, Cols: 3, DType: shm.Float64})
	require.NoError(t, err)
	defer seg.Release()

	_, err = Attach(context.Background(), p, 0, testOpts())
	assert.ErrorIs(t, err, cluster.ErrShapeMismatch)
}

func TestAttachWithoutOrchestrator(t *testing.T) {
	opts := testOpts()
	opts.Attach.Timeout = 10 * time.Millisecond
	_, err := Attach(context.Background(), shm.NewMemoryProvider(), 0, opts)
	assert.ErrorIs(t, err, cluster.ErrAttachTimeout)
}
