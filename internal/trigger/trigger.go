// Package trigger paces the cluster one step at a time over a shared int64
// row laid out as [step, shutdown, ack_0, ..., ack_{N-1}].
//
// The orchestrator bumps step after writing state and references, then
// waits until every controller has copied the new step into its ack slot.
// Setting shutdown releases every waiting controller.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

var logf = monitoring.Tagged("trigger")

const (
	colStep     = 0
	colShutdown = 1
	colAcks     = 2

	// DefaultPollInterval is the spin period while waiting on a peer.
	DefaultPollInterval = time.Millisecond
)

var (
	// ErrShutdown is returned to controllers once the orchestrator has
	// asked the cluster to stop.
	ErrShutdown = errors.New("cluster shutting down")

	// ErrStepTimeout is returned when controllers did not acknowledge a
	// step in time.
	ErrStepTimeout = errors.New("step not acknowledged in time")
)

// Options configures either side of the trigger.
type Options struct {
	Namespace    string
	PollInterval time.Duration
	Attach       shm.AttachOptions
	Force        bool
}

func (o Options) poll() time.Duration {
	if o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}

// Trigger is the orchestrator side and owns the shared row.
type Trigger struct {
	seg  *shm.Segment
	opts Options
	size int
}

// New creates the trigger row for a cluster of clusterSize controllers.
func New(p shm.Provider, clusterSize int, opts Options) (*Trigger, error) {
	if clusterSize < 1 {
		return nil, fmt.Errorf("trigger: cluster size must be at least 1, got %d", clusterSize)
	}
	seg, err := p.Create(shm.Spec{
		Key:   cluster.Key(opts.Namespace, cluster.TriggerName),
		Rows:  1,
		Cols:  colAcks + clusterSize,
		DType: shm.Int64,
		Force: opts.Force,
	})
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	return &Trigger{seg: seg, opts: opts, size: clusterSize}, nil
}

// Step returns the last triggered step.
func (t *Trigger) Step() int64 { return t.seg.LoadInt64(colStep) }

// Trigger starts the next step and returns its number.
func (t *Trigger) Trigger() int64 {
	step := t.Step() + 1
	t.seg.StoreInt64(colStep, step)
	return step
}

// Pending returns the members that have not acknowledged the current step.
func (t *Trigger) Pending() []int {
	step := t.Step()
	var pending []int
	for i := 0; i < t.size; i++ {
		if t.seg.LoadInt64(colAcks+i) != step {
			pending = append(pending, i)
		}
	}
	return pending
}

// WaitAcks blocks until every controller has acknowledged the current step,
// timeout expires (ErrStepTimeout) or ctx is done. A zero timeout waits on
// ctx alone.
func (t *Trigger) WaitAcks(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(t.opts.poll())
	defer ticker.Stop()
	for {
		pending := t.Pending()
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: step %d, waiting on members %v", ErrStepTimeout, t.Step(), pending)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown tells every controller to stop.
func (t *Trigger) Shutdown() {
	t.seg.StoreInt64(colShutdown, 1)
	logf("%s: shutdown requested at step %d", t.seg.Key(), t.Step())
}

// Close releases the shared row. Attached members keep their mapping until
// they close.
func (t *Trigger) Close() error { return t.seg.Release() }

// Member is one controller's view of the trigger.
type Member struct {
	seg    *shm.Segment
	opts   Options
	member int
	seen   int64
}

// Attach waits for the orchestrator's trigger row and returns the handle of
// controller member.
func Attach(ctx context.Context, p shm.Provider, member int, opts Options) (*Member, error) {
	key := cluster.Key(opts.Namespace, cluster.TriggerName)
	seg, err := p.Attach(ctx, key, shm.Int64, opts.Attach)
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", cluster.LayoutErr(err))
	}
	if seg.Rows() != 1 || member < 0 || colAcks+member >= seg.Cols() {
		cols := seg.Cols()
		_ = seg.Release()
		return nil, fmt.Errorf("%w: member %d does not fit trigger row of %d columns", cluster.ErrShapeMismatch, member, cols)
	}
	return &Member{seg: seg, opts: opts, member: member, seen: seg.LoadInt64(colAcks + member)}, nil
}

// Wait blocks until a step newer than the last one returned is triggered
// and returns it. It returns ErrShutdown once shutdown is set.
func (m *Member) Wait(ctx context.Context) (int64, error) {
	ticker := time.NewTicker(m.opts.poll())
	defer ticker.Stop()
	for {
		if m.seg.LoadInt64(colShutdown) != 0 {
			return 0, ErrShutdown
		}
		if step := m.seg.LoadInt64(colStep); step > m.seen {
			m.seen = step
			return step, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ack acknowledges the last step returned by Wait.
func (m *Member) Ack() { m.seg.StoreInt64(colAcks+m.member, m.seen) }

// Close releases the handle.
func (m *Member) Close() error { return m.seg.Release() }
