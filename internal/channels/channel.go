// Package channels defines the per-step data channels shared between the
// orchestrator and the controllers: measured state, computed commands and
// task references, plus the joint-impedance debug channel.
//
// Each channel keeps a working aggregate buffer in process memory and one
// shared segment of the same shape. Synch moves the whole buffer between
// them and returns only once the destination is complete. It does not
// serialise concurrent writers; callers need a step boundary from the
// trigger protocol before calling it.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/cluster-bridge/internal/aggregate"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

var logf = monitoring.Tagged("channels")

// Role says which side of the cluster a channel handle lives on.
type Role int

const (
	// Orchestrator creates (owns) every data channel.
	Orchestrator Role = iota
	// Controller attaches to channels created by the orchestrator.
	Controller
)

func (r Role) String() string {
	switch r {
	case Orchestrator:
		return "orchestrator"
	case Controller:
		return "controller"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Options configures a channel handle.
type Options struct {
	Namespace string
	Provider  shm.Provider
	Role      Role

	// Member is the row a controller-side handle writes. It is ignored on
	// the orchestrator side.
	Member int

	// Attach bounds the wait for the orchestrator's segment on the
	// controller side.
	Attach shm.AttachOptions

	// Device moves data between working memory and the shared segment.
	// Nil selects Host.
	Device Device

	// Force replaces a stale segment left by a previous run.
	Force bool
}

func (o Options) validate(dims cluster.Dimensions) error {
	if o.Provider == nil {
		return errors.New("channel options need a shared buffer provider")
	}
	if o.Role == Controller && (o.Member < 0 || o.Member >= dims.ClusterSize) {
		return fmt.Errorf("controller member %d outside cluster of %d", o.Member, dims.ClusterSize)
	}
	return nil
}

// channel is the part every data channel shares: working buffer, shared
// segment, and the start/synch/terminate lifecycle.
type channel struct {
	name   string
	key    shm.Key
	opts   Options
	device Device
	writer Role
	local  *aggregate.Buffer

	mu         sync.Mutex
	seg        *shm.Segment
	shared     *mat.Dense
	terminated bool
}

func newChannel(name string, dims cluster.Dimensions, opts Options, writer Role, layout aggregate.Layout) (*channel, error) {
	if err := dims.RequireFinalized(name + " channel"); err != nil {
		return nil, err
	}
	if err := opts.validate(dims); err != nil {
		return nil, fmt.Errorf("%s channel: %w", name, err)
	}
	local, err := aggregate.NewBuffer(dims.ClusterSize, layout)
	if err != nil {
		return nil, fmt.Errorf("%s channel: %w", name, err)
	}
	device := opts.Device
	if device == nil {
		device = Host{}
	}
	return &channel{
		name:   name,
		key:    cluster.Key(opts.Namespace, name),
		opts:   opts,
		device: device,
		writer: writer,
		local:  local,
	}, nil
}

// Name returns the channel name.
func (c *channel) Name() string { return c.name }

// Buffer returns the working aggregate buffer the views point into.
func (c *channel) Buffer() *aggregate.Buffer { return c.local }

// Rows returns the number of cluster members.
func (c *channel) Rows() int { return c.local.Rows() }

// Width returns the total column count of the channel.
func (c *channel) Width() int { return c.local.Cols() }

// Start creates the shared segment on the orchestrator side or attaches to
// it on the controller side. Calling it again after success is a no-op.
func (c *channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s channel already terminated", cluster.ErrSetupOrder, c.name)
	}
	if c.seg != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// attach may block, so it runs without the lock so Terminate never waits
	// on it
	seg, err := c.open(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated || c.seg != nil {
		_ = seg.Release()
		if c.terminated {
			return fmt.Errorf("%w: %s channel terminated during start", cluster.ErrSetupOrder, c.name)
		}
		return nil
	}
	c.seg = seg
	c.shared = seg.Dense()
	logf("%s %s channel started (%dx%d)", c.opts.Role, c.key, c.Rows(), c.Width())
	return nil
}

func (c *channel) open(ctx context.Context) (*shm.Segment, error) {
	if c.opts.Role == Orchestrator {
		seg, err := c.opts.Provider.Create(shm.Spec{
			Key:   c.key,
			Rows:  c.Rows(),
			Cols:  c.Width(),
			DType: shm.Float64,
			Force: c.opts.Force,
		})
		if err != nil {
			return nil, fmt.Errorf("start %s channel: %w", c.name, err)
		}
		return seg, nil
	}

	seg, err := c.opts.Provider.Attach(ctx, c.key, shm.Float64, c.opts.Attach)
	if err != nil {
		return nil, fmt.Errorf("start %s channel: %w", c.name, cluster.LayoutErr(err))
	}
	if seg.Rows() != c.Rows() || seg.Cols() != c.Width() {
		rows, cols := seg.Rows(), seg.Cols()
		_ = seg.Release()
		return nil, fmt.Errorf("%w: shared %s is %dx%d, local layout is %dx%d",
			cluster.ErrShapeMismatch, c.key, rows, cols, c.Rows(), c.Width())
	}
	return seg, nil
}

// Started reports whether Start succeeded and Terminate has not run.
func (c *channel) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seg != nil
}

// Synch pushes the working buffer to shared memory on the side that writes
// this channel and pulls it on the side that reads it.
func (c *channel) Synch() error {
	if c.opts.Role == c.writer {
		return c.Push()
	}
	return c.Pull()
}

// Push copies working memory into the shared segment and publishes it. A
// controller-side handle on a controller-written channel copies only its
// own member row so that it never overwrites its siblings.
func (c *channel) Push() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStarted("push"); err != nil {
		return err
	}
	if c.shared != nil {
		src := c.local.Dense()
		if c.opts.Role == Controller && c.writer == Controller {
			r, cols := c.opts.Member, c.Width()
			c.device.Upload(c.shared.Slice(r, r+1, 0, cols).(*mat.Dense), src.Slice(r, r+1, 0, cols))
		} else {
			c.device.Upload(c.shared, src)
		}
	}
	if err := c.device.Synchronize(); err != nil {
		return fmt.Errorf("push %s channel: %w", c.name, err)
	}
	c.seg.Commit()
	return nil
}

// Pull copies the shared segment into working memory. It returns once
// working memory holds a complete copy.
func (c *channel) Pull() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireStarted("pull"); err != nil {
		return err
	}
	c.seg.Seq()
	if c.shared != nil {
		c.device.Download(c.local.Dense(), c.shared)
	}
	if err := c.device.Synchronize(); err != nil {
		return fmt.Errorf("pull %s channel: %w", c.name, err)
	}
	return nil
}

// Seq returns how many pushes the shared segment has seen, or zero before
// Start.
func (c *channel) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return 0
	}
	return c.seg.Seq()
}

func (c *channel) requireStarted(op string) error {
	if c.seg == nil {
		return fmt.Errorf("%w: %s on %s channel before start", cluster.ErrSetupOrder, op, c.name)
	}
	return nil
}

// Terminate releases the shared segment. It is idempotent and safe to call
// without a successful Start. The working buffer and its views stay
// readable.
func (c *channel) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil
	}
	c.terminated = true
	seg := c.seg
	c.seg, c.shared = nil, nil
	if seg == nil {
		return nil
	}
	logf("%s %s channel terminated", c.opts.Role, c.key)
	return seg.Release()
}
