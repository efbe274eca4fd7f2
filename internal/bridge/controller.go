package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/cluster-bridge/internal/channels"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/handshake"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
	"github.com/banshee-data/cluster-bridge/internal/trigger"
)

var ctrlLogf = monitoring.Tagged("controller")

// ControllerChannels are one controller's handles. Each controller owns
// its working buffers and writes only its own member row.
type ControllerChannels struct {
	Member   int
	State    *channels.State
	Refs     *channels.TaskRefs
	Commands *channels.Command
	JntImp   *channels.JntImp
}

// ControllerConfig configures RunController.
type ControllerConfig struct {
	Namespace string
	Provider  shm.Provider
	Attach    shm.AttachOptions
	Force     bool

	ClusterSize int
	JointNames  []string

	// Ready, if set, runs after the handshake and before the controllers
	// attach to the data channels.
	Ready func(ctx context.Context) error

	// Compute fills the member's command and debug rows from the state
	// and references it just pulled. Nil selects OffsetCommands.
	Compute func(step int64, ch ControllerChannels) error
}

// OffsetCommands is a placeholder control law: the position, velocity and
// effort references are the measured joint positions offset by 10, 11 and
// 12. The joint-impedance row mirrors the tracked positions and errors.
func OffsetCommands(_ int64, ch ControllerChannels) error {
	r := ch.Member
	q := ch.State.Joints.Q
	if q.Empty() {
		return nil
	}
	cmd := ch.Commands.Joints
	imp := ch.JntImp
	for j, x := range q.Row(r) {
		cmd.Q.Set(r, j, x+10)
		cmd.V.Set(r, j, x+11)
		cmd.Eff.Set(r, j, x+12)

		imp.Pos.Set(r, j, x)
		imp.PosRef.Set(r, j, x+10)
		imp.PosErr.Set(r, j, 10)
		imp.Eff.Set(r, j, x+12)
	}
	return nil
}

// RunController publishes the controller side of the handshake, then runs
// one controller per cluster member until the orchestrator shuts the
// cluster down or ctx is done. It returns the steps each member completed.
func RunController(ctx context.Context, cfg ControllerConfig) ([]int64, error) {
	if cfg.Provider == nil {
		return nil, errors.New("controller needs a shared buffer provider")
	}
	if cfg.Compute == nil {
		cfg.Compute = OffsetCommands
	}

	client, err := handshake.NewClient(cfg.Provider, len(cfg.JointNames), handshake.Options{
		Namespace: cfg.Namespace,
		Attach:    cfg.Attach,
		Force:     cfg.Force,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Publish(cfg.ClusterSize, cfg.JointNames); err != nil {
		return nil, err
	}
	if err := client.Await(ctx); err != nil {
		return nil, err
	}
	dims, err := client.Dimensions()
	if err != nil {
		return nil, err
	}
	if cfg.Ready != nil {
		if err := cfg.Ready(ctx); err != nil {
			return nil, fmt.Errorf("wait for orchestrator: %w", err)
		}
	}

	steps := make([]int64, dims.ClusterSize)
	g, gctx := errgroup.WithContext(ctx)
	for member := range dims.ClusterSize {
		g.Go(func() error {
			n, err := runMember(gctx, cfg, dims, member)
			steps[member] = n
			if err != nil {
				return fmt.Errorf("controller %d: %w", member, err)
			}
			return nil
		})
	}
	err = g.Wait()
	ctrlLogf("%q controllers stopped after %v steps", cfg.Namespace, steps)
	return steps, err
}

func runMember(ctx context.Context, cfg ControllerConfig, dims cluster.Dimensions, member int) (int64, error) {
	opts := channels.Options{
		Namespace: cfg.Namespace,
		Provider:  cfg.Provider,
		Role:      channels.Controller,
		Member:    member,
		Attach:    cfg.Attach,
	}
	ch, closeChannels, err := attachControllerChannels(ctx, dims, opts)
	if err != nil {
		return 0, setupErr(ctx, err)
	}
	defer closeChannels()

	trig, err := trigger.Attach(ctx, cfg.Provider, member, trigger.Options{
		Namespace: cfg.Namespace,
		Attach:    cfg.Attach,
	})
	if err != nil {
		return 0, setupErr(ctx, err)
	}
	defer trig.Close()

	var steps int64
	for {
		step, err := trig.Wait(ctx)
		switch {
		case errors.Is(err, trigger.ErrShutdown):
			return steps, nil
		case err != nil:
			if ctx.Err() != nil {
				return steps, nil
			}
			return steps, err
		}

		if err := ch.State.Synch(); err != nil {
			return steps, err
		}
		if err := ch.Refs.Synch(); err != nil {
			return steps, err
		}
		if err := cfg.Compute(step, ch); err != nil {
			return steps, fmt.Errorf("step %d: %w", step, err)
		}
		if err := ch.Commands.Synch(); err != nil {
			return steps, err
		}
		if err := ch.JntImp.Synch(); err != nil {
			return steps, err
		}
		trig.Ack()
		steps++
	}
}

// setupErr drops errors caused by ctx ending while a member was still
// attaching.
func setupErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// attachControllerChannels builds and attaches every data channel for one
// member. The returned func terminates them.
func attachControllerChannels(ctx context.Context, dims cluster.Dimensions, opts channels.Options) (ControllerChannels, func(), error) {
	ch := ControllerChannels{Member: opts.Member}
	var (
		started []interface{ Terminate() error }
		err     error
	)
	closeAll := func() {
		for _, c := range slices.Backward(started) {
			if err := c.Terminate(); err != nil {
				ctrlLogf("terminate: %v", err)
			}
		}
	}

	if ch.State, err = channels.NewState(dims, opts); err != nil {
		return ch, nil, err
	}
	if ch.Refs, err = channels.NewTaskRefs(dims, opts); err != nil {
		return ch, nil, err
	}
	if ch.Commands, err = channels.NewCommand(dims, opts); err != nil {
		return ch, nil, err
	}
	if ch.JntImp, err = channels.NewJntImp(dims, opts); err != nil {
		return ch, nil, err
	}

	for _, c := range []interface {
		Start(context.Context) error
		Terminate() error
	}{ch.State, ch.Refs, ch.Commands, ch.JntImp} {
		started = append(started, c)
		if err := c.Start(ctx); err != nil {
			closeAll()
			return ch, nil, err
		}
	}
	return ch, closeAll, nil
}
