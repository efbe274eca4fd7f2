// Package bridge runs the two sides of a control cluster: the orchestrator
// that owns the data channels and paces the steps, and the controller
// launcher that hosts one controller per cluster member.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/cluster-bridge/internal/channels"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/handshake"
	"github.com/banshee-data/cluster-bridge/internal/journal"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
	"github.com/banshee-data/cluster-bridge/internal/status"
	"github.com/banshee-data/cluster-bridge/internal/trigger"
)

var orchLogf = monitoring.Tagged("orchestrator")

// Session end reasons recorded in the journal.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
)

// OrchestratorChannels are the orchestrator's handles for one step.
type OrchestratorChannels struct {
	State    *channels.State
	Refs     *channels.TaskRefs
	Commands *channels.Command
	JntImp   *channels.JntImp
}

// OrchestratorConfig configures RunOrchestrator.
type OrchestratorConfig struct {
	Namespace string
	Provider  shm.Provider
	Attach    shm.AttachOptions
	Force     bool

	ExtraPayloadSize int
	NContacts        int

	StepTimeout time.Duration
	StepPeriod  time.Duration
	// MaxSteps stops the loop after that many steps; zero runs until ctx
	// is done.
	MaxSteps int64
	// TimingSampleEvery journals one ack wait every that many steps.
	TimingSampleEvery int

	// Journal and Status are optional.
	Journal *journal.Journal
	Status  *status.Server

	// Prepare fills state and references before a step is triggered. Nil
	// selects SimulateState.
	Prepare func(step int64, ch OrchestratorChannels)
	// Collect reads the commands once every controller acknowledged the
	// step. Optional.
	Collect func(step int64, ch OrchestratorChannels)
}

// SimulateState writes a ramp into joint positions: member r sees
// step + r in its first joint.
func SimulateState(step int64, ch OrchestratorChannels) {
	q := ch.State.Joints.Q
	if q.Empty() {
		return
	}
	for r := 0; r < q.Rows(); r++ {
		q.Set(r, 0, float64(step)+float64(r))
	}
}

// RunOrchestrator performs the handshake, creates every data channel and
// steps the cluster until MaxSteps or ctx is done. It returns the number
// of completed steps.
func RunOrchestrator(ctx context.Context, cfg OrchestratorConfig) (int64, error) {
	if cfg.Provider == nil {
		return 0, errors.New("orchestrator needs a shared buffer provider")
	}
	if cfg.Prepare == nil {
		cfg.Prepare = SimulateState
	}

	var session uuid.UUID
	if cfg.Journal != nil {
		id, err := cfg.Journal.BeginSession(cfg.Namespace)
		if err != nil {
			return 0, err
		}
		session = id
	}

	steps, err := runOrchestrator(ctx, cfg, session)

	if cfg.Status != nil {
		cfg.Status.SetState(status.ShuttingDown)
	}
	if cfg.Journal != nil {
		reason := ReasonCompleted
		switch {
		case err != nil:
			reason = err.Error()
		case ctx.Err() != nil:
			reason = ReasonInterrupted
		}
		if jerr := cfg.Journal.EndSession(session, steps, reason); jerr != nil {
			orchLogf("failed to end session: %v", jerr)
		}
	}
	return steps, err
}

func runOrchestrator(ctx context.Context, cfg OrchestratorConfig, session uuid.UUID) (int64, error) {
	hsOpts := handshake.Options{Namespace: cfg.Namespace, Attach: cfg.Attach, Force: cfg.Force}
	if cfg.Status != nil {
		cfg.Status.SetState(status.Handshaking)
		hsOpts.OnPhase = cfg.Status.SetPhase
	}
	srv := handshake.NewServer(cfg.Provider, hsOpts)
	defer srv.Close()

	if err := srv.Handshake(ctx); err != nil {
		return 0, err
	}
	if err := srv.Finalize(cfg.ExtraPayloadSize, cfg.NContacts); err != nil {
		return 0, err
	}
	dims, err := srv.Dimensions()
	if err != nil {
		return 0, err
	}
	if cfg.Journal != nil {
		if err := cfg.Journal.MarkFinalized(session, dims); err != nil {
			orchLogf("failed to journal dimensions: %v", err)
		}
	}

	chOpts := channels.Options{
		Namespace: cfg.Namespace,
		Provider:  cfg.Provider,
		Role:      channels.Orchestrator,
		Force:     cfg.Force,
	}
	ch, closeChannels, err := openOrchestratorChannels(ctx, dims, chOpts)
	if err != nil {
		return 0, err
	}
	defer closeChannels()

	trig, err := trigger.New(cfg.Provider, dims.ClusterSize, trigger.Options{
		Namespace:    cfg.Namespace,
		PollInterval: time.Millisecond,
		Force:        cfg.Force,
	})
	if err != nil {
		return 0, err
	}
	defer trig.Close()
	defer trig.Shutdown()

	if cfg.Status != nil {
		cfg.Status.SetState(status.Stepping)
	}
	orchLogf("%q stepping %s", cfg.Namespace, dims)

	var ticker *time.Ticker
	if cfg.StepPeriod > 0 {
		ticker = time.NewTicker(cfg.StepPeriod)
		defer ticker.Stop()
	}

	var steps int64
	for cfg.MaxSteps == 0 || steps < cfg.MaxSteps {
		if ctx.Err() != nil {
			return steps, nil
		}

		step := trig.Step() + 1
		cfg.Prepare(step, ch)
		if err := ch.State.Synch(); err != nil {
			return steps, err
		}
		if err := ch.Refs.Synch(); err != nil {
			return steps, err
		}

		timeout := cfg.StepTimeout
		if steps == 0 && cfg.Attach.Timeout > timeout {
			// controllers may still be attaching
			timeout = cfg.Attach.Timeout
		}
		trig.Trigger()
		start := time.Now()
		if err := trig.WaitAcks(ctx, timeout); err != nil {
			if ctx.Err() != nil {
				return steps, nil
			}
			return steps, fmt.Errorf("step %d: %w", step, err)
		}
		wait := time.Since(start)

		if err := ch.Commands.Synch(); err != nil {
			return steps, err
		}
		if err := ch.JntImp.Synch(); err != nil {
			return steps, err
		}
		if cfg.Collect != nil {
			cfg.Collect(step, ch)
		}
		steps++

		if cfg.Journal != nil && cfg.TimingSampleEvery > 0 && step%int64(cfg.TimingSampleEvery) == 0 {
			if err := cfg.Journal.RecordStepTiming(session, step, wait); err != nil {
				orchLogf("failed to journal step timing: %v", err)
			}
			if err := cfg.Journal.RecordSteps(session, steps); err != nil {
				orchLogf("failed to journal steps: %v", err)
			}
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return steps, nil
			case <-ticker.C:
			}
		}
	}
	orchLogf("%q completed %d steps", cfg.Namespace, steps)
	return steps, nil
}

// openOrchestratorChannels creates and starts every data channel. The
// returned func terminates them.
func openOrchestratorChannels(ctx context.Context, dims cluster.Dimensions, opts channels.Options) (OrchestratorChannels, func(), error) {
	var (
		ch      OrchestratorChannels
		started []interface{ Terminate() error }
		err     error
	)
	closeAll := func() {
		for _, c := range slices.Backward(started) {
			if err := c.Terminate(); err != nil {
				orchLogf("terminate: %v", err)
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
