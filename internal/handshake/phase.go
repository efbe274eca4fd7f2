// Package handshake lets the orchestrator and the controller launcher agree
// on the cluster dimensions before any data channel exists.
//
// The client publishes cluster_size, joint_number and joint_names. The
// server attaches to them, then creates extra_payload_size and n_contacts,
// which the client waits for. Both sides end up with the same finalized
// cluster.Dimensions.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

var logf = monitoring.Tagged("handshake")

// Phase is a handshake lifecycle step. Phases only move forward.
type Phase int

const (
	Idle Phase = iota
	// SizePublished: the client created cluster_size.
	SizePublished
	// JointInfoPublished: the client created joint_names and joint_number.
	JointInfoPublished
	// DimsAttached: the server read every client handle.
	DimsAttached
	// Finalized: extra_payload_size and n_contacts exist and both sides
	// hold the same dimensions.
	Finalized
	Closed
)

var phaseNames = [...]string{
	Idle:               "idle",
	SizePublished:      "size_published",
	JointInfoPublished: "joint_info_published",
	DimsAttached:       "dims_attached",
	Finalized:          "finalized",
	Closed:             "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Options configures either side of the handshake.
type Options struct {
	Namespace string

	// Attach bounds every wait for the peer's handles.
	Attach shm.AttachOptions

	// Force replaces stale handles left by a previous run.
	Force bool

	// OnPhase, when set, is called after every phase change with the new
	// phase. It runs with the handshake lock held and must not call back.
	OnPhase func(Phase)
}

type releaser interface{ Release() error }

// handles is the set of shared buffers one side holds open, released in
// reverse order of acquisition.
type handles struct {
	mu    sync.Mutex
	phase Phase
	held  []releaser
	opts  Options

	// cancel interrupts the attach in flight, if any.
	cancel context.CancelFunc
}

func (h *handles) key(name string) shm.Key { return cluster.Key(h.opts.Namespace, name) }

func (h *handles) hold(r releaser) { h.held = append(h.held, r) }

// attach runs fn with h.mu released so that Close can interrupt a wait on
// the peer. The handles fn returns are kept only if it succeeded and Close
// did not run meanwhile; otherwise they are released. Must be called with
// h.mu held, and returns with it held.
func (h *handles) attach(ctx context.Context, op string, fn func(context.Context) ([]releaser, error)) error {
	if h.cancel != nil {
		return fmt.Errorf("%w: %s while another attach is running", cluster.ErrSetupOrder, op)
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()
	acquired, err := fn(ctx)
	cancel()
	h.mu.Lock()
	h.cancel = nil

	if h.phase == Closed {
		err = fmt.Errorf("%w: %s interrupted by close", cluster.ErrSetupOrder, op)
	}
	if err != nil {
		for _, r := range slices.Backward(acquired) {
			_ = r.Release()
		}
		return err
	}
	h.held = append(h.held, acquired...)
	return nil
}

// close cancels any attach in flight and releases every handle. Must be
// called with h.mu held.
func (h *handles) close() error {
	if h.phase == Closed {
		return nil
	}
	if h.cancel != nil {
		h.cancel()
	}
	err := h.releaseAll()
	h.setPhase(Closed)
	return err
}

// setPhase must be called with h.mu held.
func (h *handles) setPhase(p Phase) {
	h.phase = p
	if h.opts.OnPhase != nil {
		h.opts.OnPhase(p)
	}
}

// Phase returns the current phase.
func (h *handles) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *handles) requirePhase(op string, want Phase) error {
	if h.phase == Closed {
		return fmt.Errorf("%w: %s after close", cluster.ErrSetupOrder, op)
	}
	if h.phase != want {
		return fmt.Errorf("%w: %s needs phase %s, handshake is %s", cluster.ErrSetupOrder, op, want, h.phase)
	}
	return nil
}

func (h *handles) releaseAll() error {
	var errs []error
	for i := len(h.held) - 1; i >= 0; i-- {
		if err := h.held[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	h.held = nil
	return errors.Join(errs...)
}
