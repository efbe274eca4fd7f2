package shm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/cluster-bridge/internal/monitoring"
)

var logf = monitoring.Tagged("shm")

const (
	// DefaultPollInterval matches the retry period used by peers that wait
	// for an owner during setup.
	DefaultPollInterval = 100 * time.Millisecond
)

// Provider creates and attaches shared segments.
type Provider interface {
	// Create makes a new segment owned by the caller.
	Create(spec Spec) (*Segment, error)

	// Attach waits for a segment created by another handle and maps it.
	// It fails with ErrAttachTimeout when the segment does not appear in
	// time.
	Attach(ctx context.Context, key Key, dtype DType, opts AttachOptions) (*Segment, error)
}

// AttachOptions bounds an attach.
type AttachOptions struct {
	// Timeout is the total time to wait. Zero waits until ctx is done.
	Timeout time.Duration

	// PollInterval is the delay between attempts.
	PollInterval time.Duration
}

func (o AttachOptions) withDefaults() AttachOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// attachLoop calls try until it returns something other than errNotReady
// or the bound expires.
func attachLoop(ctx context.Context, key Key, opts AttachOptions, try func() (*Segment, error)) (*Segment, error) {
	opts = opts.withDefaults()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	waiting := false
	for {
		seg, err := try()
		if err == nil {
			if waiting {
				logf("attached %s after %v", key, time.Since(start).Round(time.Millisecond))
			}
			return seg, nil
		}
		if !errors.Is(err, errNotReady) {
			return nil, err
		}
		if !waiting {
			logf("waiting for %s (poll every %v)", key, opts.PollInterval)
			waiting = true
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %v", ErrAttachTimeout, key, time.Since(start).Round(time.Millisecond))
			}
			return nil, fmt.Errorf("attach %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func checkAttached(seg *Segment, dtype DType) error {
	if seg.DType() != dtype {
		return fmt.Errorf("%w: %s is %s, want %s", ErrDType, seg.key, seg.DType(), dtype)
	}
	return nil
}

// CreateScalar creates a 1x1 int64 segment holding v.
func CreateScalar(p Provider, key Key, v int64, force bool) (*Segment, error) {
	return p.Create(Spec{
		Key:   key,
		Rows:  1,
		Cols:  1,
		DType: Int64,
		Force: force,
		Init:  func(s *Segment) { s.StoreInt64(0, v) },
	})
}

// AttachScalar attaches a 1x1 int64 segment and returns it with its value.
func AttachScalar(ctx context.Context, p Provider, key Key, opts AttachOptions) (*Segment, int64, error) {
	seg, err := p.Attach(ctx, key, Int64, opts)
	if err != nil {
		return nil, 0, err
	}
	if seg.Rows() != 1 || seg.Cols() != 1 {
		rows, cols := seg.Rows(), seg.Cols()
		_ = seg.Release()
		return nil, 0, fmt.Errorf("%w: %s is %dx%d, want 1x1", ErrShape, key, rows, cols)
	}
	return seg, seg.LoadInt64(0), nil
}
