package handshake

import (
	"context"
	"fmt"
	"slices"

	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

// Server is the orchestrator side. It reads what the client published and
// then fixes the remaining dimensions.
type Server struct {
	handles
	provider shm.Provider

	clusterSize int
	jointNames  []string
	dims        cluster.Dimensions
}

// NewServer returns an idle server.
func NewServer(provider shm.Provider, opts Options) *Server {
	return &Server{handles: handles{opts: opts}, provider: provider}
}

// Handshake attaches to cluster_size, joint_number and joint_names,
// waiting for each within opts.Attach. On failure every handle acquired so
// far is released and the server stays Idle, so the caller may retry. A
// concurrent Close ends the wait.
func (s *Server) Handshake(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase("handshake", Idle); err != nil {
		return err
	}
	logf("server %q: executing handshake", s.opts.Namespace)

	var (
		size  int
		names []string
	)
	err := s.attach(ctx, "handshake", func(ctx context.Context) (held []releaser, err error) {
		size, names, held, err = s.attachClient(ctx)
		return held, err
	})
	if err != nil {
		return err
	}
	s.clusterSize, s.jointNames = size, names
	s.setPhase(DimsAttached)
	logf("server %q: cluster of %d with %d joints", s.opts.Namespace, size, len(names))
	return nil
}

// attachClient runs without s.mu held and touches no server state.
func (s *Server) attachClient(ctx context.Context) (int, []string, []releaser, error) {
	var held []releaser
	fail := func(err error) (int, []string, []releaser, error) {
		return 0, nil, held, fmt.Errorf("handshake: %w", cluster.LayoutErr(err))
	}

	sizeSeg, size, err := shm.AttachScalar(ctx, s.provider, s.key(cluster.ClusterSizeName), s.opts.Attach)
	if err != nil {
		return fail(err)
	}
	held = append(held, sizeSeg)
	if size < 1 {
		return fail(fmt.Errorf("published cluster size %d", size))
	}

	jntSeg, nJnts, err := shm.AttachScalar(ctx, s.provider, s.key(cluster.JointNumberName), s.opts.Attach)
	if err != nil {
		return fail(err)
	}
	held = append(held, jntSeg)
	if nJnts < 0 {
		return fail(fmt.Errorf("published joint number %d", nJnts))
	}

	names := []string{}
	if nJnts > 0 {
		arr, err := shm.AttachStrings(ctx, s.provider, s.key(cluster.JointNamesName), int(nJnts), s.opts.Attach)
		if err != nil {
			return fail(err)
		}
		held = append(held, arr)
		names = arr.Read()
	}
	return int(size), names, held, nil
}

// Finalize creates extra_payload_size and n_contacts. It needs a completed
// Handshake.
func (s *Server) Finalize(extraPayloadSize, nContacts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase("finalize", DimsAttached); err != nil {
		return err
	}

	dims, err := cluster.NewDimensions(cluster.Dimensions{
		ClusterSize:      s.clusterSize,
		NDofs:            len(s.jointNames),
		NContacts:        nContacts,
		ExtraPayloadSize: extraPayloadSize,
		JointNames:       s.jointNames,
	})
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	extra, err := shm.CreateScalar(s.provider, s.key(cluster.ExtraPayloadSizeName), int64(extraPayloadSize), s.opts.Force)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	contacts, err := shm.CreateScalar(s.provider, s.key(cluster.NContactsName), int64(nContacts), s.opts.Force)
	if err != nil {
		_ = extra.Release()
		return fmt.Errorf("finalize: %w", err)
	}
	s.hold(extra)
	s.hold(contacts)

	s.dims = dims
	s.setPhase(Finalized)
	logf("server %q: finalized %s", s.opts.Namespace, dims)
	return nil
}

// ClusterSize returns the size the client published. It needs a completed
// Handshake.
func (s *Server) ClusterSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clusterSize == 0 {
		return 0, fmt.Errorf("%w: cluster size read before handshake", cluster.ErrSetupOrder)
	}
	return s.clusterSize, nil
}

// JointNames returns the joint names the client published. It needs a
// completed Handshake.
func (s *Server) JointNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clusterSize == 0 {
		return nil, fmt.Errorf("%w: joint names read before handshake", cluster.ErrSetupOrder)
	}
	return slices.Clone(s.jointNames), nil
}

// Dimensions returns the agreed dimensions once Finalize has run.
func (s *Server) Dimensions() (cluster.Dimensions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dims.Finalized() {
		return cluster.Dimensions{}, fmt.Errorf("%w: dimensions read before finalize", cluster.ErrSetupOrder)
	}
	d := s.dims
	d.JointNames = slices.Clone(d.JointNames)
	return d, nil
}

// Close releases every handshake handle and interrupts a Handshake still
// waiting on the client. It is idempotent and does not touch the data
// channels.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}
