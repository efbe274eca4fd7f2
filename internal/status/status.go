// Package status serves the orchestrator lifecycle over the standard gRPC
// health protocol so supervisors and controllers can tell when the cluster
// is up.
package status

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/cluster-bridge/internal/handshake"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
)

var logf = monitoring.Tagged("status")

// Service names reported besides the overall ("") status.
const (
	HandshakeService = "clusterbridge.Handshake"
	StepService      = "clusterbridge.Step"
)

// State is the orchestrator lifecycle as seen from outside.
type State int

const (
	Booting State = iota
	Handshaking
	Finalized
	Stepping
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Booting:
		return "booting"
	case Handshaking:
		return "handshaking"
	case Finalized:
		return "finalized"
	case Stepping:
		return "stepping"
	case ShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FromPhase maps a handshake phase to the lifecycle state it implies.
func FromPhase(p handshake.Phase) State {
	switch p {
	case handshake.Idle:
		return Booting
	case handshake.Finalized:
		return Finalized
	case handshake.Closed:
		return ShuttingDown
	default:
		return Handshaking
	}
}

// Server is the health endpoint.
type Server struct {
	health *health.Server
	server *grpc.Server

	mu       sync.Mutex
	state    State
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// New returns a server reporting Booting.
func New() *Server {
	s := &Server{
		health: health.NewServer(),
		server: grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.apply(Booting)
	return s
}

// State returns the last state set.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState publishes a new lifecycle state.
func (s *Server) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == s.state {
		return
	}
	logf("%s -> %s", s.state, st)
	s.apply(st)
}

// SetPhase publishes the state implied by a handshake phase. It fits
// handshake.Options.OnPhase.
func (s *Server) SetPhase(p handshake.Phase) { s.SetState(FromPhase(p)) }

// apply must be called with s.mu held (or before the server is shared).
func (s *Server) apply(st State) {
	s.state = st

	serving := func(ok bool) healthpb.HealthCheckResponse_ServingStatus {
		if ok {
			return healthpb.HealthCheckResponse_SERVING
		}
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	up := st == Finalized || st == Stepping
	s.health.SetServingStatus("", serving(up))
	s.health.SetServingStatus(HandshakeService, serving(up))
	s.health.SetServingStatus(StepService, serving(st == Stepping))
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background until Stop.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("status server already running")
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("health service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// stopGrace bounds GracefulStop; open Watch streams would otherwise hold
// it forever.
const stopGrace = 2 * time.Second

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	s.state = ShuttingDown
	s.mu.Unlock()
	s.health.Shutdown()
	if !s.running.Swap(false) {
		return
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.server.Stop()
		<-done
	}
	s.wg.Wait()
	logf("health service stopped")
}

// WaitServing polls the health service at target until service reports
// SERVING or ctx is done. Extra dial options are appended after insecure
// transport credentials.
func WaitServing(ctx context.Context, target, service string, every time.Duration, opts ...grpc.DialOption) error {
	conn, err := grpc.NewClient(target, append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	if every <= 0 {
		every = 100 * time.Millisecond
	}
	client := healthpb.NewHealthClient(conn)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("%s not serving: %w (last error: %v)", target, ctx.Err(), err)
			}
			return fmt.Errorf("%s not serving: %w", target, ctx.Err())
		case <-ticker.C:
		}
	}
}
