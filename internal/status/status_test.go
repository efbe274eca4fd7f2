package status

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/cluster-bridge/internal/handshake"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

const bufTarget = "passthrough:///bufnet"

func startBufServer(t *testing.T) (*Server, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New()
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return srv, dialer
}

func healthClient(t *testing.T, dialer grpc.DialOption) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(bufTarget, dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServingStatusFollowsState(t *testing.T) {
	srv, dialer := startBufServer(t)
	c := healthClient(t, dialer)

	const (
		serving    = healthpb.HealthCheckResponse_SERVING
		notServing = healthpb.HealthCheckResponse_NOT_SERVING
	)
	tests := []struct {
		state            State
		overall, handshk healthpb.HealthCheckResponse_ServingStatus
		step             healthpb.HealthCheckResponse_ServingStatus
	}{
		{Booting, notServing, notServing, notServing},
		{Handshaking, notServing, notServing, notServing},
		{Finalized, serving, serving, notServing},
		{Stepping, serving, serving, serving},
		{ShuttingDown, notServing, notServing, notServing},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			srv.SetState(tt.state)
			assert.Equal(t, tt.state, srv.State())
			assert.Equal(t, tt.overall, check(t, c, ""))
			assert.Equal(t, tt.handshk, check(t, c, HandshakeService))
			assert.Equal(t, tt.step, check(t, c, StepService))
		})
	}
}

func TestUnknownService(t *testing.T) {
	_, dialer := startBufServer(t)
	c := healthClient(t, dialer)

	_, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "nope"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
}

func TestFromPhase(t *testing.T) {
	tests := map[handshake.Phase]State{
		handshake.Idle:               Booting,
		handshake.SizePublished:      Handshaking,
		handshake.JointInfoPublished: Handshaking,
		handshake.DimsAttached:       Handshaking,
		handshake.Finalized:          Finalized,
		handshake.Closed:             ShuttingDown,
	}
	for phase, want := range tests {
		assert.Equal(t, want, FromPhase(phase), phase.String())
	}

	srv := New()
	defer srv.Stop()
	srv.SetPhase(handshake.DimsAttached)
	assert.Equal(t, Handshaking, srv.State())
}

func TestWaitServing(t *testing.T) {
	srv, dialer := startBufServer(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		srv.SetState(Stepping)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitServing(ctx, bufTarget, StepService, 5*time.Millisecond, dialer))
}

func TestWaitServingTimesOut(t *testing.T) {
	_, dialer := startBufServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := WaitServing(ctx, bufTarget, "", 5*time.Millisecond, dialer)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServeTwiceAndStopTwice(t *testing.T) {
	srv, _ := startBufServer(t)
	assert.Error(t, srv.Serve(bufconn.Listen(1024)))
	assert.NotNil(t, srv.Addr())

	srv.Stop()
	srv.Stop()
	assert.Equal(t, ShuttingDown, srv.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "shutting_down", ShuttingDown.String())
	assert.Equal(t, "state(9)", State(9).String())
}
