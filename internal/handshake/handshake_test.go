package handshake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cluster-bridge/internal/channels"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

func init() {
	monitoring.SetLogger(nil)
}

var joints = []string{"hip_x", "hip_y", "knee", "ankle", "wrist_1", "wrist_2", "wrist_3"}

func testOpts() Options {
	return Options{
		Namespace: "hs",
		Attach:    shm.AttachOptions{Timeout: 2 * time.Second, PollInterval: time.Millisecond},
	}
}

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (l *phaseLog) record(p Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases = append(l.phases, p)
}

func (l *phaseLog) get() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Phase(nil), l.phases...)
}

// runHandshake performs the full exchange with the server waiting before
// the client publishes.
func runHandshake(t *testing.T, p shm.Provider, names []string, extra, contacts int) (*Server, *Client) {
	t.Helper()
	srv := NewServer(p, testOpts())
	cli, err := NewClient(p, len(names), testOpts())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Handshake(context.Background()) }()

	require.NoError(t, cli.Publish(4, names))
	require.NoError(t, <-done)
	require.NoError(t, srv.Finalize(extra, contacts))
	require.NoError(t, cli.Await(context.Background()))
	return srv, cli
}

func TestHandshakeAgreesOnDimensions(t *testing.T) {
	p := shm.NewMemoryProvider()
	srv, cli := runHandshake(t, p, joints, 16, 4)
	defer srv.Close()
	defer cli.Close()

	want, err := cluster.NewDimensions(cluster.Dimensions{
		ClusterSize:      4,
		NDofs:            7,
		NContacts:        4,
		ExtraPayloadSize: 16,
		JointNames:       joints,
	})
	require.NoError(t, err)

	for side, dimsFn := range map[string]func() (cluster.Dimensions, error){
		"server": srv.Dimensions,
		"client": cli.Dimensions,
	} {
		got, err := dimsFn()
		require.NoError(t, err, side)
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(cluster.Dimensions{})); diff != "" {
			t.Errorf("%s dimensions mismatch (-want +got):\n%s", side, diff)
		}
	}

	size, err := srv.ClusterSize()
	require.NoError(t, err)
	assert.Equal(t, 4, size)
	names, err := srv.JointNames()
	require.NoError(t, err)
	assert.Equal(t, joints, names)
}

func TestHandshakeOverMmap(t *testing.T) {
	p := shm.NewMmapProvider(t.TempDir())
	check, err := p.Create(shm.Spec{Key: shm.Key{Namespace: "mmapcheck", Name: "available"}, Rows: 1, Cols: 1, DType: shm.Int64})
	if err != nil {
		t.Skipf("mmap provider not available: %v", err)
	}
	require.NoError(t, check.Release())

	srv, cli := runHandshake(t, p, joints[:3], 0, 2)
	defer srv.Close()
	defer cli.Close()

	d, err := cli.Dimensions()
	require.NoError(t, err)
	assert.Equal(t, 3, d.NDofs)
	assert.Equal(t, 2, d.NContacts)
	assert.Equal(t, []string{"hip_x", "hip_y", "knee"}, d.JointNames)
}

func TestPublishChecksNamesFirst(t *testing.T) {
	p := shm.NewMemoryProvider()
	cli, err := NewClient(p, 7, testOpts())
	require.NoError(t, err)

	err = cli.Publish(4, joints[:6])
	assert.ErrorIs(t, err, cluster.ErrShapeMismatch)
	assert.Equal(t, 0, p.Len(), "nothing may be created")
	assert.Equal(t, Idle, cli.Phase())

	require.NoError(t, cli.Publish(4, joints))
	assert.Equal(t, 3, p.Len())
	assert.ErrorIs(t, cli.Publish(4, joints), cluster.ErrSetupOrder)
	require.NoError(t, cli.Close())
	assert.Equal(t, 0, p.Len())
}

func TestOutOfOrderCalls(t *testing.T) {
	p := shm.NewMemoryProvider()
	srv := NewServer(p, testOpts())
	cli, err := NewClient(p, 0, testOpts())
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Finalize(0, 0), cluster.ErrSetupOrder)
	assert.ErrorIs(t, cli.Await(context.Background()), cluster.ErrSetupOrder)

	_, err = srv.Dimensions()
	assert.ErrorIs(t, err, cluster.ErrSetupOrder)
	_, err = cli.Dimensions()
	assert.ErrorIs(t, err, cluster.ErrSetupOrder)
	_, err = srv.ClusterSize()
	assert.ErrorIs(t, err, cluster.ErrSetupOrder)
	_, err = srv.JointNames()
	assert.ErrorIs(t, err, cluster.ErrSetupOrder)

	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.Handshake(context.Background()), cluster.ErrSetupOrder)
	assert.Equal(t, 0, p.Len())
}

func TestNewClientRejectsNegativeJoints(t *testing.T) {
	_, err := NewClient(shm.NewMemoryProvider(), -1, testOpts())
	assert.Error(t, err)
}

func TestServerTimesOutWithoutClient(t *testing.T) {
	p := shm.NewMemoryProvider()
	opts := testOpts()
	opts.Attach.Timeout = 20 * time.Millisecond
	srv := NewServer(p, opts)

	err := srv.Handshake(context.Background())
	assert.ErrorIs(t, err, cluster.ErrAttachTimeout)
	assert.Equal(t, Idle, srv.Phase())
}

func TestServerReleasesPartialAttachOnTimeout(t *testing.T) {
	p := shm.NewMemoryProvider()
	opts := testOpts()
	opts.Attach.Timeout = 20 * time.Millisecond

	// only cluster_size exists
	size, err := shm.CreateScalar(p, cluster.Key("hs", cluster.ClusterSizeName), 2, false)
	require.NoError(t, err)
	defer size.Release()

	srv := NewServer(p, opts)
	assert.ErrorIs(t, srv.Handshake(context.Background()), cluster.ErrAttachTimeout)
	assert.Empty(t, srv.held)
	assert.Equal(t, Idle, srv.Phase())
}

func TestAwaitRetriesAfterTimeout(t *testing.T) {
	p := shm.NewMemoryProvider()
	opts := testOpts()
	opts.Attach.Timeout = 20 * time.Millisecond

	srv := NewServer(p, testOpts())
	cli, err := NewClient(p, 2, opts)
	require.NoError(t, err)
	defer cli.Close()
	defer srv.Close()

	require.NoError(t, cli.Publish(1, []string{"a", "b"}))
	require.NoError(t, srv.Handshake(context.Background()))

	assert.ErrorIs(t, cli.Await(context.Background()), cluster.ErrAttachTimeout)
	assert.Equal(t, JointInfoPublished, cli.Phase())

	require.NoError(t, srv.Finalize(3, 1))
	require.NoError(t, cli.Await(context.Background()))
	d, err := cli.Dimensions()
	require.NoError(t, err)
	assert.Equal(t, 3, d.ExtraPayloadSize)
	assert.Equal(t, 1, d.NContacts)
}

func TestServerReportsLayoutMismatch(t *testing.T) {
	tests := []struct {
		name    string
		publish func(t *testing.T, p shm.Provider) []*shm.Segment
	}{
		{
			name: "cluster size is not a scalar",
			publish: func(t *testing.T, p shm.Provider) []*shm.Segment {
				seg, err := p.Create(shm.Spec{Key: cluster.Key("hs", cluster.ClusterSizeName), Rows: 1, Cols: 2, DType: shm.Int64})
				require.NoError(t, err)
				return []*shm.Segment{seg}
			},
		},
		{
			name: "cluster size is not int64",
			publish: func(t *testing.T, p shm.Provider) []*shm.Segment {
				seg, err := p.Create(shm.Spec{Key: cluster.Key("hs", cluster.ClusterSizeName), Rows: 1, Cols: 1, DType: shm.Float64})
				require.NoError(t, err)
				return []*shm.Segment{seg}
			},
		},
		{
			name: "fewer joint names than joints",
			publish: func(t *testing.T, p shm.Provider) []*shm.Segment {
				size, err := shm.CreateScalar(p, cluster.Key("hs", cluster.ClusterSizeName), 2, false)
				require.NoError(t, err)
				number, err := shm.CreateScalar(p, cluster.Key("hs", cluster.JointNumberName), 3, false)
				require.NoError(t, err)
				names, err := shm.CreateStrings(p, cluster.Key("hs", cluster.JointNamesName), []string{"a", "b"}, 0, false)
				require.NoError(t, err)
				return []*shm.Segment{size, number, names.Segment()}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := shm.NewMemoryProvider()
			for _, seg := range tt.publish(t, p) {
				defer seg.Release()
			}

			srv := NewServer(p, testOpts())
			err := srv.Handshake(context.Background())
			assert.ErrorIs(t, err, cluster.ErrShapeMismatch)
			assert.Equal(t, Idle, srv.Phase())
			assert.Empty(t, srv.held)
		})
	}
}

func TestAwaitReportsLayoutMismatch(t *testing.T) {
	p := shm.NewMemoryProvider()
	cli, err := NewClient(p, 0, testOpts())
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Publish(1, nil))

	extra, err := p.Create(shm.Spec{Key: cluster.Key("hs", cluster.ExtraPayloadSizeName), Rows: 2, Cols: 1, DType: shm.Int64})
	require.NoError(t, err)
	defer extra.Release()

	assert.ErrorIs(t, cli.Await(context.Background()), cluster.ErrShapeMismatch)
	assert.Equal(t, JointInfoPublished, cli.Phase())
}

// waitAttaching blocks until h has an attach in flight.
func waitAttaching(t *testing.T, h *handles) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cancel != nil
	}, 2*time.Second, time.Millisecond)
}

// closeWithin fails the test if Close blocks.
func closeWithin(t *testing.T, c interface{ Close() error }) {
	t.Helper()
	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the attach in flight")
	}
}

func TestCloseInterruptsHandshake(t *testing.T) {
	opts := testOpts()
	opts.Attach.Timeout = 0 // wait until ctx is done
	srv := NewServer(shm.NewMemoryProvider(), opts)

	done := make(chan error, 1)
	go func() { done <- srv.Handshake(context.Background()) }()
	waitAttaching(t, &srv.handles)

	// a second handshake must not start while the first waits
	assert.ErrorIs(t, srv.Handshake(context.Background()), cluster.ErrSetupOrder)

	closeWithin(t, srv)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, cluster.ErrSetupOrder)
	case <-time.After(2 * time.Second):
		t.Fatal("Handshake did not return after Close")
	}
	assert.Equal(t, Closed, srv.Phase())
	assert.Empty(t, srv.held)
}

func TestCloseInterruptsAwait(t *testing.T) {
	p := shm.NewMemoryProvider()
	opts := testOpts()
	opts.Attach.Timeout = 0
	cli, err := NewClient(p, 2, opts)
	require.NoError(t, err)
	require.NoError(t, cli.Publish(2, []string{"a", "b"}))

	done := make(chan error, 1)
	go func() { done <- cli.Await(context.Background()) }()
	waitAttaching(t, &cli.handles)

	closeWithin(t, cli)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, cluster.ErrSetupOrder)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after Close")
	}
	assert.Equal(t, Closed, cli.Phase())
	assert.Zero(t, p.Len())
}

func TestHandshakeHonoursCancel(t *testing.T) {
	srv := NewServer(shm.NewMemoryProvider(), Options{Namespace: "hs"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := srv.Handshake(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZeroJointHandshake(t *testing.T) {
	p := shm.NewMemoryProvider()
	srv, cli := runHandshake(t, p, []string{}, 0, 0)
	defer srv.Close()
	defer cli.Close()

	d, err := srv.Dimensions()
	require.NoError(t, err)
	assert.Equal(t, 0, d.NDofs)
	assert.Empty(t, d.JointNames)
}

func TestPhaseSequence(t *testing.T) {
	p := shm.NewMemoryProvider()
	var srvLog, cliLog phaseLog

	so := testOpts()
	so.OnPhase = srvLog.record
	co := testOpts()
	co.OnPhase = cliLog.record

	srv := NewServer(p, so)
	cli, err := NewClient(p, 1, co)
	require.NoError(t, err)

	require.NoError(t, cli.Publish(2, []string{"j"}))
	require.NoError(t, srv.Handshake(context.Background()))
	require.NoError(t, srv.Finalize(0, 0))
	require.NoError(t, cli.Await(context.Background()))
	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	assert.Equal(t, []Phase{SizePublished, JointInfoPublished, Finalized, Closed}, cliLog.get())
	assert.Equal(t, []Phase{DimsAttached, Finalized, Closed}, srvLog.get())
	assert.Equal(t, 0, p.Len())
}

func TestCloseLeavesDataChannelsAlone(t *testing.T) {
	p := shm.NewMemoryProvider()
	srv, cli := runHandshake(t, p, joints, 16, 4)

	d, err := srv.Dimensions()
	require.NoError(t, err)
	st, err := channels.NewState(d, channels.Options{Namespace: "hs", Provider: p, Role: channels.Orchestrator})
	require.NoError(t, err)
	require.NoError(t, st.Start(context.Background()))
	defer st.Terminate()

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())

	assert.True(t, p.Exists(cluster.Key("hs", cluster.StateName)))
	assert.Equal(t, 1, p.Len())
	st.Root.P.Fill(1)
	assert.NoError(t, st.Synch())

	// finalized dimensions survive close
	_, err = cli.Dimensions()
	assert.NoError(t, err)
}

func TestForceReplacesStaleHandles(t *testing.T) {
	p := shm.NewMemoryProvider()
	stale, err := shm.CreateScalar(p, cluster.Key("hs", cluster.ClusterSizeName), 9, false)
	require.NoError(t, err)
	defer stale.Release()

	cli, err := NewClient(p, 1, testOpts())
	require.NoError(t, err)
	assert.ErrorIs(t, cli.Publish(2, []string{"j"}), shm.ErrExists)
	assert.Equal(t, Idle, cli.Phase())

	opts := testOpts()
	opts.Force = true
	cli, err = NewClient(p, 1, opts)
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Publish(2, []string{"j"}))

	_, v, err := shm.AttachScalar(context.Background(), p, cluster.Key("hs", cluster.ClusterSizeName), testOpts().Attach)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "dims_attached", DimsAttached.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
