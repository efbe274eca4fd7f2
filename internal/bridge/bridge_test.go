package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cluster-bridge/internal/journal"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
	"github.com/banshee-data/cluster-bridge/internal/shm"
	"github.com/banshee-data/cluster-bridge/internal/status"
	"github.com/banshee-data/cluster-bridge/internal/trigger"
)

func init() {
	monitoring.SetLogger(nil)
}

var testAttach = shm.AttachOptions{Timeout: 5 * time.Second, PollInterval: time.Millisecond}

type orchResult struct {
	steps int64
	err   error
}

func startOrchestrator(ctx context.Context, cfg OrchestratorConfig) <-chan orchResult {
	done := make(chan orchResult, 1)
	go func() {
		steps, err := RunOrchestrator(ctx, cfg)
		done <- orchResult{steps, err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan orchResult) orchResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator did not return")
		return orchResult{}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClusterSteps(t *testing.T) {
	ctx := testContext(t)
	p := shm.NewMemoryProvider()

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	st := status.New()
	defer st.Stop()

	type sample struct {
		q, v, eff []float64
		posErr    []float64
	}
	var (
		mu      sync.Mutex
		samples = map[int64][]sample{}
	)

	done := startOrchestrator(ctx, OrchestratorConfig{
		Namespace:         "arm",
		Provider:          p,
		Attach:            testAttach,
		ExtraPayloadSize:  4,
		NContacts:         2,
		StepTimeout:       5 * time.Second,
		MaxSteps:          5,
		TimingSampleEvery: 2,
		Journal:           j,
		Status:            st,
		Collect: func(step int64, ch OrchestratorChannels) {
			mu.Lock()
			defer mu.Unlock()
			for r := 0; r < ch.Commands.Rows(); r++ {
				samples[step] = append(samples[step], sample{
					q:      append([]float64{}, ch.Commands.Joints.Q.Row(r)...),
					v:      append([]float64{}, ch.Commands.Joints.V.Row(r)...),
					eff:    append([]float64{}, ch.Commands.Joints.Eff.Row(r)...),
					posErr: append([]float64{}, ch.JntImp.PosErr.Row(r)...),
				})
			}
		},
	})

	steps, err := RunController(ctx, ControllerConfig{
		Namespace:   "arm",
		Provider:    p,
		Attach:      testAttach,
		ClusterSize: 3,
		JointNames:  []string{"shoulder", "elbow"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 5, 5}, steps)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, int64(5), res.steps)
	assert.Equal(t, status.ShuttingDown, st.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, samples, 5)
	for step := int64(1); step <= 5; step++ {
		rows := samples[step]
		require.Len(t, rows, 3, "step %d", step)
		for r, s := range rows {
			q0 := float64(step) + float64(r)
			assert.Equal(t, []float64{q0 + 10, 10}, s.q, "step %d member %d", step, r)
			assert.Equal(t, []float64{q0 + 11, 11}, s.v, "step %d member %d", step, r)
			assert.Equal(t, []float64{q0 + 12, 12}, s.eff, "step %d member %d", step, r)
			assert.Equal(t, []float64{10, 10}, s.posErr)
		}
	}

	sessions, err := j.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "arm", s.Namespace)
	assert.Equal(t, 3, s.ClusterSize)
	assert.Equal(t, 2, s.NDofs)
	assert.Equal(t, 2, s.NContacts)
	assert.Equal(t, 4, s.ExtraPayloadSize)
	assert.Equal(t, []string{"shoulder", "elbow"}, s.JointNames)
	assert.Equal(t, int64(5), s.Steps)
	assert.Equal(t, ReasonCompleted, s.EndReason)

	timings, err := j.StepTimings(s.ID)
	require.NoError(t, err)
	assert.Len(t, timings, 2)
	assert.Contains(t, timings, int64(2))
	assert.Contains(t, timings, int64(4))

	// everything the orchestrator created is gone
	assert.Zero(t, p.Len())
}

func TestClusterWithoutJoints(t *testing.T) {
	ctx := testContext(t)
	p := shm.NewMemoryProvider()

	done := startOrchestrator(ctx, OrchestratorConfig{
		Namespace:   "base",
		Provider:    p,
		Attach:      testAttach,
		StepTimeout: 5 * time.Second,
		MaxSteps:    3,
	})
	steps, err := RunController(ctx, ControllerConfig{
		Namespace:   "base",
		Provider:    p,
		Attach:      testAttach,
		ClusterSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 3}, steps)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, int64(3), res.steps)
}

func TestInterruptShutsControllersDown(t *testing.T) {
	orchCtx, stop := context.WithCancel(testContext(t))
	defer stop()
	p := shm.NewMemoryProvider()

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	done := startOrchestrator(orchCtx, OrchestratorConfig{
		Namespace:   "legs",
		Provider:    p,
		Attach:      testAttach,
		StepTimeout: 5 * time.Second,
		StepPeriod:  time.Millisecond,
		Journal:     j,
		Collect: func(step int64, _ OrchestratorChannels) {
			if step == 3 {
				stop()
			}
		},
	})

	// the controllers run on their own context: only the orchestrator's
	// shutdown flag can stop them
	steps, err := RunController(testContext(t), ControllerConfig{
		Namespace:   "legs",
		Provider:    p,
		Attach:      testAttach,
		ClusterSize: 2,
		JointNames:  []string{"hip"},
	})
	require.NoError(t, err)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, int64(3), res.steps)
	assert.Equal(t, []int64{3, 3}, steps)

	sessions, err := j.ListSessions(1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ReasonInterrupted, sessions[0].EndReason)
	assert.Equal(t, int64(3), sessions[0].Steps)
}

func TestControllerFailureTimesOutStep(t *testing.T) {
	ctx := testContext(t)
	p := shm.NewMemoryProvider()

	attach := shm.AttachOptions{Timeout: 500 * time.Millisecond, PollInterval: time.Millisecond}
	done := startOrchestrator(ctx, OrchestratorConfig{
		Namespace:   "arm",
		Provider:    p,
		Attach:      attach,
		StepTimeout: 50 * time.Millisecond,
	})

	boom := errors.New("diverged")
	_, err := RunController(ctx, ControllerConfig{
		Namespace:   "arm",
		Provider:    p,
		Attach:      attach,
		ClusterSize: 2,
		JointNames:  []string{"wrist"},
		Compute: func(step int64, ch ControllerChannels) error {
			if ch.Member == 1 {
				return boom
			}
			return OffsetCommands(step, ch)
		},
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "controller 1")

	res := waitResult(t, done)
	require.ErrorIs(t, res.err, trigger.ErrStepTimeout)
	assert.Zero(t, res.steps)
}

func TestOrchestratorHandshakeTimeout(t *testing.T) {
	p := shm.NewMemoryProvider()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	steps, runErr := RunOrchestrator(testContext(t), OrchestratorConfig{
		Namespace: "lonely",
		Provider:  p,
		Attach:    shm.AttachOptions{Timeout: 20 * time.Millisecond, PollInterval: time.Millisecond},
		Journal:   j,
	})
	require.ErrorIs(t, runErr, shm.ErrAttachTimeout)
	assert.Zero(t, steps)
	assert.Zero(t, p.Len())

	sessions, err := j.ListSessions(1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, runErr.Error(), sessions[0].EndReason)
	assert.Contains(t, sessions[0].EndReason, "lonely/cluster_size")
	assert.Nil(t, sessions[0].FinalizedAt)
}

func TestRunnersNeedProvider(t *testing.T) {
	_, err := RunOrchestrator(context.Background(), OrchestratorConfig{})
	assert.Error(t, err)
	_, err = RunController(context.Background(), ControllerConfig{ClusterSize: 1})
	assert.Error(t, err)
}
