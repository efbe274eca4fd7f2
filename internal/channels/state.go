package channels

import (
	"github.com/banshee-data/cluster-bridge/internal/aggregate"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
)

// RootState views the floating-base block of the state channel.
type RootState struct {
	P     aggregate.View // position, 3
	Q     aggregate.View // orientation quaternion, 4
	V     aggregate.View // linear velocity, 3
	Omega aggregate.View // angular velocity, 3
}

// JointState views the per-joint block of the state channel.
type JointState struct {
	Q aggregate.View // positions, n_dofs
	V aggregate.View // velocities, n_dofs
}

// State is the measured robot state, written by the orchestrator and read
// by the controllers.
type State struct {
	*channel
	Root   RootState
	Joints JointState
}

// StateLayout returns the column layout of the state channel for nDofs
// joints: root p, q, v, omega followed by joint q, v.
func StateLayout(nDofs int) (aggregate.Layout, error) {
	root, err := aggregate.Plan(0,
		aggregate.Field{Name: "p", Width: 3},
		aggregate.Field{Name: "q", Width: 4},
		aggregate.Field{Name: "v", Width: 3},
		aggregate.Field{Name: "omega", Width: 3},
	)
	if err != nil {
		return aggregate.Layout{}, err
	}
	jnts, err := aggregate.Plan(root.End(),
		aggregate.Field{Name: "jnt_q", Width: nDofs, Optional: true},
		aggregate.Field{Name: "jnt_v", Width: nDofs, Optional: true},
	)
	if err != nil {
		return aggregate.Layout{}, err
	}
	return aggregate.Merge(root, jnts)
}

// NewState builds the state channel for dims. Call Start before Synch.
func NewState(dims cluster.Dimensions, opts Options) (*State, error) {
	layout, err := StateLayout(dims.NDofs)
	if err != nil {
		return nil, err
	}
	ch, err := newChannel(cluster.StateName, dims, opts, Orchestrator, layout)
	if err != nil {
		return nil, err
	}
	b := ch.Buffer()
	return &State{
		channel: ch,
		Root: RootState{
			P:     b.MustView("p"),
			Q:     b.MustView("q"),
			V:     b.MustView("v"),
			Omega: b.MustView("omega"),
		},
		Joints: JointState{
			Q: b.OptionalView("jnt_q"),
			V: b.OptionalView("jnt_v"),
		},
	}, nil
}
