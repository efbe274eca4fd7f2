package channels

import (
	"github.com/banshee-data/cluster-bridge/internal/aggregate"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
)

// JointCommand views the per-joint command block.
type JointCommand struct {
	Q   aggregate.View // position references, n_dofs
	V   aggregate.View // velocity references, n_dofs
	Eff aggregate.View // effort references, n_dofs
}

// Command carries the controllers' output. Each controller writes its own
// row; the orchestrator reads all of them.
type Command struct {
	*channel
	Joints JointCommand

	// Info is the opaque per-controller payload. It is empty when the
	// cluster agreed on a zero extra payload size.
	Info aggregate.View
}

// CommandLayout returns the column layout of the command channel: joint
// q, v, eff followed by the optional info block.
func CommandLayout(nDofs, extraPayloadSize int) (aggregate.Layout, error) {
	jnts, err := aggregate.Plan(0,
		aggregate.Field{Name: "jnt_q", Width: nDofs, Optional: true},
		aggregate.Field{Name: "jnt_v", Width: nDofs, Optional: true},
		aggregate.Field{Name: "jnt_eff", Width: nDofs, Optional: true},
	)
	if err != nil {
		return aggregate.Layout{}, err
	}
	info, err := aggregate.Plan(jnts.End(),
		aggregate.Field{Name: "info", Width: extraPayloadSize, Optional: true},
	)
	if err != nil {
		return aggregate.Layout{}, err
	}
	return aggregate.Merge(jnts, info)
}

// NewCommand builds the command channel for dims. A controller-side handle
// pushes only row opts.Member.
func NewCommand(dims cluster.Dimensions, opts Options) (*Command, error) {
	layout, err := CommandLayout(dims.NDofs, dims.ExtraPayloadSize)
	if err != nil {
		return nil, err
	}
	ch, err := newChannel(cluster.CmdName, dims, opts, Controller, layout)
	if err != nil {
		return nil, err
	}
	b := ch.Buffer()
	return &Command{
		channel: ch,
		Joints: JointCommand{
			Q:   b.OptionalView("jnt_q"),
			V:   b.OptionalView("jnt_v"),
			Eff: b.OptionalView("jnt_eff"),
		},
		Info: b.OptionalView("info"),
	}, nil
}

// HasInfo reports whether the channel carries an extra payload block.
func (c *Command) HasInfo() bool { return !c.Info.Empty() }
