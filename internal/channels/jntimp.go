package channels

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/banshee-data/cluster-bridge/internal/aggregate"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

// jntImpFields are the joint-impedance debug fields, each n_dofs wide.
var jntImpFields = []string{
	"pos_err", "vel_err",
	"pos_gains", "vel_gains",
	"eff_ff",
	"pos", "pos_ref",
	"vel", "vel_ref",
	"eff", "imp_eff",
}

// JntImp exposes a joint-impedance controller's internals for debugging:
// tracking errors, gains, feed-forward and resulting efforts per joint.
// Controllers write their own row; the orchestrator reads.
type JntImp struct {
	*channel

	PosErr   aggregate.View
	VelErr   aggregate.View
	PosGains aggregate.View
	VelGains aggregate.View
	EffFF    aggregate.View
	Pos      aggregate.View
	PosRef   aggregate.View
	Vel      aggregate.View
	VelRef   aggregate.View
	Eff      aggregate.View
	ImpEff   aggregate.View

	jointNames []string
	names      *shm.StringArray
}

// JntImpLayout returns the joint-impedance layout for nDofs joints.
func JntImpLayout(nDofs int) (aggregate.Layout, error) {
	fields := make([]aggregate.Field, len(jntImpFields))
	for i, name := range jntImpFields {
		fields[i] = aggregate.Field{Name: name, Width: nDofs, Optional: true}
	}
	return aggregate.Plan(0, fields...)
}

// NewJntImp builds the joint-impedance debug channel for dims.
func NewJntImp(dims cluster.Dimensions, opts Options) (*JntImp, error) {
	layout, err := JntImpLayout(dims.NDofs)
	if err != nil {
		return nil, err
	}
	ch, err := newChannel(cluster.JntImpName, dims, opts, Controller, layout)
	if err != nil {
		return nil, err
	}
	b := ch.Buffer()
	return &JntImp{
		channel:    ch,
		PosErr:     b.OptionalView("pos_err"),
		VelErr:     b.OptionalView("vel_err"),
		PosGains:   b.OptionalView("pos_gains"),
		VelGains:   b.OptionalView("vel_gains"),
		EffFF:      b.OptionalView("eff_ff"),
		Pos:        b.OptionalView("pos"),
		PosRef:     b.OptionalView("pos_ref"),
		Vel:        b.OptionalView("vel"),
		VelRef:     b.OptionalView("vel_ref"),
		Eff:        b.OptionalView("eff"),
		ImpEff:     b.OptionalView("imp_eff"),
		jointNames: slices.Clone(dims.JointNames),
	}, nil
}

// Start starts the data segment and shares the joint names alongside it.
// The orchestrator publishes the names; a controller attaches and checks
// them against its own dimensions.
func (j *JntImp) Start(ctx context.Context) error {
	if err := j.channel.Start(ctx); err != nil {
		return err
	}
	if len(j.jointNames) == 0 {
		return nil
	}
	if j.names != nil {
		return nil
	}

	key := cluster.Key(j.opts.Namespace, cluster.JntImpNamesName)
	var (
		names *shm.StringArray
		err   error
	)
	if j.opts.Role == Orchestrator {
		names, err = shm.CreateStrings(j.opts.Provider, key, j.jointNames, 0, j.opts.Force)
	} else {
		names, err = shm.AttachStrings(ctx, j.opts.Provider, key, len(j.jointNames), j.opts.Attach)
		if err == nil && !slices.Equal(names.Read(), j.jointNames) {
			_ = names.Release()
			names, err = nil, fmt.Errorf("%w: %s joint names differ from the handshake", cluster.ErrShapeMismatch, key)
		}
	}
	if err != nil {
		return fmt.Errorf("start %s names: %w", j.name, cluster.LayoutErr(err))
	}
	j.names = names
	return nil
}

// JointNames returns the joint order of every n_dofs-wide field.
func (j *JntImp) JointNames() []string { return slices.Clone(j.jointNames) }

// Terminate releases the data segment and the name array. It is idempotent.
func (j *JntImp) Terminate() error {
	err := j.channel.Terminate()
	if j.names != nil {
		err = errors.Join(err, j.names.Release())
	}
	return err
}
