package channels

import (
	"github.com/banshee-data/cluster-bridge/internal/aggregate"
	"github.com/banshee-data/cluster-bridge/internal/cluster"
)

// Phase views the contact-schedule block of the task references.
type Phase struct {
	ID        aggregate.View // phase type, 1
	IsContact aggregate.View // one flag per contact, n_contacts
	Duration  aggregate.View // 1
	P0        aggregate.View // swing start position, 3
	P1        aggregate.View // swing end position, 3
	Clearance aggregate.View // flight clearance, 1
	D0        aggregate.View // start derivative, 1
	D1        aggregate.View // end derivative, 1
}

// Pose views a 7-wide pose field and its position/orientation parts.
type Pose struct {
	Pose aggregate.View // p and q, 7
	P    aggregate.View // columns 0..3 of Pose
	Q    aggregate.View // columns 3..7 of Pose
}

// TaskRefs holds the goals handed to the controllers, written by the
// orchestrator.
type TaskRefs struct {
	*channel
	Phase    Phase
	BasePose Pose
	CoM      Pose
}

// TaskRefsLayout returns the column layout of the task-reference channel.
func TaskRefsLayout(nContacts int) (aggregate.Layout, error) {
	phase, err := aggregate.Plan(0,
		aggregate.Field{Name: "phase_id", Width: 1},
		aggregate.Field{Name: "is_contact", Width: nContacts, Optional: true},
		aggregate.Field{Name: "duration", Width: 1},
		aggregate.Field{Name: "p0", Width: 3},
		aggregate.Field{Name: "p1", Width: 3},
		aggregate.Field{Name: "clearance", Width: 1},
		aggregate.Field{Name: "d0", Width: 1},
		aggregate.Field{Name: "d1", Width: 1},
	)
	if err != nil {
		return aggregate.Layout{}, err
	}
	base, err := aggregate.Plan(phase.End(), aggregate.Field{Name: "base_pose", Width: 7})
	if err != nil {
		return aggregate.Layout{}, err
	}
	com, err := aggregate.Plan(base.End(), aggregate.Field{Name: "com_pose", Width: 7})
	if err != nil {
		return aggregate.Layout{}, err
	}
	return aggregate.Merge(phase, base, com)
}

// NewTaskRefs builds the task-reference channel for dims.
func NewTaskRefs(dims cluster.Dimensions, opts Options) (*TaskRefs, error) {
	layout, err := TaskRefsLayout(dims.NContacts)
	if err != nil {
		return nil, err
	}
	ch, err := newChannel(cluster.TaskRefsName, dims, opts, Orchestrator, layout)
	if err != nil {
		return nil, err
	}
	b := ch.Buffer()

	base, err := splitPose(b.MustView("base_pose"), "base")
	if err != nil {
		return nil, err
	}
	com, err := splitPose(b.MustView("com_pose"), "com")
	if err != nil {
		return nil, err
	}

	return &TaskRefs{
		channel: ch,
		Phase: Phase{
			ID:        b.MustView("phase_id"),
			IsContact: b.OptionalView("is_contact"),
			Duration:  b.MustView("duration"),
			P0:        b.MustView("p0"),
			P1:        b.MustView("p1"),
			Clearance: b.MustView("clearance"),
			D0:        b.MustView("d0"),
			D1:        b.MustView("d1"),
		},
		BasePose: base,
		CoM:      com,
	}, nil
}

// splitPose carves position and orientation out of a pose field. The two
// never share columns.
func splitPose(pose aggregate.View, prefix string) (Pose, error) {
	p, err := pose.Sub(prefix+"_p", 0, 3)
	if err != nil {
		return Pose{}, err
	}
	q, err := pose.Sub(prefix+"_q", 3, 4)
	if err != nil {
		return Pose{}, err
	}
	return Pose{Pose: pose, P: p, Q: q}, nil
}
