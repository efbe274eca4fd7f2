// Package cluster holds what both sides of a control cluster agree on: the
// dimensions negotiated by the handshake, the names of the shared channels,
// and the error kinds raised while setting them up.
package cluster

import (
	"errors"
	"fmt"
	"slices"

	"github.com/banshee-data/cluster-bridge/internal/aggregate"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

var (
	// ErrSetupOrder is returned when a setup step runs before the step it
	// depends on has completed.
	ErrSetupOrder = errors.New("cluster setup out of order")

	// ErrShapeMismatch is returned when two sides disagree on a shape, for
	// example a joint-name list whose length differs from the joint count.
	ErrShapeMismatch = aggregate.ErrShape

	// ErrAttachTimeout is returned when a peer did not publish a channel in
	// time. Whether to retry is up to the caller.
	ErrAttachTimeout = shm.ErrAttachTimeout
)

// Shared channel names. Every channel lives under the cluster namespace.
const (
	StateName            = "state"
	CmdName              = "cmd"
	TaskRefsName         = "task_refs"
	ClusterSizeName      = "cluster_size"
	JointNumberName      = "joint_number"
	JointNamesName       = "joint_names"
	ExtraPayloadSizeName = "extra_payload_size"
	NContactsName        = "n_contacts"
	TriggerName          = "trigger"
	JntImpName           = "jnt_imp"
	JntImpNamesName      = "jnt_imp_names"
)

// LayoutErr marks a shared buffer whose shape or element type disagrees
// with the caller's as ErrShapeMismatch. Other errors pass through.
func LayoutErr(err error) error {
	if err == nil || errors.Is(err, ErrShapeMismatch) {
		return err
	}
	if errors.Is(err, shm.ErrShape) || errors.Is(err, shm.ErrDType) {
		return fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	return err
}

// Key returns the shared buffer key for a channel in namespace.
func Key(namespace, name string) shm.Key {
	return shm.Key{Namespace: namespace, Name: name}
}

// Dimensions are the shapes agreed once by the handshake. They do not
// change for the lifetime of the cluster.
type Dimensions struct {
	ClusterSize      int      `json:"cluster_size"`
	NDofs            int      `json:"n_dofs"`
	NContacts        int      `json:"n_contacts"`
	ExtraPayloadSize int      `json:"extra_payload_size"`
	JointNames       []string `json:"joint_names"`

	finalized bool
}

// NewDimensions validates d and marks it as agreed. The handshake is the
// normal source of finalized dimensions; this is for callers that learn
// them another way, such as tests and single-process simulations.
func NewDimensions(d Dimensions) (Dimensions, error) {
	if err := d.Validate(); err != nil {
		return Dimensions{}, err
	}
	d.JointNames = slices.Clone(d.JointNames)
	d.finalized = true
	return d, nil
}

// Validate checks the ranges and that the joint names match NDofs.
func (d Dimensions) Validate() error {
	switch {
	case d.ClusterSize < 1:
		return fmt.Errorf("cluster size must be at least 1, got %d", d.ClusterSize)
	case d.NDofs < 0:
		return fmt.Errorf("joint count must be non-negative, got %d", d.NDofs)
	case d.NContacts < 0:
		return fmt.Errorf("contact count must be non-negative, got %d", d.NContacts)
	case d.ExtraPayloadSize < 0:
		return fmt.Errorf("extra payload size must be non-negative, got %d", d.ExtraPayloadSize)
	case len(d.JointNames) != d.NDofs:
		return fmt.Errorf("%w: %d joint names for %d joints", ErrShapeMismatch, len(d.JointNames), d.NDofs)
	}
	return nil
}

// Finalized reports whether the dimensions came out of a completed
// handshake (or NewDimensions).
func (d Dimensions) Finalized() bool { return d.finalized }

// RequireFinalized returns ErrSetupOrder unless d is finalized.
func (d Dimensions) RequireFinalized(what string) error {
	if !d.finalized {
		return fmt.Errorf("%w: %s needs dimensions from a finalized handshake", ErrSetupOrder, what)
	}
	return nil
}

func (d Dimensions) String() string {
	return fmt.Sprintf("cluster_size=%d n_dofs=%d n_contacts=%d extra_payload_size=%d",
		d.ClusterSize, d.NDofs, d.NContacts, d.ExtraPayloadSize)
}
