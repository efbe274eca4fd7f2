package handshake

import (
	"context"
	"fmt"
	"slices"

	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/shm"
)

// Client is the controller-launcher side. It owns the handles describing
// the robot and waits for the orchestrator's answer.
type Client struct {
	handles
	provider shm.Provider
	nDofs    int

	clusterSize int
	jointNames  []string
	dims        cluster.Dimensions
}

// NewClient returns an idle client for a robot with nDofs joints.
func NewClient(provider shm.Provider, nDofs int, opts Options) (*Client, error) {
	if nDofs < 0 {
		return nil, fmt.Errorf("joint count must be non-negative, got %d", nDofs)
	}
	return &Client{handles: handles{opts: opts}, provider: provider, nDofs: nDofs}, nil
}

// Publish creates cluster_size, then joint_names and joint_number. The
// name count is checked before anything is created, and a failed Publish
// removes whatever it did create.
func (c *Client) Publish(clusterSize int, jointNames []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(jointNames) != c.nDofs {
		return fmt.Errorf("%w: %d joint names for %d joints", cluster.ErrShapeMismatch, len(jointNames), c.nDofs)
	}
	if clusterSize < 1 {
		return fmt.Errorf("cluster size must be at least 1, got %d", clusterSize)
	}
	if err := c.requirePhase("publish", Idle); err != nil {
		return err
	}

	fail := func(err error) error {
		_ = c.releaseAll()
		if c.phase != Idle {
			c.setPhase(Idle)
		}
		return fmt.Errorf("publish: %w", err)
	}

	size, err := shm.CreateScalar(c.provider, c.key(cluster.ClusterSizeName), int64(clusterSize), c.opts.Force)
	if err != nil {
		return fail(err)
	}
	c.hold(size)
	c.setPhase(SizePublished)

	// names go first so that a visible joint_number implies readable names
	if c.nDofs > 0 {
		names, err := shm.CreateStrings(c.provider, c.key(cluster.JointNamesName), jointNames, 0, c.opts.Force)
		if err != nil {
			return fail(err)
		}
		c.hold(names)
	}
	number, err := shm.CreateScalar(c.provider, c.key(cluster.JointNumberName), int64(c.nDofs), c.opts.Force)
	if err != nil {
		return fail(err)
	}
	c.hold(number)

	c.clusterSize = clusterSize
	c.jointNames = slices.Clone(jointNames)
	c.setPhase(JointInfoPublished)
	logf("client %q: published cluster of %d with %d joints", c.opts.Namespace, clusterSize, c.nDofs)
	return nil
}

// Await waits for the server's extra_payload_size and n_contacts. It needs
// a completed Publish. On failure the handles it attached are released and
// the client may call Await again. A concurrent Close ends the wait.
func (c *Client) Await(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhase("await", JointInfoPublished); err != nil {
		return err
	}
	logf("client %q: waiting for the server to finalize", c.opts.Namespace)

	// published fields are fixed once JointInfoPublished is reached
	want := cluster.Dimensions{
		ClusterSize: c.clusterSize,
		NDofs:       c.nDofs,
		JointNames:  c.jointNames,
	}
	var dims cluster.Dimensions
	err := c.attach(ctx, "await", func(ctx context.Context) ([]releaser, error) {
		var held []releaser
		extraSeg, extra, err := shm.AttachScalar(ctx, c.provider, c.key(cluster.ExtraPayloadSizeName), c.opts.Attach)
		if err != nil {
			return held, fmt.Errorf("await: %w", cluster.LayoutErr(err))
		}
		held = append(held, extraSeg)
		contactsSeg, contacts, err := shm.AttachScalar(ctx, c.provider, c.key(cluster.NContactsName), c.opts.Attach)
		if err != nil {
			return held, fmt.Errorf("await: %w", cluster.LayoutErr(err))
		}
		held = append(held, contactsSeg)

		want.ExtraPayloadSize, want.NContacts = int(extra), int(contacts)
		if dims, err = cluster.NewDimensions(want); err != nil {
			return held, fmt.Errorf("await: %w", err)
		}
		return held, nil
	})
	if err != nil {
		return err
	}

	c.dims = dims
	c.setPhase(Finalized)
	logf("client %q: finalized %s", c.opts.Namespace, dims)
	return nil
}

// Dimensions returns the agreed dimensions once Await has returned.
func (c *Client) Dimensions() (cluster.Dimensions, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dims.Finalized() {
		return cluster.Dimensions{}, fmt.Errorf("%w: dimensions read before finalize", cluster.ErrSetupOrder)
	}
	d := c.dims
	d.JointNames = slices.Clone(d.JointNames)
	return d, nil
}

// Close releases every handshake handle, removing the ones this client
// published, and interrupts an Await still waiting on the server. It is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.close()
}
