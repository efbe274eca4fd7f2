package channels

import "gonum.org/v1/gonum/mat"

// Device moves whole matrices between a channel's working memory and its
// shared segment. Synchronize must not return until every copy issued
// before it has landed, which is what lets Synch promise a complete
// destination.
type Device interface {
	Name() string
	Upload(shared *mat.Dense, working mat.Matrix)
	Download(working *mat.Dense, shared mat.Matrix)
	Synchronize() error
}

// Host keeps working memory in ordinary process memory. Copies complete
// synchronously, so Synchronize has nothing to wait for.
type Host struct{}

func (Host) Name() string { return "host" }

func (Host) Upload(shared *mat.Dense, working mat.Matrix) { shared.Copy(working) }

func (Host) Download(working *mat.Dense, shared mat.Matrix) { working.Copy(shared) }

func (Host) Synchronize() error { return nil }
