//go:build !linux && !darwin

package shm

import (
	"context"
	"errors"
	"os"
)

var errMmapUnsupported = errors.New("file-backed shared memory is not supported on this platform")

// MmapProvider is unavailable on this platform; use MemoryProvider.
type MmapProvider struct {
	Dir string
}

func NewMmapProvider(dir string) *MmapProvider {
	return &MmapProvider{Dir: dir}
}

func DefaultDir() string { return os.TempDir() }

func (p *MmapProvider) Create(Spec) (*Segment, error) { return nil, errMmapUnsupported }

func (p *MmapProvider) Attach(context.Context, Key, DType, AttachOptions) (*Segment, error) {
	return nil, errMmapUnsupported
}
