//go:build linux || darwin

package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// MmapProvider backs segments with files under Dir mapped MAP_SHARED, so
// any process that can see Dir can attach.
type MmapProvider struct {
	Dir string
}

// NewMmapProvider returns a provider rooted at dir. An empty dir selects
// /dev/shm when available and the temp directory otherwise.
func NewMmapProvider(dir string) *MmapProvider {
	if dir == "" {
		dir = DefaultDir()
	}
	return &MmapProvider{Dir: dir}
}

// DefaultDir returns /dev/shm if it exists, else os.TempDir().
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Path returns the backing file for key.
func (p *MmapProvider) Path(key Key) string {
	return filepath.Join(p.Dir, key.fileName())
}

func (p *MmapProvider) Create(spec Spec) (*Segment, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	path := p.Path(spec.Key)

	if spec.Force {
		if err := os.Remove(path); err == nil {
			logf("removed stale segment %s", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale segment %s: %w", path, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s at %s", ErrExists, spec.Key, path)
		}
		return nil, fmt.Errorf("create segment file %s: %w", path, err)
	}
	// the mapping outlives the descriptor
	defer file.Close()

	size := HeaderSize + spec.dataSize()
	if err := file.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("resize segment file %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	id := uuid.New()
	initHeader(mem, spec, id)
	seg := newSegment(spec.Key, mem, true, func() error {
		errUnmap := unix.Munmap(mem)
		return errors.Join(errUnmap, removeIfOwned(path, id))
	})
	if spec.Init != nil {
		spec.Init(seg)
	}
	markReady(mem)
	return seg, nil
}

func (p *MmapProvider) Attach(ctx context.Context, key Key, dtype DType, opts AttachOptions) (*Segment, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	path := p.Path(key)
	return attachLoop(ctx, key, opts, func() (*Segment, error) {
		return p.tryAttach(key, path, dtype)
	})
}

func (p *MmapProvider) tryAttach(key Key, path string, dtype DType) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNotReady
		}
		return nil, fmt.Errorf("open segment file %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment file %s: %w", path, err)
	}
	size := int(info.Size())
	if size < HeaderSize {
		// owner has not resized it yet
		return nil, errNotReady
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if !headerReady(mem) {
		unix.Munmap(mem)
		return nil, errNotReady
	}
	want, err := validateHeader(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("attach %s: %w", key, err)
	}
	if size < want {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s file is %d bytes, header describes %d", ErrBadHeader, key, size, want)
	}

	seg := newSegment(key, mem, false, func() error {
		return unix.Munmap(mem)
	})
	if err := checkAttached(seg, dtype); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return seg, nil
}

// removeIfOwned unlinks path unless a forced re-create has already put a
// different owner's segment there.
func removeIfOwned(path string, id uuid.UUID) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var got uuid.UUID
	_, err = file.ReadAt(got[:], offOwner)
	file.Close()
	if err != nil || got != id {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
