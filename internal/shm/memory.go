package shm

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"
)

// MemoryProvider keeps segments in a process-local registry. Handles that
// share one MemoryProvider see the same memory, which makes it a stand-in
// for the mmap provider in tests and single-process simulations.
type MemoryProvider struct {
	mu       sync.Mutex
	segments map[string]*memEntry
}

type memEntry struct {
	mem []byte
	id  uuid.UUID
}

// NewMemoryProvider returns an empty registry.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{segments: make(map[string]*memEntry)}
}

// alignedBytes returns n zeroed bytes whose start is 8-byte aligned.
func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func (p *MemoryProvider) Create(spec Spec) (*Segment, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	name := spec.Key.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.segments[name]; ok {
		if !spec.Force {
			return nil, fmt.Errorf("%w: %s", ErrExists, spec.Key)
		}
		logf("replacing stale segment %s", spec.Key)
	}

	entry := &memEntry{mem: alignedBytes(HeaderSize + spec.dataSize()), id: uuid.New()}
	initHeader(entry.mem, spec, entry.id)
	p.segments[name] = entry

	seg := newSegment(spec.Key, entry.mem, true, func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		// a forced re-create may already have replaced this entry
		if p.segments[name] == entry {
			delete(p.segments, name)
		}
		return nil
	})
	if spec.Init != nil {
		spec.Init(seg)
	}
	markReady(entry.mem)
	return seg, nil
}

func (p *MemoryProvider) Attach(ctx context.Context, key Key, dtype DType, opts AttachOptions) (*Segment, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	return attachLoop(ctx, key, opts, func() (*Segment, error) {
		p.mu.Lock()
		entry, ok := p.segments[key.String()]
		p.mu.Unlock()
		if !ok || !headerReady(entry.mem) {
			return nil, errNotReady
		}
		if _, err := validateHeader(entry.mem); err != nil {
			return nil, fmt.Errorf("attach %s: %w", key, err)
		}
		seg := newSegment(key, entry.mem, false, nil)
		if err := checkAttached(seg, dtype); err != nil {
			return nil, err
		}
		return seg, nil
	})
}

// Len returns the number of live segments.
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments)
}

// Exists reports whether a segment is registered under key.
func (p *MemoryProvider) Exists(key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.segments[key.String()]
	return ok
}
