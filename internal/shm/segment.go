// Package shm provides named, typed, fixed-shape blocks of memory that can
// be created by one process and attached by others under a shared
// namespace.
//
// A segment starts with a 64-byte header followed by rows*cols elements in
// row-major order:
//
//	0x00 magic      [8]byte "CLBRSHM\0"
//	0x08 version    uint32
//	0x0C dtype      uint32
//	0x10 rows       uint64
//	0x18 cols       uint64
//	0x20 elemSize   uint32
//	0x24 ready      uint32 (0 -> 1 once the owner finished initialising)
//	0x28 seq        uint64 (bumped after every completed bulk write)
//	0x30 owner      [16]byte UUID of the creating handle
//
// The owner creates and destroys the segment. Peers only read and write
// through the already sized data region.
package shm

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

const (
	// SegmentMagic identifies a cluster-bridge segment.
	SegmentMagic = "CLBRSHM\x00"

	// SegmentVersion is the header layout version.
	SegmentVersion = uint32(1)

	// HeaderSize is the size of the segment header in bytes.
	HeaderSize = 64

	offMagic    = 0x00
	offVersion  = 0x08
	offDType    = 0x0C
	offRows     = 0x10
	offCols     = 0x18
	offElemSize = 0x20
	offReady    = 0x24
	offSeq      = 0x28
	offOwner    = 0x30
)

var (
	// ErrAttachTimeout is returned when a segment did not appear within the
	// attach bound.
	ErrAttachTimeout = errors.New("shared buffer not found before timeout")

	// ErrExists is returned by Create when the key is already taken and
	// Force was not requested.
	ErrExists = errors.New("shared buffer already exists")

	// ErrDType is returned when a peer attaches with the wrong element type.
	ErrDType = errors.New("shared buffer element type mismatch")

	// ErrShape is returned when a segment's shape disagrees with what the
	// caller expects.
	ErrShape = errors.New("shared buffer shape mismatch")

	// ErrBadHeader is returned for a segment that is not ours or is from an
	// incompatible version.
	ErrBadHeader = errors.New("invalid shared buffer header")

	// errNotReady tells the attach loop to retry.
	errNotReady = errors.New("shared buffer not ready")
)

// DType is the element type of a segment.
type DType uint32

const (
	Float64 DType = iota + 1
	Int64
	Bytes
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	case Bytes:
		return "bytes"
	default:
		return fmt.Sprintf("dtype(%d)", uint32(d))
	}
}

// Key names a segment within a namespace. Independent clusters on one host
// use different namespaces.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "/" + k.Name
}

func (k Key) validate() error {
	if k.Name == "" {
		return fmt.Errorf("shared buffer name is empty")
	}
	if strings.ContainsAny(k.Name, `/\`) || strings.ContainsAny(k.Namespace, `/\`) {
		return fmt.Errorf("shared buffer key %q must not contain path separators", k.String())
	}
	return nil
}

// fileName returns a flat file name for the key.
func (k Key) fileName() string {
	if k.Namespace == "" {
		return "clbr_" + k.Name
	}
	return "clbr_" + k.Namespace + "_" + k.Name
}

// Spec describes a segment to create.
type Spec struct {
	Key   Key
	Rows  int
	Cols  int
	DType DType

	// ElemSize is the per-element byte width for Bytes segments. Numeric
	// types always use 8.
	ElemSize int

	// Force removes a stale segment with the same key before creating.
	Force bool

	// Init, when set, fills the segment before it becomes visible to
	// peers.
	Init func(*Segment)
}

func (s Spec) elemSize() int {
	if s.DType == Bytes {
		return s.ElemSize
	}
	return 8
}

func (s Spec) dataSize() int { return s.Rows * s.Cols * s.elemSize() }

func (s Spec) validate() error {
	if err := s.Key.validate(); err != nil {
		return err
	}
	if s.Rows < 1 || s.Cols < 0 {
		return fmt.Errorf("%w: %s needs rows >= 1 and cols >= 0, got %dx%d", ErrShape, s.Key, s.Rows, s.Cols)
	}
	switch s.DType {
	case Float64, Int64:
	case Bytes:
		if s.ElemSize < 1 {
			return fmt.Errorf("%w: %s bytes element size must be positive, got %d", ErrShape, s.Key, s.ElemSize)
		}
	default:
		return fmt.Errorf("%w: %s unsupported %s", ErrDType, s.Key, s.DType)
	}
	return nil
}

// Segment is a handle on one shared block. The owner handle destroys the
// block on Release; peer handles only unmap it.
type Segment struct {
	key     Key
	mem     []byte
	owner   bool
	release func() error

	mu       sync.Mutex
	released bool
}

func newSegment(key Key, mem []byte, owner bool, release func() error) *Segment {
	return &Segment{key: key, mem: mem, owner: owner, release: release}
}

// initHeader writes the header. The ready flag stays clear until
// markReady.
func initHeader(mem []byte, spec Spec, id uuid.UUID) {
	copy(mem[offMagic:offMagic+8], SegmentMagic)
	*(*uint32)(unsafe.Pointer(&mem[offVersion])) = SegmentVersion
	*(*uint32)(unsafe.Pointer(&mem[offDType])) = uint32(spec.DType)
	*(*uint64)(unsafe.Pointer(&mem[offRows])) = uint64(spec.Rows)
	*(*uint64)(unsafe.Pointer(&mem[offCols])) = uint64(spec.Cols)
	*(*uint32)(unsafe.Pointer(&mem[offElemSize])) = uint32(spec.elemSize())
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[offSeq])), 0)
	copy(mem[offOwner:offOwner+16], id[:])
}

// markReady publishes the segment. A peer that observes ready also
// observes the header and any initial contents written before it.
func markReady(mem []byte) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[offReady])), 1)
}

func headerReady(mem []byte) bool {
	if len(mem) < HeaderSize {
		return false
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[offReady]))) == 1
}

// validateHeader checks a ready header and returns the total size it
// describes.
func validateHeader(mem []byte) (int, error) {
	if string(mem[offMagic:offMagic+8]) != SegmentMagic {
		return 0, fmt.Errorf("%w: bad magic %q", ErrBadHeader, mem[offMagic:offMagic+8])
	}
	if v := *(*uint32)(unsafe.Pointer(&mem[offVersion])); v != SegmentVersion {
		return 0, fmt.Errorf("%w: version %d, want %d", ErrBadHeader, v, SegmentVersion)
	}
	rows := *(*uint64)(unsafe.Pointer(&mem[offRows]))
	cols := *(*uint64)(unsafe.Pointer(&mem[offCols]))
	elem := *(*uint32)(unsafe.Pointer(&mem[offElemSize]))
	return HeaderSize + int(rows*cols)*int(elem), nil
}

// Key returns the segment key.
func (s *Segment) Key() Key { return s.key }

// Owner reports whether this handle created the segment.
func (s *Segment) Owner() bool { return s.owner }

// OwnerID returns the UUID written by the creating handle. A peer can
// compare it across reattaches to detect that the owner recreated the
// segment.
func (s *Segment) OwnerID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], s.mem[offOwner:offOwner+16])
	return id
}

// DType returns the element type.
func (s *Segment) DType() DType { return DType(*(*uint32)(unsafe.Pointer(&s.mem[offDType]))) }

// Rows returns the row count.
func (s *Segment) Rows() int { return int(*(*uint64)(unsafe.Pointer(&s.mem[offRows]))) }

// Cols returns the column count.
func (s *Segment) Cols() int { return int(*(*uint64)(unsafe.Pointer(&s.mem[offCols]))) }

// ElemSize returns the element width in bytes.
func (s *Segment) ElemSize() int { return int(*(*uint32)(unsafe.Pointer(&s.mem[offElemSize]))) }

func (s *Segment) elems() int { return s.Rows() * s.Cols() }

// Data returns the raw data region.
func (s *Segment) Data() []byte {
	return s.mem[HeaderSize : HeaderSize+s.elems()*s.ElemSize()]
}

// Float64s returns the data region as float64s, or nil for other types.
func (s *Segment) Float64s() []float64 {
	if s.DType() != Float64 || s.elems() == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&s.mem[HeaderSize])), s.elems())
}

// Int64s returns the data region as int64s, or nil for other types.
func (s *Segment) Int64s() []int64 {
	if s.DType() != Int64 || s.elems() == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&s.mem[HeaderSize])), s.elems())
}

// Dense returns a float64 segment as a gonum matrix over the shared
// memory, or nil for other types or an empty segment.
func (s *Segment) Dense() *mat.Dense {
	data := s.Float64s()
	if data == nil {
		return nil
	}
	return mat.NewDense(s.Rows(), s.Cols(), data)
}

// LoadInt64 atomically reads element i of an int64 segment.
func (s *Segment) LoadInt64(i int) int64 {
	return atomic.LoadInt64(&s.Int64s()[i])
}

// StoreInt64 atomically writes element i of an int64 segment.
func (s *Segment) StoreInt64(i int, v int64) {
	atomic.StoreInt64(&s.Int64s()[i], v)
}

// Seq returns the number of completed bulk writes. Loading it before
// reading the data region orders the read after the matching Commit.
func (s *Segment) Seq() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mem[offSeq])))
}

// Commit marks a bulk write as complete and returns the new sequence.
func (s *Segment) Commit() uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&s.mem[offSeq])), 1)
}

// Released reports whether Release has been called.
func (s *Segment) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release unmaps the segment, and destroys it if this handle is the
// owner. It is safe to call more than once; only the first call does work.
// The segment must not be used afterwards.
func (s *Segment) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	var err error
	if s.release != nil {
		err = s.release()
	}
	s.mem = nil
	if err != nil {
		return fmt.Errorf("release %s: %w", s.key, err)
	}
	return nil
}
