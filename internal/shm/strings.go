package shm

import (
	"bytes"
	"context"
	"fmt"
)

// DefaultStringLen is the per-element byte capacity used for name arrays.
const DefaultStringLen = 64

// StringArray is a fixed-count array of short strings in a Bytes segment,
// one NUL-padded element per row.
type StringArray struct {
	seg *Segment
}

// CreateStrings creates an array holding vals, each at most maxLen bytes.
// The values are in place before any peer can attach.
func CreateStrings(p Provider, key Key, vals []string, maxLen int, force bool) (*StringArray, error) {
	if maxLen <= 0 {
		maxLen = DefaultStringLen
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: string array %s needs at least one element", ErrShape, key)
	}
	for i, v := range vals {
		if len(v) > maxLen {
			return nil, fmt.Errorf("%w: element %d of %s is %d bytes, limit %d", ErrShape, i, key, len(v), maxLen)
		}
		if bytes.IndexByte([]byte(v), 0) >= 0 {
			return nil, fmt.Errorf("element %d of %s contains a NUL byte", i, key)
		}
	}

	seg, err := p.Create(Spec{
		Key:      key,
		Rows:     len(vals),
		Cols:     1,
		DType:    Bytes,
		ElemSize: maxLen,
		Force:    force,
		Init: func(s *Segment) {
			data := s.Data()
			for i, v := range vals {
				copy(data[i*maxLen:(i+1)*maxLen], v)
			}
			s.Commit()
		},
	})
	if err != nil {
		return nil, err
	}
	return &StringArray{seg: seg}, nil
}

// AttachStrings attaches an array that must hold exactly n elements.
func AttachStrings(ctx context.Context, p Provider, key Key, n int, opts AttachOptions) (*StringArray, error) {
	seg, err := p.Attach(ctx, key, Bytes, opts)
	if err != nil {
		return nil, err
	}
	if seg.Rows() != n || seg.Cols() != 1 {
		rows := seg.Rows()
		_ = seg.Release()
		return nil, fmt.Errorf("%w: %s holds %d elements, expected %d", ErrShape, key, rows, n)
	}
	return &StringArray{seg: seg}, nil
}

// Len returns the element count.
func (a *StringArray) Len() int { return a.seg.Rows() }

// Read returns a copy of every element.
func (a *StringArray) Read() []string {
	a.seg.Seq()
	n, width := a.seg.Rows(), a.seg.ElemSize()
	data := a.seg.Data()
	out := make([]string, n)
	for i := range out {
		elem := data[i*width : (i+1)*width]
		if end := bytes.IndexByte(elem, 0); end >= 0 {
			elem = elem[:end]
		}
		out[i] = string(elem)
	}
	return out
}

// Segment returns the underlying segment.
func (a *StringArray) Segment() *Segment { return a.seg }

// Release releases the underlying segment. It is idempotent.
func (a *StringArray) Release() error { return a.seg.Release() }
