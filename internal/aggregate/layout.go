// Package aggregate packs named, differently sized sub-fields into the
// columns of one contiguous row-major buffer and hands them out as
// non-overlapping views.
//
// Every data channel is defined as a fixed sequence of Plan calls, one per
// block, joined with Merge. The no-gap/no-overlap invariant is checked at
// construction so a bad offset fails immediately instead of corrupting
// every read across the cluster.
package aggregate

import (
	"errors"
	"fmt"
)

// ErrLayout is returned for any layout that would break the exact-fit
// invariant: bad widths, duplicate names, gaps or overlaps.
var ErrLayout = errors.New("invalid aggregate layout")

// Field declares one named sub-field and its width in columns.
type Field struct {
	Name  string
	Width int

	// Optional fields may have zero width, in which case they are left out
	// of the layout entirely.
	Optional bool
}

// Span is the column range [Start, End) claimed by a field.
type Span struct {
	Name  string
	Start int
	End   int
}

// Width returns the number of columns in the span.
func (s Span) Width() int { return s.End - s.Start }

// Layout is the ordered set of spans produced by Plan or Merge.
type Layout struct {
	start int
	end   int
	spans []Span
	index map[string]int
}

// Plan walks fields in order, giving each the next Width columns starting
// at start.
func Plan(start int, fields ...Field) (Layout, error) {
	if start < 0 {
		return Layout{}, fmt.Errorf("%w: negative start offset %d", ErrLayout, start)
	}

	l := Layout{
		start: start,
		end:   start,
		index: make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" {
			return Layout{}, fmt.Errorf("%w: field at offset %d has no name", ErrLayout, l.end)
		}
		if _, dup := l.index[f.Name]; dup {
			return Layout{}, fmt.Errorf("%w: duplicate field %q", ErrLayout, f.Name)
		}
		switch {
		case f.Width < 0:
			return Layout{}, fmt.Errorf("%w: field %q has negative width %d", ErrLayout, f.Name, f.Width)
		case f.Width == 0 && !f.Optional:
			return Layout{}, fmt.Errorf("%w: field %q has zero width", ErrLayout, f.Name)
		case f.Width == 0:
			continue
		}
		l.index[f.Name] = len(l.spans)
		l.spans = append(l.spans, Span{Name: f.Name, Start: l.end, End: l.end + f.Width})
		l.end += f.Width
	}

	if err := l.check(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Merge concatenates block layouts into one. Each block must start exactly
// where the previous one ended.
func Merge(blocks ...Layout) (Layout, error) {
	if len(blocks) == 0 {
		return Layout{index: map[string]int{}}, nil
	}

	out := Layout{
		start: blocks[0].start,
		end:   blocks[0].start,
		index: make(map[string]int),
	}
	for i, b := range blocks {
		if b.start != out.end {
			kind := "gap"
			if b.start < out.end {
				kind = "overlap"
			}
			return Layout{}, fmt.Errorf("%w: block %d starts at %d, previous block ends at %d (%s)",
				ErrLayout, i, b.start, out.end, kind)
		}
		for _, s := range b.spans {
			if _, dup := out.index[s.Name]; dup {
				return Layout{}, fmt.Errorf("%w: duplicate field %q in block %d", ErrLayout, s.Name, i)
			}
			out.index[s.Name] = len(out.spans)
			out.spans = append(out.spans, s)
		}
		out.end = b.end
	}

	if err := out.check(); err != nil {
		return Layout{}, err
	}
	return out, nil
}

// check asserts the spans tile [start, end) exactly.
func (l Layout) check() error {
	cursor := l.start
	total := 0
	for _, s := range l.spans {
		if s.Start != cursor {
			return fmt.Errorf("%w: field %q starts at %d, expected %d", ErrLayout, s.Name, s.Start, cursor)
		}
		if s.End <= s.Start {
			return fmt.Errorf("%w: field %q has empty range [%d,%d)", ErrLayout, s.Name, s.Start, s.End)
		}
		cursor = s.End
		total += s.Width()
	}
	if cursor != l.end || total != l.end-l.start {
		return fmt.Errorf("%w: fields cover %d columns, layout claims %d", ErrLayout, total, l.end-l.start)
	}
	return nil
}

// Start returns the first column of the layout.
func (l Layout) Start() int { return l.start }

// End returns the column just past the last field.
func (l Layout) End() int { return l.end }

// Width returns the total number of columns.
func (l Layout) Width() int { return l.end - l.start }

// Spans returns a copy of the spans in declaration order.
func (l Layout) Spans() []Span {
	out := make([]Span, len(l.spans))
	copy(out, l.spans)
	return out
}

// Span looks up a field by name. Omitted optional fields are not found.
func (l Layout) Span(name string) (Span, bool) {
	i, ok := l.index[name]
	if !ok {
		return Span{}, false
	}
	return l.spans[i], true
}

// Has reports whether the field is present in the layout.
func (l Layout) Has(name string) bool {
	_, ok := l.index[name]
	return ok
}
