package aggregate

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when data handed to a buffer or view does not match
// its rows or width.
var ErrShape = errors.New("shape mismatch")

// Buffer is a rows x Layout.Width() float64 block in row-major order. The
// column count is fixed at construction; views never copy its storage.
type Buffer struct {
	layout Layout
	rows   int
	data   []float64
	dense  *mat.Dense // nil when the layout has no columns
}

// NewBuffer allocates a zeroed buffer for layout. The layout must start at
// column 0 so that it accounts for every column of the buffer.
func NewBuffer(rows int, layout Layout) (*Buffer, error) {
	if rows < 1 {
		return nil, fmt.Errorf("%w: buffer needs at least one row, got %d", ErrShape, rows)
	}
	if layout.Start() != 0 {
		return nil, fmt.Errorf("%w: buffer layout must start at column 0, starts at %d", ErrLayout, layout.Start())
	}
	if err := layout.check(); err != nil {
		return nil, err
	}

	b := &Buffer{
		layout: layout,
		rows:   rows,
		data:   make([]float64, rows*layout.Width()),
	}
	if layout.Width() > 0 {
		b.dense = mat.NewDense(rows, layout.Width(), b.data)
	}
	return b, nil
}

// Rows returns the row count (one row per cluster member).
func (b *Buffer) Rows() int { return b.rows }

// Cols returns the column count, always equal to Layout().Width().
func (b *Buffer) Cols() int { return b.layout.Width() }

// Layout returns the layout the buffer was built from.
func (b *Buffer) Layout() Layout { return b.layout }

// Dense returns the whole buffer as a gonum matrix sharing storage with the
// buffer, or nil for a zero-column buffer.
func (b *Buffer) Dense() *mat.Dense { return b.dense }

// Raw returns the backing row-major storage.
func (b *Buffer) Raw() []float64 { return b.data }

// RawRow returns row r of the backing storage without copying.
func (b *Buffer) RawRow(r int) []float64 {
	cols := b.Cols()
	return b.data[r*cols : (r+1)*cols : (r+1)*cols]
}

// Zero clears every element.
func (b *Buffer) Zero() {
	clear(b.data)
}

// CopyFrom overwrites b with src. Both buffers must have the same shape.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src.rows != b.rows || src.Cols() != b.Cols() {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrShape, src.rows, src.Cols(), b.rows, b.Cols())
	}
	if b.dense != nil {
		b.dense.Copy(src.dense)
	}
	return nil
}

// View returns the view for a field in the layout.
func (b *Buffer) View(name string) (View, error) {
	s, ok := b.layout.Span(name)
	if !ok {
		return View{}, fmt.Errorf("%w: no field %q", ErrLayout, name)
	}
	return View{buf: b, name: name, start: s.Start, width: s.Width()}, nil
}

// OptionalView is like View but returns an empty, zero-width view for a
// field that was omitted from the layout.
func (b *Buffer) OptionalView(name string) View {
	if v, err := b.View(name); err == nil {
		return v
	}
	return View{buf: b, name: name, start: b.Cols()}
}

// MustView is like View but panics if the field does not exist. Channel
// constructors use it for fields their own layout just declared.
func (b *Buffer) MustView(name string) View {
	v, err := b.View(name)
	if err != nil {
		panic(err)
	}
	return v
}

// View is a fixed-width column range of a Buffer across all rows. It is
// only valid for the lifetime of the buffer it came from.
type View struct {
	buf   *Buffer
	name  string
	start int
	width int
}

// Name returns the field name.
func (v View) Name() string { return v.name }

// Offset returns the first column of the view within the buffer.
func (v View) Offset() int { return v.start }

// Width returns the number of columns.
func (v View) Width() int { return v.width }

// Rows returns the number of rows.
func (v View) Rows() int {
	if v.buf == nil {
		return 0
	}
	return v.buf.rows
}

// Empty reports whether the view has no columns.
func (v View) Empty() bool { return v.width == 0 }

// Row returns row r of the view as a slice aliasing the buffer. Writes to
// the slice are writes to the buffer. The capacity is clipped so appends
// cannot spill into the neighbouring field.
func (v View) Row(r int) []float64 {
	base := r*v.buf.Cols() + v.start
	return v.buf.data[base : base+v.width : base+v.width]
}

// At returns element (r, c) of the view.
func (v View) At(r, c int) float64 {
	v.checkCol(c)
	return v.buf.data[r*v.buf.Cols()+v.start+c]
}

// Set writes element (r, c) of the view.
func (v View) Set(r, c int, x float64) {
	v.checkCol(c)
	v.buf.data[r*v.buf.Cols()+v.start+c] = x
}

// SetRow copies vals into row r. len(vals) must equal Width().
func (v View) SetRow(r int, vals []float64) error {
	if len(vals) != v.width {
		return fmt.Errorf("%w: field %q is %d wide, got %d values", ErrShape, v.name, v.width, len(vals))
	}
	if r < 0 || r >= v.Rows() {
		return fmt.Errorf("%w: row %d out of range [0,%d)", ErrShape, r, v.Rows())
	}
	copy(v.Row(r), vals)
	return nil
}

// Fill sets every element of the view to x.
func (v View) Fill(x float64) {
	for r := 0; r < v.Rows(); r++ {
		row := v.Row(r)
		for i := range row {
			row[i] = x
		}
	}
}

// Matrix returns the view as a gonum matrix sharing storage with the
// buffer, or nil for an empty view.
func (v View) Matrix() *mat.Dense {
	if v.width == 0 || v.buf.dense == nil {
		return nil
	}
	return v.buf.dense.Slice(0, v.buf.rows, v.start, v.start+v.width).(*mat.Dense)
}

// Sub returns the columns [offset, offset+width) of this view as a view of
// its own, still aliasing the same buffer.
func (v View) Sub(name string, offset, width int) (View, error) {
	if offset < 0 || width < 0 || offset+width > v.width {
		return View{}, fmt.Errorf("%w: sub-view [%d,%d) outside field %q of width %d",
			ErrLayout, offset, offset+width, v.name, v.width)
	}
	return View{buf: v.buf, name: name, start: v.start + offset, width: width}, nil
}

func (v View) checkCol(c int) {
	if c < 0 || c >= v.width {
		panic(fmt.Sprintf("aggregate: column %d out of range for field %q of width %d", c, v.name, v.width))
	}
}
