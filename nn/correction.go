package nn

import (
	"fmt"
	"math/rand/v2"
)

// Direction selects the axis and order of a correction sweep.
type Direction int

const (
	DirLeftToRight Direction = 0 // along width, increasing
	DirRightToLeft Direction = 1 // along width, decreasing
	DirTopToBottom Direction = 2 // along height, increasing
	DirBottomToTop Direction = 3 // along height, decreasing
)

// ParseDirection validates a direction code.
func ParseDirection(code int) (Direction, error) {
	d := Direction(code)
	if d < DirLeftToRight || d > DirBottomToTop {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDirection, code)
	}
	return d, nil
}

func (d Direction) String() string {
	switch d {
	case DirLeftToRight:
		return "left-to-right"
	case DirRightToLeft:
		return "right-to-left"
	case DirTopToBottom:
		return "top-to-bottom"
	case DirBottomToTop:
		return "bottom-to-top"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) alongWidth() bool { return d == DirLeftToRight || d == DirRightToLeft }
func (d Direction) reverse() bool    { return d == DirRightToLeft || d == DirBottomToTop }

// zeroPadCache holds the all-zero boundary neighbor for one (batch, device)
// pair.
type zeroPadCache[T Float] struct {
	batch         int
	device        Device
	data          []T
	valid         bool
	invalidations int
}

func (z *zeroPadCache[T]) get(batch int, device Device, features int) []T {
	if z.valid && z.batch == batch && z.device == device {
		return z.data
	}
	if z.valid {
		z.invalidations++
		Logf("sdn: zero-pad cache rebuilt for batch %d on %s (was batch %d on %s)", batch, device, z.batch, z.device)
	}
	z.batch, z.device, z.valid = batch, device, true
	z.data = make([]T, batch*features)
	return z.data
}

// lineStep is the record of one swept line.
type lineStep struct {
	line, prev int
	step       *GRUStep
}

// CorrectionLayer sweeps a feature grid in one direction. Each line is
// recomputed by the SDN cell from its own features and the three nearest
// entries of the line corrected just before it. The first line of the sweep
// is never modified.
type CorrectionLayer[T Float] struct {
	NumFeatures int
	Dir         Direction
	Cell        *SDNCell[T]

	pad   zeroPadCache[T]
	steps []lineStep
	shape []int
}

// NewCorrectionLayer creates a sweep in direction dir over numFeatures
// channels.
func NewCorrectionLayer[T Float](numFeatures int, dir Direction) (*CorrectionLayer[T], error) {
	if _, err := ParseDirection(int(dir)); err != nil {
		return nil, err
	}
	cell, err := NewSDNCell[T](numFeatures)
	if err != nil {
		return nil, err
	}
	return &CorrectionLayer[T]{NumFeatures: numFeatures, Dir: dir, Cell: cell}, nil
}

// Reset re-initializes the cell.
func (l *CorrectionLayer[T]) Reset(src rand.Source) {
	l.Cell.Reset(src)
}

func (l *CorrectionLayer[T]) Parameters() []*Parameter[T] {
	return prefixed("cell", l.Cell.Parameters())
}

// Invalidations reports how many times a cached boundary vector was
// discarded because the batch size or device of the input changed.
func (l *CorrectionLayer[T]) Invalidations() int {
	return l.pad.invalidations
}

// geometry returns the number of lines swept, the length of each line and
// the offset function mapping (batch, line, position) to a channels-last
// element offset.
func (l *CorrectionLayer[T]) geometry(g *Tensor[T]) (lines, length int, pos func(b, line, p int) int) {
	h, w := g.Shape[2], g.Shape[3]
	if l.Dir.alongWidth() {
		return w, h, func(b, line, p int) int { return g.offset(b, 0, p, line) }
	}
	return h, w, func(b, line, p int) int { return g.offset(b, 0, line, p) }
}

// Forward corrects grid of shape (N, C, H, W). A channels-last grid is
// updated in place and returned; any other layout is first copied into a
// new channels-last buffer. Grids with fewer than two lines along the
// sweep axis are returned unchanged.
func (l *CorrectionLayer[T]) Forward(grid *Tensor[T]) (*Tensor[T], error) {
	n, c, _, _, err := grid.Dims4()
	if err != nil {
		return nil, fmt.Errorf("correction %s: %w", l.Dir, err)
	}
	if c != l.NumFeatures {
		return nil, fmt.Errorf("correction %s: %w: grid has %d channels, layer expects %d", l.Dir, ErrShapeMismatch, c, l.NumFeatures)
	}

	g := grid.ToChannelsLast()
	l.steps = l.steps[:0]
	l.shape = append(l.shape[:0], g.Shape...)
	lines, length, pos := l.geometry(g)
	if lines < 2 || n == 0 || length == 0 {
		return g, nil
	}

	C := l.NumFeatures
	pad := l.pad.get(n, g.Device, C)
	rows := n * length
	first, last, inc := 1, lines, 1
	if l.Dir.reverse() {
		first, last, inc = lines-2, -1, -1
	}

	for line := first; line != last; line += inc {
		prev := line - inc
		packed := NewTensor[T](rows, 3*C)
		hidden := NewTensor[T](rows, C)
		hidden.Device = g.Device
		for b := 0; b < n; b++ {
			for p := 0; p < length; p++ {
				row := b*length + p
				for k := 0; k < 3; k++ {
					dst := packed.Data[row*3*C+k*C : row*3*C+(k+1)*C]
					if q := p + k - 1; q >= 0 && q < length {
						off := pos(b, prev, q)
						copy(dst, g.Data[off:off+C])
					} else {
						copy(dst, pad[b*C:(b+1)*C])
					}
				}
				off := pos(b, line, p)
				copy(hidden.Data[row*C:(row+1)*C], g.Data[off:off+C])
			}
		}

		out, st, err := l.Cell.step(packed, hidden)
		if err != nil {
			return nil, fmt.Errorf("correction %s: line %d: %w", l.Dir, line, err)
		}
		for b := 0; b < n; b++ {
			for p := 0; p < length; p++ {
				row := b*length + p
				off := pos(b, line, p)
				copy(g.Data[off:off+C], out.Data[row*C:(row+1)*C])
			}
		}
		l.steps = append(l.steps, lineStep{line: line, prev: prev, step: st})
	}
	return g, nil
}

// Backward propagates gradOut through the recorded sweep in reverse line
// order. The returned gradient is channels-last; gradOut is not modified.
func (l *CorrectionLayer[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	if l.shape == nil {
		return nil, fmt.Errorf("correction %s: %w", l.Dir, ErrNoForward)
	}
	if err := checkSameShape("correction backward", gradOut, &Tensor[T]{Shape: l.shape}); err != nil {
		return nil, err
	}

	g := gradOut
	if g.Layout == LayoutChannelsLast {
		g = g.Clone()
	} else {
		g = g.ToChannelsLast()
	}
	if len(l.steps) == 0 {
		return g, nil
	}

	n := g.Shape[0]
	C := l.NumFeatures
	_, length, pos := l.geometry(g)
	rows := n * length

	for i := len(l.steps) - 1; i >= 0; i-- {
		ls := l.steps[i]
		dh := NewTensor[T](rows, C)
		dh.Device = g.Device
		for b := 0; b < n; b++ {
			for p := 0; p < length; p++ {
				row := b*length + p
				off := pos(b, ls.line, p)
				copy(dh.Data[row*C:(row+1)*C], g.Data[off:off+C])
			}
		}

		dNeighbors, dHidden, err := l.Cell.Backward(ls.step, dh)
		if err != nil {
			return nil, fmt.Errorf("correction %s backward: line %d: %w", l.Dir, ls.line, err)
		}

		for b := 0; b < n; b++ {
			for p := 0; p < length; p++ {
				row := b*length + p
				off := pos(b, ls.line, p)
				copy(g.Data[off:off+C], dHidden.Data[row*C:(row+1)*C])
				for k, dn := range dNeighbors {
					q := p + k - 1
					if q < 0 || q >= length {
						continue // boundary zero vector
					}
					poff := pos(b, ls.prev, q)
					for ch := 0; ch < C; ch++ {
						g.Data[poff+ch] += dn.Data[row*C+ch]
					}
				}
			}
		}
	}
	return g, nil
}
