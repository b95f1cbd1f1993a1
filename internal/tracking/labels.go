package tracking

import (
	"context"
	"fmt"
)

// LabelImage is a dense object-id image of one frame. Pixel (x, y, z)
// lives at Pix[(z*Height+y)*Width+x]; 2-D frames have Depth 1.
type LabelImage struct {
	Width, Height, Depth int
	Pix                  []uint32
}

// NewLabelImage allocates a zeroed (background) image.
func NewLabelImage(width, height, depth int) *LabelImage {
	if depth < 1 {
		depth = 1
	}
	return &LabelImage{Width: width, Height: height, Depth: depth, Pix: make([]uint32, width*height*depth)}
}

func (l *LabelImage) offset(x, y, z int) int { return (z*l.Height+y)*l.Width + x }

// At returns the label at (x, y, z).
func (l *LabelImage) At(x, y, z int) uint32 { return l.Pix[l.offset(x, y, z)] }

// Set writes the label at (x, y, z).
func (l *LabelImage) Set(x, y, z int, v uint32) { l.Pix[l.offset(x, y, z)] = v }

// Coord returns the (x, y, z) pixel coordinate of a flat index.
func (l *LabelImage) Coord(i int) Vec3 {
	plane := l.Width * l.Height
	z := i / plane
	rem := i % plane
	return Vec3{float64(rem % l.Width), float64(rem / l.Width), float64(z)}
}

// Coordinates lists the pixel coordinates carrying id in raster order.
func (l *LabelImage) Coordinates(id uint32) []Vec3 {
	var out []Vec3
	for i, v := range l.Pix {
		if v == id {
			out = append(out, l.Coord(i))
		}
	}
	return out
}

// MaxID returns the largest label present.
func (l *LabelImage) MaxID() uint32 {
	var m uint32
	for _, v := range l.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// Clone returns a deep copy.
func (l *LabelImage) Clone() *LabelImage {
	out := &LabelImage{Width: l.Width, Height: l.Height, Depth: l.Depth, Pix: make([]uint32, len(l.Pix))}
	copy(out.Pix, l.Pix)
	return out
}

// LabelSource supplies the raw label image of a frame.
type LabelSource interface {
	Frame(ctx context.Context, t int) (*LabelImage, error)
}

// MapLabelSource serves frames held in memory.
type MapLabelSource map[int]*LabelImage

// Frame implements LabelSource.
func (m MapLabelSource) Frame(_ context.Context, t int) (*LabelImage, error) {
	img, ok := m[t]
	if !ok {
		return nil, &FrameError{Frame: t, Err: fmt.Errorf("no label image")}
	}
	return img, nil
}
