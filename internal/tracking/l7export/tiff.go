package l7export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"io/fs"
	"math"
	"path/filepath"

	"golang.org/x/image/tiff"

	"github.com/ilastik/ilastik-sub003/internal/fsutil"
	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// ReadTIFF decodes a single-plane label image. 8- and 16-bit grayscale
// pages keep their values; anything else is converted to 16-bit gray.
func ReadTIFF(r io.Reader) (*tracking.LabelImage, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode tiff: %w", err)
	}
	b := img.Bounds()
	out := tracking.NewLabelImage(b.Dx(), b.Dy(), 1)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint32
			switch src := img.(type) {
			case *image.Gray16:
				v = uint32(src.Gray16At(x, y).Y)
			case *image.Gray:
				v = uint32(src.GrayAt(x, y).Y)
			default:
				v = uint32(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
			}
			out.Set(x-b.Min.X, y-b.Min.Y, 0, v)
		}
	}
	return out, nil
}

// WriteTIFF encodes a single-plane label image as deflate-compressed
// 16-bit grayscale.
func WriteTIFF(w io.Writer, img *tracking.LabelImage) error {
	if img.Depth != 1 {
		return fmt.Errorf("tiff label images are single-plane, got depth %d", img.Depth)
	}
	if m := img.MaxID(); m > math.MaxUint16 {
		return fmt.Errorf("label %d does not fit 16-bit tiff", m)
	}
	g := image.NewGray16(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			g.SetGray16(x, y, color.Gray16{Y: uint16(img.At(x, y, 0))})
		}
	}
	return tiff.Encode(w, g, &tiff.Options{Compression: tiff.Deflate})
}

// DefaultPattern names the label file of a frame inside a directory.
const DefaultPattern = "labels_t%05d.tif"

// DirSource serves label frames stored one TIFF per frame.
type DirSource struct {
	fs      fsutil.FileSystem
	dir     string
	pattern string
}

// NewDirSource reads frames from dir. An empty pattern selects
// DefaultPattern.
func NewDirSource(fsys fsutil.FileSystem, dir, pattern string) *DirSource {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &DirSource{fs: fsys, dir: dir, pattern: pattern}
}

// Path returns the file holding frame t.
func (s *DirSource) Path(t int) string { return filepath.Join(s.dir, fmt.Sprintf(s.pattern, t)) }

// path is Path, rejected when the pattern points outside the directory.
func (s *DirSource) path(t int) (string, error) {
	p := s.Path(t)
	if err := fsutil.WithinDir(p, s.dir); err != nil {
		return "", &tracking.FrameError{Frame: t, Err: err}
	}
	return p, nil
}

// Frame implements tracking.LabelSource.
func (s *DirSource) Frame(ctx context.Context, t int) (*tracking.LabelImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(t)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &tracking.FrameError{Frame: t, Err: fmt.Errorf("no label image at %s", p)}
	}
	if err != nil {
		return nil, &tracking.FrameError{Frame: t, Err: err}
	}
	defer f.Close()
	img, err := ReadTIFF(f)
	if err != nil {
		return nil, &tracking.FrameError{Frame: t, Err: err}
	}
	return img, nil
}

// WriteFrame stores img as frame t of the directory.
func (s *DirSource) WriteFrame(t int, img *tracking.LabelImage) error {
	p, err := s.path(t)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	w, err := s.fs.Create(p)
	if err != nil {
		return err
	}
	if err := WriteTIFF(w, img); err != nil {
		w.Close()
		return fmt.Errorf("frame %d: %w", t, err)
	}
	return w.Close()
}
