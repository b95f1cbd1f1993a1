package l3costs

import (
	"math"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
)

// FieldOfView is the scaled spatial box and inclusive frame range the
// data was acquired in. Axes with Lo == Hi are ignored (2-D data).
type FieldOfView struct {
	T0, T1 int
	Lo, Hi tracking.Vec3
}

// NewFieldOfView uses the configured region of interest where it is
// finite and the extent of the detections elsewhere.
func NewFieldOfView(dets *l1ingest.Detections, ranges [3][2]float64, scales tracking.Vec3) FieldOfView {
	var fov FieldOfView
	fov.T0, fov.T1 = dets.TimeSpan()
	lo, hi := dets.Bounds()
	for a := 0; a < 3; a++ {
		fov.Lo[a], fov.Hi[a] = lo[a], hi[a]
		if r := ranges[a]; !math.IsInf(r[0], 0) && !math.IsInf(r[1], 0) {
			fov.Lo[a], fov.Hi[a] = r[0]*scales[a], r[1]*scales[a]
		}
	}
	return fov
}

// DistanceToBorder returns the distance from p to the nearest face of the
// spatial box, or +Inf when no axis has extent.
func (f FieldOfView) DistanceToBorder(p tracking.Vec3) float64 {
	d := math.Inf(1)
	for a := 0; a < 3; a++ {
		if f.Hi[a] <= f.Lo[a] {
			continue
		}
		d = math.Min(d, math.Min(p[a]-f.Lo[a], f.Hi[a]-p[a]))
	}
	return math.Max(d, 0)
}

// borderMultiplier damps appearance or disappearance costs: free at the
// first (appearance) or last (disappearance) frame, linear inside the
// border band, full cost elsewhere.
func (f FieldOfView) borderMultiplier(d tracking.Detection, width float64, appearance bool) float64 {
	if appearance && d.Key.Timestep <= f.T0 {
		return 0
	}
	if !appearance && d.Key.Timestep >= f.T1 {
		return 0
	}
	if width <= 0 {
		return 1
	}
	dist := f.DistanceToBorder(d.Position)
	if dist >= width {
		return 1
	}
	return dist / width
}
