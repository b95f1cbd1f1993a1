package l7export

import (
	"fmt"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l6mergers"
)

// Mode selects which id relabeled pixels carry.
type Mode int

const (
	LineageMode Mode = iota
	TrackMode
)

func (m Mode) String() string {
	if m == TrackMode {
		return "track"
	}
	return "lineage"
}

// ParseMode reads a label_mode value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "lineage":
		return LineageMode, nil
	case "track":
		return TrackMode, nil
	}
	return 0, &tracking.ConfigError{Param: "label_mode", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// Relabel maps the raw label frame of timestep t to output ids. Objects
// holding at least one cell get their lineage or track id, detections the
// solution left empty get the false detection label, and objects that
// never reached the graph become background. Pixels of a split merger
// follow the mixture component most likely to have produced them. The
// merger outcome may be nil.
func Relabel(frame *tracking.LabelImage, t int, res *l5lineage.Result, mergers *l6mergers.Outcome, mode Mode) *tracking.LabelImage {
	out := tracking.NewLabelImage(frame.Width, frame.Height, frame.Depth)
	split := make(map[uint32]*l6mergers.Merger)
	if mergers != nil {
		for _, m := range mergers.Mergers {
			if m.Key.Timestep == t && m.Status == l6mergers.Resolved {
				split[uint32(m.Key.ID)] = m
			}
		}
	}

	label := func(k tracking.NodeKey) uint32 {
		var id int
		var ok bool
		if mode == TrackMode {
			id, ok = res.Track(k)
		} else {
			id, ok = res.Lineage(k)
		}
		switch {
		case ok:
			return uint32(id)
		case hasNode(res, k):
			return tracking.FalseDetectionLabel
		default:
			return tracking.BackgroundLabel
		}
	}

	lut := make(map[uint32]uint32)
	for i, v := range frame.Pix {
		if v == tracking.BackgroundLabel {
			continue
		}
		if m, ok := split[v]; ok {
			c := m.Mixture.Assign(frame.Coord(i))
			out.Pix[i] = label(tracking.NodeKey{Timestep: t, ID: m.NewIDs[c]})
			continue
		}
		l, ok := lut[v]
		if !ok {
			l = label(tracking.NodeKey{Timestep: t, ID: int(v)})
			lut[v] = l
		}
		out.Pix[i] = l
	}
	return out
}

func hasNode(res *l5lineage.Result, k tracking.NodeKey) bool {
	_, ok := res.Graph.NodeIndex(k)
	return ok
}
