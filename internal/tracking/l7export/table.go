package l7export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l6mergers"
)

// Row is one object of the flat result table.
type Row struct {
	Timestep      int
	ObjectID      int
	TrackID       int // FalseDetectionLabel when the object holds no cell
	LineageID     int
	ParentTrackID int
	Count         int
	MergedFrom    int // original id when the object comes from a split merger
	Position      tracking.Vec3
	Size          float64
	Extra         map[string][]float64
}

// BuildTable lists every detection of the result graph in (timestep, id)
// order. Extra feature columns come from the ingested records; dets and
// mergers may be nil.
func BuildTable(res *l5lineage.Result, dets *l1ingest.Detections, mergers *l6mergers.Outcome) []Row {
	origin := make(map[tracking.NodeKey]int)
	if mergers != nil {
		for _, m := range mergers.Mergers {
			for _, id := range m.NewIDs {
				origin[tracking.NodeKey{Timestep: m.Key.Timestep, ID: id}] = m.Key.ID
			}
		}
	}

	g := res.Graph
	rows := make([]Row, 0, g.NumNodes())
	for i := 0; i < g.NumNodes(); i++ {
		d := g.Node(i).First()
		row := Row{
			Timestep:   d.Key.Timestep,
			ObjectID:   d.Key.ID,
			TrackID:    tracking.FalseDetectionLabel,
			LineageID:  tracking.FalseDetectionLabel,
			Count:      res.Solution.Counts[i],
			MergedFrom: origin[d.Key],
			Position:   d.RawPosition,
			Size:       d.Size,
		}
		if id, ok := res.Track(d.Key); ok {
			tr, _ := res.TrackByID(id)
			row.TrackID, row.LineageID, row.ParentTrackID = id, tr.Lineage, tr.Parent
		}
		if dets != nil {
			if rec, ok := dets.Record(d.Key); ok {
				row.Extra = rec.Extra
			}
		}
		rows = append(rows, row)
	}
	return rows
}

var baseColumns = []string{
	"timestep", "object_id", "track_id", "lineage_id", "parent_track_id",
	"count", "merged_from", "x", "y", "z", "size",
}

// WriteCSV writes rows with one column per extra feature component.
// Vector features expand to name_0, name_1, ...; missing values are empty.
func WriteCSV(w io.Writer, rows []Row) error {
	width := make(map[string]int)
	for _, r := range rows {
		for name, v := range r.Extra {
			width[name] = max(width[name], len(v))
		}
	}
	names := make([]string, 0, len(width))
	for name := range width {
		names = append(names, name)
	}
	sort.Strings(names)

	header := append([]string(nil), baseColumns...)
	for _, name := range names {
		if width[name] == 1 {
			header = append(header, name)
			continue
		}
		for j := 0; j < width[name]; j++ {
			header = append(header, fmt.Sprintf("%s_%d", name, j))
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	num := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, r := range rows {
		rec := []string{
			strconv.Itoa(r.Timestep), strconv.Itoa(r.ObjectID), strconv.Itoa(r.TrackID),
			strconv.Itoa(r.LineageID), strconv.Itoa(r.ParentTrackID), strconv.Itoa(r.Count),
			strconv.Itoa(r.MergedFrom), num(r.Position[0]), num(r.Position[1]), num(r.Position[2]),
			num(r.Size),
		}
		for _, name := range names {
			v := r.Extra[name]
			for j := 0; j < width[name]; j++ {
				if j < len(v) {
					rec = append(rec, num(v[j]))
				} else {
					rec = append(rec, "")
				}
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
