package l1ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
)

// Column names of the flat feature table. Detection probability columns
// are det_p0, det_p1, ...; every unrecognised column lands in Extra.
const (
	colTimestep = "timestep"
	colID       = "id"
	colSize     = "size"
	colDivision = "div_p"
	detPrefix   = "det_p"
)

var axes = [3]string{"x", "y", "z"}

// ReadFeatureCSV reads a flat feature table with a header row and groups
// its rows into per-frame tables ordered by timestep.
func ReadFeatureCSV(r io.Reader) ([]FrameTable, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read feature header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, req := range []string{colTimestep, colID, "x", "y", colSize} {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("feature table lacks required column %q", req)
		}
	}

	known := map[string]bool{colTimestep: true, colID: true, colSize: true, colDivision: true}
	for _, a := range axes {
		known[a], known["min_"+a], known["max_"+a] = true, true, true
	}
	var detCols []int
	for k := 0; ; k++ {
		i, ok := cols[fmt.Sprintf("%s%d", detPrefix, k)]
		if !ok {
			break
		}
		detCols = append(detCols, i)
		known[fmt.Sprintf("%s%d", detPrefix, k)] = true
	}
	var extra []string
	for name := range cols {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	byTime := make(map[int]*FrameTable)
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read feature row %d: %w", line, err)
		}
		rec, err := parseRow(row, cols, detCols, extra)
		if err != nil {
			return nil, fmt.Errorf("feature row %d: %w", line, err)
		}
		ft, ok := byTime[rec.Timestep]
		if !ok {
			ft = &FrameTable{Timestep: rec.Timestep}
			byTime[rec.Timestep] = ft
		}
		ft.Records = append(ft.Records, rec)
	}

	out := make([]FrameTable, 0, len(byTime))
	for _, ft := range byTime {
		out = append(out, *ft)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestep < out[j].Timestep })
	return out, nil
}

func parseRow(row []string, cols map[string]int, detCols []int, extra []string) (tracking.FeatureRecord, error) {
	var rec tracking.FeatureRecord
	num := func(name string) (float64, bool, error) {
		i, ok := cols[name]
		if !ok || i >= len(row) || strings.TrimSpace(row[i]) == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		if err != nil {
			return 0, false, fmt.Errorf("column %s: %w", name, err)
		}
		return v, true, nil
	}

	t, _, err := num(colTimestep)
	if err != nil {
		return rec, err
	}
	id, _, err := num(colID)
	if err != nil {
		return rec, err
	}
	rec.Timestep, rec.ID = int(t), int(id)
	if rec.Size, _, err = num(colSize); err != nil {
		return rec, err
	}

	for _, a := range axes {
		c, ok, err := num(a)
		if err != nil {
			return rec, err
		}
		if !ok {
			continue
		}
		rec.Center = append(rec.Center, c)
		lo, okLo, err := num("min_" + a)
		if err != nil {
			return rec, err
		}
		hi, okHi, err := num("max_" + a)
		if err != nil {
			return rec, err
		}
		// Without an explicit box the object is its centre pixel.
		if !okLo {
			lo = c
		}
		if !okHi {
			hi = c + 1
		}
		rec.BBoxMin = append(rec.BBoxMin, lo)
		rec.BBoxMax = append(rec.BBoxMax, hi)
	}

	for _, i := range detCols {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		if err != nil {
			return rec, fmt.Errorf("detection probability: %w", err)
		}
		rec.DetectionProbs = append(rec.DetectionProbs, v)
	}
	if v, ok, err := num(colDivision); err != nil {
		return rec, err
	} else if ok {
		rec.DivisionProb = &v
	}

	for _, name := range extra {
		v, ok, err := num(name)
		if err != nil {
			return rec, err
		}
		if !ok {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string][]float64)
		}
		rec.Extra[name] = []float64{v}
	}
	return rec, nil
}
