package l7export

import (
	"encoding/json"
	"io"

	"github.com/ilastik/ilastik-sub003/internal/tracking"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l5lineage"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l6mergers"
)

// MergerReport is the outcome of one merger.
type MergerReport struct {
	Node   tracking.NodeKey `json:"node"`
	Count  int              `json:"count"`
	Status l6mergers.Status `json:"status"`
	Error  string           `json:"error,omitempty"`
	NewIDs []int            `json:"new_ids,omitempty"`
}

// Report is the event log of a run.
type Report struct {
	Strategy  string                     `json:"strategy"`
	Energy    float64                    `json:"energy"`
	Events    []l5lineage.FrameEvents    `json:"events"`
	Tracks    []l5lineage.Track          `json:"tracks"`
	Divisions []l5lineage.DivisionRecord `json:"divisions"`
	Mergers   []MergerReport             `json:"mergers,omitempty"`
	Resolved  map[int]map[int][]int      `json:"resolved_mergers,omitempty"`
}

// NewReport collects the event log of res. mergers may be nil.
func NewReport(res *l5lineage.Result, mergers *l6mergers.Outcome) *Report {
	rep := &Report{
		Strategy:  res.Solution.Strategy,
		Energy:    res.Solution.Energy,
		Events:    res.Events,
		Tracks:    res.Tracks,
		Divisions: res.Divisions,
	}
	if mergers == nil {
		return rep
	}
	for _, m := range mergers.Mergers {
		mr := MergerReport{Node: m.Key, Count: m.Count, Status: m.Status, NewIDs: m.NewIDs}
		if m.Err != nil {
			mr.Error = m.Err.Error()
		}
		rep.Mergers = append(rep.Mergers, mr)
	}
	if len(mergers.Resolved) > 0 {
		rep.Resolved = mergers.Resolved
	}
	return rep
}

// WriteEvents writes rep as indented JSON.
func WriteEvents(w io.Writer, rep *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
