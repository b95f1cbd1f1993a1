package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tracking defaults file.
const DefaultConfigPath = "config/tracking.defaults.json"

// Solver strategy names accepted by the solver option.
var SolverNames = []string{"flow", "dp", "ilp"}

// TrackingConfig is the root configuration of a tracking run. Every field
// is optional; the Get* methods supply defaults for omitted values so a
// partial JSON document is always safe to load.
type TrackingConfig struct {
	// Ingestion
	MaxObjects          *int        `json:"max_objects,omitempty"`
	TimeRange           *[2]int     `json:"time_range,omitempty"` // inclusive frame range
	XRange              *[2]float64 `json:"x_range,omitempty"`
	YRange              *[2]float64 `json:"y_range,omitempty"`
	ZRange              *[2]float64 `json:"z_range,omitempty"`
	SizeRange           *[2]float64 `json:"size_range,omitempty"` // [min, max)
	Scales              *[3]float64 `json:"scales,omitempty"`
	WithClassifierPrior *bool       `json:"with_classifier_prior,omitempty"`

	// Hypotheses graph
	MaxDistance         *float64 `json:"max_distance,omitempty"`
	MaxNearestNeighbors *int     `json:"max_nearest_neighbors,omitempty"`
	MaxNeighborsLimit   *int     `json:"max_neighbors_limit,omitempty"`
	WithTracklets       *bool    `json:"with_tracklets,omitempty"`

	// Costs
	DetectionWeight     *float64 `json:"detection_weight,omitempty"`
	DivisionWeight      *float64 `json:"division_weight,omitempty"`
	TransitionWeight    *float64 `json:"transition_weight,omitempty"`
	AppearanceCost      *float64 `json:"appearance_cost,omitempty"`
	DisappearanceCost   *float64 `json:"disappearance_cost,omitempty"`
	TransitionParameter *float64 `json:"transition_parameter,omitempty"`
	DivisionThreshold   *float64 `json:"division_threshold,omitempty"`
	WithDivisions       *bool    `json:"with_divisions,omitempty"`
	SizeDependent       *bool    `json:"size_dependent,omitempty"`
	AvgSize             *float64 `json:"avg_size,omitempty"`
	BorderAwareWidth    *float64 `json:"border_aware_width,omitempty"`

	// Solver
	Solver        *string `json:"solver,omitempty"`
	SolverTimeout *string `json:"solver_timeout,omitempty"` // duration string like "60s"

	// Mergers and export
	WithMergerResolution *bool   `json:"with_merger_resolution,omitempty"`
	MergerGlobalResolve  *bool   `json:"merger_global_resolve,omitempty"`
	LabelMode            *string `json:"label_mode,omitempty"` // "lineage" or "track"

	Workers *int `json:"workers,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackingConfig returns a TrackingConfig with all fields set to nil.
func EmptyTrackingConfig() *TrackingConfig {
	return &TrackingConfig{}
}

// LoadTrackingConfig loads a TrackingConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseTrackingConfig(data)
}

// ParseTrackingConfig decodes and validates a JSON document.
func ParseTrackingConfig(data []byte) (*TrackingConfig, error) {
	cfg := EmptyTrackingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *TrackingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/tracking/l1ingest/
		"../../../../" + DefaultConfigPath,    // from internal/tracking/storage/sqlite/
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Clone returns a deep copy so callers can override fields without
// touching a shared configuration.
func (c *TrackingConfig) Clone() *TrackingConfig {
	data, err := json.Marshal(c)
	if err != nil {
		return EmptyTrackingConfig()
	}
	out := EmptyTrackingConfig()
	_ = json.Unmarshal(data, out)
	return out
}

// Validate checks that the configuration values are valid.
func (c *TrackingConfig) Validate() error {
	if c.MaxObjects != nil && *c.MaxObjects < 1 {
		return fmt.Errorf("max_objects must be at least 1, got %d", *c.MaxObjects)
	}
	if c.TimeRange != nil && c.TimeRange[1] < c.TimeRange[0] {
		return fmt.Errorf("time_range must be ordered, got %v", *c.TimeRange)
	}
	for name, r := range map[string]*[2]float64{
		"x_range": c.XRange, "y_range": c.YRange, "z_range": c.ZRange, "size_range": c.SizeRange,
	} {
		if r != nil && !(r[0] < r[1]) {
			return fmt.Errorf("%s must satisfy lo < hi, got %v", name, *r)
		}
	}
	if c.Scales != nil {
		for i, s := range c.Scales {
			if !(s > 0) || math.IsInf(s, 0) {
				return fmt.Errorf("scales[%d] must be positive and finite, got %f", i, s)
			}
		}
	}
	if c.MaxDistance != nil && !(*c.MaxDistance > 0) {
		return fmt.Errorf("max_distance must be positive, got %f", *c.MaxDistance)
	}
	if c.MaxNearestNeighbors != nil && *c.MaxNearestNeighbors < 1 {
		return fmt.Errorf("max_nearest_neighbors must be at least 1, got %d", *c.MaxNearestNeighbors)
	}
	if c.MaxNeighborsLimit != nil && *c.MaxNeighborsLimit < c.GetMaxNearestNeighbors() {
		return fmt.Errorf("max_neighbors_limit %d is below max_nearest_neighbors %d",
			*c.MaxNeighborsLimit, c.GetMaxNearestNeighbors())
	}
	for name, w := range map[string]*float64{
		"detection_weight":   c.DetectionWeight,
		"division_weight":    c.DivisionWeight,
		"transition_weight":  c.TransitionWeight,
		"appearance_cost":    c.AppearanceCost,
		"disappearance_cost": c.DisappearanceCost,
		"border_aware_width": c.BorderAwareWidth,
		"avg_size":           c.AvgSize,
	} {
		if w != nil && (*w < 0 || math.IsNaN(*w) || math.IsInf(*w, 0)) {
			return fmt.Errorf("%s must be non-negative and finite, got %f", name, *w)
		}
	}
	if c.TransitionParameter != nil && !(*c.TransitionParameter > 0) {
		return fmt.Errorf("transition_parameter must be positive, got %f", *c.TransitionParameter)
	}
	if c.DivisionThreshold != nil && (*c.DivisionThreshold < 0 || *c.DivisionThreshold > 1) {
		return fmt.Errorf("division_threshold must be between 0 and 1, got %f", *c.DivisionThreshold)
	}
	if c.Solver != nil {
		known := false
		for _, name := range SolverNames {
			if *c.Solver == name {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("unknown solver %q (want one of %v)", *c.Solver, SolverNames)
		}
	}
	if c.SolverTimeout != nil && *c.SolverTimeout != "" {
		d, err := time.ParseDuration(*c.SolverTimeout)
		if err != nil {
			return fmt.Errorf("invalid solver_timeout '%s': %w", *c.SolverTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("solver_timeout must be positive, got %s", d)
		}
	}
	if c.LabelMode != nil && *c.LabelMode != "lineage" && *c.LabelMode != "track" {
		return fmt.Errorf("label_mode must be \"lineage\" or \"track\", got %q", *c.LabelMode)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	return nil
}

// GetMaxObjects returns the max_objects value or the default.
func (c *TrackingConfig) GetMaxObjects() int {
	if c.MaxObjects == nil {
		return 2
	}
	return *c.MaxObjects
}

// GetTimeRange returns the inclusive frame range and whether one was set.
func (c *TrackingConfig) GetTimeRange() ([2]int, bool) {
	if c.TimeRange == nil {
		return [2]int{}, false
	}
	return *c.TimeRange, true
}

func unbounded(r *[2]float64) [2]float64 {
	if r == nil {
		return [2]float64{math.Inf(-1), math.Inf(1)}
	}
	return *r
}

// GetSpatialRanges returns the x, y and z region of interest. Unset axes
// are unbounded.
func (c *TrackingConfig) GetSpatialRanges() [3][2]float64 {
	return [3][2]float64{unbounded(c.XRange), unbounded(c.YRange), unbounded(c.ZRange)}
}

// GetSizeRange returns the [min, max) object size filter.
func (c *TrackingConfig) GetSizeRange() [2]float64 {
	if c.SizeRange == nil {
		return [2]float64{0, 100000}
	}
	return *c.SizeRange
}

// GetScales returns the per-axis anisotropy factors.
func (c *TrackingConfig) GetScales() [3]float64 {
	if c.Scales == nil {
		return [3]float64{1, 1, 1}
	}
	return *c.Scales
}

// GetWithClassifierPrior returns the with_classifier_prior value or the default.
func (c *TrackingConfig) GetWithClassifierPrior() bool {
	if c.WithClassifierPrior == nil {
		return false
	}
	return *c.WithClassifierPrior
}

// GetMaxDistance returns the max_distance value or the default.
func (c *TrackingConfig) GetMaxDistance() float64 {
	if c.MaxDistance == nil {
		return 30
	}
	return *c.MaxDistance
}

// GetMaxNearestNeighbors returns the max_nearest_neighbors value or the default.
func (c *TrackingConfig) GetMaxNearestNeighbors() int {
	if c.MaxNearestNeighbors == nil {
		return 2
	}
	return *c.MaxNearestNeighbors
}

// GetMaxNeighborsLimit returns the upper bound of adaptive neighbour growth.
func (c *TrackingConfig) GetMaxNeighborsLimit() int {
	if c.MaxNeighborsLimit == nil {
		return 10
	}
	return *c.MaxNeighborsLimit
}

// GetWithTracklets returns the with_tracklets value or the default.
func (c *TrackingConfig) GetWithTracklets() bool {
	if c.WithTracklets == nil {
		return false
	}
	return *c.WithTracklets
}

// GetDetectionWeight returns the detection_weight value or the default.
func (c *TrackingConfig) GetDetectionWeight() float64 {
	if c.DetectionWeight == nil {
		return 10
	}
	return *c.DetectionWeight
}

// GetDivisionWeight returns the division_weight value or the default.
func (c *TrackingConfig) GetDivisionWeight() float64 {
	if c.DivisionWeight == nil {
		return 10
	}
	return *c.DivisionWeight
}

// GetTransitionWeight returns the transition_weight value or the default.
func (c *TrackingConfig) GetTransitionWeight() float64 {
	if c.TransitionWeight == nil {
		return 10
	}
	return *c.TransitionWeight
}

// GetAppearanceCost returns the appearance_cost value or the default.
func (c *TrackingConfig) GetAppearanceCost() float64 {
	if c.AppearanceCost == nil {
		return 500
	}
	return *c.AppearanceCost
}

// GetDisappearanceCost returns the disappearance_cost value or the default.
func (c *TrackingConfig) GetDisappearanceCost() float64 {
	if c.DisappearanceCost == nil {
		return 500
	}
	return *c.DisappearanceCost
}

// GetTransitionParameter returns the transition_parameter value or the default.
func (c *TrackingConfig) GetTransitionParameter() float64 {
	if c.TransitionParameter == nil {
		return 5
	}
	return *c.TransitionParameter
}

// GetDivisionThreshold returns the division_threshold value or the default.
func (c *TrackingConfig) GetDivisionThreshold() float64 {
	if c.DivisionThreshold == nil {
		return 0.1
	}
	return *c.DivisionThreshold
}

// GetWithDivisions returns the with_divisions value or the default.
func (c *TrackingConfig) GetWithDivisions() bool {
	if c.WithDivisions == nil {
		return false
	}
	return *c.WithDivisions
}

// GetSizeDependent returns the size_dependent value or the default.
func (c *TrackingConfig) GetSizeDependent() bool {
	if c.SizeDependent == nil {
		return true
	}
	return *c.SizeDependent
}

// GetAvgSize returns the avg_size value. Zero means "derive from the data".
func (c *TrackingConfig) GetAvgSize() float64 {
	if c.AvgSize == nil {
		return 0
	}
	return *c.AvgSize
}

// GetBorderAwareWidth returns the border_aware_width value or the default.
func (c *TrackingConfig) GetBorderAwareWidth() float64 {
	if c.BorderAwareWidth == nil {
		return 0
	}
	return *c.BorderAwareWidth
}

// GetSolver returns the solver strategy name or the default.
func (c *TrackingConfig) GetSolver() string {
	if c.Solver == nil || *c.Solver == "" {
		return "flow"
	}
	return *c.Solver
}

// GetSolverTimeout parses and returns the SolverTimeout as a time.Duration.
func (c *TrackingConfig) GetSolverTimeout() time.Duration {
	if c.SolverTimeout == nil || *c.SolverTimeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(*c.SolverTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second // default on parse error
	}
	return d
}

// GetWithMergerResolution returns the with_merger_resolution value or the default.
func (c *TrackingConfig) GetWithMergerResolution() bool {
	if c.WithMergerResolution == nil {
		return true
	}
	return *c.WithMergerResolution
}

// GetMergerGlobalResolve returns the merger_global_resolve value or the default.
func (c *TrackingConfig) GetMergerGlobalResolve() bool {
	if c.MergerGlobalResolve == nil {
		return false
	}
	return *c.MergerGlobalResolve
}

// GetLabelMode returns the label_mode value or the default.
func (c *TrackingConfig) GetLabelMode() string {
	if c.LabelMode == nil || *c.LabelMode == "" {
		return "lineage"
	}
	return *c.LabelMode
}

// GetWorkers returns the worker pool size. Zero in the file means one
// worker per frame up to the default of 4.
func (c *TrackingConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return 4
	}
	return *c.Workers
}
