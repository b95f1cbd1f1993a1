package tracking

import (
	"errors"
	"fmt"
)

// Sentinel errors of the engine. Callers test them with errors.Is.
var (
	ErrConfiguration   = errors.New("invalid tracking configuration")
	ErrInfeasible      = errors.New("tracking problem infeasible")
	ErrSolverTimeout   = errors.New("solver timeout exceeded")
	ErrEmptyFrame      = errors.New("frame contains no detections")
	ErrEmptySolution   = errors.New("solution activates no detection")
	ErrGrowthExhausted = errors.New("neighbour growth exhausted without representing required edges")
	ErrMergerFit       = errors.New("merger mixture fit failed")
)

// ConfigError names the offending parameter and, when known, the node or
// frame that exposed it. It matches ErrConfiguration.
type ConfigError struct {
	Param  string
	Node   *NodeKey
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Node != nil {
		return fmt.Sprintf("%v: %s at %s: %s", ErrConfiguration, e.Param, e.Node, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrConfiguration, e.Param, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// FrameError attaches a frame index to an error.
type FrameError struct {
	Frame int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// NodeError attaches a node key to an error.
type NodeError struct {
	Node NodeKey
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
