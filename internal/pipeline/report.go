package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrSourceMissing is reported when a node's source disappeared between the
// diff and its transform. It is a warning, not a build failure.
var ErrSourceMissing = errors.New("source no longer exists")

// Phase names, as reported in events and metrics.
const (
	PhaseStart     = "start"
	PhaseClean     = "clean"
	PhaseTransform = "transform"
	PhasePost      = "post"
	PhaseFinish    = "finish"
)

// Failure is one recovered error of a run.
type Failure struct {
	Path   string
	Plugin string
	Phase  string
	Err    error
}

func (f Failure) Error() string {
	switch {
	case f.Plugin != "" && f.Path != "":
		return fmt.Sprintf("%s: %s [%s]: %v", f.Phase, f.Path, f.Plugin, f.Err)
	case f.Plugin != "":
		return fmt.Sprintf("%s [%s]: %v", f.Phase, f.Plugin, f.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", f.Phase, f.Path, f.Err)
	}
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Warning reports whether the failure is warning-level.
func (f Failure) Warning() bool {
	return errors.Is(f.Err, ErrSourceMissing)
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID       string
	Started     time.Time
	Duration    time.Duration
	Deleted     int
	Transformed int
	Outputs     int
	Failures    []Failure
}

// Errors returns the failures that are not warnings.
func (r *RunReport) Errors() []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if !f.Warning() {
			out = append(out, f)
		}
	}
	return out
}

// Err joins every non-warning failure into one error, or returns nil.
func (r *RunReport) Err() error {
	failures := r.Errors()
	if len(failures) == 0 {
		return nil
	}
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return fmt.Errorf("%d asset(s) failed: %w", len(failures), errors.Join(errs...))
}
