package asset

import "fmt"

// State is a node's change classification for the current run.
type State int

const (
	// Normal means no action is needed this run.
	Normal State = iota
	Added
	Modified
	Deleted
)

var stateNames = [...]string{"normal", "added", "modified", "deleted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// NeedsTransform reports whether a node in this state is transformed.
func (s State) NeedsTransform() bool {
	return s == Added || s == Modified
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown asset state %q", string(b))
}
