package calibration

import (
	"encoding/json"
	"fmt"
)

// Status is the session state.
type Status int

const (
	// Idle: no session; ingested events are dropped.
	Idle Status = iota
	// Searching: a session is open and observations accumulate.
	Searching
	// Done: a result is being handed to the result sink. Transient.
	Done
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Searching:
		return "SEARCHING"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalJSON encodes the status as its name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "IDLE":
		*s = Idle
	case "SEARCHING":
		*s = Searching
	case "DONE":
		*s = Done
	default:
		return fmt.Errorf("unknown calibration status %q", name)
	}
	return nil
}
