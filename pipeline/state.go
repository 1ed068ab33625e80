package pipeline

import (
	"fmt"
	"time"
)

// State is the lifecycle of one image inside a Pipeline.
type State int

const (
	Idle State = iota
	Uploading
	BackgroundRemoving
	Enhancing
	Resizing
	Ready
)

var stateNames = [...]string{
	Idle:               "idle",
	Uploading:          "uploading",
	BackgroundRemoving: "background_removing",
	Enhancing:          "enhancing",
	Resizing:           "resizing",
	Ready:              "ready",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition is published to subscribers on every state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"state"`
	At   time.Time `json:"at"`
}
