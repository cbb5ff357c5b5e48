package session

import "fmt"

// State is a session lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Discovering
	Streaming
	Finalizing
	Closed
	Failed
)

var stateNames = map[State]string{
	Idle:        "idle",
	Connecting:  "connecting",
	Discovering: "discovering",
	Streaming:   "streaming",
	Finalizing:  "finalizing",
	Closed:      "closed",
	Failed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}
