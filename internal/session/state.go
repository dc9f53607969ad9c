package session

import "fmt"

// AppState is the connection lifecycle state of a Session.
type AppState int

const (
	StateIdle AppState = iota
	StateConnecting
	StateIdleConnected
	StateScriptRunning
)

func (s AppState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateIdleConnected:
		return "idle_connected"
	case StateScriptRunning:
		return "script_running"
	default:
		return fmt.Sprintf("AppState(%d)", int(s))
	}
}

// Connected reports whether a transport is open in this state.
func (s AppState) Connected() bool {
	return s != StateIdle
}

// MarshalText lets states appear by name in JSON.
func (s AppState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
