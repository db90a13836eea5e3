package postgres

import "time"

// State is the lifecycle state of a supervised server.
//
// NotStarted -> Initializing -> Starting -> Running -> Stopping -> Stopped
// Starting and Running may move to Crashed.
type State int32

const (
	StateNotStarted State = iota
	StateInitializing
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Handle identifies one server instance.
type Handle struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	DataDir   string    `json:"data_dir"`
	SocketDir string    `json:"socket_dir"`
	LogFile   string    `json:"log_file"`
	State     State     `json:"state"`
	Version   int       `json:"version"`
	Adopted   bool      `json:"adopted"`  // found already running against DataDir
	External  bool      `json:"external"` // never started by this supervisor
	StartedAt time.Time `json:"started_at"`
}
