package domain

import "fmt"

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusDead      = "DEAD"
)

// WorkerState is the lifecycle state of a single worker
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerDead
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerDead:
		return "dead"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText lets the state render as a string in JSON responses
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
