package process

import "time"

// Status is a point-in-time view of a child.
type Status struct {
	Name      string    `json:"name"`
	Exe       string    `json:"exe"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
}
