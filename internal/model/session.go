package model

import (
	"time"

	"github.com/seantiz/runctx/internal/execctx"
)

// Session status constants.
const (
	StatusConfigured = "configured"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusConfigured: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Session is a configured training or prediction session and the execution
// context it resolved to.
type Session struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	// Params are the parameters as submitted, before defaults are merged.
	Params map[string]string `json:"params"`
	// Unused lists submitted keys that name no execution parameter.
	Unused             []string `json:"unused_params,omitempty"`
	RequireAccelerator bool     `json:"require_accelerator"`

	Settings        execctx.Settings `json:"settings"`
	RequestedDevice int              `json:"requested_device"`
	FellBack        bool             `json:"fell_back"`
	Threads         int              `json:"threads"`

	Iterations *int       `json:"iterations,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// OnCPU reports whether the session resolved to CPU execution.
func (s *Session) OnCPU() bool {
	return s.Settings.DeviceID == execctx.CPUDevice
}
