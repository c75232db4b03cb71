package state

import "time"

// State is the liveness marker of one process run.
type State struct {
	// SessionID identifies the run; it names the run's crash slot.
	SessionID string `json:"session_id"`

	// PID is the process id of the run.
	PID int `json:"pid"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// LastBeatAt is the last heartbeat.
	LastBeatAt time.Time `json:"last_beat_at"`

	// Foreground is true while the host reports itself in the foreground.
	Foreground bool `json:"foreground"`

	// ForegroundDuration is the accumulated time spent in the foreground.
	ForegroundDuration time.Duration `json:"foreground_duration"`

	// CleanStop is set by an orderly shutdown.
	CleanStop bool `json:"clean_stop"`

	// MemoryWarning is set once the host crossed the memory threshold.
	MemoryWarning bool `json:"memory_warning"`

	// MemoryWarningAt is when the warning was first seen.
	MemoryWarningAt time.Time `json:"memory_warning_at,omitempty"`
}

// Begin returns the marker for a new run.
func Begin(sessionID string, pid int, now time.Time) State {
	return State{
		SessionID:  sessionID,
		PID:        pid,
		StartedAt:  now,
		LastBeatAt: now,
		Foreground: true,
	}
}

// IsEmpty returns true if no run was recorded.
func (s State) IsEmpty() bool {
	return s.SessionID == ""
}

// Beat refreshes the heartbeat and accumulates foreground time.
func (s *State) Beat(now time.Time) {
	if s.Foreground && now.After(s.LastBeatAt) {
		s.ForegroundDuration += now.Sub(s.LastBeatAt)
	}
	s.LastBeatAt = now
}

// SetForeground records a foreground change at now.
func (s *State) SetForeground(foreground bool, now time.Time) {
	s.Beat(now)
	s.Foreground = foreground
}

// WarnMemory flags memory pressure once.
func (s *State) WarnMemory(now time.Time) bool {
	if s.MemoryWarning {
		return false
	}
	s.MemoryWarning = true
	s.MemoryWarningAt = now
	return true
}

// Stop marks an orderly shutdown.
func (s *State) Stop(now time.Time) {
	s.Beat(now)
	s.CleanStop = true
}
