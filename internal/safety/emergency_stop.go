package safety

import (
	"sync"
	"time"
)

// StopState represents the state of the emergency stop
type StopState int

const (
	StopReleased StopState = iota
	StopEngaged
)

// String returns the string representation of the stop state
func (s StopState) String() string {
	switch s {
	case StopReleased:
		return "RELEASED"
	case StopEngaged:
		return "ENGAGED"
	default:
		return "UNKNOWN"
	}
}

// EmergencyStop is the process-level circuit breaker polled by callers before Admit.
// The gate itself never reads it.
type EmergencyStop struct {
	mutex         sync.RWMutex
	state         StopState
	reason        string
	since         time.Time
	activations   int
	onStateChange func(from, to StopState, reason string)
}

// NewEmergencyStop creates a released emergency stop
func NewEmergencyStop() *EmergencyStop {
	return &EmergencyStop{state: StopReleased}
}

// SetStateChangeCallback sets a callback invoked after every transition
func (e *EmergencyStop) SetStateChangeCallback(callback func(from, to StopState, reason string)) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.onStateChange = callback
}

// Engage blocks all new trades until Release is called
func (e *EmergencyStop) Engage(reason string) {
	e.transition(StopEngaged, reason)
}

// Release lets trades reach the gate again
func (e *EmergencyStop) Release() {
	e.transition(StopReleased, "")
}

func (e *EmergencyStop) transition(to StopState, reason string) {
	e.mutex.Lock()
	from := e.state
	if from == to {
		e.mutex.Unlock()
		return
	}
	e.state = to
	e.reason = reason
	e.since = time.Now()
	if to == StopEngaged {
		e.activations++
	}
	callback := e.onStateChange
	e.mutex.Unlock()

	if callback != nil {
		callback(from, to, reason)
	}
}

// Engaged reports whether the stop is engaged and why
func (e *EmergencyStop) Engaged() (bool, string) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.state == StopEngaged, e.reason
}

// EmergencyStopStats holds diagnostics about the emergency stop
type EmergencyStopStats struct {
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	Activations int       `json:"activations"`
}

// GetStats returns diagnostics about the emergency stop
func (e *EmergencyStop) GetStats() EmergencyStopStats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return EmergencyStopStats{
		State:       e.state.String(),
		Reason:      e.reason,
		Since:       e.since,
		Activations: e.activations,
	}
}
