package liveness

import "strings"

// Status is the lifecycle of one liveness session.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// IsTerminal returns true if no transition leaves the state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Reserved outcome labels delivered through OnResult when the failure is a
// system fault rather than a negative liveness or verification decision.
// Keep these stable: hosts and persisted records depend on them.
const (
	systemOutcomePrefix = "system-error:"

	OutcomeHandshakeFailed = systemOutcomePrefix + "handshake-failed"
	OutcomeEngineError     = systemOutcomePrefix + "engine-error"
	OutcomeStreamClosed    = systemOutcomePrefix + "stream-closed"
)

// IsSystemOutcome reports whether label is one of the reserved system-error
// outcomes as opposed to a result decided by the engine.
func IsSystemOutcome(label string) bool {
	return strings.HasPrefix(label, systemOutcomePrefix)
}
