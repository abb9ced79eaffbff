package liveness

import (
	"image/color"
	"time"

	"github.com/nabilat/liveness-check/internal/analyzer"
)

// Observer receives the UI-observable signals of a session. Calls are
// serialised and go through the orchestrator's dispatcher.
type Observer interface {
	OnFeedback(message string)
	OnResult(outcomeLabel, resultID string)
	OnColorHint(c color.RGBA)
	OnDetails(details *analyzer.Details)
	// OnLog is diagnostic only. It runs on its own goroutine, bypasses the
	// dispatcher and may miss events when it falls behind.
	OnLog(event LogEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are no-ops.
type ObserverFuncs struct {
	Feedback  func(message string)
	Result    func(outcomeLabel, resultID string)
	ColorHint func(c color.RGBA)
	Details   func(details *analyzer.Details)
	Log       func(event LogEvent)
}

func (f ObserverFuncs) OnFeedback(message string) {
	if f.Feedback != nil {
		f.Feedback(message)
	}
}

func (f ObserverFuncs) OnResult(outcomeLabel, resultID string) {
	if f.Result != nil {
		f.Result(outcomeLabel, resultID)
	}
}

func (f ObserverFuncs) OnColorHint(c color.RGBA) {
	if f.ColorHint != nil {
		f.ColorHint(c)
	}
}

func (f ObserverFuncs) OnDetails(details *analyzer.Details) {
	if f.Details != nil {
		f.Details(details)
	}
}

func (f ObserverFuncs) OnLog(event LogEvent) {
	if f.Log != nil {
		f.Log(event)
	}
}

// LogKind names a diagnostic event.
type LogKind string

const (
	LogSessionStarted     LogKind = "session_started"
	LogHandshakeCompleted LogKind = "handshake_completed"
	LogHandshakeFailed    LogKind = "handshake_failed"
	LogResultDelivered    LogKind = "result_delivered"
	LogReleaseFailed      LogKind = "release_failed"
	LogSessionStopped     LogKind = "session_stopped"
)

// LogEvent is what the log hook receives.
type LogEvent struct {
	Kind      LogKind
	SessionID string
	Status    Status
	Err       error
	At        time.Time
}
