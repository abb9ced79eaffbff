// Package liveness runs one face-liveness session at a time between a
// camera frame source and an analysis engine, and reports progress to the
// host through an Observer.
//
// Lifecycle:
//
//	IDLE --Start--> STARTING --handshake--> RUNNING --result--> COMPLETED | FAILED
//	any non-terminal state --Stop--> STOPPED
//
// COMPLETED, FAILED and STOPPED are terminal. Reset discards a terminal
// session so that the next Start creates a new one.
package liveness

import (
	"context"
	"errors"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nabilat/liveness-check/internal/analyzer"
	"github.com/nabilat/liveness-check/internal/frames"
	"github.com/nabilat/liveness-check/internal/logging"
	"github.com/nabilat/liveness-check/internal/metrics"
)

const (
	// DefaultFeedback is shown before the engine sends its first instruction.
	DefaultFeedback = "Hold still."

	defaultTelemetryBuffer = 64
)

// DefaultBackground is the screen color before the engine sends a hint.
var DefaultBackground = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// Config is passed through to the engine untouched.
type Config struct {
	Token            string
	VerificationMode bool
	// ReferenceImage is only meaningful in verification mode.
	ReferenceImage []byte
}

// Snapshot is the UI-observable state of the current session.
type Snapshot struct {
	ID               string
	Status           Status
	FeedbackMessage  string
	BackgroundColor  color.RGBA
	OutcomeLabel     string
	ResultID         string
	VerificationMode bool
	StartedAt        time.Time
	EndedAt          time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithDispatcher routes every observer call (except OnLog) through dispatch,
// typically to hop onto the host's presentation goroutine. dispatch must run
// the calls in the order it receives them.
func WithDispatcher(dispatch func(func())) Option {
	return func(o *Orchestrator) {
		if dispatch != nil {
			o.dispatch = dispatch
		}
	}
}

// WithTelemetryBuffer sets how many log events may queue for a slow log hook.
func WithTelemetryBuffer(size int) Option {
	return func(o *Orchestrator) {
		o.telemetryBuffer = size
	}
}

// Orchestrator owns at most one session. Hold on to it across camera
// callbacks: Start is idempotent while a session is active.
type Orchestrator struct {
	engine          analyzer.Engine
	cfg             Config
	observer        Observer
	logger          *zap.Logger
	dispatch        func(func())
	telemetryBuffer int

	mu      sync.Mutex
	session *session
	closed  bool
}

type session struct {
	id         string
	status     Status
	feedback   string
	background color.RGBA
	outcome    string
	resultID   string
	startedAt  time.Time
	endedAt    time.Time

	cancel    context.CancelFunc
	done      chan struct{}
	analysis  analyzer.Analysis
	telemetry *logPump

	releaseOnce sync.Once
}

// New creates an orchestrator. A nil observer drops every signal.
func New(engine analyzer.Engine, cfg Config, observer Observer, logger *zap.Logger, opts ...Option) *Orchestrator {
	if observer == nil {
		observer = ObserverFuncs{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		engine:          engine,
		cfg:             cfg,
		observer:        observer,
		logger:          logger.Named("liveness_orchestrator"),
		dispatch:        func(fn func()) { fn() },
		telemetryBuffer: defaultTelemetryBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) newSession(status Status) *session {
	done := make(chan struct{})
	s := &session{
		id:         uuid.NewString(),
		status:     status,
		feedback:   DefaultFeedback,
		background: DefaultBackground,
		startedAt:  time.Now().UTC(),
		done:       done,
	}
	return s
}

// Start begins a session fed by source and returns its ID without waiting
// for the handshake. While a session is STARTING or RUNNING, or after it
// reached a terminal state, Start returns that session's ID and does nothing.
func (o *Orchestrator) Start(source frames.Source) string {
	o.mu.Lock()
	if s := o.session; s != nil {
		id, status := s.id, s.status
		o.mu.Unlock()
		o.logger.Debug("start ignored, session exists", zap.String("session_id", id), zap.String("status", string(status)))
		return id
	}
	if o.closed {
		o.mu.Unlock()
		o.logger.Debug("start ignored, orchestrator closed")
		return ""
	}

	s := o.newSession(StatusStarting)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.telemetry = newLogPump(o.telemetryBuffer, o.observer.OnLog, o.logger)
	o.session = s
	o.mu.Unlock()

	metrics.IncSessionStarted()
	logging.WithOperation(o.logger, "liveness.start", s.id).Info("session starting",
		zap.Bool("verification_mode", o.cfg.VerificationMode),
		zap.Bool("reference_image", len(o.cfg.ReferenceImage) > 0))
	o.emit(s, LogSessionStarted, StatusStarting, nil)

	go o.run(ctx, s, source)
	return s.id
}

func (o *Orchestrator) run(ctx context.Context, s *session, source frames.Source) {
	defer close(s.done)
	defer s.telemetry.close()

	opLogger := logging.WithOperation(o.logger, "liveness.run", s.id)

	analysis, err := o.engine.Begin(ctx, analyzer.Request{
		SessionID:        s.id,
		Token:            o.cfg.Token,
		VerificationMode: o.cfg.VerificationMode,
		ReferenceImage:   o.cfg.ReferenceImage,
		Source:           source,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		opLogger.Warn("engine handshake failed", zap.Error(err))
		o.emit(s, LogHandshakeFailed, StatusStarting, err)
		o.finish(s, StatusFailed, OutcomeHandshakeFailed, "", "handshake_failed")
		return
	}

	o.mu.Lock()
	if s.status != StatusStarting {
		o.mu.Unlock()
		o.release(s, analysis)
		return
	}
	s.analysis = analysis
	s.status = StatusRunning
	o.mu.Unlock()
	opLogger.Info("engine handshake completed")
	o.emit(s, LogHandshakeCompleted, StatusRunning, nil)

	for {
		event, err := analysis.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.release(s, analysis)
				return
			}
			outcome := OutcomeEngineError
			if errors.Is(err, io.EOF) {
				outcome = OutcomeStreamClosed
			}
			opLogger.Warn("analysis stream ended without result", zap.Error(err))
			o.finish(s, StatusFailed, outcome, "", "stream")
			return
		}

		switch event.Kind {
		case analyzer.EventFeedback:
			message := event.Feedback
			if o.update(s, func() { s.feedback = message }) {
				o.dispatch(func() { o.observer.OnFeedback(message) })
			}
		case analyzer.EventColor:
			hint := event.Color
			if o.update(s, func() { s.background = hint }) {
				o.dispatch(func() { o.observer.OnColorHint(hint) })
			}
		case analyzer.EventDetails:
			details := event.Details
			if o.update(s, func() {}) {
				o.dispatch(func() { o.observer.OnDetails(details) })
			}
		case analyzer.EventResult:
			if event.Result == nil {
				opLogger.Warn("engine sent an empty result")
				o.finish(s, StatusFailed, OutcomeEngineError, "", "engine_error")
				return
			}
			status, reason := StatusCompleted, "passed"
			if !event.Result.Passed {
				status, reason = StatusFailed, "rejected"
			}
			o.finish(s, status, event.Result.Label, event.Result.ResultID, reason)
			return
		case analyzer.EventError:
			opLogger.Warn("engine reported an error", zap.Error(event.Err))
			o.finish(s, StatusFailed, OutcomeEngineError, "", "engine_error")
			return
		default:
			opLogger.Debug("ignoring unknown engine event", zap.Int("kind", int(event.Kind)))
		}
	}
}

// update applies fn while the session is RUNNING and reports whether it did.
func (o *Orchestrator) update(s *session, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.status != StatusRunning {
		return false
	}
	fn()
	return true
}

// finish moves s to a terminal state, releases the engine and only then
// delivers the result.
func (o *Orchestrator) finish(s *session, status Status, label, resultID, reason string) {
	o.mu.Lock()
	if s.status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	s.status = status
	s.outcome = label
	s.resultID = resultID
	s.endedAt = time.Now().UTC()
	analysis := s.analysis
	o.mu.Unlock()

	o.release(s, analysis)
	metrics.IncSessionFinished(string(status), reason)
	logging.WithOperation(o.logger, "liveness.finish", s.id).Info("session finished",
		zap.String("status", string(status)),
		zap.String("outcome", label),
		zap.String("result_id", resultID))
	o.emit(s, LogResultDelivered, status, nil)

	o.dispatch(func() { o.observer.OnResult(label, resultID) })
}

// release terminates the engine at most once per session. A failed release
// is reported but never changes the session outcome.
func (o *Orchestrator) release(s *session, analysis analyzer.Analysis) {
	if analysis == nil {
		return
	}
	s.releaseOnce.Do(func() {
		if err := analysis.Terminate(); err != nil {
			metrics.ReleaseFailuresTotal.Inc()
			logging.WithOperation(o.logger, "liveness.release", s.id).Warn("engine release failed", zap.Error(err))
			o.emit(s, LogReleaseFailed, o.status(s), err)
		}
	})
}

// Stop cancels the current session and releases the engine. It never calls
// OnResult and is a no-op once the session is terminal. Stopping an idle
// orchestrator records a STOPPED session so a late Start does nothing.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	s := o.session
	if s == nil {
		s = o.newSession(StatusStopped)
		s.endedAt = s.startedAt
		close(s.done)
		o.session = s
		o.mu.Unlock()
		o.logger.Debug("stopped before start", zap.String("session_id", s.id))
		return
	}
	if s.status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	s.status = StatusStopped
	s.endedAt = time.Now().UTC()
	analysis := s.analysis
	o.mu.Unlock()

	o.emit(s, LogSessionStopped, StatusStopped, nil)
	s.cancel()
	o.release(s, analysis)
	metrics.IncSessionFinished(string(StatusStopped), "client_stop")
	logging.WithOperation(o.logger, "liveness.stop", s.id).Info("session stopped")
}

// Close stops the session and waits until its goroutines have exited. The
// orchestrator accepts no new sessions afterwards.
func (o *Orchestrator) Close() {
	o.Stop()

	o.mu.Lock()
	o.closed = true
	s := o.session
	o.mu.Unlock()

	<-s.done
	if s.telemetry != nil {
		<-s.telemetry.done
	}
}

// Reset discards a terminal session and reports whether it did. Active
// sessions are left alone.
func (o *Orchestrator) Reset() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return true
	}
	if !o.session.status.IsTerminal() {
		return false
	}
	o.session = nil
	return true
}

// Done is closed once the current session's goroutine has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return o.session.done
}

// Snapshot returns the state of the current session.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.session
	if s == nil {
		return Snapshot{
			Status:           StatusIdle,
			FeedbackMessage:  DefaultFeedback,
			BackgroundColor:  DefaultBackground,
			VerificationMode: o.cfg.VerificationMode,
		}
	}
	return Snapshot{
		ID:               s.id,
		Status:           s.status,
		FeedbackMessage:  s.feedback,
		BackgroundColor:  s.background,
		OutcomeLabel:     s.outcome,
		ResultID:         s.resultID,
		VerificationMode: o.cfg.VerificationMode,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
	}
}

func (o *Orchestrator) status(s *session) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return s.status
}

func (o *Orchestrator) emit(s *session, kind LogKind, status Status, err error) {
	if s.telemetry == nil {
		return
	}
	s.telemetry.emit(LogEvent{
		Kind:      kind,
		SessionID: s.id,
		Status:    status,
		Err:       err,
		At:        time.Now().UTC(),
	})
}
