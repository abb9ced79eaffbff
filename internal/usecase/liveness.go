package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nabilat/liveness-check/internal/analyzer"
	"github.com/nabilat/liveness-check/internal/frames"
	"github.com/nabilat/liveness-check/internal/liveness"
	"github.com/nabilat/liveness-check/internal/logging"
	"github.com/nabilat/liveness-check/internal/metrics"
	"github.com/nabilat/liveness-check/internal/repository"
	"github.com/nabilat/liveness-check/internal/retry"
)

var (
	// ErrSessionNotFound is returned for unknown handles and handles owned by
	// another user.
	ErrSessionNotFound = errors.New("liveness session not found")
	// ErrSessionActive is returned when retrying a session that has not
	// reached a terminal state.
	ErrSessionActive = errors.New("liveness session still active")
	// ErrSessionFinished is returned when frames arrive for a terminal session.
	ErrSessionFinished = errors.New("liveness session finished")
)

const (
	viewTTL        = 10 * time.Minute
	persistTimeout = 5 * time.Second
	queueSize      = 64
)

// SessionRepository defines the persistence operations needed by the use case.
type SessionRepository interface {
	Create(ctx context.Context, session *repository.LivenessSession) error
	UpdateOutcome(ctx context.Context, sessionID string, update repository.OutcomeUpdate) error
	UpdateDigest(ctx context.Context, sessionID, digest string) error
	FindLatestByHandleAndUser(ctx context.Context, handleID, userID string) (*repository.LivenessSession, error)
	AggregateOutcomes(ctx context.Context) (*repository.OutcomeAggregation, error)
}

// StartRequest is what a client submits to begin a liveness check.
type StartRequest struct {
	Token            string
	WithVerification bool
	ReferenceImage   []byte
}

// SessionView is the UI-facing state of a handle.
type SessionView struct {
	HandleID         string     `json:"handle_id"`
	SessionID        string     `json:"session_id"`
	Status           string     `json:"status"`
	FeedbackMessage  string     `json:"feedback_message"`
	BackgroundColor  string     `json:"background_color"`
	OutcomeLabel     string     `json:"outcome_label,omitempty"`
	ResultID         string     `json:"result_id,omitempty"`
	SystemError      bool       `json:"system_error"`
	VerificationMode bool       `json:"verification_mode"`
	Digest           string     `json:"digest,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

type cachedView struct {
	UserID string      `json:"user_id"`
	View   SessionView `json:"view"`
}

// LivenessUseCase owns the orchestrators behind client handles. Each handle
// keeps one orchestrator across frame uploads and retries.
type LivenessUseCase struct {
	repo   SessionRepository
	cache  Cache
	engine analyzer.Engine
	logger *zap.Logger
	policy retry.Policy

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	id     string
	userID string
	source *frames.Mailbox
	orch   *liveness.Orchestrator

	// lifecycle serialises start, retry, stop and release on the handle.
	lifecycle sync.Mutex
	released  bool

	mu     sync.Mutex
	queue  *serialQueue
	digest string
}

func (h *handle) dispatch(fn func()) {
	h.mu.Lock()
	q := h.queue
	h.mu.Unlock()
	q.enqueue(fn)
}

func (h *handle) swapQueue(q *serialQueue) *serialQueue {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.queue
	h.queue = q
	return old
}

func (h *handle) setDigest(digest string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.digest = digest
}

func (h *handle) view() SessionView {
	h.mu.Lock()
	digest := h.digest
	h.mu.Unlock()
	v := viewFromSnapshot(h.id, h.orch.Snapshot())
	v.Digest = digest
	return v
}

// NewLivenessUseCase constructs a new use case instance.
func NewLivenessUseCase(repo SessionRepository, cache Cache, engine analyzer.Engine, logger *zap.Logger) *LivenessUseCase {
	return &LivenessUseCase{
		repo:    repo,
		cache:   cache,
		engine:  engine,
		logger:  logger.Named("liveness_usecase"),
		policy:  retry.DefaultPolicy,
		handles: make(map[string]*handle),
	}
}

// StartSession creates a handle with its own frame source and orchestrator
// and starts the first liveness session on it.
func (uc *LivenessUseCase) StartSession(ctx context.Context, userID string, req StartRequest) (*SessionView, error) {
	h := &handle{
		id:     uuid.NewString(),
		userID: userID,
		source: frames.NewMailbox(),
		queue:  newSerialQueue(queueSize),
	}
	cfg := liveness.Config{
		Token:            req.Token,
		VerificationMode: req.WithVerification,
		ReferenceImage:   req.ReferenceImage,
	}
	h.orch = liveness.New(uc.engine, cfg, uc.observerFor(h), uc.logger, liveness.WithDispatcher(h.dispatch))

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	uc.mu.Lock()
	uc.handles[h.id] = h
	uc.mu.Unlock()

	view, err := uc.launch(ctx, h, h.queue, referenceDigest(req.ReferenceImage))
	if err != nil {
		uc.remove(h.id)
		uc.releaseLocked(h)
		return nil, err
	}
	return view, nil
}

// launch starts a session on h and persists it before any observer call
// is let through the queue. The caller holds h.lifecycle.
func (uc *LivenessUseCase) launch(ctx context.Context, h *handle, q *serialQueue, referenceSHA1 string) (*SessionView, error) {
	sessionID := h.orch.Start(h.source)
	if sessionID == "" {
		q.open()
		return nil, ErrSessionNotFound
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.start_session", sessionID)
	snap := h.orch.Snapshot()

	record := &repository.LivenessSession{
		HandleID:         h.id,
		SessionID:        sessionID,
		UserID:           h.userID,
		VerificationMode: snap.VerificationMode,
		ReferenceSHA1:    referenceSHA1,
		Status:           string(liveness.StatusStarting),
		CreatedAt:        snap.StartedAt,
	}
	err := uc.repo.Create(ctx, record)
	q.open()
	if err != nil {
		opLogger.Error("failed to persist liveness session", zap.Error(err))
		return nil, err
	}

	opLogger.Info("liveness session started", zap.String("handle_id", h.id), zap.String("user_id", h.userID))
	view := h.view()
	return &view, nil
}

func (uc *LivenessUseCase) observerFor(h *handle) liveness.Observer {
	return liveness.ObserverFuncs{
		Details: func(details *analyzer.Details) {
			if details == nil {
				return
			}
			h.setDigest(details.Digest)
			sessionID := h.orch.Snapshot().ID
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := uc.repo.UpdateDigest(ctx, sessionID, details.Digest); err != nil {
				logging.WithOperation(uc.logger, "usecase.persist_details", sessionID).Error("failed to persist details digest", zap.Error(err))
			}
		},
		Result: func(outcomeLabel, resultID string) {
			view := h.view()
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			uc.persistOutcome(ctx, h, view)
		},
		Log: func(event liveness.LogEvent) {
			fields := []zap.Field{
				zap.String("kind", string(event.Kind)),
				zap.String("session_id", event.SessionID),
				zap.String("status", string(event.Status)),
			}
			if event.Err != nil {
				fields = append(fields, zap.Error(event.Err))
			}
			uc.logger.Debug("liveness telemetry", fields...)
		},
	}
}

func (uc *LivenessUseCase) persistOutcome(ctx context.Context, h *handle, view SessionView) {
	opLogger := logging.WithOperation(uc.logger, "usecase.persist_outcome", view.SessionID)

	completedAt := time.Now().UTC()
	if view.EndedAt != nil {
		completedAt = *view.EndedAt
	}
	if err := uc.repo.UpdateOutcome(ctx, view.SessionID, repository.OutcomeUpdate{
		Status:      view.Status,
		Outcome:     view.OutcomeLabel,
		ResultID:    view.ResultID,
		SystemError: view.SystemError,
		CompletedAt: completedAt,
	}); err != nil {
		opLogger.Error("failed to persist liveness outcome", zap.Error(err))
	}

	serialized, err := json.Marshal(cachedView{UserID: h.userID, View: view})
	if err != nil {
		opLogger.Error("failed to serialize session view", zap.Error(err))
		return
	}
	if err := retry.Do(ctx, uc.policy, uc.logger, "cache.set.view", view.SessionID, func() error {
		return uc.cache.SetView(ctx, h.id, serialized, viewTTL)
	}); err != nil {
		opLogger.Error("failed to cache session view", zap.Error(err))
	}
}

// PushFrame hands a camera frame to the handle's current session.
func (uc *LivenessUseCase) PushFrame(userID, handleID string, frame *frames.Frame) error {
	h, err := uc.lookup(userID, handleID)
	if err != nil {
		return err
	}
	if h.orch.Snapshot().Status.IsTerminal() {
		return ErrSessionFinished
	}
	if h.source.Publish(frame) {
		metrics.FramesDroppedTotal.Inc()
	}
	metrics.FramesPublishedTotal.Inc()
	return nil
}

// GetSession returns the live view of a handle, falling back to the cached
// view and then to the persisted record once the handle has been released.
func (uc *LivenessUseCase) GetSession(ctx context.Context, userID, handleID string) (*SessionView, error) {
	if h, err := uc.lookup(userID, handleID); err == nil {
		view := h.view()
		return &view, nil
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.get_session", handleID)
	var (
		cached []byte
		hit    bool
	)
	// A miss is the normal path once a view expires and is not retried.
	err := retry.Do(ctx, uc.policy, uc.logger, "cache.get.view", handleID, func() error {
		value, err := uc.cache.GetView(ctx, handleID)
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		if err != nil {
			return err
		}
		cached, hit = value, true
		return nil
	})
	switch {
	case err != nil:
		opLogger.Warn("failed to read cache", zap.Error(err))
	case hit:
		var payload cachedView
		if err := json.Unmarshal(cached, &payload); err != nil {
			opLogger.Warn("failed to decode cached view", zap.Error(err))
		} else if payload.UserID == userID {
			return &payload.View, nil
		}
	}

	record, err := uc.repo.FindLatestByHandleAndUser(ctx, handleID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	view := viewFromRecord(record)
	return &view, nil
}

// StopSession stops the handle's session, releases the camera source and
// forgets the handle. The final view stays readable through GetSession.
func (uc *LivenessUseCase) StopSession(ctx context.Context, userID, handleID string) (*SessionView, error) {
	h, err := uc.lookup(userID, handleID)
	if err != nil {
		return nil, err
	}
	uc.remove(handleID)

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.released {
		return nil, ErrSessionNotFound
	}
	wasTerminal := h.orch.Snapshot().Status.IsTerminal()
	uc.releaseLocked(h)

	view := h.view()
	if !wasTerminal {
		uc.persistOutcome(ctx, h, view)
	}
	logging.WithOperation(uc.logger, "usecase.stop_session", view.SessionID).Info("liveness handle released", zap.String("handle_id", handleID))
	return &view, nil
}

// RetrySession starts a fresh session on a handle whose previous session
// completed or failed.
func (uc *LivenessUseCase) RetrySession(ctx context.Context, userID, handleID string) (*SessionView, error) {
	h, err := uc.lookup(userID, handleID)
	if err != nil {
		return nil, err
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.released {
		return nil, ErrSessionNotFound
	}
	if !h.orch.Snapshot().Status.IsTerminal() {
		return nil, ErrSessionActive
	}

	// The finished session dispatches nothing once Done is closed, so the
	// old queue can drain before the session is discarded.
	<-h.orch.Done()
	next := newSerialQueue(queueSize)
	old := h.swapQueue(next)
	old.close()
	h.setDigest("")
	if !h.orch.Reset() {
		next.open()
		return nil, ErrSessionActive
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.retry_session", handleID)
	if err := retry.Do(ctx, uc.policy, uc.logger, "cache.del.view", handleID, func() error {
		return uc.cache.DeleteView(ctx, handleID)
	}); err != nil {
		opLogger.Warn("failed to drop cached view", zap.Error(err))
	}

	previous, err := uc.repo.FindLatestByHandleAndUser(ctx, handleID, userID)
	referenceSHA1 := ""
	if err == nil {
		referenceSHA1 = previous.ReferenceSHA1
	}
	return uc.launch(ctx, h, next, referenceSHA1)
}

// Shutdown stops every live session and waits for their goroutines.
func (uc *LivenessUseCase) Shutdown() {
	uc.mu.Lock()
	handles := make([]*handle, 0, len(uc.handles))
	for id, h := range uc.handles {
		handles = append(handles, h)
		delete(uc.handles, id)
	}
	uc.mu.Unlock()

	for _, h := range handles {
		uc.release(h)
	}
}

func (uc *LivenessUseCase) release(h *handle) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if !h.released {
		uc.releaseLocked(h)
	}
}

// releaseLocked closes the orchestrator before the queue so that no observer
// call is enqueued after the queue is gone. The caller holds h.lifecycle.
func (uc *LivenessUseCase) releaseLocked(h *handle) {
	h.released = true
	h.orch.Close()
	h.source.Close()
	h.mu.Lock()
	q := h.queue
	h.mu.Unlock()
	q.close()
}

func (uc *LivenessUseCase) lookup(userID, handleID string) (*handle, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	h, ok := uc.handles[handleID]
	if !ok || h.userID != userID {
		return nil, ErrSessionNotFound
	}
	return h, nil
}

func (uc *LivenessUseCase) remove(handleID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.handles, handleID)
}

func referenceDigest(image []byte) string {
	if len(image) == 0 {
		return ""
	}
	sum := sha1.Sum(image)
	return hex.EncodeToString(sum[:])
}

func viewFromSnapshot(handleID string, snap liveness.Snapshot) SessionView {
	v := SessionView{
		HandleID:         handleID,
		SessionID:        snap.ID,
		Status:           string(snap.Status),
		FeedbackMessage:  snap.FeedbackMessage,
		BackgroundColor:  analyzer.HexColor(snap.BackgroundColor),
		OutcomeLabel:     snap.OutcomeLabel,
		ResultID:         snap.ResultID,
		SystemError:      liveness.IsSystemOutcome(snap.OutcomeLabel),
		VerificationMode: snap.VerificationMode,
		StartedAt:        snap.StartedAt,
	}
	if !snap.EndedAt.IsZero() {
		ended := snap.EndedAt
		v.EndedAt = &ended
	}
	return v
}

func viewFromRecord(record *repository.LivenessSession) SessionView {
	return SessionView{
		HandleID:         record.HandleID,
		SessionID:        record.SessionID,
		Status:           record.Status,
		OutcomeLabel:     record.Outcome,
		ResultID:         record.ResultID,
		SystemError:      record.SystemError,
		VerificationMode: record.VerificationMode,
		Digest:           record.Digest,
		StartedAt:        record.CreatedAt,
		EndedAt:          record.CompletedAt,
	}
}
