package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nabilat/liveness-check/internal/retry"
)

// ErrNotFound is returned when no session matches the lookup.
var ErrNotFound = errors.New("liveness session not found")

// LivenessSession is the persisted record of one liveness attempt. The
// token and the reference image itself are never stored.
type LivenessSession struct {
	ID               uint       `gorm:"primaryKey"`
	HandleID         string     `gorm:"column:handle_id;index;size:64"`
	SessionID        string     `gorm:"column:session_id;uniqueIndex;size:64"`
	UserID           string     `gorm:"column:user_id;index;size:64"`
	VerificationMode bool       `gorm:"column:verification_mode"`
	ReferenceSHA1    string     `gorm:"column:reference_sha1;size:40"`
	Status           string     `gorm:"column:status;size:16"`
	Outcome          string     `gorm:"column:outcome;size:128"`
	ResultID         string     `gorm:"column:result_id;size:128"`
	SystemError      bool       `gorm:"column:system_error"`
	Digest           string     `gorm:"column:digest;type:text"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
}

// TableName overrides the default table name.
func (LivenessSession) TableName() string {
	return "liveness_sessions"
}

// OutcomeUpdate carries the terminal state of a session.
type OutcomeUpdate struct {
	Status      string
	Outcome     string
	ResultID    string
	SystemError bool
	CompletedAt time.Time
}

// OutcomeAggregation counts sessions by terminal class.
type OutcomeAggregation struct {
	TotalCount       int64
	CompletedCount   int64
	FailedCount      int64
	SystemErrorCount int64
	StoppedCount     int64
}

// SessionRepository provides persistence APIs for liveness sessions.
type SessionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSessionRepository creates a new repository instance.
func NewSessionRepository(db *gorm.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:             db,
		logger:         logger.Named("session_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SessionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&LivenessSession{})
	})
}

// Create persists a new session record.
func (r *SessionRepository) Create(ctx context.Context, session *LivenessSession) error {
	return r.executeWithRetry(ctx, "repository.create", session.SessionID, func() error {
		return r.db.WithContext(ctx).Create(session).Error
	})
}

// UpdateOutcome records the terminal state of a session.
func (r *SessionRepository) UpdateOutcome(ctx context.Context, sessionID string, update OutcomeUpdate) error {
	completedAt := update.CompletedAt
	return r.executeWithRetry(ctx, "repository.update_outcome", sessionID, func() error {
		return r.db.WithContext(ctx).Model(&LivenessSession{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]any{
				"status":       update.Status,
				"outcome":      update.Outcome,
				"result_id":    update.ResultID,
				"system_error": update.SystemError,
				"completed_at": &completedAt,
			}).Error
	})
}

// UpdateDigest stores the details digest, independently of the outcome.
func (r *SessionRepository) UpdateDigest(ctx context.Context, sessionID, digest string) error {
	return r.executeWithRetry(ctx, "repository.update_digest", sessionID, func() error {
		return r.db.WithContext(ctx).Model(&LivenessSession{}).
			Where("session_id = ?", sessionID).
			Update("digest", digest).Error
	})
}

// FindLatestByHandleAndUser returns the most recent session created under
// the handle for the given owner.
func (r *SessionRepository) FindLatestByHandleAndUser(ctx context.Context, handleID, userID string) (*LivenessSession, error) {
	var session LivenessSession
	found := true
	err := r.executeWithRetry(ctx, "repository.find_by_handle", handleID, func() error {
		err := r.db.WithContext(ctx).
			Where("handle_id = ? AND user_id = ?", handleID, userID).
			Order("created_at DESC").
			First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &session, nil
}

// AggregateOutcomes counts sessions for the metrics summary.
func (r *SessionRepository) AggregateOutcomes(ctx context.Context) (*OutcomeAggregation, error) {
	var agg OutcomeAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_outcomes", "", func() error {
		return r.db.WithContext(ctx).Model(&LivenessSession{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0) AS completed_count,
				COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0) AS failed_count,
				COALESCE(SUM(CASE WHEN system_error THEN 1 ELSE 0 END), 0) AS system_error_count,
				COALESCE(SUM(CASE WHEN status = 'STOPPED' THEN 1 ELSE 0 END), 0) AS stopped_count`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *SessionRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, policy, r.logger, operation, sessionID, fn)
}
