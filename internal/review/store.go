package review

import (
	"context"
	"time"

	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/google/uuid"
)

// Store is the persistence used by the review service. Single reads return
// (nil, nil) when nothing matches unless a sentinel error is documented.
type Store interface {
	// GetJob returns ErrJobNotFound when the job does not exist
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	// GetProfile returns ErrProfileNotFound when the profile does not exist
	GetProfile(ctx context.Context, profileID uuid.UUID) (*models.ReviewProfile, error)
	GetProfiles(ctx context.Context, profileIDs []uuid.UUID) ([]models.ReviewProfile, error)
	GetInProgressSubmission(ctx context.Context, userID uuid.UUID) (*models.UserReviewSubmission, error)
	GetCompletedProfileIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	// GetLatestGlobalUnlock returns the global unlock time of the user's most recent completed submission
	GetLatestGlobalUnlock(ctx context.Context, userID uuid.UUID) (*time.Time, error)
	GetLiveLocks(ctx context.Context, profileIDs []uuid.UUID, now time.Time) ([]models.ProfileLock, error)

	// CleanupExpiredLocks removes every expired lock and returns how many were removed
	CleanupExpiredLocks(ctx context.Context) (int64, error)
	// ReleaseAbandonedSubmissions deletes in-progress submissions created
	// before createdBefore whose owner no longer holds a live lock on the profile
	ReleaseAbandonedSubmissions(ctx context.Context, now, createdBefore time.Time) (int64, error)

	// InTx runs fn in one transaction. The transaction commits when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction
type Tx interface {
	GetInProgressSubmission(ctx context.Context, userID uuid.UUID) (*models.UserReviewSubmission, error)
	// LockProfile reads the profile and holds a row lock on it until the
	// transaction ends. Returns ErrProfileNotFound.
	LockProfile(ctx context.Context, profileID uuid.UUID) (*models.ReviewProfile, error)
	DeleteExpiredLocks(ctx context.Context, profileID uuid.UUID, now time.Time) (int64, error)
	GetLock(ctx context.Context, profileID uuid.UUID) (*models.ProfileLock, error)
	// InsertLock returns ErrLockConflict when the profile already has a lock row
	InsertLock(ctx context.Context, lock *models.ProfileLock) error
	// PickUnusedReview returns an active review of the profile that no
	// submission references, or nil when the pool is exhausted
	PickUnusedReview(ctx context.Context, profileID uuid.UUID) (*uuid.UUID, error)
	// InsertSubmission returns ErrInProgressExists when the user already has
	// an in-progress submission
	InsertSubmission(ctx context.Context, sub *models.UserReviewSubmission) error
	// CompleteSubmission moves the user's in-progress submission for the
	// profile to completed. Returns ErrNoInProgress.
	CompleteSubmission(ctx context.Context, userID, profileID uuid.UUID, taskID string, completedAt, globalUnlocksAt time.Time) (*models.UserReviewSubmission, error)
	InsertCompletedReview(ctx context.Context, cr *models.CompletedReview) error
	TouchProfileReviewed(ctx context.Context, profileID uuid.UUID, at time.Time) error
	// DeleteReservation removes the user's non-cooldown lock on the profile
	DeleteReservation(ctx context.Context, userID, profileID uuid.UUID) (int64, error)
	DeleteInProgressSubmission(ctx context.Context, userID, profileID uuid.UUID) (int64, error)
	// ReleaseProfile removes all locks and in-progress submissions of a profile
	ReleaseProfile(ctx context.Context, profileID uuid.UUID) (locks int64, submissions int64, err error)
	// Savepoint runs fn in a nested transaction. An error rolls back only
	// the work done by fn.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
}

// Settings supplies runtime-tunable integer settings
type Settings interface {
	Int(ctx context.Context, key string, def int) int
}
