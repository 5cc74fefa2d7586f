package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type tx struct {
	tx pgx.Tx
}

func (t *tx) GetInProgressSubmission(ctx context.Context, userID uuid.UUID) (*models.UserReviewSubmission, error) {
	return getInProgress(ctx, t.tx, userID, true)
}

func (t *tx) LockProfile(ctx context.Context, profileID uuid.UUID) (*models.ReviewProfile, error) {
	return getProfile(ctx, t.tx, `SELECT `+profileColumns+` FROM review_profiles WHERE id = $1 FOR UPDATE`, profileID)
}

func (t *tx) DeleteExpiredLocks(ctx context.Context, profileID uuid.UUID, now time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM profile_locks WHERE profile_id = $1 AND expires_at <= $2`, profileID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *tx) GetLock(ctx context.Context, profileID uuid.UUID) (*models.ProfileLock, error) {
	l, err := scanLock(t.tx.QueryRow(ctx, `SELECT `+lockColumns+` FROM profile_locks WHERE profile_id = $1`, profileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

func (t *tx) InsertLock(ctx context.Context, lock *models.ProfileLock) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO profile_locks (id, profile_id, user_id, kind, locked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, lock.ID, lock.ProfileID, lock.UserID, lock.Kind, lock.LockedAt, lock.ExpiresAt)
	if err != nil {
		if isLockConflict(err) {
			return review.ErrLockConflict
		}
		return err
	}
	return nil
}

func (t *tx) PickUnusedReview(ctx context.Context, profileID uuid.UUID) (*uuid.UUID, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `
		SELECT r.id
		FROM reviews r
		WHERE r.profile_id = $1
		  AND r.status = $2
		  AND NOT EXISTS (
			SELECT 1 FROM user_review_submissions s
			WHERE s.profile_id = r.profile_id AND s.review_id = r.id
		  )
		ORDER BY r.created_at
		LIMIT 1
	`, profileID, models.ReviewStatusActive).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

func (t *tx) InsertSubmission(ctx context.Context, sub *models.UserReviewSubmission) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_review_submissions (id, user_id, profile_id, review_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sub.ID, sub.UserID, sub.ProfileID, sub.ReviewID, sub.Status, sub.CreatedAt)
	if err != nil {
		if isInProgressConflict(err) {
			return review.ErrInProgressExists
		}
		return err
	}
	return nil
}

func (t *tx) CompleteSubmission(ctx context.Context, userID, profileID uuid.UUID, taskID string, completedAt, globalUnlocksAt time.Time) (*models.UserReviewSubmission, error) {
	var sub models.UserReviewSubmission
	err := t.tx.QueryRow(ctx, `
		UPDATE user_review_submissions
		SET status = $4, task_id = $5, completed_at = $6, global_unlocks_at = $7
		WHERE id = (
			SELECT id FROM user_review_submissions
			WHERE user_id = $1 AND profile_id = $2 AND status = $3
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+submissionColumns,
		userID, profileID, models.SubmissionStatusInProgress,
		models.SubmissionStatusCompleted, taskID, completedAt, globalUnlocksAt,
	).Scan(
		&sub.ID, &sub.UserID, &sub.ProfileID, &sub.ReviewID, &sub.Status,
		&sub.TaskID, &sub.CreatedAt, &sub.CompletedAt, &sub.GlobalUnlocksAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, review.ErrNoInProgress
		}
		return nil, fmt.Errorf("failed to complete submission: %w", err)
	}
	return &sub, nil
}

func (t *tx) InsertCompletedReview(ctx context.Context, cr *models.CompletedReview) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO completed_reviews (id, user_id, profile_id, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, cr.ID, cr.UserID, cr.ProfileID, cr.TaskID, cr.CreatedAt)
	return err
}

func (t *tx) TouchProfileReviewed(ctx context.Context, profileID uuid.UUID, at time.Time) error {
	// GREATEST keeps last_reviewed_at monotonic
	tag, err := t.tx.Exec(ctx, `
		UPDATE review_profiles
		SET last_reviewed_at = GREATEST(COALESCE(last_reviewed_at, $2), $2)
		WHERE id = $1
	`, profileID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return review.ErrProfileNotFound
	}
	return nil
}

func (t *tx) DeleteReservation(ctx context.Context, userID, profileID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM profile_locks
		WHERE user_id = $1 AND profile_id = $2 AND kind IS DISTINCT FROM $3
	`, userID, profileID, models.LockKindCooldown)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *tx) DeleteInProgressSubmission(ctx context.Context, userID, profileID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM user_review_submissions
		WHERE user_id = $1 AND profile_id = $2 AND status = $3
	`, userID, profileID, models.SubmissionStatusInProgress)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *tx) ReleaseProfile(ctx context.Context, profileID uuid.UUID) (int64, int64, error) {
	locks, err := t.tx.Exec(ctx, `DELETE FROM profile_locks WHERE profile_id = $1`, profileID)
	if err != nil {
		return 0, 0, err
	}
	subs, err := t.tx.Exec(ctx, `
		DELETE FROM user_review_submissions
		WHERE profile_id = $1 AND status = $2
	`, profileID, models.SubmissionStatusInProgress)
	if err != nil {
		return 0, 0, err
	}
	return locks.RowsAffected(), subs.RowsAffected(), nil
}

// Savepoint uses a pgx nested transaction, which pgx implements as a savepoint
func (t *tx) Savepoint(ctx context.Context, fn func(tx review.Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(&tx{tx: nested}); err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		return err
	}
	return nested.Commit(ctx)
}
