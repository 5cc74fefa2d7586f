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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation    = "23505"
	profileLockUniqKey = "profile_locks_profile_id_key"
	inProgressUniqKey  = "user_review_submissions_one_in_progress"
)

const profileColumns = `id, name, profile_url, cooldown_minutes, global_lock_minutes, last_reviewed_at, is_active, created_at`

const submissionColumns = `id, user_id, profile_id, review_id, status, task_id, created_at, completed_at, global_unlocks_at`

const lockColumns = `id, profile_id, user_id, COALESCE(kind, ''), locked_at, expires_at`

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the postgres review.Store
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new postgres review store
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// GetJob implements review.Store
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := s.db.QueryRow(ctx, `
		SELECT id, title, reward, review_profile_ids, status, created_at
		FROM jobs
		WHERE id = $1
	`, jobID).Scan(&job.ID, &job.Title, &job.Reward, &job.ProfileIDs, &job.Status, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, review.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetProfile implements review.Store
func (s *Store) GetProfile(ctx context.Context, profileID uuid.UUID) (*models.ReviewProfile, error) {
	return getProfile(ctx, s.db, `SELECT `+profileColumns+` FROM review_profiles WHERE id = $1`, profileID)
}

// GetProfiles implements review.Store
func (s *Store) GetProfiles(ctx context.Context, profileIDs []uuid.UUID) ([]models.ReviewProfile, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+profileColumns+` FROM review_profiles WHERE id = ANY($1)`, profileIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.ReviewProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// GetInProgressSubmission implements review.Store
func (s *Store) GetInProgressSubmission(ctx context.Context, userID uuid.UUID) (*models.UserReviewSubmission, error) {
	return getInProgress(ctx, s.db, userID, false)
}

// GetCompletedProfileIDs implements review.Store
func (s *Store) GetCompletedProfileIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT profile_id
		FROM user_review_submissions
		WHERE user_id = $1 AND status = $2
	`, userID, models.SubmissionStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed profiles: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// GetLatestGlobalUnlock implements review.Store
func (s *Store) GetLatestGlobalUnlock(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	var unlocks *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT global_unlocks_at
		FROM user_review_submissions
		WHERE user_id = $1 AND status = $2
		ORDER BY completed_at DESC NULLS LAST
		LIMIT 1
	`, userID, models.SubmissionStatusCompleted).Scan(&unlocks)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get global unlock time: %w", err)
	}
	return unlocks, nil
}

// GetLiveLocks implements review.Store
func (s *Store) GetLiveLocks(ctx context.Context, profileIDs []uuid.UUID, now time.Time) ([]models.ProfileLock, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+lockColumns+`
		FROM profile_locks
		WHERE profile_id = ANY($1) AND expires_at > $2
	`, profileIDs, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query profile locks: %w", err)
	}
	defer rows.Close()

	var locks []models.ProfileLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile lock: %w", err)
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

// CleanupExpiredLocks implements review.Store
func (s *Store) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	var removed int64
	if err := s.db.QueryRow(ctx, `SELECT cleanup_expired_locks()`).Scan(&removed); err != nil {
		return 0, fmt.Errorf("cleanup_expired_locks: %w", err)
	}
	return removed, nil
}

// ReleaseAbandonedSubmissions implements review.Store
func (s *Store) ReleaseAbandonedSubmissions(ctx context.Context, now, createdBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM user_review_submissions s
		WHERE s.status = $1
		  AND s.created_at < $3
		  AND NOT EXISTS (
			SELECT 1 FROM profile_locks l
			WHERE l.profile_id = s.profile_id
			  AND l.user_id = s.user_id
			  AND l.expires_at > $2
		  )
	`, models.SubmissionStatusInProgress, now, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to release abandoned submissions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InTx implements review.Store
func (s *Store) InTx(ctx context.Context, fn func(tx review.Tx) error) error {
	pgTx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&tx{tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func getProfile(ctx context.Context, q querier, query string, args ...any) (*models.ReviewProfile, error) {
	p, err := scanProfile(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, review.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func getInProgress(ctx context.Context, q querier, userID uuid.UUID, forUpdate bool) (*models.UserReviewSubmission, error) {
	query := `SELECT ` + submissionColumns + ` FROM user_review_submissions WHERE user_id = $1 AND status = $2 ORDER BY created_at LIMIT 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var sub models.UserReviewSubmission
	err := q.QueryRow(ctx, query, userID, models.SubmissionStatusInProgress).Scan(
		&sub.ID, &sub.UserID, &sub.ProfileID, &sub.ReviewID, &sub.Status,
		&sub.TaskID, &sub.CreatedAt, &sub.CompletedAt, &sub.GlobalUnlocksAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get in-progress submission: %w", err)
	}
	return &sub, nil
}

func scanProfile(row pgx.Row) (*models.ReviewProfile, error) {
	var p models.ReviewProfile
	err := row.Scan(
		&p.ID, &p.Name, &p.ProfileURL, &p.CooldownMinutes, &p.GlobalLockMinutes,
		&p.LastReviewedAt, &p.IsActive, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanLock(row pgx.Row) (*models.ProfileLock, error) {
	var l models.ProfileLock
	if err := row.Scan(&l.ID, &l.ProfileID, &l.UserID, &l.Kind, &l.LockedAt, &l.ExpiresAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func isLockConflict(err error) bool {
	return isUniqueViolation(err, profileLockUniqKey)
}

func isInProgressConflict(err error) bool {
	return isUniqueViolation(err, inProgressUniqKey)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
