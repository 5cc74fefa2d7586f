package memstore

import (
	"context"
	"time"

	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/google/uuid"
)

// tx runs with the store mutex held by InTx
type tx struct {
	store *Store
	data  *data
}

func (t *tx) GetInProgressSubmission(_ context.Context, userID uuid.UUID) (*models.UserReviewSubmission, error) {
	if err := t.store.fail(OpGetInProgressSubmission); err != nil {
		return nil, err
	}
	return t.data.inProgress(userID), nil
}

func (t *tx) LockProfile(_ context.Context, profileID uuid.UUID) (*models.ReviewProfile, error) {
	p, ok := t.data.profiles[profileID]
	if !ok {
		return nil, review.ErrProfileNotFound
	}
	return &p, nil
}

func (t *tx) DeleteExpiredLocks(_ context.Context, profileID uuid.UUID, now time.Time) (int64, error) {
	return t.data.deleteLocks(func(l models.ProfileLock) bool {
		return l.ProfileID == profileID && !l.Live(now)
	}), nil
}

func (t *tx) GetLock(_ context.Context, profileID uuid.UUID) (*models.ProfileLock, error) {
	for _, l := range t.data.locks {
		if l.ProfileID == profileID {
			found := l
			return &found, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertLock(_ context.Context, lock *models.ProfileLock) error {
	if err := t.store.fail(OpInsertLock); err != nil {
		return err
	}
	for _, l := range t.data.locks {
		if l.ProfileID == lock.ProfileID {
			return review.ErrLockConflict
		}
	}
	t.data.locks = append(t.data.locks, *lock)
	return nil
}

func (t *tx) PickUnusedReview(_ context.Context, profileID uuid.UUID) (*uuid.UUID, error) {
	if err := t.store.fail(OpPickUnusedReview); err != nil {
		return nil, err
	}
	used := make(map[uuid.UUID]bool)
	for _, sub := range t.data.submissions {
		if sub.ProfileID == profileID && sub.ReviewID != nil {
			used[*sub.ReviewID] = true
		}
	}
	for _, r := range t.data.sortedReviews(profileID) {
		if r.Status == models.ReviewStatusActive && !used[r.ID] {
			id := r.ID
			return &id, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertSubmission(_ context.Context, sub *models.UserReviewSubmission) error {
	if err := t.store.fail(OpInsertSubmission); err != nil {
		return err
	}
	if sub.Status == models.SubmissionStatusInProgress && t.data.inProgress(sub.UserID) != nil {
		return review.ErrInProgressExists
	}
	t.data.submissions = append(t.data.submissions, *sub)
	return nil
}

func (t *tx) CompleteSubmission(_ context.Context, userID, profileID uuid.UUID, taskID string, completedAt, globalUnlocksAt time.Time) (*models.UserReviewSubmission, error) {
	for i := range t.data.submissions {
		sub := &t.data.submissions[i]
		if sub.UserID != userID || sub.ProfileID != profileID || sub.Status != models.SubmissionStatusInProgress {
			continue
		}
		task, done, unlocks := taskID, completedAt, globalUnlocksAt
		sub.Status = models.SubmissionStatusCompleted
		sub.TaskID = &task
		sub.CompletedAt = &done
		sub.GlobalUnlocksAt = &unlocks
		updated := *sub
		return &updated, nil
	}
	return nil, review.ErrNoInProgress
}

func (t *tx) InsertCompletedReview(_ context.Context, cr *models.CompletedReview) error {
	if err := t.store.fail(OpInsertCompletedReview); err != nil {
		return err
	}
	t.data.completed = append(t.data.completed, *cr)
	return nil
}

func (t *tx) TouchProfileReviewed(_ context.Context, profileID uuid.UUID, at time.Time) error {
	if err := t.store.fail(OpTouchProfileReviewed); err != nil {
		return err
	}
	p, ok := t.data.profiles[profileID]
	if !ok {
		return review.ErrProfileNotFound
	}
	if p.LastReviewedAt != nil && p.LastReviewedAt.After(at) {
		return nil
	}
	reviewed := at
	p.LastReviewedAt = &reviewed
	t.data.profiles[profileID] = p
	return nil
}

func (t *tx) DeleteReservation(_ context.Context, userID, profileID uuid.UUID) (int64, error) {
	if err := t.store.fail(OpDeleteReservation); err != nil {
		return 0, err
	}
	return t.data.deleteLocks(func(l models.ProfileLock) bool {
		return l.UserID == userID && l.ProfileID == profileID && l.Kind != models.LockKindCooldown
	}), nil
}

func (t *tx) DeleteInProgressSubmission(_ context.Context, userID, profileID uuid.UUID) (int64, error) {
	return t.data.deleteSubmissions(func(sub models.UserReviewSubmission) bool {
		return sub.UserID == userID && sub.ProfileID == profileID && sub.Status == models.SubmissionStatusInProgress
	}), nil
}

func (t *tx) ReleaseProfile(_ context.Context, profileID uuid.UUID) (int64, int64, error) {
	locks := t.data.deleteLocks(func(l models.ProfileLock) bool { return l.ProfileID == profileID })
	subs := t.data.deleteSubmissions(func(sub models.UserReviewSubmission) bool {
		return sub.ProfileID == profileID && sub.Status == models.SubmissionStatusInProgress
	})
	return locks, subs, nil
}

func (t *tx) Savepoint(ctx context.Context, fn func(tx review.Tx) error) error {
	saved := t.data.clone()
	if err := fn(t); err != nil {
		t.data = saved
		return err
	}
	return nil
}
