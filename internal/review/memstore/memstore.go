// Package memstore is an in-memory review store. Transactions are serialized
// and run against a copy of the data that replaces it on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/google/uuid"
)

// Operation names accepted by FailOn
const (
	OpGetJob                      = "GetJob"
	OpGetProfiles                 = "GetProfiles"
	OpGetInProgressSubmission     = "GetInProgressSubmission"
	OpGetCompletedProfileIDs      = "GetCompletedProfileIDs"
	OpGetLatestGlobalUnlock       = "GetLatestGlobalUnlock"
	OpGetLiveLocks                = "GetLiveLocks"
	OpCleanupExpiredLocks         = "CleanupExpiredLocks"
	OpReleaseAbandonedSubmissions = "ReleaseAbandonedSubmissions"
	OpInsertLock                  = "InsertLock"
	OpPickUnusedReview            = "PickUnusedReview"
	OpInsertSubmission            = "InsertSubmission"
	OpInsertCompletedReview       = "InsertCompletedReview"
	OpTouchProfileReviewed        = "TouchProfileReviewed"
	OpDeleteReservation           = "DeleteReservation"
)

type data struct {
	jobs        map[uuid.UUID]models.Job
	profiles    map[uuid.UUID]models.ReviewProfile
	reviews     []models.Review
	locks       []models.ProfileLock
	submissions []models.UserReviewSubmission
	completed   []models.CompletedReview
}

func (d *data) clone() *data {
	c := &data{
		jobs:        make(map[uuid.UUID]models.Job, len(d.jobs)),
		profiles:    make(map[uuid.UUID]models.ReviewProfile, len(d.profiles)),
		reviews:     append([]models.Review(nil), d.reviews...),
		locks:       append([]models.ProfileLock(nil), d.locks...),
		submissions: append([]models.UserReviewSubmission(nil), d.submissions...),
		completed:   append([]models.CompletedReview(nil), d.completed...),
	}
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	for k, v := range d.profiles {
		c.profiles[k] = v
	}
	return c
}

// Store is an in-memory review.Store
type Store struct {
	mu       sync.Mutex
	data     *data
	now      func() time.Time
	failures map[string]error
}

// New creates an empty store. now defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		data: &data{
			jobs:     make(map[uuid.UUID]models.Job),
			profiles: make(map[uuid.UUID]models.ReviewProfile),
		},
		now:      now,
		failures: make(map[string]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// fail must be called with mu held
func (s *Store) fail(op string) error {
	return s.failures[op]
}

// AddJob stores a job
func (s *Store) AddJob(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.jobs[job.ID] = job
}

// AddProfile stores a review profile
func (s *Store) AddProfile(p models.ReviewProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.profiles[p.ID] = p
}

// AddReview stores a review
func (s *Store) AddReview(r models.Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.reviews = append(s.data.reviews, r)
}

// AddLock stores a lock without any constraint check
func (s *Store) AddLock(l models.ProfileLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.locks = append(s.data.locks, l)
}

// AddSubmission stores a submission
func (s *Store) AddSubmission(sub models.UserReviewSubmission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.submissions = append(s.data.submissions, sub)
}

// Locks returns all lock rows
func (s *Store) Locks() []models.ProfileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProfileLock(nil), s.data.locks...)
}

// Submissions returns all submission rows
func (s *Store) Submissions() []models.UserReviewSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UserReviewSubmission(nil), s.data.submissions...)
}

// CompletedReviews returns the completion log
func (s *Store) CompletedReviews() []models.CompletedReview {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CompletedReview(nil), s.data.completed...)
}

// Profile returns a stored profile
func (s *Store) Profile(id uuid.UUID) (models.ReviewProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.profiles[id]
	return p, ok
}

// GetJob implements review.Store
func (s *Store) GetJob(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetJob); err != nil {
		return nil, err
	}
	job, ok := s.data.jobs[jobID]
	if !ok {
		return nil, review.ErrJobNotFound
	}
	return &job, nil
}

// GetProfile implements review.Store
func (s *Store) GetProfile(_ context.Context, profileID uuid.UUID) (*models.ReviewProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.profiles[profileID]
	if !ok {
		return nil, review.ErrProfileNotFound
	}
	return &p, nil
}

// GetProfiles implements review.Store
func (s *Store) GetProfiles(_ context.Context, profileIDs []uuid.UUID) ([]models.ReviewProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetProfiles); err != nil {
		return nil, err
	}
	var out []models.ReviewProfile
	for _, id := range profileIDs {
		if p, ok := s.data.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetInProgressSubmission implements review.Store
func (s *Store) GetInProgressSubmission(_ context.Context, userID uuid.UUID) (*models.UserReviewSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetInProgressSubmission); err != nil {
		return nil, err
	}
	return s.data.inProgress(userID), nil
}

// GetCompletedProfileIDs implements review.Store
func (s *Store) GetCompletedProfileIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetCompletedProfileIDs); err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, sub := range s.data.submissions {
		if sub.UserID == userID && sub.Status == models.SubmissionStatusCompleted && !seen[sub.ProfileID] {
			seen[sub.ProfileID] = true
			out = append(out, sub.ProfileID)
		}
	}
	return out, nil
}

// GetLatestGlobalUnlock implements review.Store
func (s *Store) GetLatestGlobalUnlock(_ context.Context, userID uuid.UUID) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetLatestGlobalUnlock); err != nil {
		return nil, err
	}
	var latest *models.UserReviewSubmission
	for i := range s.data.submissions {
		sub := &s.data.submissions[i]
		if sub.UserID != userID || sub.Status != models.SubmissionStatusCompleted || sub.CompletedAt == nil {
			continue
		}
		if latest == nil || sub.CompletedAt.After(*latest.CompletedAt) {
			latest = sub
		}
	}
	if latest == nil || latest.GlobalUnlocksAt == nil {
		return nil, nil
	}
	unlocks := *latest.GlobalUnlocksAt
	return &unlocks, nil
}

// GetLiveLocks implements review.Store
func (s *Store) GetLiveLocks(_ context.Context, profileIDs []uuid.UUID, now time.Time) ([]models.ProfileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetLiveLocks); err != nil {
		return nil, err
	}
	wanted := make(map[uuid.UUID]bool, len(profileIDs))
	for _, id := range profileIDs {
		wanted[id] = true
	}
	var out []models.ProfileLock
	for _, l := range s.data.locks {
		if wanted[l.ProfileID] && l.Live(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// CleanupExpiredLocks implements review.Store
func (s *Store) CleanupExpiredLocks(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpCleanupExpiredLocks); err != nil {
		return 0, err
	}
	now := s.now()
	return s.data.deleteLocks(func(l models.ProfileLock) bool { return !l.Live(now) }), nil
}

// ReleaseAbandonedSubmissions implements review.Store
func (s *Store) ReleaseAbandonedSubmissions(_ context.Context, now, createdBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpReleaseAbandonedSubmissions); err != nil {
		return 0, err
	}
	return s.data.deleteSubmissions(func(sub models.UserReviewSubmission) bool {
		if sub.Status != models.SubmissionStatusInProgress || !sub.CreatedAt.Before(createdBefore) {
			return false
		}
		for _, l := range s.data.locks {
			if l.ProfileID == sub.ProfileID && l.UserID == sub.UserID && l.Live(now) {
				return false
			}
		}
		return true
	}), nil
}

// InTx implements review.Store
func (s *Store) InTx(_ context.Context, fn func(tx review.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, data: s.data.clone()}
	if err := fn(t); err != nil {
		return err
	}
	s.data = t.data
	return nil
}

func (d *data) inProgress(userID uuid.UUID) *models.UserReviewSubmission {
	for _, sub := range d.submissions {
		if sub.UserID == userID && sub.Status == models.SubmissionStatusInProgress {
			found := sub
			return &found
		}
	}
	return nil
}

func (d *data) deleteLocks(match func(models.ProfileLock) bool) int64 {
	kept := d.locks[:0]
	var removed int64
	for _, l := range d.locks {
		if match(l) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	d.locks = kept
	return removed
}

func (d *data) deleteSubmissions(match func(models.UserReviewSubmission) bool) int64 {
	kept := d.submissions[:0]
	var removed int64
	for _, sub := range d.submissions {
		if match(sub) {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	d.submissions = kept
	return removed
}

// sortedReviews returns a profile's reviews in creation order
func (d *data) sortedReviews(profileID uuid.UUID) []models.Review {
	var out []models.Review
	for _, r := range d.reviews {
		if r.ProfileID == profileID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
