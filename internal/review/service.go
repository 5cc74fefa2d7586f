package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/taskhub/internal/logging"
	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/aimerfeng/taskhub/internal/monitoring"
	"github.com/aimerfeng/taskhub/internal/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// fallbackGlobalLockMinutes is the default length of a user's global cooldown
const fallbackGlobalLockMinutes = 60

// DefaultAbandonAfter is how old an unfinished submission must be before the
// sweeper releases it
const DefaultAbandonAfter = 24 * time.Hour

// Config holds the review service configuration
type Config struct {
	// Defaults used when the settings table has no value
	SelectionLockMinutes int
	GlobalLockMinutes    int
	// CleanupFailureTripMax consecutive cleanup failures open the breaker
	CleanupFailureTripMax uint32
	// CleanupRetryAfter is how long the breaker stays open
	CleanupRetryAfter time.Duration
	// AbandonAfter is the age at which an in-progress submission without a
	// live reservation is released by the sweeper
	AbandonAfter time.Duration
	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// DefaultConfig returns the default review configuration
func DefaultConfig() Config {
	return Config{
		SelectionLockMinutes:  30,
		GlobalLockMinutes:     fallbackGlobalLockMinutes,
		CleanupFailureTripMax: 3,
		CleanupRetryAfter:     5 * time.Minute,
		AbandonAfter:          DefaultAbandonAfter,
		Now:                   time.Now,
	}
}

// Service allocates review profiles to users
type Service struct {
	store     Store
	settings  Settings
	publisher notify.Publisher
	config    Config
	now       func() time.Time
	cleanup   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
}

// NewService creates a new review service. publisher may be nil.
func NewService(store Store, settings Settings, publisher notify.Publisher, config Config) *Service {
	defaults := DefaultConfig()
	if config.SelectionLockMinutes < 1 {
		config.SelectionLockMinutes = defaults.SelectionLockMinutes
	}
	if config.GlobalLockMinutes < 1 {
		config.GlobalLockMinutes = defaults.GlobalLockMinutes
	}
	if config.CleanupFailureTripMax == 0 {
		config.CleanupFailureTripMax = defaults.CleanupFailureTripMax
	}
	if config.CleanupRetryAfter <= 0 {
		config.CleanupRetryAfter = defaults.CleanupRetryAfter
	}
	if config.AbandonAfter <= 0 {
		config.AbandonAfter = defaults.AbandonAfter
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Service{
		store:     store,
		settings:  settings,
		publisher: publisher,
		config:    config,
		now:       config.Now,
		logger:    logging.NewLogger("review"),
	}
	s.cleanup = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lock-cleanup",
		MaxRequests: 1,
		Timeout:     config.CleanupRetryAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.CleanupFailureTripMax
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(name, breakerGauge(to))
		},
	})
	return s
}

func breakerGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// Snapshot is the availability of a job's profiles for one user
type Snapshot struct {
	Job      *models.Job   `json:"job"`
	Profiles []ProfileView `json:"profiles"`
	// LockedUntil is the end of the user's global cooldown, if still running
	LockedUntil       *time.Time                   `json:"locked_until,omitempty"`
	InProgressProfile *models.ReviewProfile        `json:"in_progress_profile,omitempty"`
	InProgress        *models.UserReviewSubmission `json:"in_progress,omitempty"`
	ComputedAt        time.Time                    `json:"computed_at"`

	all []ProfileView
}

// FetchAvailableProfiles computes the profiles a user may see for a job.
// Any read failure aborts the computation.
func (s *Service) FetchAvailableProfiles(ctx context.Context, userID, jobID uuid.UUID) (*Snapshot, error) {
	start := time.Now()
	defer func() { monitoring.RecordResolve(time.Since(start)) }()

	s.cleanupExpiredLocks(ctx)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	profiles, err := s.store.GetProfiles(ctx, job.ProfileIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get profiles: %w", err)
	}
	inProgress, err := s.store.GetInProgressSubmission(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get in-progress submission: %w", err)
	}
	completed, err := s.store.GetCompletedProfileIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get completed profiles: %w", err)
	}
	globalUnlock, err := s.store.GetLatestGlobalUnlock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get global cooldown: %w", err)
	}

	now := s.now()
	locks, err := s.store.GetLiveLocks(ctx, job.ProfileIDs, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile locks: %w", err)
	}

	all := Derive(DeriveInput{
		UserID:          userID,
		ProfileIDs:      job.ProfileIDs,
		Profiles:        profiles,
		InProgress:      inProgress,
		Completed:       completed,
		GlobalUnlocksAt: globalUnlock,
		Locks:           locks,
		SelectionLock:   s.selectionLock(ctx),
	}, now)

	snap := &Snapshot{
		Job:        job,
		Profiles:   Visible(all),
		InProgress: inProgress,
		ComputedAt: now,
		all:        all,
	}
	if globalUnlock != nil && now.Before(*globalUnlock) {
		until := *globalUnlock
		snap.LockedUntil = &until
	}
	if inProgress != nil {
		if view, ok := Find(all, inProgress.ProfileID); ok {
			p := view.Profile
			snap.InProgressProfile = &p
		} else {
			// The reservation belongs to another job
			p, err := s.store.GetProfile(ctx, inProgress.ProfileID)
			if err != nil && !errors.Is(err, ErrProfileNotFound) {
				return nil, fmt.Errorf("failed to get in-progress profile: %w", err)
			}
			snap.InProgressProfile = p
		}
	}
	return snap, nil
}

// cleanupExpiredLocks is best effort; failures only count towards the breaker
func (s *Service) cleanupExpiredLocks(ctx context.Context) {
	removed, err := s.cleanup.Execute(func() (interface{}, error) {
		return s.store.CleanupExpiredLocks(ctx)
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.logger.Debug().Err(err).Msg("Expired lock cleanup failed")
		}
		return
	}
	if n, _ := removed.(int64); n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("Expired locks cleaned up")
	}
}

func (s *Service) selectionLock(ctx context.Context) time.Duration {
	minutes := s.settings.Int(ctx, models.SettingProfileSelectionLockMinutes, s.config.SelectionLockMinutes)
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// GlobalLockMinutes resolves the length of the user cooldown applied after a
// review of the profile: the profile's own setting, then the system setting,
// then the profile cooldown, then fallback. The result is at least 1.
func GlobalLockMinutes(profile *models.ReviewProfile, systemMinutes, fallback int) int {
	minutes := fallback
	switch {
	case profile.GlobalLockMinutes != nil && *profile.GlobalLockMinutes > 0:
		minutes = *profile.GlobalLockMinutes
	case systemMinutes > 0:
		minutes = systemMinutes
	case profile.CooldownMinutes > 0:
		minutes = profile.CooldownMinutes
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// Selection is the result of a successful profile selection
type Selection struct {
	Profile    models.ReviewProfile        `json:"profile"`
	Lock       models.ProfileLock          `json:"lock"`
	Submission models.UserReviewSubmission `json:"submission"`
}

// SelectProfile reserves a profile for the user. The availability check runs
// on a fresh computation; the reservation itself is one transaction holding
// the profile row lock, so a failure at any step leaves nothing behind.
func (s *Service) SelectProfile(ctx context.Context, userID, jobID, profileID uuid.UUID) (sel *Selection, err error) {
	defer func() {
		outcome := selectionOutcome(err)
		monitoring.RecordSelection(outcome)
		logging.LogSelection(&s.logger, userID.String(), jobID.String(), profileID.String(), outcome, err)
	}()

	snap, err := s.FetchAvailableProfiles(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if !snap.Job.OffersProfile(profileID) {
		return nil, ErrProfileNotInJob
	}
	if snap.InProgress != nil {
		return nil, ErrInProgressExists
	}
	view, ok := Find(snap.all, profileID)
	if !ok {
		return nil, &UnavailableError{Status: StatusLockedByOthers}
	}
	if view.Status != StatusAvailable {
		return nil, &UnavailableError{Status: view.Status, UnlocksAt: view.UnlocksAt}
	}

	selectionLock := s.selectionLock(ctx)
	err = s.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.GetInProgressSubmission(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to check in-progress submission: %w", err)
		}
		if existing != nil {
			return ErrInProgressExists
		}

		profile, err := tx.LockProfile(ctx, profileID)
		if err != nil {
			return err
		}
		now := s.now()
		if !profile.IsActive {
			return &UnavailableError{Status: StatusLockedByOthers}
		}
		if onCooldown(profile, now) {
			return &UnavailableError{Status: StatusOnCooldown, UnlocksAt: profile.CooldownEndsAt()}
		}

		if _, err := tx.DeleteExpiredLocks(ctx, profileID, now); err != nil {
			return fmt.Errorf("failed to sweep expired locks: %w", err)
		}
		current, err := tx.GetLock(ctx, profileID)
		if err != nil {
			return fmt.Errorf("failed to read profile lock: %w", err)
		}
		if current != nil && current.Live(now) {
			if current.EffectiveKind(profile.Cooldown(), selectionLock, now) == models.LockKindCooldown {
				expires := current.ExpiresAt
				return &UnavailableError{Status: StatusOnCooldown, UnlocksAt: &expires}
			}
			return ErrRaceLost
		}

		lock := models.ProfileLock{
			ID:        uuid.New(),
			ProfileID: profileID,
			UserID:    userID,
			Kind:      models.LockKindReservation,
			LockedAt:  now,
			ExpiresAt: now.Add(selectionLock),
		}
		if err := tx.InsertLock(ctx, &lock); err != nil {
			if errors.Is(err, ErrLockConflict) {
				return ErrRaceLost
			}
			return fmt.Errorf("failed to insert profile lock: %w", err)
		}

		reviewID, err := tx.PickUnusedReview(ctx, profileID)
		if err != nil {
			return fmt.Errorf("failed to pick review: %w", err)
		}

		sub := models.UserReviewSubmission{
			ID:        uuid.New(),
			UserID:    userID,
			ProfileID: profileID,
			ReviewID:  reviewID,
			Status:    models.SubmissionStatusInProgress,
			CreatedAt: now,
		}
		if err := tx.InsertSubmission(ctx, &sub); err != nil {
			if errors.Is(err, ErrInProgressExists) {
				return ErrInProgressExists
			}
			return fmt.Errorf("failed to insert submission: %w", err)
		}

		sel = &Selection{Profile: *profile, Lock: lock, Submission: sub}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx,
		notify.Event{Table: notify.TableProfileLocks, Op: notify.OpInsert, ProfileID: profileID, UserID: userID},
		notify.Event{Table: notify.TableUserReviewSubmissions, Op: notify.OpInsert, ProfileID: profileID, UserID: userID},
	)
	return sel, nil
}

func selectionOutcome(err error) string {
	switch {
	case err == nil:
		return "selected"
	case errors.Is(err, ErrRaceLost):
		return "race_lost"
	case errors.Is(err, ErrInProgressExists):
		return "in_progress_exists"
	case errors.Is(err, ErrProfileNotAvailable):
		return "not_available"
	case errors.Is(err, ErrProfileNotInJob), errors.Is(err, ErrJobNotFound), errors.Is(err, ErrProfileNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Signal is a cooldown mechanism applied at completion
type Signal string

const (
	// SignalProfileLastReviewed starts the profile-wide cooldown
	SignalProfileLastReviewed Signal = "profile_last_reviewed"
	// SignalCooldownLock replaces the reservation with a cooldown lock
	SignalCooldownLock Signal = "cooldown_lock"
)

// AllSignals lists every signal a completion tries to apply
var AllSignals = []Signal{SignalProfileLastReviewed, SignalCooldownLock}

// CompletionOutcome is the result of a completed review. The submission is
// always completed; Signals holds the cooldown signals that were applied.
type CompletionOutcome struct {
	Submission models.UserReviewSubmission `json:"submission"`
	Signals    []Signal                    `json:"signals"`
}

// Applied reports whether a signal was applied
func (o *CompletionOutcome) Applied(signal Signal) bool {
	for _, s := range o.Signals {
		if s == signal {
			return true
		}
	}
	return false
}

// Degraded reports whether any cooldown signal is missing
func (o *CompletionOutcome) Degraded() bool {
	for _, s := range AllSignals {
		if !o.Applied(s) {
			return true
		}
	}
	return false
}

// CompleteReview finalizes the user's in-progress submission for a profile.
// Failing to apply a cooldown signal is logged and reported in the outcome
// but does not fail the completion.
func (s *Service) CompleteReview(ctx context.Context, userID, profileID uuid.UUID, taskID string) (*CompletionOutcome, error) {
	if taskID == "" {
		return nil, ErrTaskIDRequired
	}
	systemMinutes := s.settings.Int(ctx, models.SettingGlobalReviewLockMinutes, s.config.GlobalLockMinutes)

	var outcome *CompletionOutcome
	err := s.store.InTx(ctx, func(tx Tx) error {
		profile, err := tx.LockProfile(ctx, profileID)
		if err != nil {
			return err
		}
		now := s.now()
		minutes := GlobalLockMinutes(profile, systemMinutes, s.config.GlobalLockMinutes)

		sub, err := tx.CompleteSubmission(ctx, userID, profileID, taskID, now, now.Add(time.Duration(minutes)*time.Minute))
		if err != nil {
			return err
		}
		if err := tx.InsertCompletedReview(ctx, &models.CompletedReview{
			ID:        uuid.New(),
			UserID:    userID,
			ProfileID: profileID,
			TaskID:    taskID,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to record completed review: %w", err)
		}

		outcome = &CompletionOutcome{Submission: *sub, Signals: make([]Signal, 0, len(AllSignals))}

		err = tx.Savepoint(ctx, func(tx Tx) error {
			return tx.TouchProfileReviewed(ctx, profileID, now)
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("profile_id", profileID.String()).Msg("Failed to update profile last reviewed time")
		} else {
			outcome.Signals = append(outcome.Signals, SignalProfileLastReviewed)
		}

		err = tx.Savepoint(ctx, func(tx Tx) error {
			if _, err := tx.DeleteReservation(ctx, userID, profileID); err != nil {
				return err
			}
			return tx.InsertLock(ctx, &models.ProfileLock{
				ID:        uuid.New(),
				ProfileID: profileID,
				UserID:    userID,
				Kind:      models.LockKindCooldown,
				LockedAt:  now,
				ExpiresAt: now.Add(profile.Cooldown()),
			})
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("profile_id", profileID.String()).Msg("Failed to write cooldown lock")
		} else {
			outcome.Signals = append(outcome.Signals, SignalCooldownLock)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	signals := make([]string, len(outcome.Signals))
	for i, sig := range outcome.Signals {
		signals[i] = string(sig)
	}
	monitoring.RecordCompletion(outcome.Degraded())
	logging.LogCompletion(&s.logger, userID.String(), profileID.String(), taskID, signals, outcome.Degraded())

	s.publish(ctx,
		notify.Event{Table: notify.TableUserReviewSubmissions, Op: notify.OpUpdate, ProfileID: profileID, UserID: userID},
		notify.Event{Table: notify.TableProfileLocks, Op: notify.OpInsert, ProfileID: profileID, UserID: userID},
		notify.Event{Table: notify.TableReviewProfiles, Op: notify.OpUpdate, ProfileID: profileID},
	)
	return outcome, nil
}

// CancelSelection releases the user's reservation of a profile and deletes
// the in-progress submission. Returns ErrNoInProgress when there was nothing
// to release.
func (s *Service) CancelSelection(ctx context.Context, userID, profileID uuid.UUID) error {
	var locks, subs int64
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		if locks, err = tx.DeleteReservation(ctx, userID, profileID); err != nil {
			return fmt.Errorf("failed to delete profile lock: %w", err)
		}
		if subs, err = tx.DeleteInProgressSubmission(ctx, userID, profileID); err != nil {
			return fmt.Errorf("failed to delete submission: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if locks == 0 && subs == 0 {
		return ErrNoInProgress
	}

	monitoring.RecordCancel()
	s.logger.Info().
		Str("user_id", userID.String()).
		Str("profile_id", profileID.String()).
		Msg("Profile selection cancelled")

	s.publish(ctx,
		notify.Event{Table: notify.TableProfileLocks, Op: notify.OpDelete, ProfileID: profileID, UserID: userID},
		notify.Event{Table: notify.TableUserReviewSubmissions, Op: notify.OpDelete, ProfileID: profileID, UserID: userID},
	)
	return nil
}

// ReleaseResult counts the rows removed by a forced release
type ReleaseResult struct {
	LocksRemoved        int64 `json:"locks_removed"`
	SubmissionsReleased int64 `json:"submissions_released"`
}

// ReleaseProfile force-releases a profile: every lock and in-progress
// submission on it is removed
func (s *Service) ReleaseProfile(ctx context.Context, profileID uuid.UUID) (*ReleaseResult, error) {
	var result ReleaseResult
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProfile(ctx, profileID); err != nil {
			return err
		}
		var err error
		result.LocksRemoved, result.SubmissionsReleased, err = tx.ReleaseProfile(ctx, profileID)
		if err != nil {
			return fmt.Errorf("failed to release profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("profile_id", profileID.String()).
		Int64("locks_removed", result.LocksRemoved).
		Int64("submissions_released", result.SubmissionsReleased).
		Msg("Profile force-released")

	s.publish(ctx,
		notify.Event{Table: notify.TableProfileLocks, Op: notify.OpDelete, ProfileID: profileID},
		notify.Event{Table: notify.TableUserReviewSubmissions, Op: notify.OpDelete, ProfileID: profileID},
	)
	return &result, nil
}

func (s *Service) publish(ctx context.Context, events ...notify.Event) {
	if s.publisher == nil {
		return
	}
	at := s.now()
	for i := range events {
		events[i].At = at
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish change events")
	}
}
