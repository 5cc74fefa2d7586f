package review_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/aimerfeng/taskhub/internal/review/memstore"
	"github.com/aimerfeng/taskhub/internal/settings"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func statusOf(t *testing.T, f *fixture, userID, profileID uuid.UUID) (review.ProfileView, bool) {
	t.Helper()
	snap, err := f.svc.FetchAvailableProfiles(context.Background(), userID, f.jobID)
	require.NoError(t, err)
	return review.Find(snap.Profiles, profileID)
}

func TestScenario_SelectThenComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1, 2)
	p := f.profileID(0)
	userA, userB := uuid.New(), uuid.New()

	// A: fresh profile is available to anyone
	for _, u := range []uuid.UUID{userA, userB} {
		v, ok := statusOf(t, f, u, p)
		require.True(t, ok)
		assert.Equal(t, review.StatusAvailable, v.Status)
	}

	sel, err := f.svc.SelectProfile(ctx, userA, f.jobID, p)
	require.NoError(t, err)
	assert.Equal(t, models.LockKindReservation, sel.Lock.Kind)
	assert.Equal(t, baseTime.Add(30*time.Minute), sel.Lock.ExpiresAt)
	require.NotNil(t, sel.Submission.ReviewID)

	require.Len(t, f.locksOf(p), 1)
	subs := f.submissionsOf(userA, p)
	require.Len(t, subs, 1)
	assert.Equal(t, models.SubmissionStatusInProgress, subs[0].Status)
	assert.Nil(t, subs[0].GlobalUnlocksAt)

	v, _ := statusOf(t, f, userA, p)
	assert.Equal(t, review.StatusLockedByYou, v.Status)
	v, _ = statusOf(t, f, userB, p)
	assert.Equal(t, review.StatusLockedByOthers, v.Status)
	assert.False(t, v.BlockedByOwnInProgress)

	snapA, err := f.svc.FetchAvailableProfiles(ctx, userA, f.jobID)
	require.NoError(t, err)
	require.NotNil(t, snapA.InProgressProfile)
	assert.Equal(t, p, snapA.InProgressProfile.ID)

	// B: completion starts both cooldowns
	f.clock.Advance(5 * time.Minute)
	now := f.clock.Now()
	outcome, err := f.svc.CompleteReview(ctx, userA, p, "task-1")
	require.NoError(t, err)
	assert.False(t, outcome.Degraded())
	assert.ElementsMatch(t, review.AllSignals, outcome.Signals)

	sub := outcome.Submission
	assert.Equal(t, models.SubmissionStatusCompleted, sub.Status)
	require.NotNil(t, sub.TaskID)
	assert.Equal(t, "task-1", *sub.TaskID)
	require.NotNil(t, sub.GlobalUnlocksAt)
	assert.Equal(t, now.Add(60*time.Minute), *sub.GlobalUnlocksAt)

	profile, _ := f.store.Profile(p)
	require.NotNil(t, profile.LastReviewedAt)
	assert.Equal(t, now, *profile.LastReviewedAt)

	locks := f.locksOf(p)
	require.Len(t, locks, 1)
	assert.Equal(t, userA, locks[0].UserID)
	assert.Equal(t, models.LockKindCooldown, locks[0].Kind)
	assert.Equal(t, now.Add(1440*time.Minute), locks[0].ExpiresAt)

	require.Len(t, f.store.CompletedReviews(), 1)

	_, visible := statusOf(t, f, userA, p)
	assert.False(t, visible, "completed profile must be hidden from its reviewer")

	v, _ = statusOf(t, f, userB, p)
	assert.Equal(t, review.StatusOnCooldown, v.Status)
	require.NotNil(t, v.UnlocksAt)
	assert.Equal(t, now.Add(1440*time.Minute), *v.UnlocksAt)

	snapA, err = f.svc.FetchAvailableProfiles(ctx, userA, f.jobID)
	require.NoError(t, err)
	require.NotNil(t, snapA.LockedUntil)
	assert.Equal(t, now.Add(60*time.Minute), *snapA.LockedUntil)
	assert.Nil(t, snapA.InProgressProfile)
}

func TestScenario_ExpiredLockIsInert(t *testing.T) {
	f := newFixture(1, 1)
	p := f.profileID(0)
	userA := uuid.New()
	f.store.AddLock(models.ProfileLock{
		ID: uuid.New(), ProfileID: p, UserID: userA, Kind: models.LockKindReservation,
		LockedAt: baseTime.Add(-time.Hour), ExpiresAt: baseTime.Add(-time.Minute),
	})

	v, ok := statusOf(t, f, userA, p)
	require.True(t, ok)
	assert.Equal(t, review.StatusAvailable, v.Status)
	assert.Empty(t, f.store.Locks(), "expired lock should have been cleaned up")

	_, err := f.svc.SelectProfile(context.Background(), userA, f.jobID, p)
	assert.NoError(t, err)
}

func TestScenario_CancelReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1, 1)
	p := f.profileID(0)
	userA, userB := uuid.New(), uuid.New()

	_, err := f.svc.SelectProfile(ctx, userA, f.jobID, p)
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelSelection(ctx, userA, p))

	assert.Empty(t, f.locksOf(p))
	assert.Empty(t, f.submissionsOf(userA, p))
	for _, u := range []uuid.UUID{userA, userB} {
		v, _ := statusOf(t, f, u, p)
		assert.Equal(t, review.StatusAvailable, v.Status)
	}

	assert.ErrorIs(t, f.svc.CancelSelection(ctx, userA, p), review.ErrNoInProgress)
}

func TestSelectProfile_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("profile outside the job", func(t *testing.T) {
		f := newFixture(1, 1)
		_, err := f.svc.SelectProfile(ctx, uuid.New(), f.jobID, uuid.New())
		assert.ErrorIs(t, err, review.ErrProfileNotInJob)
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newFixture(1, 1)
		_, err := f.svc.SelectProfile(ctx, uuid.New(), uuid.New(), f.profileID(0))
		assert.ErrorIs(t, err, review.ErrJobNotFound)
	})

	t.Run("held by another user", func(t *testing.T) {
		f := newFixture(1, 1)
		_, err := f.svc.SelectProfile(ctx, uuid.New(), f.jobID, f.profileID(0))
		require.NoError(t, err)

		_, err = f.svc.SelectProfile(ctx, uuid.New(), f.jobID, f.profileID(0))
		var unavailable *review.UnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, review.StatusLockedByOthers, unavailable.Status)
		assert.ErrorIs(t, err, review.ErrProfileNotAvailable)
	})

	t.Run("user global cooldown", func(t *testing.T) {
		f := newFixture(2, 1)
		user := uuid.New()
		_, err := f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(0))
		require.NoError(t, err)
		_, err = f.svc.CompleteReview(ctx, user, f.profileID(0), "task")
		require.NoError(t, err)

		_, err = f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(1))
		var unavailable *review.UnavailableError
		require.ErrorAs(t, err, &unavailable)
		require.NotNil(t, unavailable.UnlocksAt)
		assert.Equal(t, baseTime.Add(60*time.Minute), *unavailable.UnlocksAt)

		f.clock.Advance(61 * time.Minute)
		_, err = f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(1))
		assert.NoError(t, err)
	})
}

// staleLocks hides live locks from the availability read, as a concurrent
// selection landing between the read and the transaction would
type staleLocks struct {
	*memstore.Store
}

func (staleLocks) GetLiveLocks(context.Context, []uuid.UUID, time.Time) ([]models.ProfileLock, error) {
	return nil, nil
}

func TestSelectProfile_RaceLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1, 1)
	p := f.profileID(0)
	f.store.AddLock(models.ProfileLock{
		ID: uuid.New(), ProfileID: p, UserID: uuid.New(), Kind: models.LockKindReservation,
		LockedAt: baseTime, ExpiresAt: baseTime.Add(30 * time.Minute),
	})

	cfg := review.DefaultConfig()
	cfg.Now = f.clock.Now
	svc := review.NewService(staleLocks{f.store}, staticSettings{}, nil, cfg)

	_, err := svc.SelectProfile(ctx, uuid.New(), f.jobID, p)
	assert.ErrorIs(t, err, review.ErrRaceLost)

	t.Run("unique constraint backstop", func(t *testing.T) {
		f := newFixture(1, 1)
		f.store.FailOn(memstore.OpInsertLock, review.ErrLockConflict)
		user := uuid.New()

		_, err := f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(0))
		assert.ErrorIs(t, err, review.ErrRaceLost)
		assert.Empty(t, f.submissionsOf(user, f.profileID(0)))
	})
}

type staticSettings struct{}

func (staticSettings) Int(_ context.Context, _ string, def int) int { return def }

// TestProperty_Selection_Exclusivity tests the one-review-at-a-time rule
// *For any* user with an in-progress review, selecting any other profile SHALL fail without creating a lock or submission for it.
func TestProperty_Selection_Exclusivity(t *testing.T) {
	ctx := context.Background()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(rt, "profiles")
		f := newFixture(n, 1)
		user := uuid.New()
		first := rapid.IntRange(0, n-1).Draw(rt, "first")
		second := rapid.IntRange(0, n-1).Filter(func(i int) bool { return i != first }).Draw(rt, "second")

		if _, err := f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(first)); err != nil {
			t.Fatalf("first selection failed: %v", err)
		}
		f.clock.Advance(time.Duration(rapid.IntRange(0, 29).Draw(rt, "minutes")) * time.Minute)

		_, err := f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(second))
		if !errors.Is(err, review.ErrInProgressExists) {
			t.Fatalf("PROPERTY VIOLATION: second selection should fail with ErrInProgressExists, got %v", err)
		}
		if len(f.locksOf(f.profileID(second))) != 0 || len(f.submissionsOf(user, f.profileID(second))) != 0 {
			t.Fatal("PROPERTY VIOLATION: failed selection left rows behind")
		}
	})
}

// TestProperty_Selection_Compensation tests that a failed submission insert leaves no lock
// *For any* selection whose submission insert fails, no lock for that user and profile SHALL remain.
func TestProperty_Selection_Compensation(t *testing.T) {
	ctx := context.Background()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(rt, "profiles")
		f := newFixture(n, rapid.IntRange(0, 2).Draw(rt, "reviews"))
		user := uuid.New()
		target := f.profileID(rapid.IntRange(0, n-1).Draw(rt, "target"))
		boom := errors.New("insert failed")
		f.store.FailOn(memstore.OpInsertSubmission, boom)

		_, err := f.svc.SelectProfile(ctx, user, f.jobID, target)
		if !errors.Is(err, boom) {
			t.Fatalf("expected insert failure, got %v", err)
		}
		for _, l := range f.locksOf(target) {
			if l.UserID == user {
				t.Fatal("PROPERTY VIOLATION: lock survived a failed selection")
			}
		}

		// the profile is immediately selectable again
		f.store.FailOn(memstore.OpInsertSubmission, nil)
		if _, err := f.svc.SelectProfile(ctx, user, f.jobID, target); err != nil {
			t.Fatalf("PROPERTY VIOLATION: profile not selectable after failed attempt: %v", err)
		}
	})
}

// TestProperty_Reviews_NeverShared tests that review texts are handed out at most once per profile
// *For any* sequence of selections, cancellations, completions and time passing, no two submissions of a profile SHALL share a review id, no user SHALL hold two in-progress reviews and no profile SHALL have two live locks.
func TestProperty_Reviews_NeverShared(t *testing.T) {
	ctx := context.Background()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 3).Draw(rt, "profiles")
		f := newFixture(n, rapid.IntRange(0, 4).Draw(rt, "reviews"))
		users := make([]uuid.UUID, rapid.IntRange(1, 4).Draw(rt, "users"))
		for i := range users {
			users[i] = uuid.New()
		}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(rt, "user")
			profile := f.profileID(rapid.IntRange(0, n-1).Draw(rt, "profile"))
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				_, _ = f.svc.SelectProfile(ctx, user, f.jobID, profile)
			case 1:
				_ = f.svc.CancelSelection(ctx, user, profile)
			case 2:
				_, _ = f.svc.CompleteReview(ctx, user, profile, "task")
			case 3:
				f.clock.Advance(time.Duration(rapid.IntRange(1, 2000).Draw(rt, "minutes")) * time.Minute)
			}

			assigned := make(map[uuid.UUID]bool)
			inProgress := make(map[uuid.UUID]int)
			for _, s := range f.store.Submissions() {
				if s.ReviewID != nil {
					if assigned[*s.ReviewID] {
						t.Fatalf("PROPERTY VIOLATION: review %s assigned twice", *s.ReviewID)
					}
					assigned[*s.ReviewID] = true
				}
				if s.Status == models.SubmissionStatusInProgress {
					inProgress[s.UserID]++
					if inProgress[s.UserID] > 1 {
						t.Fatalf("PROPERTY VIOLATION: user %s has two reviews in progress", s.UserID)
					}
				}
			}
			live := make(map[uuid.UUID]int)
			for _, l := range f.store.Locks() {
				if l.Live(f.clock.Now()) {
					live[l.ProfileID]++
					if live[l.ProfileID] > 1 {
						t.Fatalf("PROPERTY VIOLATION: profile %s has two live locks", l.ProfileID)
					}
				}
			}
		}
	})
}

// TestProperty_Completion_CooldownMonotonicity tests that a completion blocks everyone until the profile cooldown ends
// *For any* other user and any time before lastReviewedAt + cooldown, the profile SHALL be on_cooldown until exactly that time.
func TestProperty_Completion_CooldownMonotonicity(t *testing.T) {
	ctx := context.Background()
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(1, 1)
		p := f.profileID(0)
		reviewer, other := uuid.New(), uuid.New()

		if _, err := f.svc.SelectProfile(ctx, reviewer, f.jobID, p); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.CompleteReview(ctx, reviewer, p, "task"); err != nil {
			t.Fatal(err)
		}
		completedAt := f.clock.Now()
		unlocks := completedAt.Add(models.DefaultProfileCooldownMinutes * time.Minute)

		f.clock.Advance(time.Duration(rapid.IntRange(0, models.DefaultProfileCooldownMinutes-1).Draw(rt, "minutes")) * time.Minute)

		snap, err := f.svc.FetchAvailableProfiles(ctx, other, f.jobID)
		if err != nil {
			t.Fatal(err)
		}
		v, ok := review.Find(snap.Profiles, p)
		if !ok || v.Status != review.StatusOnCooldown || v.UnlocksAt == nil || !v.UnlocksAt.Equal(unlocks) {
			t.Fatalf("PROPERTY VIOLATION: expected on_cooldown until %s, got %+v", unlocks, v)
		}
	})
}

func TestCompleteReview_DegradedSignals(t *testing.T) {
	ctx := context.Background()

	t.Run("profile timestamp write fails", func(t *testing.T) {
		f := newFixture(1, 1)
		user := uuid.New()
		_, err := f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(0))
		require.NoError(t, err)
		f.store.FailOn(memstore.OpTouchProfileReviewed, errors.New("update denied"))

		outcome, err := f.svc.CompleteReview(ctx, user, f.profileID(0), "task-9")
		require.NoError(t, err)
		assert.True(t, outcome.Degraded())
		assert.False(t, outcome.Applied(review.SignalProfileLastReviewed))
		assert.True(t, outcome.Applied(review.SignalCooldownLock))

		profile, _ := f.store.Profile(f.profileID(0))
		assert.Nil(t, profile.LastReviewedAt)

		// the cooldown lock alone still keeps others out
		v, _ := statusOf(t, f, uuid.New(), f.profileID(0))
		assert.Equal(t, review.StatusOnCooldown, v.Status)
	})

	t.Run("cooldown lock write fails", func(t *testing.T) {
		f := newFixture(1, 1)
		user := uuid.New()
		_, err := f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(0))
		require.NoError(t, err)
		f.store.FailOn(memstore.OpInsertLock, errors.New("insert denied"))

		outcome, err := f.svc.CompleteReview(ctx, user, f.profileID(0), "task-9")
		require.NoError(t, err)
		assert.Equal(t, []review.Signal{review.SignalProfileLastReviewed}, outcome.Signals)

		// the savepoint restored the reservation that was deleted before the failed insert
		locks := f.locksOf(f.profileID(0))
		require.Len(t, locks, 1)
		assert.Equal(t, models.LockKindReservation, locks[0].Kind)
	})

	t.Run("audit write is fatal", func(t *testing.T) {
		f := newFixture(1, 1)
		user := uuid.New()
		_, err := f.svc.SelectProfile(ctx, user, f.jobID, f.profileID(0))
		require.NoError(t, err)
		f.store.FailOn(memstore.OpInsertCompletedReview, errors.New("insert denied"))

		_, err = f.svc.CompleteReview(ctx, user, f.profileID(0), "task-9")
		require.Error(t, err)
		subs := f.submissionsOf(user, f.profileID(0))
		require.Len(t, subs, 1)
		assert.Equal(t, models.SubmissionStatusInProgress, subs[0].Status)
	})
}

func TestCompleteReview_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1, 1)

	_, err := f.svc.CompleteReview(ctx, uuid.New(), f.profileID(0), "task")
	assert.ErrorIs(t, err, review.ErrNoInProgress)

	_, err = f.svc.CompleteReview(ctx, uuid.New(), f.profileID(0), "")
	assert.ErrorIs(t, err, review.ErrTaskIDRequired)

	_, err = f.svc.CompleteReview(ctx, uuid.New(), uuid.New(), "task")
	assert.ErrorIs(t, err, review.ErrProfileNotFound)
}

func TestCompleteReview_UnsetSystemSettingUsesConfiguredGlobalLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1, 1)
	cfg := review.DefaultConfig()
	cfg.Now = f.clock.Now
	svc := review.NewService(f.store, settings.NewProvider(settings.StaticSource{}, 0, zerolog.Nop()), f.hub, cfg)

	user := uuid.New()
	_, err := svc.SelectProfile(ctx, user, f.jobID, f.profileID(0))
	require.NoError(t, err)

	now := f.clock.Now()
	outcome, err := svc.CompleteReview(ctx, user, f.profileID(0), "task")
	require.NoError(t, err)
	require.NotNil(t, outcome.Submission.GlobalUnlocksAt)
	assert.Equal(t, now.Add(time.Duration(cfg.GlobalLockMinutes)*time.Minute), *outcome.Submission.GlobalUnlocksAt,
		"the 1440 minute profile cooldown must not become the global lock")
}

func TestGlobalLockMinutes(t *testing.T) {
	tests := []struct {
		name     string
		profile  models.ReviewProfile
		system   int
		fallback int
		want     int
	}{
		{"profile setting wins", models.ReviewProfile{GlobalLockMinutes: ptr(15), CooldownMinutes: 1440}, 60, 60, 15},
		{"system setting next", models.ReviewProfile{CooldownMinutes: 1440}, 45, 60, 45},
		{"profile cooldown next", models.ReviewProfile{CooldownMinutes: 90}, 0, 60, 90},
		{"fallback last", models.ReviewProfile{}, 0, 60, 60},
		{"non-positive profile setting ignored", models.ReviewProfile{GlobalLockMinutes: ptr(0)}, 20, 60, 20},
		{"clamped to one minute", models.ReviewProfile{}, 0, -5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, review.GlobalLockMinutes(&tt.profile, tt.system, tt.fallback))
		})
	}
}

func TestFetchAvailableProfiles_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("cleanup failure is ignored", func(t *testing.T) {
		f := newFixture(1, 1)
		f.store.FailOn(memstore.OpCleanupExpiredLocks, errors.New("procedure missing"))
		for i := 0; i < 5; i++ {
			_, err := f.svc.FetchAvailableProfiles(ctx, uuid.New(), f.jobID)
			require.NoError(t, err)
		}
	})

	t.Run("read failure aborts", func(t *testing.T) {
		f := newFixture(1, 1)
		f.store.FailOn(memstore.OpGetLiveLocks, errors.New("connection reset"))
		_, err := f.svc.FetchAvailableProfiles(ctx, uuid.New(), f.jobID)
		assert.Error(t, err)
	})
}

func TestReleaseProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1, 1)
	p := f.profileID(0)
	user := uuid.New()
	_, err := f.svc.SelectProfile(ctx, user, f.jobID, p)
	require.NoError(t, err)

	result, err := f.svc.ReleaseProfile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.LocksRemoved)
	assert.Equal(t, int64(1), result.SubmissionsReleased)

	v, _ := statusOf(t, f, uuid.New(), p)
	assert.Equal(t, review.StatusAvailable, v.Status)

	_, err = f.svc.ReleaseProfile(ctx, uuid.New())
	assert.ErrorIs(t, err, review.ErrProfileNotFound)
}
