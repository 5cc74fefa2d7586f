package review

import (
	"time"

	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/google/uuid"
)

// Status is the availability of a profile as seen by one user
type Status string

const (
	StatusAvailable      Status = "available"
	StatusLockedByYou    Status = "locked_by_you"
	StatusLockedByOthers Status = "locked_by_others"
	StatusCompleted      Status = "completed"
	StatusOnCooldown     Status = "on_cooldown"
)

// ProfileView is a profile with its derived status
type ProfileView struct {
	Profile                models.ReviewProfile `json:"profile"`
	Status                 Status               `json:"status"`
	UnlocksAt              *time.Time           `json:"unlocks_at,omitempty"`
	BlockedByOwnInProgress bool                 `json:"blocked_by_own_in_progress"`
}

// DeriveInput is everything the availability rules look at
type DeriveInput struct {
	UserID uuid.UUID
	// ProfileIDs is the job's profile list; it fixes the output order
	ProfileIDs []uuid.UUID
	Profiles   []models.ReviewProfile
	InProgress *models.UserReviewSubmission
	Completed  []uuid.UUID
	// GlobalUnlocksAt is the end of the user's own cooldown across all profiles
	GlobalUnlocksAt *time.Time
	Locks           []models.ProfileLock
	SelectionLock   time.Duration
}

// Derive computes the status of every profile of the job for one user.
// Completed profiles are included; Visible filters them out. Inactive
// profiles are skipped unless the user is working on them.
func Derive(in DeriveInput, now time.Time) []ProfileView {
	profiles := make(map[uuid.UUID]models.ReviewProfile, len(in.Profiles))
	for _, p := range in.Profiles {
		profiles[p.ID] = p
	}
	completed := make(map[uuid.UUID]bool, len(in.Completed))
	for _, id := range in.Completed {
		completed[id] = true
	}
	ownLocks := make(map[uuid.UUID]models.ProfileLock)
	otherLocks := make(map[uuid.UUID]models.ProfileLock)
	for _, l := range in.Locks {
		if !l.Live(now) {
			continue
		}
		if l.UserID == in.UserID {
			ownLocks[l.ProfileID] = l
		} else {
			otherLocks[l.ProfileID] = l
		}
	}

	seen := make(map[uuid.UUID]bool, len(in.ProfileIDs))
	views := make([]ProfileView, 0, len(in.ProfileIDs))
	for _, id := range in.ProfileIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		p, ok := profiles[id]
		if !ok {
			continue
		}
		ownWork := in.InProgress != nil && in.InProgress.ProfileID == id
		if !p.IsActive && !ownWork {
			continue
		}

		view := ProfileView{Profile: p}
		switch {
		case ownWork:
			view.Status = StatusLockedByYou

		case in.InProgress != nil:
			view.Status = StatusLockedByOthers
			view.BlockedByOwnInProgress = true

		case completed[id]:
			view.Status = StatusCompleted

		case onCooldown(&p, now):
			view.Status = StatusOnCooldown
			view.UnlocksAt = p.CooldownEndsAt()

		case in.GlobalUnlocksAt != nil && now.Before(*in.GlobalUnlocksAt):
			view.Status = StatusLockedByOthers
			unlocks := *in.GlobalUnlocksAt
			view.UnlocksAt = &unlocks

		default:
			if lock, held := otherLocks[id]; held {
				if lock.EffectiveKind(p.Cooldown(), in.SelectionLock, now) == models.LockKindCooldown {
					view.Status = StatusOnCooldown
					expires := lock.ExpiresAt
					view.UnlocksAt = &expires
				} else {
					view.Status = StatusLockedByOthers
				}
			} else if _, mine := ownLocks[id]; mine {
				view.Status = StatusLockedByYou
			} else {
				view.Status = StatusAvailable
			}
		}
		views = append(views, view)
	}
	return views
}

func onCooldown(p *models.ReviewProfile, now time.Time) bool {
	end := p.CooldownEndsAt()
	return end != nil && now.Before(*end)
}

// Visible drops completed profiles, which are never shown again to the user
func Visible(views []ProfileView) []ProfileView {
	out := make([]ProfileView, 0, len(views))
	for _, v := range views {
		if v.Status != StatusCompleted {
			out = append(out, v)
		}
	}
	return out
}

// Find returns the view of a profile, if present
func Find(views []ProfileView, profileID uuid.UUID) (ProfileView, bool) {
	for _, v := range views {
		if v.Profile.ID == profileID {
			return v, true
		}
	}
	return ProfileView{}, false
}
