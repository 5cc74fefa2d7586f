package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultProfileCooldownMinutes applies when a profile has no cooldown configured
const DefaultProfileCooldownMinutes = 1440

// ReviewProfile is an external listing users write reviews about
type ReviewProfile struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	Name              string     `json:"name" db:"name"`
	ProfileURL        string     `json:"profile_url" db:"profile_url"`
	CooldownMinutes   int        `json:"cooldown_minutes" db:"cooldown_minutes"`
	GlobalLockMinutes *int       `json:"global_lock_minutes,omitempty" db:"global_lock_minutes"`
	LastReviewedAt    *time.Time `json:"last_reviewed_at,omitempty" db:"last_reviewed_at"`
	IsActive          bool       `json:"is_active" db:"is_active"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Cooldown returns the profile-wide cooldown length
func (p *ReviewProfile) Cooldown() time.Duration {
	minutes := p.CooldownMinutes
	if minutes <= 0 {
		minutes = DefaultProfileCooldownMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// CooldownEndsAt returns when the profile-wide cooldown ends, or nil if the
// profile was never reviewed
func (p *ReviewProfile) CooldownEndsAt() *time.Time {
	if p.LastReviewedAt == nil {
		return nil
	}
	end := p.LastReviewedAt.Add(p.Cooldown())
	return &end
}

// LockKind tells a reservation lock apart from a cooldown lock
type LockKind string

const (
	LockKindReservation LockKind = "reservation"
	LockKindCooldown    LockKind = "cooldown"
)

// lockDurationTolerance is the slack used when inferring the kind of an untagged lock
const lockDurationTolerance = time.Minute

// ProfileLock is a claim on a review profile. Reservation locks live while a
// user works on a review; cooldown locks are written at completion.
type ProfileLock struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ProfileID uuid.UUID `json:"profile_id" db:"profile_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Kind      LockKind  `json:"kind,omitempty" db:"kind"`
	LockedAt  time.Time `json:"locked_at" db:"locked_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Live reports whether the lock has not expired yet
func (l *ProfileLock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// EffectiveKind returns the lock kind. Untagged rows written before the kind
// column existed are classified by their duration: a lock as long as the
// profile cooldown, or one outliving any possible reservation, is a cooldown.
func (l *ProfileLock) EffectiveKind(profileCooldown, selectionLock time.Duration, now time.Time) LockKind {
	if l.Kind != "" {
		return l.Kind
	}
	span := l.ExpiresAt.Sub(l.LockedAt)
	diff := span - profileCooldown
	if diff < 0 {
		diff = -diff
	}
	if diff <= lockDurationTolerance {
		return LockKindCooldown
	}
	if l.ExpiresAt.Sub(now) > selectionLock {
		return LockKindCooldown
	}
	return LockKindReservation
}
