package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JobStatus represents the publication status of a job
type JobStatus string

const (
	JobStatusActive   JobStatus = "active"
	JobStatusInactive JobStatus = "inactive"
)

// Job is a task offer. Review jobs list the review profiles users may pick from.
type Job struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	Title      string          `json:"title" db:"title"`
	Reward     decimal.Decimal `json:"reward" db:"reward"`
	ProfileIDs []uuid.UUID     `json:"profile_ids" db:"review_profile_ids"`
	Status     JobStatus       `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// OffersProfile reports whether the job lists the given profile
func (j *Job) OffersProfile(profileID uuid.UUID) bool {
	for _, id := range j.ProfileIDs {
		if id == profileID {
			return true
		}
	}
	return false
}
