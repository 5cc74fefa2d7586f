package models

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus represents the lifecycle state of a review submission
type SubmissionStatus string

const (
	SubmissionStatusInProgress SubmissionStatus = "in_progress"
	SubmissionStatusCompleted  SubmissionStatus = "completed"
)

// UserReviewSubmission tracks one user's work on one profile. A user has at
// most one in_progress submission at a time.
type UserReviewSubmission struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	UserID          uuid.UUID        `json:"user_id" db:"user_id"`
	ProfileID       uuid.UUID        `json:"profile_id" db:"profile_id"`
	ReviewID        *uuid.UUID       `json:"review_id,omitempty" db:"review_id"`
	Status          SubmissionStatus `json:"status" db:"status"`
	TaskID          *string          `json:"task_id,omitempty" db:"task_id"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	GlobalUnlocksAt *time.Time       `json:"global_unlocks_at,omitempty" db:"global_unlocks_at"`
}

// CompletedReview is the append-only audit row written at completion
type CompletedReview struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	ProfileID uuid.UUID `json:"profile_id" db:"profile_id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
