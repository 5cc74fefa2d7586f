package models

import (
	"time"

	"github.com/google/uuid"
)

// ReviewStatus represents whether a review text may still be handed out
type ReviewStatus string

const (
	ReviewStatusActive   ReviewStatus = "active"
	ReviewStatusInactive ReviewStatus = "inactive"
)

// Review is a prepared review text (optionally with an image) for a profile.
// Reviews form a pool per profile that is consumed across all users.
type Review struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	ProfileID uuid.UUID    `json:"profile_id" db:"profile_id"`
	Content   string       `json:"content" db:"content"`
	ImageURL  *string      `json:"image_url,omitempty" db:"image_url"`
	Status    ReviewStatus `json:"status" db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}
