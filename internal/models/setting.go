package models

import "time"

// Setting keys read by the review allocation
const (
	SettingProfileSelectionLockMinutes = "profile_selection_lock_minutes"
	SettingGlobalReviewLockMinutes     = "global_review_lock_minutes"
)

// Setting is an admin-editable key/value pair
type Setting struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
