// Package notify carries table change notifications between writers and live
// views. Events are refresh triggers only: consumers recompute from the store
// and never rely on the payload being complete or every event arriving.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tables that emit change events
const (
	TableProfileLocks          = "profile_locks"
	TableUserReviewSubmissions = "user_review_submissions"
	TableReviewProfiles        = "review_profiles"
)

// Op is the kind of row change
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event describes a change to a row of a table
type Event struct {
	Table     string    `json:"table"`
	Op        Op        `json:"op"`
	ProfileID uuid.UUID `json:"profile_id"`
	UserID    uuid.UUID `json:"user_id"`
	At        time.Time `json:"at"`
}

// Publisher emits change events
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Subscription delivers events until closed
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Subscriber opens subscriptions on a set of tables
type Subscriber interface {
	Subscribe(ctx context.Context, tables ...string) (Subscription, error)
}

// Bus publishes and subscribes
type Bus interface {
	Publisher
	Subscriber
}

// subscriptionBuffer bounds per-subscriber queues. A full queue drops
// events; one pending trigger is enough to cause a refresh.
const subscriptionBuffer = 16
