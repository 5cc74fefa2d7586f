package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aimerfeng/taskhub/internal/logging"
	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/aimerfeng/taskhub/internal/monitoring"
	"github.com/aimerfeng/taskhub/internal/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPollInterval re-evaluates a board when no change event arrives, so
// cooldown expiry becomes visible
const DefaultPollInterval = 30 * time.Second

// Refresh triggers
const (
	TriggerInitial      = "initial"
	TriggerNotification = "notification"
	TriggerPoll         = "poll"
	TriggerExplicit     = "explicit"
)

// watchedTables are the tables whose changes make a board recompute
var watchedTables = []string{notify.TableProfileLocks, notify.TableUserReviewSubmissions}

// BoardState is the derived state of a board
type BoardState struct {
	Profiles          []ProfileView         `json:"profiles"`
	Loading           bool                  `json:"loading"`
	LockedUntil       *time.Time            `json:"locked_until,omitempty"`
	InProgressProfile *models.ReviewProfile `json:"in_progress_profile,omitempty"`
	ComputedAt        time.Time             `json:"computed_at"`
	// Err is the last refresh error; the profiles are from the last good refresh
	Err error `json:"-"`
}

// Board keeps one user's view of a job's profiles up to date. All refreshes
// run on a single worker goroutine fed by change notifications, a poll
// ticker and explicit requests.
type Board struct {
	service      *Service
	subscriber   notify.Subscriber
	userID       uuid.UUID
	jobID        uuid.UUID
	pollInterval time.Duration
	logger       zerolog.Logger

	refreshCh chan string
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	loading   bool
	snapshot  *Snapshot
	lastErr   error
	listeners map[chan *Snapshot]struct{}
}

// NewBoard creates a board. subscriber may be nil, in which case the board
// relies on polling and explicit refreshes only.
func NewBoard(service *Service, subscriber notify.Subscriber, userID, jobID uuid.UUID, pollInterval time.Duration) *Board {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Board{
		service:      service,
		subscriber:   subscriber,
		userID:       userID,
		jobID:        jobID,
		pollInterval: pollInterval,
		logger: logging.NewLogger("board").With().
			Str("user_id", userID.String()).
			Str("job_id", jobID.String()).
			Logger(),
		refreshCh: make(chan string, 1),
		listeners: make(map[chan *Snapshot]struct{}),
	}
}

// Start subscribes to change notifications and starts the worker. The first
// refresh happens on the worker, so State reports Loading until it lands.
func (b *Board) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("board already running")
	}
	b.running = true
	b.loading = true
	stopCh := make(chan struct{})
	b.stopCh = stopCh
	b.mu.Unlock()

	var sub notify.Subscription
	if b.subscriber != nil {
		var err error
		sub, err = b.subscriber.Subscribe(ctx, watchedTables...)
		if err != nil {
			b.mu.Lock()
			b.running = false
			b.loading = false
			b.mu.Unlock()
			return fmt.Errorf("failed to subscribe to changes: %w", err)
		}
	}

	monitoring.AddActiveBoards(1)
	b.wg.Add(1)
	go b.run(ctx, sub, stopCh)
	return nil
}

// Stop stops the worker and closes every listener
func (b *Board) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stopCh := b.stopCh
	b.mu.Unlock()

	close(stopCh)
	b.wg.Wait()

	b.mu.Lock()
	for ch := range b.listeners {
		delete(b.listeners, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Board) run(ctx context.Context, sub notify.Subscription, stopCh <-chan struct{}) {
	defer b.wg.Done()
	defer monitoring.AddActiveBoards(-1)

	var events <-chan notify.Event
	if sub != nil {
		defer sub.Close()
		events = sub.Events()
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	b.refresh(ctx, TriggerInitial)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case _, ok := <-events:
			if !ok {
				b.logger.Warn().Msg("Change subscription closed, falling back to polling")
				events = nil
				continue
			}
			drain(events)
			b.refresh(ctx, TriggerNotification)
		case <-ticker.C:
			b.refresh(ctx, TriggerPoll)
		case trigger := <-b.refreshCh:
			b.refresh(ctx, trigger)
		}
	}
}

// drain discards queued events; one recompute covers all of them
func drain(events <-chan notify.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (b *Board) refresh(ctx context.Context, trigger string) {
	b.mu.Lock()
	b.loading = true
	b.mu.Unlock()

	snap, err := b.service.FetchAvailableProfiles(ctx, b.userID, b.jobID)
	monitoring.RecordBoardRefresh(trigger, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.loading = false
	if err != nil {
		b.lastErr = err
		b.logger.Warn().Err(err).Str("trigger", trigger).Msg("Board refresh failed, keeping previous profiles")
		return
	}
	b.snapshot = snap
	b.lastErr = nil
	for ch := range b.listeners {
		offer(ch, snap)
	}
}

// offer delivers the latest snapshot, replacing one the listener has not read yet
func offer(ch chan *Snapshot, snap *Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Refresh asks the worker to recompute. It never blocks; requests made
// while one is pending are merged.
func (b *Board) Refresh() {
	select {
	case b.refreshCh <- TriggerExplicit:
	default:
	}
}

// State returns the derived state
func (b *Board) State() BoardState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := BoardState{Loading: b.loading, Err: b.lastErr}
	if b.snapshot != nil {
		state.Profiles = b.snapshot.Profiles
		state.LockedUntil = b.snapshot.LockedUntil
		state.InProgressProfile = b.snapshot.InProgressProfile
		state.ComputedAt = b.snapshot.ComputedAt
	}
	return state
}

// Snapshot returns the last good snapshot, or nil before the first refresh
func (b *Board) Snapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// Listen returns a channel receiving every new snapshot, starting with the
// current one if any. Slow listeners only see the latest snapshot. Call
// the returned func to stop listening.
func (b *Board) Listen() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)

	b.mu.Lock()
	if b.snapshot != nil {
		ch <- b.snapshot
	}
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.listeners[ch]; ok {
				delete(b.listeners, ch)
				close(ch)
			}
		})
	}
}

// Select reserves a profile for the board's user
func (b *Board) Select(ctx context.Context, profileID uuid.UUID) (*Selection, error) {
	sel, err := b.service.SelectProfile(ctx, b.userID, b.jobID, profileID)
	b.Refresh()
	return sel, err
}

// Complete completes the board user's review of a profile
func (b *Board) Complete(ctx context.Context, profileID uuid.UUID, taskID string) (*CompletionOutcome, error) {
	outcome, err := b.service.CompleteReview(ctx, b.userID, profileID, taskID)
	b.Refresh()
	return outcome, err
}

// Cancel releases the board user's reservation of a profile
func (b *Board) Cancel(ctx context.Context, profileID uuid.UUID) error {
	err := b.service.CancelSelection(ctx, b.userID, profileID)
	b.Refresh()
	return err
}
