package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aimerfeng/taskhub/internal/logging"
	"github.com/aimerfeng/taskhub/internal/monitoring"
	"github.com/aimerfeng/taskhub/internal/notify"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval is the default time between sweeps
const DefaultSweepInterval = 5 * time.Minute

// SweepResult is the outcome of one sweep
type SweepResult struct {
	LocksRemoved        int64         `json:"locks_removed"`
	SubmissionsReleased int64         `json:"submissions_released"`
	Took                time.Duration `json:"took"`
	RanAt               time.Time     `json:"ran_at"`
}

// Sweeper periodically removes expired locks and releases in-progress
// submissions that were abandoned after their reservation expired, which
// returns their reviews to the pool
type Sweeper struct {
	service    *Service
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
	lastRun    time.Time
	lastResult *SweepResult
	lastErr    error
	logger     zerolog.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logging.NewLogger("sweeper"),
	}
}

// Start begins periodic sweeping
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, stopCh)

	s.logger.Info().Dur("interval", s.interval).Msg("Lock sweeper started")
	return nil
}

// Stop stops periodic sweeping
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Lock sweeper stopped")
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Lock sweep failed")
			}
		}
	}
}

// RunNow sweeps immediately
func (s *Sweeper) RunNow(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	store := s.service.store

	locks, err := store.CleanupExpiredLocks(ctx)
	if err != nil {
		err = fmt.Errorf("failed to clean up expired locks: %w", err)
		s.record(nil, err)
		return nil, err
	}
	now := s.service.now()
	released, err := store.ReleaseAbandonedSubmissions(ctx, now, now.Add(-s.service.config.AbandonAfter))
	if err != nil {
		err = fmt.Errorf("failed to release abandoned submissions: %w", err)
		s.record(nil, err)
		return nil, err
	}

	result := &SweepResult{
		LocksRemoved:        locks,
		SubmissionsReleased: released,
		Took:                time.Since(start),
		RanAt:               start,
	}
	s.record(result, nil)
	monitoring.RecordSweep(locks, released)
	logging.LogSweep(&s.logger, locks, released, result.Took)

	if locks > 0 || released > 0 {
		s.service.publish(ctx,
			notify.Event{Table: notify.TableProfileLocks, Op: notify.OpDelete},
			notify.Event{Table: notify.TableUserReviewSubmissions, Op: notify.OpDelete},
		)
	}
	return result, nil
}

func (s *Sweeper) record(result *SweepResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = time.Now()
	s.lastErr = err
	if result != nil {
		s.lastResult = result
	}
}

// SweeperStatus represents the current status of the sweeper
type SweeperStatus struct {
	Running    bool         `json:"running"`
	Interval   string       `json:"interval"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	LastResult *SweepResult `json:"last_result,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the sweeper
func (s *Sweeper) GetStatus() *SweeperStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &SweeperStatus{
		Running:    s.running,
		Interval:   s.interval.String(),
		LastResult: s.lastResult,
	}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		status.LastRun = &lastRun
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}
