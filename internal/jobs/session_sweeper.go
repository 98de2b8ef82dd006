// session_sweeper.go implements the SessionSweeper background job, which
// terminates sessions that have gone without activity for longer than the
// configured idle timeout. Each swept session gets a LOGOUT ledger record with
// logout method idle_timeout, written by the session manager. The job runs on a
// cron schedule with a seconds field; overlapping runs are skipped.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crm-ledger/audit-ledger/internal/config"
)

// DefaultSweepSchedule runs the sweep every five minutes.
const DefaultSweepSchedule = "0 */5 * * * *"

const sweepTimeout = 2 * time.Minute

// IdleSweeper terminates idle sessions; session.Manager implements it.
type IdleSweeper interface {
	SweepExpired(ctx context.Context, maxIdle time.Duration) (int, error)
}

// SessionSweeper periodically ends idle sessions.
type SessionSweeper struct {
	sweeper     IdleSweeper
	idleTimeout time.Duration
	schedule    string
	cron        *cron.Cron
	mu          sync.Mutex
	running     bool
}

// NewSessionSweeper creates a sweeper from the sessions config.
func NewSessionSweeper(sweeper IdleSweeper, cfg *config.SessionsConfig) *SessionSweeper {
	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &SessionSweeper{
		sweeper:     sweeper,
		idleTimeout: cfg.IdleTimeout,
		schedule:    schedule,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
}

// Start registers the sweep and starts the scheduler. It fails on an invalid
// schedule or a non-positive idle timeout.
func (s *SessionSweeper) Start() error {
	if s.idleTimeout <= 0 {
		return fmt.Errorf("session sweeper: idle timeout must be positive, got %s", s.idleTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("session sweeper: invalid schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running = true
	slog.Info("session sweeper started", "schedule", s.schedule, "idle_timeout", s.idleTimeout)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish or ctx to end.
func (s *SessionSweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("session sweeper stopped")
	case <-ctx.Done():
		slog.Warn("session sweeper stop timed out")
	}
}

// RunOnce performs a single sweep and returns the number of sessions ended.
func (s *SessionSweeper) RunOnce(ctx context.Context) (int, error) {
	if s.idleTimeout <= 0 {
		return 0, fmt.Errorf("session sweeper: idle timeout must be positive, got %s", s.idleTimeout)
	}
	return s.sweeper.SweepExpired(ctx, s.idleTimeout)
}

func (s *SessionSweeper) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session sweeper: recovered panic", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("session sweeper: sweep failed", "error", err)
		return
	}
	slog.Debug("session sweeper: sweep finished", "swept", n, "duration", time.Since(start))
}
