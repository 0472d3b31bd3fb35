package license

import (
	"context"
	"time"

	"licensing-controlplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type sweeper interface {
	RunAgingSweep(ctx context.Context) (SweepResult, error)
}

// Scheduler runs the aging sweep in-process on a fixed cadence. The worker
// binary does the same through asynq; running both is safe because the
// sweep is idempotent and serialised by the sweep lock.
type Scheduler struct {
	service  sweeper
	interval func() time.Duration
	stop     context.CancelFunc
	done     chan struct{}
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	static := cfg.License.SweepInterval
	return &Scheduler{
		service: svc,
		interval: func() time.Duration {
			if cur := config.Current(); cur != nil && cur.License.SweepInterval > 0 {
				return cur.License.SweepInterval
			}
			return static
		},
	}
}

// StartScheduler is invoked by fx when the service starts.
func StartScheduler(lc fx.Lifecycle, cfg *config.Config, s *Scheduler) {
	if !cfg.Scheduler.Enabled || cfg.License.SweepInterval <= 0 {
		zap.L().Info("[Scheduler] in-process aging sweep disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.stop = cancel
			s.done = make(chan struct{})
			go s.run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.stop()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	zap.L().Info("[Scheduler] started license aging scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, s.interval())

		sleepDuration := next.Sub(now)
		zap.L().Debug("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)

		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
			s.runOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Info("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	res, err := s.service.RunAgingSweep(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] aging sweep failed", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] aging sweep done",
		zap.Int("downgraded", res.Downgraded),
		zap.Int("reset", res.Reset),
		zap.Duration("duration", time.Since(start)),
	)
}

// nextRunTime returns the next wall-clock boundary of interval after now, so
// replicas started at different times still sweep at the same moments.
func nextRunTime(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = time.Hour
	}
	next := now.Truncate(interval).Add(interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
