package job

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper removes presence records older than a max age.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) int64
}

// SweepJob runs the periodic presence sweep
type SweepJob struct {
	sweeper Sweeper
	maxAge  time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewSweepJob creates a new SweepJob instance
func NewSweepJob(sweeper Sweeper, maxAge time.Duration, logger *zap.Logger) *SweepJob {
	return &SweepJob{
		sweeper: sweeper,
		maxAge:  maxAge,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Run executes one sweep. It satisfies cron.Job.
func (j *SweepJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	removed := j.sweeper.Sweep(ctx, j.maxAge)

	if removed == 0 {
		j.logger.Debug("Presence sweep found nothing to remove")
		return
	}
	j.logger.Info("Presence sweep completed",
		zap.Int64("removed", removed),
		zap.Duration("max_age", j.maxAge),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// NewScheduler registers the job on the given cron spec ("@every 5m",
// "*/5 * * * *", ...). Overlapping runs are skipped.
func NewScheduler(spec string, job cron.Job, logger *zap.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddJob(spec, job); err != nil {
		return nil, err
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
