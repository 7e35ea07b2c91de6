// Package poll keeps mounted views fresh by periodically forcing background
// refreshes through the cache store.
package poll

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "tripsync/internal/log"
)

// Scheduler runs fn every interval until the returned cancel is called.
// Implementations backed by push delivery can replace polling without the
// store noticing.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func(), err error)
}

// CronScheduler implements Scheduler on robfig/cron. A job still running
// when its next tick arrives skips that tick.
type CronScheduler struct {
	c *cron.Cron
}

// NewCronScheduler creates and starts a scheduler.
func NewCronScheduler() *CronScheduler {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &CronScheduler{c: c}
}

// Every registers fn with an "@every" schedule. Intervals below one second
// are rejected.
func (s *CronScheduler) Every(interval time.Duration, fn func()) (func(), error) {
	if interval < time.Second {
		return nil, fmt.Errorf("poll: interval %s is below one second", interval)
	}
	id, err := s.c.AddFunc("@every "+interval.String(), fn)
	if err != nil {
		return nil, fmt.Errorf("poll: schedule every %s: %w", interval, err)
	}
	return func() { s.c.Remove(id) }, nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *CronScheduler) Stop() {
	<-s.c.Stop().Done()
}

// cronLogger routes cron's own messages through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
