package service

import (
	"context"
	"time"

	"sessionchat/internal/constants"

	"github.com/sirupsen/logrus"
)

// Purger removes terminal records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler purges read messages past the retention window, once at start
// and then every intervalHours.
type Scheduler struct {
	purger        Purger
	retentionDays int
	intervalHours int
	now           func() time.Time
	logger        *logrus.Logger
	loop          *periodic
}

func NewScheduler(purger Purger, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHours
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	return &Scheduler{
		purger:        purger,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		now:           time.Now,
		logger:        logger,
		loop:          newPeriodic("cleanup", time.Duration(intervalHours)*time.Hour, true, logger),
	}
}

// Start blocks until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.WithField("interval_hours", s.intervalHours).Info("Starting cleanup scheduler")
	s.loop.run(ctx, s.runCleanup)
}

func (s *Scheduler) Stop() {
	s.loop.stop()
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	n, err := s.purger.Purge(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).WithField("retention_days", s.retentionDays).Error("Cleanup failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		LogFieldCount:    n,
		"retention_days": s.retentionDays,
	}).Info("Cleanup completed")
}
