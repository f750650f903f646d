package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// periodic runs a task on a fixed interval until its context ends or stop
// is called. stop may be called more than once.
type periodic struct {
	name      string
	interval  time.Duration
	immediate bool
	logger    *logrus.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newPeriodic(name string, interval time.Duration, immediate bool, logger *logrus.Logger) *periodic {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &periodic{
		name:      name,
		interval:  interval,
		immediate: immediate,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

func (p *periodic) run(ctx context.Context, task func(context.Context)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if p.immediate {
		task(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("loop", p.name).Debug("Context cancelled, stopping")
			return
		case <-p.stopCh:
			p.logger.WithField("loop", p.name).Debug("Stop requested")
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

func (p *periodic) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
