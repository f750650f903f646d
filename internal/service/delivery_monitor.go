package service

import (
	"context"
	"time"

	"sessionchat/internal/metrics"

	"github.com/sirupsen/logrus"
)

type StaleMessageCounter interface {
	GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error)
}

// DeliveryMonitor periodically reports messages the transport acknowledged
// but the peer never confirmed. It only observes; delivery has no timeout.
type DeliveryMonitor struct {
	counter        StaleMessageCounter
	staleThreshold time.Duration
	metrics        *metrics.Metrics
	logger         *logrus.Logger
	loop           *periodic
}

func NewDeliveryMonitor(counter StaleMessageCounter, checkInterval, staleThreshold time.Duration, m *metrics.Metrics, logger *logrus.Logger) *DeliveryMonitor {
	return &DeliveryMonitor{
		counter:        counter,
		staleThreshold: staleThreshold,
		metrics:        m,
		logger:         logger,
		loop:           newPeriodic("delivery_monitor", checkInterval, false, logger),
	}
}

// Start blocks until ctx ends or Stop is called.
func (m *DeliveryMonitor) Start(ctx context.Context) {
	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.loop.interval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")
	m.loop.run(ctx, m.checkStaleMessages)
}

func (m *DeliveryMonitor) Stop() {
	m.loop.stop()
}

func (m *DeliveryMonitor) checkStaleMessages(ctx context.Context) {
	count, err := m.counter.GetStaleMessageCount(ctx, m.staleThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Failed to count stale deliveries")
		return
	}
	m.metrics.SetStaleDeliveries(count)
	if count == 0 {
		return
	}
	m.logger.WithFields(logrus.Fields{
		LogFieldCount: count,
		"threshold":   m.staleThreshold,
	}).Warn("Messages acknowledged but not yet delivered to the peer")
}
