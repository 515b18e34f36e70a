package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mqlite/mqlite/internal/metrics"
)

// Monitor periodically samples every queue's depth into the prometheus
// gauges. Lease expiry needs no background work here (an elapsed
// nextDelivery simply makes the message eligible again), so this is the
// only ticker the broker runs.
type Monitor struct {
	broker   *Broker
	interval time.Duration
	logger   *zap.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMonitor(b *Broker, interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		broker:   b,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sampling loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("depth monitor started", zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("depth monitor stopped (context cancelled)")
			return

		case <-m.stopCh:
			m.logger.Info("depth monitor stopped (stop signal)")
			return

		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	for _, info := range m.broker.ListQueues() {
		metrics.QueueDepth.WithLabelValues(info.Name).Set(float64(info.Stats.Depth))
		metrics.QueueAvailable.WithLabelValues(info.Name).Set(float64(info.Stats.Available))
		metrics.QueueInFlight.WithLabelValues(info.Name).Set(float64(info.Stats.InFlight))
	}
}

// Stop signals the sampling loop to exit. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
