package metrics

import (
	"context"
	"time"

	"github.com/nendo/actionengine/pkg/store"
)

// QueueStore is the narrow store surface the collector polls. Implemented
// by store.Store; narrowed here so this package doesn't need the rest of
// the interface.
type QueueStore interface {
	ActiveUsers(ctx context.Context) ([]string, error)
	QueueDepth(ctx context.Context, queue store.QueueName) (int64, error)
}

// Collector periodically samples queue depths from the store and publishes
// them as gauges, since depth isn't something a single Enqueue/Dequeue call
// can observe on its own.
type Collector struct {
	store  QueueStore
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over st.
func NewCollector(st QueueStore) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users, err := c.store.ActiveUsers(ctx)
	if err != nil {
		return
	}

	for _, userID := range users {
		cpuQueue := store.UserCPUQueue(userID)
		if depth, err := c.store.QueueDepth(ctx, cpuQueue); err == nil {
			QueueDepth.WithLabelValues(string(cpuQueue)).Set(float64(depth))
		}

		gpuQueue := store.UserGPUQueue(userID)
		if depth, err := c.store.QueueDepth(ctx, gpuQueue); err == nil {
			QueueDepth.WithLabelValues(string(gpuQueue)).Set(float64(depth))
		}
	}
}
