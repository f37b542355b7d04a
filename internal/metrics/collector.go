package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/apwatch/internal/clock"
	"grimm.is/apwatch/internal/logging"
)

// Probe samples some state into the registry.
type Probe func(r *Registry)

// Collector runs probes on a fixed interval, for gauges whose source has
// no natural update hook.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	interval time.Duration
	clock    clock.Clock

	mu         sync.Mutex
	probes     []Probe
	lastUpdate time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a collector. It does nothing until Start.
func NewCollector(r *Registry, logger *logging.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry: r,
		logger:   logging.OrDefault(logger).WithComponent("metrics"),
		interval: interval,
		clock:    clock.Real{},
	}
}

// AddProbe registers a probe. Safe to call while running.
func (c *Collector) AddProbe(p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, p)
}

// Collect runs every probe once.
func (c *Collector) Collect() {
	c.mu.Lock()
	probes := append([]Probe(nil), c.probes...)
	c.mu.Unlock()

	for _, p := range probes {
		p(c.registry)
	}

	c.mu.Lock()
	c.lastUpdate = c.clock.Now()
	c.mu.Unlock()
}

// LastUpdate returns when probes last ran.
func (c *Collector) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// Start collects immediately and then on every interval until Stop.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
	c.logger.Debug("collector started", "interval", c.interval)
}

// Stop halts collection and waits for the loop to exit.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}
