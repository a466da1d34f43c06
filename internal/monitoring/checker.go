package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates the run ledger on demand or on an interval. An alert
// that stays active across checks is delivered once, and again only after
// it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	active map[string]bool
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg, active: map[string]bool{}}
}

// Run checks once immediately and then every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() == nil {
			if _, err := c.Check(ctx); err != nil {
				log.Warn("alert check failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects a snapshot and returns every alert it triggers. Only
// alerts that were not active at the previous check are sent.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, err
	}
	alerts := c.alerter.Evaluate(snap)

	c.mu.Lock()
	next := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		key := string(a.Type) + "|" + a.Message
		next[key] = true
		if !c.active[key] {
			fresh = append(fresh, a)
		}
	}
	c.active = next
	c.mu.Unlock()

	if len(fresh) > 0 {
		sent := c.alerter.SendAlerts(ctx, fresh)
		zap.L().Info("alerts raised",
			zap.String("component", "monitoring.checker"),
			zap.Int("active", len(alerts)),
			zap.Int("new", len(fresh)),
			zap.Int("sent", sent),
		)
	}
	return alerts, nil
}
