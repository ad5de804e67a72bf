package realtime

import (
	"context"
	"log/slog"
	"time"
)

// JanitorConfig defines which connections get reclaimed.
type JanitorConfig struct {
	// Connections still unauthenticated this long after accept are evicted.
	AuthGracePeriod time.Duration
	// Connections with no inbound activity for this long are evicted. Zero disables.
	IdleTimeout time.Duration
	// How often to sweep.
	SweepInterval time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		AuthGracePeriod: 30 * time.Second,
		SweepInterval:   10 * time.Second,
	}
}

// Janitor periodically force-disconnects abandoned connections.
type Janitor struct {
	registry *Registry
	cfg      JanitorConfig
	logger   *slog.Logger
}

func NewJanitor(registry *Registry, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultJanitorConfig().SweepInterval
	}
	return &Janitor{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.SweepInterval)
	defer ticker.Stop()

	j.logger.Info("Connection janitor started",
		"authGracePeriod", j.cfg.AuthGracePeriod, "idleTimeout", j.cfg.IdleTimeout, "interval", j.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Connection janitor stopped")
			return
		case now := <-ticker.C:
			if n := j.Sweep(now); n > 0 {
				j.logger.Info("Evicted stale connections", "count", n)
			}
		}
	}
}

// Sweep evicts every connection that is stale at now and returns how many.
func (j *Janitor) Sweep(now time.Time) int {
	evicted := 0
	for _, c := range j.registry.Connections() {
		if reason, stale := j.staleReason(c, now); stale {
			j.registry.Disconnect(c, reason)
			evicted++
		}
	}
	return evicted
}

func (j *Janitor) staleReason(c *Connection, now time.Time) (string, bool) {
	switch c.State() {
	case StateConnected, StateAuthenticating:
		if j.cfg.AuthGracePeriod > 0 && now.Sub(c.ConnectedAt()) > j.cfg.AuthGracePeriod {
			return "authentication grace period expired", true
		}
	case StateDisconnected:
		return "", false
	}
	if j.cfg.IdleTimeout > 0 && now.Sub(c.LastActivity()) > j.cfg.IdleTimeout {
		return "idle timeout", true
	}
	return "", false
}
