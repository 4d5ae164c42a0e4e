package feed

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and drops those that have gone stale (nothing read within
// Interval + Timeout). It returns immediately; the goroutine exits when the
// hub shuts down.
func StartHeartbeat(h *Hub, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				checkConnections(h, config, time.Now())
			}
		}
	}()
}

func checkConnections(h *Hub, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range h.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			h.logger.Info("heartbeat timeout", "conn_id", c.ID, "idle", idle.Round(time.Second))
			h.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			h.logger.Debug("heartbeat ping failed", "conn_id", c.ID, "error", err)
			h.RemoveConnection(c)
		}
	}
}
