package transport

import (
	"context"
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

func (s *WSServer) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.checkConnections(now)
		}
	}
}

// checkConnections closes connections that have not sent any frame within
// Interval + Timeout and pings the rest. Closing the connection ends its
// session, which broadcasts the departure.
func (s *WSServer) checkConnections(now time.Time) {
	deadline := s.cfg.Heartbeat.Interval + s.cfg.Heartbeat.Timeout

	for _, c := range s.conns.All() {
		if idle := c.idle(now); idle > deadline {
			s.logger.Info("heartbeat timeout", "remote", c.remote, "idle", idle.Round(time.Second))
			_ = c.Close()
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Warn("heartbeat ping failed", "remote", c.remote, "error", err)
			_ = c.Close()
		}
	}
}
