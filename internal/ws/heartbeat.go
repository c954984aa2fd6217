package ws

import (
	"log"
	"time"

	"github.com/quicknotes/collab/internal/metrics"
)

// HeartbeatConfig tunes liveness checks. A connection silent for longer
// than Interval+Timeout is evicted, which force-leaves its note.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

func (s *Server) heartbeatLoop(cfg HeartbeatConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if n := s.sweepIdle(cfg, now); n > 0 {
				log.Printf("ws: heartbeat evicted=%d remaining=%d", n, s.conns.Count())
			}
		}
	}
}

// sweepIdle evicts silent or unwritable connections and pings the rest.
// Agents answer pings with pongs, which count as activity. Live connections
// also get their Redis session TTL pushed forward. It returns the number of
// evictions.
func (s *Server) sweepIdle(cfg HeartbeatConfig, now time.Time) int {
	deadline := cfg.Interval + cfg.Timeout
	evicted := 0
	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s user=%s idle=%s", c.ID, c.UserID, idle.Round(time.Second))
			metrics.HeartbeatEvictions.WithLabelValues("timeout").Inc()
			s.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping conn=%s: %v", c.ID, err)
			metrics.HeartbeatEvictions.WithLabelValues("write").Inc()
			s.RemoveConnection(c)
			evicted++
			continue
		}
		s.refreshSession(c.ID)
	}
	return evicted
}
