package server

import (
	"time"

	"github.com/nyxwave/wsreactor/wsapi"
	"github.com/nyxwave/wsreactor/wsproto"
)

// runHeartbeat is the single endpoint-wide heartbeat thread: once per
// interval it sweeps the registry and pings every idle OPEN connection,
// force-closing any connection whose previous ping went unanswered. One
// ticker per endpoint, not one per connection.
func (s *Server) runHeartbeat(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
		}
		for _, c := range s.cfg.Registry.Snapshot() {
			if c.proto.State() != wsproto.Open {
				continue
			}
			if c.proto.PongOutstanding() {
				c.proto.ForceClose(wsapi.CloseAbnormal, false)
				s.finalizeConn(c)
				continue
			}
			if c.proto.IdleSince() >= interval {
				_ = c.proto.Ping(nil)
			}
		}
	}
}
