package engine

import (
	"time"

	"github.com/1ureka/reudp/internal/protocol"
	"github.com/1ureka/reudp/internal/session"
	"github.com/1ureka/reudp/internal/util"
)

// heartbeatLoop periodically probes every peer and evicts the ones that
// have gone silent past the dead-peer threshold.
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	ticker := e.clk.Ticker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.heartbeatSweep(now)
		case <-e.ctx.Done():
			return
		}
	}
}

// deadPeerThreshold is the maximum silence tolerated before eviction.
func (e *Engine) deadPeerThreshold() time.Duration {
	return time.Duration(e.cfg.DeadPeerMultiplier) * e.cfg.RetryInterval
}

// sendHeartbeatReply answers a heartbeat probe. The ack bit distinguishes
// the response from a probe and echoes the probe's sequence; probe
// sequences never enter the pending set, so the echoed ack is a no-op on
// the prober's reliability state.
func (e *Engine) sendHeartbeatReply(peer *session.Peer, probeSeq uint32) {
	frame := protocol.Encode(&protocol.Packet{
		Flags:    protocol.FlagHeartbeat | protocol.FlagAck,
		Sequence: peer.NextSeq(),
		Ack:      probeSeq,
	})
	if err := e.conn.WriteTo(frame, peer.Addr()); err != nil {
		util.LogDebug("heartbeat reply to %s failed: %v", peer.Addr(), err)
	}
}

// heartbeatSweep handles one tick: evict expired peers, then emit a
// heartbeat probe to each survivor. Heartbeats are unreliable — they never
// enter the pending set; the next tick simply sends another.
func (e *Engine) heartbeatSweep(now time.Time) {
	threshold := e.deadPeerThreshold()

	for _, peer := range e.table.Peers() {
		if peer.Expired(now, threshold) {
			if e.table.Remove(peer.Addr()) {
				util.Stats.AddEvicted()
				util.LogWarning("peer %s timed out (silent for over %s), evicting", peer.Addr(), threshold)
				e.emitEvent(Event{Kind: EventPeerTimedOut, Addr: peer.Addr()})
			}
			continue
		}

		frame := protocol.Encode(&protocol.Packet{
			Flags:    protocol.FlagHeartbeat,
			Sequence: peer.NextSeq(),
		})
		if err := e.conn.WriteTo(frame, peer.Addr()); err != nil {
			util.LogDebug("heartbeat to %s failed: %v", peer.Addr(), err)
			continue
		}
		peer.MarkPingSent(now)
	}
}
