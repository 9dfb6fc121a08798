package engine

import (
	"time"

	"github.com/1ureka/reudp/internal/util"
)

// retransmitLoop periodically resends unacknowledged reliable frames. It
// runs on the injected clock so tests can drive it deterministically.
func (e *Engine) retransmitLoop() {
	defer e.wg.Done()

	ticker := e.clk.Ticker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.retransmitSweep(now)
		case <-e.ctx.Done():
			return
		}
	}
}

// retransmitSweep re-emits every pending frame older than the retry
// interval, with the original sequence number so the receiver's ack still
// matches. Frames that exhausted the retry ceiling are dropped from the
// pending set and reported as delivery failures.
func (e *Engine) retransmitSweep(now time.Time) {
	for _, peer := range e.table.Peers() {
		resend, failed := peer.SweepPending(now, e.cfg.RetryInterval, e.cfg.RetryCeiling)

		for _, r := range resend {
			if err := e.conn.WriteTo(r.Frame, peer.Addr()); err != nil {
				util.LogDebug("retransmit seq %d to %s failed: %v", r.Seq, peer.Addr(), err)
				continue
			}
			util.Stats.AddResent()
			util.LogDebug("retransmitted seq %d to %s (attempt %d)", r.Seq, peer.Addr(), r.Retries)
		}

		for _, seq := range failed {
			util.LogWarning("giving up on seq %d to %s after %d retries", seq, peer.Addr(), e.cfg.RetryCeiling)
			e.emitEvent(Event{Kind: EventDeliveryFailed, Addr: peer.Addr(), Seq: seq})
		}
	}
}
