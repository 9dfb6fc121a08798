package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide protocol counter.
var Stats = &stats{}

type stats struct {
	PacketsSent   atomic.Int64 // datagrams written to the socket, first transmissions only
	PacketsResent atomic.Int64 // retransmissions of unacknowledged reliable packets
	AcksReceived  atomic.Int64 // acknowledgments consumed from the wire
	Delivered     atomic.Int64 // payloads handed to the application queue
	DupsDropped   atomic.Int64 // duplicate reliable payloads suppressed
	PeersEvicted  atomic.Int64 // sessions removed by the heartbeat monitor
}

func (s *stats) AddSent()    { s.PacketsSent.Add(1) }
func (s *stats) AddResent()  { s.PacketsResent.Add(1) }
func (s *stats) AddAck()     { s.AcksReceived.Add(1) }
func (s *stats) AddDeliver() { s.Delivered.Add(1) }
func (s *stats) AddDup()     { s.DupsDropped.Add(1) }
func (s *stats) AddEvicted() { s.PeersEvicted.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs protocol statistics
// every 10 seconds. It stops when ctx is cancelled. Quiet intervals
// (no packets in or out) are not logged.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevResent, prevAcks, prevDelivered int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.PacketsSent.Load()
				resent := Stats.PacketsResent.Load()
				acks := Stats.AcksReceived.Load()
				delivered := Stats.Delivered.Load()

				dSent := sent - prevSent
				dResent := resent - prevResent
				dAcks := acks - prevAcks
				dDelivered := delivered - prevDelivered

				if dSent > 0 || dDelivered > 0 {
					pterm.DefaultLogger.Info(formatStats(dSent, dResent, dAcks, dDelivered))
				}

				prevSent = sent
				prevResent = resent
				prevAcks = acks
				prevDelivered = delivered

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the last interval's counters.
func formatStats(sent, resent, acks, delivered int64) string {
	return fmt.Sprintf("Sent: %4d (%d resent) | Acks: %4d | Delivered: %4d",
		sent, resent, acks, delivered)
}
