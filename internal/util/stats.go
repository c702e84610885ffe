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

// Stats is the process-wide traffic/frame counter.
var Stats = &stats{}

type stats struct {
	BytesSent      atomic.Int64 // cumulative bytes written to the socket
	BytesRecv      atomic.Int64 // cumulative bytes read from the socket
	FramesAdmitted atomic.Int64 // frames forwarded to the renderer
	FramesDropped  atomic.Int64 // frames rejected by admission
}

func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddAdmitted()  { s.FramesAdmitted.Add(1) }
func (s *stats) AddDropped()   { s.FramesDropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevAdmitted, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				admitted := Stats.FramesAdmitted.Load()
				dropped := Stats.FramesDropped.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				fps := float64(admitted-prevAdmitted) / 10.0
				drops := dropped - prevDropped

				if inS > 10 || outS > 10 || fps > 0 || drops > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, fps, drops))
				}

				prevSent = sent
				prevRecv = recv
				prevAdmitted = admitted
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS, fps float64, drops int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Frames: %4.1f/s (%d dropped)",
		FormatBytes(inS),
		FormatBytes(outS),
		fps,
		drops,
	)
}
