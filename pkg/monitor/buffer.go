// Package monitor watches active sessions: buffer health from player status
// updates, connection health from heartbeats, and stall detection with
// automatic recovery.
package monitor

import (
	"sort"
	"time"

	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/session"
	"cast-proxy-go/pkg/types"
)

// StatusSink returns the callback wired into a player's status stream. Every
// status update is a liveness heartbeat; state changes feed buffer health
// tracking and the live edge delay is derived from the seekable range.
func StatusSink(rec *session.Record, log *logging.Logger, now func() time.Time) func(types.PlayerStatus) {
	if now == nil {
		now = time.Now
	}
	return func(st types.PlayerStatus) {
		t := now()
		prev := rec.LastState()
		rec.Heartbeat(t)
		rec.ObservePlayback(st.State, t)
		if st.SeekableEnd > 0 {
			rec.SetLiveEdgeDelay(st.SeekableEnd - st.CurrentTime)
		}
		if prev != st.State {
			log.Debug("player state changed", "from", string(prev), "to", string(st.State))
		}
	}
}

// BufferReport is a per-device buffer health summary.
type BufferReport struct {
	Device         string  `json:"device"`
	Score          int     `json:"score"`
	Events         int     `json:"events"`
	BufferedForSec float64 `json:"buffered_for_sec"`
}

// BufferHealth summarizes buffer health for every active session, ordered by
// device address for stable output.
func BufferHealth(table *session.Table, now time.Time) []BufferReport {
	records := table.Snapshot()
	reports := make([]BufferReport, 0, len(records))
	for _, rec := range records {
		buf := rec.BufferSnapshot()
		buffered := buf.BufferedFor
		if !buf.BufferingSince.IsZero() {
			buffered += now.Sub(buf.BufferingSince)
		}
		reports = append(reports, BufferReport{
			Device:         rec.DeviceAddr,
			Score:          rec.HealthScore(now),
			Events:         buf.Events,
			BufferedForSec: buffered.Seconds(),
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Device < reports[j].Device })
	return reports
}
