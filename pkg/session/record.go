// Package session holds the per-device session registry and the aggregate
// session record that all monitors read and update.
package session

import (
	"math"
	"sync"
	"time"

	"cast-proxy-go/pkg/interfaces"
	"cast-proxy-go/pkg/types"
)

// ConnHealth tracks heartbeat-derived connection state for one session.
type ConnHealth struct {
	State             ConnState
	LastHeartbeat     time.Time
	Missed            int
	ReconnectAttempts int
}

// BufferHealth tracks rebuffering statistics for one session.
type BufferHealth struct {
	FirstPlaying   time.Time     // zero until the first PLAYING status
	BufferingSince time.Time     // zero unless a buffering interval is open
	BufferedFor    time.Duration // closed buffering intervals, summed
	Events         int           // buffering intervals entered after playback began
}

// RecoveryState tracks stall detection and recovery attempts for one session.
type RecoveryState struct {
	Stalled        bool
	Attempts       int
	LastAttempt    time.Time
	giveUpReported bool
}

// Record is the aggregate state of one cast session. All fields that change
// after creation are guarded by mu; the immutable identity fields are set at
// creation and never written again.
type Record struct {
	DeviceAddr string
	ID         string
	ClientAddr string // sender's address, used to attribute proxy traffic
	CreatedAt  time.Time

	Client interfaces.CastClient
	Player interfaces.CastPlayer

	mu        sync.Mutex
	stats     types.StreamStats
	tracking  types.PlaybackTracking
	media     types.MediaInfo
	lastState types.PlaybackState
	buffer    BufferHealth
	recovery  RecoveryState
	conn      ConnHealth
}

// ConnAction tells the connection monitor what to do after a health poll.
type ConnAction int

const (
	ConnActionNone ConnAction = iota
	ConnActionBecameDegraded
	ConnActionScheduleReconnect
)

// StallDecision tells the stall detector what to do after an evaluation.
type StallDecision int

const (
	StallNone StallDecision = iota
	StallRecover
	StallReset
	StallGiveUp
)

// StallPolicy carries the stall detection thresholds.
type StallPolicy struct {
	BufferingWindow     time.Duration
	IdleWindow          time.Duration
	IdleCooldown        time.Duration
	ResetActivityWindow time.Duration
	ResetCooldown       time.Duration
	MaxAttempts         int
}

// Heartbeat records evidence of receiver liveness: any proxied fetch or
// status callback counts. Resets missed-beat and reconnect bookkeeping and
// returns the connection to healthy, except for failed sessions.
func (r *Record) Heartbeat(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn.State == ConnFailed {
		return
	}
	r.conn.LastHeartbeat = now
	r.conn.Missed = 0
	r.conn.ReconnectAttempts = 0
	if r.conn.State != ConnHealthy {
		if next, err := transition(r.conn.State, ConnHealthy); err == nil {
			r.conn.State = next
		}
	}
}

// TouchActivity records proxy traffic for the session. Kept separate from
// Heartbeat: status callbacks prove the control channel is alive, but only
// actual fetches prove media is flowing, and stall detection keys on the
// latter.
func (r *Record) TouchActivity(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.LastActivity = now
}

// ObservePlayback folds a player status update into buffer health tracking.
// Buffering before the first PLAYING status is startup, not rebuffering, and
// is not counted.
func (r *Record) ObservePlayback(state types.PlaybackState, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.lastState
	r.lastState = state

	if r.buffer.FirstPlaying.IsZero() {
		if state == types.StatePlaying {
			r.buffer.FirstPlaying = now
		}
		return
	}

	entering := state == types.StateBuffering && prev != types.StateBuffering
	leaving := state != types.StateBuffering && prev == types.StateBuffering

	if entering {
		r.buffer.Events++
		r.buffer.BufferingSince = now
	}
	if leaving && !r.buffer.BufferingSince.IsZero() {
		r.buffer.BufferedFor += now.Sub(r.buffer.BufferingSince)
		r.buffer.BufferingSince = time.Time{}
	}
}

// HealthScore returns the buffer health score in [0, 100]: the share of
// played wall time not spent rebuffering. A session that has not reached
// PLAYING yet scores 100. An open buffering interval counts up to now.
func (r *Record) HealthScore(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buffer.FirstPlaying.IsZero() {
		return 100
	}
	elapsed := now.Sub(r.buffer.FirstPlaying)
	if elapsed <= 0 {
		return 100
	}
	buffered := r.buffer.BufferedFor
	if !r.buffer.BufferingSince.IsZero() {
		buffered += now.Sub(r.buffer.BufferingSince)
	}
	score := int(math.Round(100 * float64(elapsed-buffered) / float64(elapsed)))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// BufferSnapshot returns a copy of the buffer health counters.
func (r *Record) BufferSnapshot() BufferHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

// ConnPoll evaluates connection health on a monitor tick. Missed beats are
// derived from the time since the last heartbeat rather than counted, so a
// delayed tick cannot under-report.
func (r *Record) ConnPoll(now time.Time, interval time.Duration) ConnAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn.State == ConnFailed || r.conn.State == ConnReconnecting {
		return ConnActionNone
	}
	last := r.conn.LastHeartbeat
	if last.IsZero() {
		last = r.CreatedAt
	}
	missed := int(now.Sub(last) / interval)
	r.conn.Missed = missed

	switch {
	case missed >= 3:
		if r.conn.State == ConnUnhealthy {
			return ConnActionNone
		}
		if next, err := transition(r.conn.State, ConnUnhealthy); err == nil {
			r.conn.State = next
			return ConnActionScheduleReconnect
		}
	case missed == 2:
		if r.conn.State != ConnHealthy {
			return ConnActionNone
		}
		if next, err := transition(r.conn.State, ConnDegraded); err == nil {
			r.conn.State = next
			return ConnActionBecameDegraded
		}
	}
	return ConnActionNone
}

// BeginReconnect moves an unhealthy session into reconnecting and counts the
// attempt. Returns false if the session is no longer eligible, e.g. a
// heartbeat arrived while the reconnect was pending.
func (r *Record) BeginReconnect() (attempt int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn.State != ConnUnhealthy {
		return 0, false
	}
	next, err := transition(r.conn.State, ConnReconnecting)
	if err != nil {
		return 0, false
	}
	r.conn.State = next
	r.conn.ReconnectAttempts++
	return r.conn.ReconnectAttempts, true
}

// FinishReconnect resolves a reconnect attempt. On failure the session goes
// back to unhealthy until the attempt budget is spent, then to failed.
// Returns true if another reconnect should be scheduled.
func (r *Record) FinishReconnect(succeeded bool, maxAttempts int, now time.Time) (retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn.State != ConnReconnecting {
		return false
	}
	if succeeded {
		if next, err := transition(r.conn.State, ConnHealthy); err == nil {
			r.conn.State = next
			r.conn.LastHeartbeat = now
			r.conn.Missed = 0
			r.conn.ReconnectAttempts = 0
		}
		return false
	}
	if r.conn.ReconnectAttempts >= maxAttempts {
		if next, err := transition(r.conn.State, ConnFailed); err == nil {
			r.conn.State = next
		}
		return false
	}
	if next, err := transition(r.conn.State, ConnUnhealthy); err == nil {
		r.conn.State = next
	}
	return true
}

// ConnSnapshot returns a copy of the connection health state.
func (r *Record) ConnSnapshot() ConnHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// StallEvaluate decides, on one detector tick, whether the session is
// stalled and what to do about it. The reset path is checked first so a
// session that recovered on its own sheds its attempt count before any new
// stall is considered.
func (r *Record) StallEvaluate(now time.Time, p StallPolicy) (StallDecision, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Healthy playback with recent proxy traffic earns the attempt
	// counter back, after a cooldown since the last recovery.
	if r.recovery.Attempts > 0 &&
		r.lastState == types.StatePlaying &&
		!r.stats.LastActivity.IsZero() &&
		now.Sub(r.stats.LastActivity) <= p.ResetActivityWindow &&
		now.Sub(r.recovery.LastAttempt) >= p.ResetCooldown {
		r.recovery.Attempts = 0
		r.recovery.Stalled = false
		r.recovery.giveUpReported = false
		return StallReset, 0
	}

	stalled := false
	switch r.lastState {
	case types.StateBuffering:
		// A receiver can rebuffer briefly while segments still flow;
		// only a long buffering interval with dead proxy traffic is a
		// stall. The attempt spacing keeps one recovery per stall
		// window even when several detector ticks land inside it.
		stalled = !r.buffer.BufferingSince.IsZero() &&
			now.Sub(r.buffer.BufferingSince) >= p.BufferingWindow &&
			now.Sub(r.stats.LastActivity) >= p.BufferingWindow &&
			now.Sub(r.recovery.LastAttempt) >= p.BufferingWindow
	case types.StateIdle:
		// Idle only counts once playback had started; a session that
		// never played is still loading.
		stalled = !r.buffer.FirstPlaying.IsZero() &&
			!r.stats.LastActivity.IsZero() &&
			now.Sub(r.stats.LastActivity) >= p.IdleWindow &&
			now.Sub(r.recovery.LastAttempt) >= p.IdleCooldown
	}
	if !stalled {
		return StallNone, 0
	}

	if r.recovery.Attempts >= p.MaxAttempts {
		if r.recovery.giveUpReported {
			return StallNone, r.recovery.Attempts
		}
		r.recovery.giveUpReported = true
		return StallGiveUp, r.recovery.Attempts
	}

	r.recovery.Stalled = true
	r.recovery.Attempts++
	r.recovery.LastAttempt = now
	return StallRecover, r.recovery.Attempts
}

// RecoverySucceeded marks a completed recovery. The attempt counter is kept:
// only sustained healthy playback resets it, via StallEvaluate.
func (r *Record) RecoverySucceeded(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovery.Stalled = false
	r.stats.LastActivity = now
}

// RecoverySnapshot returns a copy of the recovery state.
func (r *Record) RecoverySnapshot() RecoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovery
}

// AddSegment attributes a relayed segment to the session and refreshes the
// derived bitrate.
func (r *Record) AddSegment(bytes int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.BytesTransferred += bytes
	r.stats.SegmentCount++
	r.stats.LastActivity = now

	if elapsed := now.Sub(r.stats.StartedAt).Seconds(); elapsed > 0 {
		r.stats.BitrateKbps = int(float64(r.stats.BytesTransferred) * 8 / 1000 / elapsed)
	}
}

// AddCacheHit counts a manifest served from cache for this session.
func (r *Record) AddCacheHit(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.CacheHits++
	r.stats.LastActivity = now
}

// SetMetadata records stream metadata parsed from the manifest. Empty or
// zero values leave the existing metadata untouched.
func (r *Record) SetMetadata(resolution string, frameRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resolution != "" {
		r.stats.Resolution = resolution
	}
	if frameRate > 0 {
		r.stats.FrameRate = frameRate
	}
}

// SetLiveEdgeDelay records the distance from the live edge in seconds.
func (r *Record) SetLiveEdgeDelay(sec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sec < 0 {
		sec = 0
	}
	r.tracking.LiveEdgeDelaySec = sec
}

// SetMedia records what the player was asked to load, for recovery reloads.
func (r *Record) SetMedia(media types.MediaInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media = media
}

// Media returns the media the player was loaded with.
func (r *Record) Media() types.MediaInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.media
}

// Stats returns a copy of the transfer statistics.
func (r *Record) Stats() types.StreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Tracking returns a copy of the playback tracking values.
func (r *Record) Tracking() types.PlaybackTracking {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracking
}

// LastState returns the most recent player state observed.
func (r *Record) LastState() types.PlaybackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastState
}
