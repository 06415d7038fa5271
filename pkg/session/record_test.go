package session

import (
	"testing"
	"time"

	"cast-proxy-go/pkg/types"
)

func newTestRecord(t *testing.T, base time.Time) *Record {
	t.Helper()
	tbl := NewTable()
	tbl.now = func() time.Time { return base }
	rec, _ := tbl.Create("192.168.1.50:8009", "192.168.1.20", nil, nil)
	return rec
}

func TestHealthScoreBeforePlayback(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)

	if got := rec.HealthScore(base.Add(time.Minute)); got != 100 {
		t.Errorf("score before playback = %d, want 100", got)
	}

	// Buffering before the first PLAYING is startup, not rebuffering.
	rec.ObservePlayback(types.StateBuffering, base)
	if got := rec.HealthScore(base.Add(time.Minute)); got != 100 {
		t.Errorf("score during startup buffering = %d, want 100", got)
	}
	if snap := rec.BufferSnapshot(); snap.Events != 0 {
		t.Errorf("startup buffering counted as event: %d", snap.Events)
	}
}

func TestHealthScoreWithRebuffering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(40*time.Second))
	rec.ObservePlayback(types.StatePlaying, base.Add(50*time.Second))

	// 100 seconds elapsed, 10 spent buffering.
	if got := rec.HealthScore(base.Add(100 * time.Second)); got != 90 {
		t.Errorf("score = %d, want 90", got)
	}
	if snap := rec.BufferSnapshot(); snap.Events != 1 {
		t.Errorf("events = %d, want 1", snap.Events)
	}
}

func TestHealthScoreCountsOpenBufferingInterval(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(10*time.Second))

	// Still buffering at evaluation time: 20s elapsed, 10s buffering.
	if got := rec.HealthScore(base.Add(20 * time.Second)); got != 50 {
		t.Errorf("score = %d, want 50", got)
	}
}

func TestConnPollDegradedThenUnhealthy(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	interval := 5 * time.Second

	if act := rec.ConnPoll(base.Add(5*time.Second), interval); act != ConnActionNone {
		t.Errorf("action after 1 missed = %v, want none", act)
	}
	if act := rec.ConnPoll(base.Add(10*time.Second), interval); act != ConnActionBecameDegraded {
		t.Errorf("action after 2 missed = %v, want degraded", act)
	}
	if st := rec.ConnSnapshot().State; st != ConnDegraded {
		t.Errorf("state = %s, want degraded", st)
	}
	// Repeated poll at 2 missed must not re-fire.
	if act := rec.ConnPoll(base.Add(11*time.Second), interval); act != ConnActionNone {
		t.Errorf("repeat degraded poll = %v, want none", act)
	}
	if act := rec.ConnPoll(base.Add(15*time.Second), interval); act != ConnActionScheduleReconnect {
		t.Errorf("action after 3 missed = %v, want schedule reconnect", act)
	}
	// Only one reconnect per unhealthy transition.
	if act := rec.ConnPoll(base.Add(20*time.Second), interval); act != ConnActionNone {
		t.Errorf("repeat unhealthy poll = %v, want none", act)
	}
}

func TestHeartbeatRestoresHealthy(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	interval := 5 * time.Second

	rec.ConnPoll(base.Add(10*time.Second), interval)
	if st := rec.ConnSnapshot().State; st != ConnDegraded {
		t.Fatalf("state = %s, want degraded", st)
	}

	rec.Heartbeat(base.Add(12 * time.Second))
	snap := rec.ConnSnapshot()
	if snap.State != ConnHealthy {
		t.Errorf("state after heartbeat = %s, want healthy", snap.State)
	}
	if snap.Missed != 0 || snap.ReconnectAttempts != 0 {
		t.Errorf("counters not reset: missed=%d attempts=%d", snap.Missed, snap.ReconnectAttempts)
	}
}

func TestReconnectBudgetEndsInFailed(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	interval := 5 * time.Second
	now := base.Add(15 * time.Second)

	if act := rec.ConnPoll(now, interval); act != ConnActionScheduleReconnect {
		t.Fatalf("expected schedule reconnect, got %v", act)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		got, ok := rec.BeginReconnect()
		if !ok || got != attempt {
			t.Fatalf("BeginReconnect = (%d, %v), want (%d, true)", got, ok, attempt)
		}
		retry := rec.FinishReconnect(false, 3, now)
		if attempt < 3 && !retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if attempt == 3 && retry {
			t.Fatal("attempt 3: expected no retry")
		}
	}

	if st := rec.ConnSnapshot().State; st != ConnFailed {
		t.Errorf("state = %s, want failed", st)
	}

	// Failed is terminal: heartbeats are ignored.
	rec.Heartbeat(now.Add(time.Second))
	if st := rec.ConnSnapshot().State; st != ConnFailed {
		t.Errorf("state after heartbeat = %s, want failed", st)
	}
	if _, ok := rec.BeginReconnect(); ok {
		t.Error("BeginReconnect succeeded on failed session")
	}
}

func TestReconnectSuccessRestoresHealthy(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	now := base.Add(15 * time.Second)

	rec.ConnPoll(now, 5*time.Second)
	if _, ok := rec.BeginReconnect(); !ok {
		t.Fatal("BeginReconnect refused")
	}
	if retry := rec.FinishReconnect(true, 3, now); retry {
		t.Error("successful reconnect asked for retry")
	}
	snap := rec.ConnSnapshot()
	if snap.State != ConnHealthy || snap.ReconnectAttempts != 0 {
		t.Errorf("state=%s attempts=%d, want healthy/0", snap.State, snap.ReconnectAttempts)
	}
}

func TestBeginReconnectRefusedAfterHeartbeat(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)

	rec.ConnPoll(base.Add(15*time.Second), 5*time.Second)
	// A heartbeat lands while the reconnect is pending.
	rec.Heartbeat(base.Add(16 * time.Second))

	if _, ok := rec.BeginReconnect(); ok {
		t.Error("BeginReconnect succeeded on healthy session")
	}
}

func TestStallEvaluateBufferingWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	policy := StallPolicy{
		BufferingWindow:     15 * time.Second,
		IdleWindow:          15 * time.Second,
		IdleCooldown:        5 * time.Second,
		ResetActivityWindow: 10 * time.Second,
		ResetCooldown:       30 * time.Second,
		MaxAttempts:         3,
	}

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(10*time.Second))

	// 14s of buffering: below the window.
	if d, _ := rec.StallEvaluate(base.Add(24*time.Second), policy); d != StallNone {
		t.Errorf("decision below window = %v, want none", d)
	}
	// 15s of buffering: stalled.
	d, attempt := rec.StallEvaluate(base.Add(25*time.Second), policy)
	if d != StallRecover || attempt != 1 {
		t.Errorf("decision = (%v, %d), want (recover, 1)", d, attempt)
	}
}

func TestStallEvaluateOneRecoveryPerStallWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	policy := StallPolicy{
		BufferingWindow:     15 * time.Second,
		ResetActivityWindow: 10 * time.Second,
		ResetCooldown:       30 * time.Second,
		MaxAttempts:         3,
	}

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(time.Second))

	// Two detector ticks land inside the same 16 second stall window;
	// only the first may trigger a recovery.
	d1, _ := rec.StallEvaluate(base.Add(17*time.Second), policy)
	d2, _ := rec.StallEvaluate(base.Add(27*time.Second), policy)
	if d1 != StallRecover {
		t.Errorf("first tick = %v, want recover", d1)
	}
	if d2 != StallNone {
		t.Errorf("second tick = %v, want none", d2)
	}
	if got := rec.RecoverySnapshot().Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestStallEvaluateBufferingIgnoredWhileSegmentsFlow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	policy := StallPolicy{
		BufferingWindow:     15 * time.Second,
		ResetActivityWindow: 10 * time.Second,
		ResetCooldown:       30 * time.Second,
		MaxAttempts:         3,
	}

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(time.Second))
	// Segments keep flowing: slow network, not a dead stream.
	rec.AddSegment(1024, base.Add(18*time.Second))

	if d, _ := rec.StallEvaluate(base.Add(20*time.Second), policy); d != StallNone {
		t.Errorf("decision = %v, want none while proxy traffic is fresh", d)
	}
}

func TestStallEvaluateGiveUpReportedOnce(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	policy := StallPolicy{
		BufferingWindow:     15 * time.Second,
		ResetActivityWindow: 10 * time.Second,
		ResetCooldown:       30 * time.Second,
		MaxAttempts:         3,
	}

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(time.Second))

	now := base.Add(20 * time.Second)
	for i := 1; i <= 3; i++ {
		d, attempt := rec.StallEvaluate(now, policy)
		if d != StallRecover || attempt != i {
			t.Fatalf("attempt %d: decision = (%v, %d)", i, d, attempt)
		}
		now = now.Add(40 * time.Second)
		// Still buffering the whole time; no reset applies.
	}

	if d, _ := rec.StallEvaluate(now, policy); d != StallGiveUp {
		t.Errorf("fourth evaluation = %v, want giveup", d)
	}
	if d, _ := rec.StallEvaluate(now.Add(10*time.Second), policy); d != StallNone {
		t.Errorf("giveup reported twice")
	}
}

func TestStallEvaluateResetAfterSustainedPlayback(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	policy := StallPolicy{
		BufferingWindow:     15 * time.Second,
		ResetActivityWindow: 10 * time.Second,
		ResetCooldown:       30 * time.Second,
		MaxAttempts:         3,
	}

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(time.Second))

	attemptAt := base.Add(20 * time.Second)
	if d, _ := rec.StallEvaluate(attemptAt, policy); d != StallRecover {
		t.Fatal("expected recover")
	}

	// Playback resumes with fresh proxy traffic.
	rec.ObservePlayback(types.StatePlaying, attemptAt.Add(5*time.Second))
	rec.AddSegment(1024, attemptAt.Add(29*time.Second))

	// 29s since the attempt: cooldown not met yet.
	if d, _ := rec.StallEvaluate(attemptAt.Add(29*time.Second), policy); d != StallNone {
		t.Error("reset before cooldown elapsed")
	}

	rec.AddSegment(1024, attemptAt.Add(31*time.Second))
	if d, _ := rec.StallEvaluate(attemptAt.Add(31*time.Second), policy); d != StallReset {
		t.Error("expected reset after sustained playback")
	}
	if snap := rec.RecoverySnapshot(); snap.Attempts != 0 {
		t.Errorf("attempts after reset = %d, want 0", snap.Attempts)
	}
}

func TestStallEvaluateIdleNeedsPriorPlayback(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	policy := StallPolicy{
		IdleWindow:          15 * time.Second,
		IdleCooldown:        5 * time.Second,
		ResetActivityWindow: 10 * time.Second,
		ResetCooldown:       30 * time.Second,
		MaxAttempts:         3,
	}

	// Idle without ever playing: still loading, not stalled.
	rec.ObservePlayback(types.StateIdle, base)
	if d, _ := rec.StallEvaluate(base.Add(time.Minute), policy); d != StallNone {
		t.Error("idle before first playback treated as stall")
	}

	rec.ObservePlayback(types.StatePlaying, base.Add(time.Minute))
	rec.AddSegment(1024, base.Add(time.Minute))
	rec.ObservePlayback(types.StateIdle, base.Add(61*time.Second))

	if d, _ := rec.StallEvaluate(base.Add(80*time.Second), policy); d != StallRecover {
		t.Error("idle after playback with stale activity not treated as stall")
	}
}

func TestRecoverySucceededKeepsAttemptCount(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)
	policy := StallPolicy{BufferingWindow: 15 * time.Second, ResetCooldown: 30 * time.Second, MaxAttempts: 3}

	rec.ObservePlayback(types.StatePlaying, base)
	rec.ObservePlayback(types.StateBuffering, base.Add(time.Second))
	rec.StallEvaluate(base.Add(20*time.Second), policy)

	rec.RecoverySucceeded(base.Add(25 * time.Second))
	snap := rec.RecoverySnapshot()
	if snap.Stalled {
		t.Error("still marked stalled after success")
	}
	if snap.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (only sustained playback resets)", snap.Attempts)
	}
}

func TestAddSegmentDerivesBitrate(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newTestRecord(t, base)

	// 1 MB over 8 seconds: 1000 kbps.
	rec.AddSegment(1_000_000, base.Add(8*time.Second))
	stats := rec.Stats()
	if stats.BitrateKbps != 1000 {
		t.Errorf("bitrate = %d kbps, want 1000", stats.BitrateKbps)
	}
	if stats.SegmentCount != 1 || stats.BytesTransferred != 1_000_000 {
		t.Errorf("stats = %+v", stats)
	}
}
