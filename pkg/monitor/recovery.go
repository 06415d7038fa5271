package monitor

import (
	"context"
	"time"

	"cast-proxy-go/pkg/interfaces"
	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/metrics"
	"cast-proxy-go/pkg/session"
	"cast-proxy-go/pkg/types"
)

// StallDetector watches sessions for stuck playback and restarts the stream
// on the receiver when it finds one.
type StallDetector struct {
	table        *session.Table
	log          *logging.Logger
	hub          interfaces.Broadcaster
	metrics      *metrics.Metrics
	policy       session.StallPolicy
	pollInterval time.Duration
	settleDelay  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStallDetector creates a stall detector.
func NewStallDetector(table *session.Table, log *logging.Logger, hub interfaces.Broadcaster, m *metrics.Metrics, policy session.StallPolicy, pollInterval, settleDelay time.Duration) *StallDetector {
	return &StallDetector{
		table:        table,
		log:          log.WithComponent("stalldetector"),
		hub:          hub,
		metrics:      m,
		policy:       policy,
		pollInterval: pollInterval,
		settleDelay:  settleDelay,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run polls every pollInterval until ctx is done.
func (d *StallDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *StallDetector) tick(ctx context.Context) {
	now := d.now()
	for _, rec := range d.table.Snapshot() {
		decision, attempt := rec.StallEvaluate(now, d.policy)
		switch decision {
		case session.StallRecover:
			go d.recover(ctx, rec, attempt)
		case session.StallGiveUp:
			d.log.WithDevice(rec.DeviceAddr).Error("stalled with recovery budget spent, leaving session alone", "attempts", attempt)
			d.publish(rec, types.RecoveryEvent{Phase: "giveup", Attempt: attempt, MaxAttempts: d.policy.MaxAttempts, Reason: "recovery attempts exhausted"})
			if d.metrics != nil {
				d.metrics.RecoveryAttempts.WithLabelValues("giveup").Inc()
			}
		case session.StallReset:
			d.log.WithDevice(rec.DeviceAddr).Info("playback stable again, recovery budget restored")
		}
	}
}

// recover restarts playback on the receiver: stop, let it settle, reload the
// same proxied stream.
func (d *StallDetector) recover(ctx context.Context, rec *session.Record, attempt int) {
	log := d.log.WithDevice(rec.DeviceAddr).With("attempt", attempt)
	log.Warn("playback stalled, restarting stream")
	d.publish(rec, types.RecoveryEvent{Phase: "attempting", Attempt: attempt, MaxAttempts: d.policy.MaxAttempts})
	if d.metrics != nil {
		d.metrics.RecoveryAttempts.WithLabelValues("attempting").Inc()
	}

	if err := rec.Player.Stop(ctx); err != nil && !interfaces.IsBenignCastError(err) {
		log.WithError(err).Warn("stop before reload failed")
	}

	if err := d.sleep(ctx, d.settleDelay); err != nil {
		return
	}

	media := rec.Media()
	if err := rec.Player.Load(ctx, media); err != nil {
		log.WithError(err).Error("stream reload failed")
		d.publish(rec, types.RecoveryEvent{Phase: "failed", Attempt: attempt, MaxAttempts: d.policy.MaxAttempts, Reason: err.Error()})
		if d.metrics != nil {
			d.metrics.RecoveryAttempts.WithLabelValues("failed").Inc()
		}
		return
	}

	rec.RecoverySucceeded(d.now())
	log.Info("stream restarted")
	d.publish(rec, types.RecoveryEvent{Phase: "success", Attempt: attempt, MaxAttempts: d.policy.MaxAttempts})
	if d.metrics != nil {
		d.metrics.RecoveryAttempts.WithLabelValues("success").Inc()
	}
}

func (d *StallDetector) publish(rec *session.Record, ev types.RecoveryEvent) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(types.Event{
		Type:    types.EventRecovery,
		Device:  rec.DeviceAddr,
		Payload: ev,
	})
}
