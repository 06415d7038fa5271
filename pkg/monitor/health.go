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

// ConnectionMonitor polls session heartbeats and drives reconnects for
// receivers that stopped responding.
type ConnectionMonitor struct {
	table          *session.Table
	log            *logging.Logger
	hub            interfaces.Broadcaster
	metrics        *metrics.Metrics
	interval       time.Duration
	reconnectDelay time.Duration
	reconnectMax   int

	now   func() time.Time
	after func(d time.Duration, fn func())
}

// NewConnectionMonitor creates a connection health monitor.
func NewConnectionMonitor(table *session.Table, log *logging.Logger, hub interfaces.Broadcaster, m *metrics.Metrics, interval, reconnectDelay time.Duration, reconnectMax int) *ConnectionMonitor {
	return &ConnectionMonitor{
		table:          table,
		log:            log.WithComponent("connmonitor"),
		hub:            hub,
		metrics:        m,
		interval:       interval,
		reconnectDelay: reconnectDelay,
		reconnectMax:   reconnectMax,
		now:            time.Now,
		after:          func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Run polls every interval until ctx is done.
func (m *ConnectionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *ConnectionMonitor) tick(ctx context.Context) {
	now := m.now()
	for _, rec := range m.table.Snapshot() {
		switch rec.ConnPoll(now, m.interval) {
		case session.ConnActionBecameDegraded:
			m.log.WithDevice(rec.DeviceAddr).Warn("connection degraded, heartbeats missing")
			m.publishHealth(rec, "degraded")
		case session.ConnActionScheduleReconnect:
			m.log.WithDevice(rec.DeviceAddr).Warn("connection unhealthy, scheduling reconnect", "delay", m.reconnectDelay)
			m.publishHealth(rec, "unhealthy")
			m.after(m.reconnectDelay, func() { m.reconnect(ctx, rec) })
		}
	}
}

// reconnect runs one reconnect attempt. Exactly one attempt is in flight per
// session: BeginReconnect refuses when a heartbeat revived the session while
// the attempt was pending.
func (m *ConnectionMonitor) reconnect(ctx context.Context, rec *session.Record) {
	attempt, ok := rec.BeginReconnect()
	if !ok {
		return
	}
	log := m.log.WithDevice(rec.DeviceAddr).With("attempt", attempt)
	log.Info("probing receiver")

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rec.Client.Status(probeCtx)
	cancel()

	retry := rec.FinishReconnect(err == nil, m.reconnectMax, m.now())
	if err == nil {
		log.Info("receiver responded, connection restored")
		if m.metrics != nil {
			m.metrics.Reconnects.WithLabelValues("success").Inc()
		}
		m.publishHealth(rec, "healthy")
		return
	}

	log.WithError(err).Warn("reconnect probe failed")
	if m.metrics != nil {
		m.metrics.Reconnects.WithLabelValues("failure").Inc()
	}
	if retry {
		m.after(m.reconnectDelay, func() { m.reconnect(ctx, rec) })
		return
	}

	// Budget spent. The session is gone for good: remove it and release
	// the control channel.
	log.Error("receiver unreachable, giving up on session")
	m.publishHealth(rec, "failed")
	if _, ok := m.table.Delete(rec.DeviceAddr, rec); ok {
		if rec.Client != nil {
			rec.Client.Close()
		}
	}
}

func (m *ConnectionMonitor) publishHealth(rec *session.Record, state string) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(types.Event{
		Type:    types.EventHealth,
		Device:  rec.DeviceAddr,
		Payload: map[string]any{"state": state},
	})
}
