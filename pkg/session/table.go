package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"cast-proxy-go/pkg/interfaces"
)

// Table is the session registry, keyed by receiver device address. One
// session per device: creating a session for a device that already has one
// replaces the old record, and the caller is handed the displaced record so
// it can tear the old playback down.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record

	now func() time.Time
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Create registers a session for the device and returns the new record plus
// the record it displaced, if any.
func (t *Table) Create(deviceAddr, clientAddr string, client interfaces.CastClient, player interfaces.CastPlayer) (rec *Record, displaced *Record) {
	now := t.now()
	rec = &Record{
		DeviceAddr: deviceAddr,
		ID:         uuid.NewString(),
		ClientAddr: clientAddr,
		CreatedAt:  now,
		Client:     client,
		Player:     player,
	}
	rec.stats.StartedAt = now
	rec.stats.LastActivity = now
	rec.conn.State = ConnHealthy
	rec.conn.LastHeartbeat = now

	t.mu.Lock()
	displaced = t.records[deviceAddr]
	t.records[deviceAddr] = rec
	t.mu.Unlock()
	return rec, displaced
}

// Get returns the session for a device address, if one exists.
func (t *Table) Get(deviceAddr string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[deviceAddr]
	return rec, ok
}

// Delete removes the session for a device address. It only removes the given
// record, so a teardown racing a replacement cannot delete the new session.
// Pass nil to remove whatever record is registered.
func (t *Table) Delete(deviceAddr string, rec *Record) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.records[deviceAddr]
	if !ok {
		return nil, false
	}
	if rec != nil && cur != rec {
		return nil, false
	}
	delete(t.records, deviceAddr)
	return cur, true
}

// ByClientAddr returns the session a proxy request belongs to. Proxy
// traffic carries no device identity, so requests are matched by source
// host: the receiver itself (the device address host) or the sender that
// started the session.
func (t *Table) ByClientAddr(clientAddr string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.records {
		if rec.ClientAddr == clientAddr {
			return rec, true
		}
		if host, _, err := net.SplitHostPort(rec.DeviceAddr); err == nil && host == clientAddr {
			return rec, true
		}
	}
	return nil, false
}

// Snapshot returns all current records.
func (t *Table) Snapshot() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of registered sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// HasSession reports whether the device has an active session. The device
// directory uses this to veto eviction of devices that are still casting.
func (t *Table) HasSession(deviceAddr string) bool {
	_, ok := t.Get(deviceAddr)
	return ok
}
