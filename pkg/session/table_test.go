package session

import (
	"testing"
	"time"
)

func TestTableCreateReplacesExisting(t *testing.T) {
	tbl := NewTable()
	tbl.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	first, displaced := tbl.Create("192.168.1.50:8009", "192.168.1.20", nil, nil)
	if displaced != nil {
		t.Fatal("first create displaced a record")
	}
	second, displaced := tbl.Create("192.168.1.50:8009", "192.168.1.21", nil, nil)
	if displaced != first {
		t.Error("second create did not hand back the displaced record")
	}
	if got, _ := tbl.Get("192.168.1.50:8009"); got != second {
		t.Error("table does not hold the newest record")
	}
	if first.ID == second.ID {
		t.Error("replacement reused the session ID")
	}
	if tbl.Len() != 1 {
		t.Errorf("len = %d, want 1", tbl.Len())
	}
}

func TestTableDeleteOnlyRemovesGivenRecord(t *testing.T) {
	tbl := NewTable()
	old, _ := tbl.Create("192.168.1.50:8009", "192.168.1.20", nil, nil)
	current, _ := tbl.Create("192.168.1.50:8009", "192.168.1.21", nil, nil)

	// A teardown of the displaced record must not delete the new session.
	if _, ok := tbl.Delete("192.168.1.50:8009", old); ok {
		t.Error("stale delete removed the current session")
	}
	if got, ok := tbl.Get("192.168.1.50:8009"); !ok || got != current {
		t.Error("current session missing after stale delete")
	}

	if _, ok := tbl.Delete("192.168.1.50:8009", current); !ok {
		t.Error("delete of current record failed")
	}
	if tbl.Len() != 0 {
		t.Errorf("len = %d, want 0", tbl.Len())
	}
}

func TestTableByClientAddr(t *testing.T) {
	tbl := NewTable()
	rec, _ := tbl.Create("192.168.1.50:8009", "192.168.1.20", nil, nil)
	tbl.Create("192.168.1.51:8009", "192.168.1.30", nil, nil)

	got, ok := tbl.ByClientAddr("192.168.1.20")
	if !ok || got != rec {
		t.Error("lookup by sender address failed")
	}
	// The receiver's own fetches arrive from the device address host.
	got, ok = tbl.ByClientAddr("192.168.1.50")
	if !ok || got != rec {
		t.Error("lookup by receiver host failed")
	}
	if _, ok := tbl.ByClientAddr("10.0.0.1"); ok {
		t.Error("lookup for unknown client succeeded")
	}
}

func TestTableHasSession(t *testing.T) {
	tbl := NewTable()
	tbl.Create("192.168.1.50:8009", "192.168.1.20", nil, nil)

	if !tbl.HasSession("192.168.1.50:8009") {
		t.Error("HasSession false for active session")
	}
	if tbl.HasSession("192.168.1.99:8009") {
		t.Error("HasSession true for unknown device")
	}
}
