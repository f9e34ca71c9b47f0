package heard

import "testing"

func TestRecordCreatesAndRefreshesEntry(t *testing.T) {
	var l Log
	l.Record("DB1ABC", "JO31", "CQ", 5, 0, 1840000)
	e, ok := l.Get("DB1ABC")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if e.Count != 1 || e.Activity != "CQ" {
		t.Errorf("unexpected entry: %+v", e)
	}

	l.Record("DB1ABC", "JO31", "DATA-CHANNEL", 8, 0, 1840000)
	e, _ = l.Get("DB1ABC")
	if e.Count != 2 || e.Activity != "DATA-CHANNEL" {
		t.Errorf("expected refreshed entry, got %+v", e)
	}
}

func TestAllOrdersByMostRecent(t *testing.T) {
	var l Log
	l.Record("DB1ABC", "JO31", "CQ", 0, 0, 0)
	l.Record("DB2XYZ", "JO32", "CQ", 0, 0, 0)
	all := l.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Callsign != "DB2XYZ" {
		t.Errorf("most recent entry = %q, want DB2XYZ", all[0].Callsign)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	var l Log
	if _, ok := l.Get("NOBODY"); ok {
		t.Error("expected ok=false for an unrecorded callsign")
	}
}
