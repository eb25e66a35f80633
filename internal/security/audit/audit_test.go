package audit

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestSeverityFilter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(100, SeverityWarning, clock)

	if e := log.Record(EventBeaconRotated, SeverityInfo, "below threshold"); e != nil {
		t.Error("info event should be dropped below warning threshold")
	}
	if e := log.Record(EventTrustRevoked, SeverityWarning, "at threshold"); e == nil {
		t.Error("warning event should be recorded")
	}
	if e := log.Record(EventCompromiseDetected, SeverityCritical, "above threshold"); e == nil {
		t.Error("critical event should be recorded")
	}

	if log.Size() != 2 {
		t.Errorf("Size = %d, want 2", log.Size())
	}
}

func TestRingBufferOverwrite(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(3, SeverityInfo, clock)

	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		log.Record(EventTrustChanged, SeverityInfo, msg)
	}

	if log.Size() != 3 {
		t.Fatalf("Size = %d, want 3", log.Size())
	}

	// 最舊的條目被覆蓋，剩下 three four five（Find 最新在前）
	entries := log.Find(Query{})
	if len(entries) != 3 {
		t.Fatalf("Find returned %d entries, want 3", len(entries))
	}
	want := []string{"five", "four", "three"}
	for i, e := range entries {
		if e.Message != want[i] {
			t.Errorf("entry[%d] = %s, want %s", i, e.Message, want[i])
		}
	}
}

func TestQueryFilters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(100, SeverityInfo, clock)

	log.Record(EventCertificateIssued, SeverityInfo, "issue a", WithTarget("device-a"))
	clock.Advance(time.Minute)
	cutoff := clock.Now()
	log.Record(EventCertificateRevoked, SeverityWarning, "revoke a", WithTarget("device-a"))
	log.Record(EventCertificateIssued, SeverityInfo, "issue b", WithTarget("device-b"))

	testCases := []struct {
		name  string
		query Query
		want  int
	}{
		{"All", Query{}, 3},
		{"By device", Query{Device: "device-a"}, 2},
		{"By type", Query{Types: []EventType{EventCertificateIssued}}, 2},
		{"By severity", Query{Severities: []Severity{SeverityWarning}}, 1},
		{"By time", Query{From: cutoff}, 2},
		{"Limit", Query{Limit: 1}, 1},
		{"No match", Query{Device: "device-c"}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := log.Find(tc.query); len(got) != tc.want {
				t.Errorf("Find = %d entries, want %d", len(got), tc.want)
			}
		})
	}
}

func TestCleanupByAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(100, SeverityInfo, clock)

	log.Record(EventTrustChanged, SeverityInfo, "old")
	clock.Advance(48 * time.Hour)
	log.Record(EventTrustChanged, SeverityInfo, "recent")

	removed := log.Cleanup(clock.Now().Add(-24 * time.Hour))
	if removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	entries := log.Find(Query{})
	if len(entries) != 1 || entries[0].Message != "recent" {
		t.Error("only the recent entry should survive cleanup")
	}
}

func TestExportJSONLossless(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(100, SeverityInfo, clock)

	log.Record(EventSessionEstablished, SeverityInfo, "session up",
		WithSource("device-a"),
		WithTarget("device-b"),
		WithSession("sess-1"),
		WithDetails(map[string]interface{}{"cipher": "aes-256-gcm"}))

	data, err := log.ExportJSON(Query{})
	if err != nil {
		t.Fatal(err)
	}

	var decoded []Entry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("decoded %d entries, want 1", len(decoded))
	}

	e := decoded[0]
	if e.Type != EventSessionEstablished || e.SourceDevice != "device-a" ||
		e.TargetDevice != "device-b" || e.SessionID != "sess-1" {
		t.Error("exported entry lost fields")
	}
	if e.Details["cipher"] != "aes-256-gcm" {
		t.Error("exported entry lost details")
	}
}

func TestExportCSV(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(100, SeverityInfo, clock)

	log.Record(EventPolicyBlocked, SeverityWarning, "blocked, with comma",
		WithSource("device-a"),
		WithDetails(map[string]interface{}{"level": "basic"}))

	data, err := log.ExportCSV(Query{})
	if err != nil {
		t.Fatal(err)
	}

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("export is not valid CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("CSV rows = %d, want header + 1", len(records))
	}

	row := records[1]
	if row[1] != string(EventPolicyBlocked) {
		t.Errorf("type column = %s", row[1])
	}
	if row[7] != "blocked, with comma" {
		t.Errorf("message with comma mangled: %s", row[7])
	}
	if !strings.Contains(row[9], "basic") {
		t.Error("details column should embed JSON")
	}
}
