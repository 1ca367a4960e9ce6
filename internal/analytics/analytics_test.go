package analytics

import (
	"testing"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC) // a Monday

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func entry(item string, action ledger.Action, stage catalog.Stage, minutes int) ledger.Entry {
	return ledger.Entry{WorkItemID: item, Action: action, Stage: stage, Timestamp: at(minutes)}
}

func decided(item string, typ decision.Type, outcome decision.Outcome, minutes int) ledger.Entry {
	e := entry(item, ledger.DecisionMade, catalog.Intake, minutes)
	e.Decision = &decision.Record{WorkItemID: item, Stage: catalog.Intake, Type: typ, Outcome: outcome}
	return e
}

// Two FAST_TRACK items: wi-1 completes, wi-2 is cancelled during implementation.
func sampleLedger() []ledger.Entry {
	return []ledger.Entry{
		entry("wi-1", ledger.ItemCreated, catalog.Intake, 0),
		entry("wi-1", ledger.StageEntered, catalog.Intake, 0),
		entry("wi-2", ledger.ItemCreated, catalog.Intake, 5),
		entry("wi-2", ledger.StageEntered, catalog.Intake, 5),
		entry("wi-1", ledger.StageEntered, catalog.Implementation, 10),
		entry("wi-2", ledger.StageEntered, catalog.Implementation, 35),
		entry("wi-1", ledger.ReworkTriggered, catalog.Implementation, 40),
		entry("wi-1", ledger.StageEntered, catalog.Verification, 70),
		entry("wi-2", ledger.EscalationTriggered, catalog.Implementation, 80),
		entry("wi-2", ledger.ItemCancelled, catalog.Implementation, 95),
		entry("wi-1", ledger.StageEntered, catalog.Completed, 90),
		entry("wi-1", ledger.ItemCompleted, catalog.Completed, 90),
	}
}

func TestStageDurations(t *testing.T) {
	results := StageDurations(sampleLedger(), time.Time{})
	if len(results) != 3 {
		t.Fatalf("expected 3 stages, got %d: %+v", len(results), results)
	}

	intake := results[0]
	if intake.Stage != catalog.Intake || intake.Count != 2 {
		t.Fatalf("intake = %+v", intake)
	}
	if intake.Avg != 20 {
		t.Errorf("intake avg = %v, want 20", intake.Avg)
	}
	if intake.P50 != 20 {
		t.Errorf("intake p50 = %v, want 20", intake.P50)
	}
	if intake.P95 != 29 {
		t.Errorf("intake p95 = %v, want 29", intake.P95)
	}

	impl := results[1]
	if impl.Stage != catalog.Implementation || impl.Count != 2 || impl.Avg != 60 {
		t.Errorf("implementation = %+v, want 2 visits averaging 60", impl)
	}
	if results[2].Stage != catalog.Verification || results[2].Avg != 20 {
		t.Errorf("verification = %+v", results[2])
	}
}

func TestStageDurationsSince(t *testing.T) {
	results := StageDurations(sampleLedger(), at(60))
	for _, r := range results {
		if r.Stage == catalog.Intake {
			t.Errorf("intake visits ended before since, got %+v", r)
		}
	}
}

func TestRework(t *testing.T) {
	results := Rework(sampleLedger(), time.Time{})
	var impl *StageRework
	for i := range results {
		if results[i].Stage == catalog.Implementation {
			impl = &results[i]
		}
	}
	if impl == nil {
		t.Fatal("no implementation stats")
	}
	if impl.Visits != 2 || impl.Reworks != 1 || impl.Escalations != 1 {
		t.Errorf("implementation = %+v", impl)
	}
	if impl.ReworkRate != 50 {
		t.Errorf("rework rate = %v, want 50", impl.ReworkRate)
	}
	if results[0].Stage != catalog.Intake {
		t.Errorf("results not in stage order: %+v", results)
	}
}

func TestOutcomes(t *testing.T) {
	entries := []ledger.Entry{
		decided("wi-1", decision.Review, decision.Approved, 1),
		decided("wi-1", decision.Review, decision.ChangesRequired, 2),
		decided("wi-2", decision.Review, decision.Approved, 3),
		decided("wi-2", decision.Signoff, decision.Approved, 4),
	}
	results := Outcomes(entries, time.Time{})
	if len(results) != 3 {
		t.Fatalf("expected 3 rows, got %+v", results)
	}
	first := results[0]
	if first.Type != decision.Review || first.Outcome != decision.Approved || first.Count != 2 {
		t.Errorf("first row = %+v", first)
	}
	if first.Share != 66.7 {
		t.Errorf("share = %v, want 66.7", first.Share)
	}
	last := results[2]
	if last.Type != decision.Signoff || last.Share != 100 {
		t.Errorf("signoff row = %+v", last)
	}
}

func TestWeeklyThroughput(t *testing.T) {
	entries := append(sampleLedger(), ledger.Entry{
		WorkItemID: "wi-3", Action: ledger.ItemCreated, Timestamp: t0.AddDate(0, 0, 7),
	})
	results := WeeklyThroughput(entries, time.Time{})
	if len(results) != 2 {
		t.Fatalf("expected 2 weeks, got %+v", results)
	}
	if results[0].Week != "2024-W23" {
		t.Errorf("week = %q, want 2024-W23", results[0].Week)
	}
	if results[0].Created != 2 || results[0].Completed != 1 || results[0].Cancelled != 1 {
		t.Errorf("week 23 = %+v", results[0])
	}
	if results[1].Created != 1 {
		t.Errorf("week 24 = %+v", results[1])
	}
}

func TestComputeEmpty(t *testing.T) {
	r := Compute(nil, time.Time{})
	if r.Entries != 0 || len(r.StageDurations) != 0 || len(r.Outcomes) != 0 {
		t.Errorf("empty report = %+v", r)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	if got := percentile(sorted, 50); got != 25 {
		t.Errorf("p50 = %v, want 25", got)
	}
	if got := percentile([]float64{7}, 95); got != 7 {
		t.Errorf("single p95 = %v, want 7", got)
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("empty p50 = %v, want 0", got)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"2024-06-01T08:00:00Z", time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"24h", now.Add(-24 * time.Hour)},
	}
	for _, tt := range tests {
		got, err := ParseSince(tt.in, now)
		if err != nil {
			t.Fatalf("ParseSince(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseSince("last week", now); err == nil {
		t.Error("expected error for free text")
	}
}
