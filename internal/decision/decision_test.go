package decision

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
)

type staticAuthority map[catalog.Stage]string

func (a staticAuthority) SignoffActor(s catalog.Stage) string { return a[s] }

var authority = staticAuthority{catalog.Intake: "orchestrator", catalog.Design: "designer"}

func baseParams() Params {
	return Params{
		WorkItemID: "wi-1",
		Stage:      catalog.Intake,
		Type:       Review,
		Outcome:    Approved,
		Actor:      "reviewer",
		Domain:     "product",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
	}
}

func TestNewValid(t *testing.T) {
	r, err := New(baseParams(), authority)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.BlocksTransition {
		t.Error("approved review should not block")
	}
	if r.Key() != "reviewer/product" {
		t.Errorf("Key = %q", r.Key())
	}
}

func TestNewDefaultsTimestamp(t *testing.T) {
	p := baseParams()
	p.Timestamp = time.Time{}
	r, err := New(p, authority)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
	if r.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", r.Timestamp.Location())
	}
}

func TestChangesRequiredNeedsChanges(t *testing.T) {
	p := baseParams()
	p.Outcome = ChangesRequired
	p.RequiredChanges = []string{"  "}

	_, err := New(p, authority)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if !containsViolation(ve, "required change") {
		t.Errorf("violations = %v", ve.Violations)
	}

	p.RequiredChanges = []string{"add error handling"}
	r, err := New(p, authority)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.BlocksTransition {
		t.Error("changes_required should block transition")
	}
}

func TestApprovedWithRisksNeedsRisks(t *testing.T) {
	p := baseParams()
	p.Outcome = ApprovedWithRisks

	_, err := New(p, authority)
	var ve *ValidationError
	if !errors.As(err, &ve) || !containsViolation(ve, "risk") {
		t.Fatalf("err = %v, want missing risk violation", err)
	}
}

func TestSignoffActorEnforced(t *testing.T) {
	p := baseParams()
	p.Type = Signoff
	p.Actor = "someone-else"

	_, err := New(p, authority)
	var ve *ValidationError
	if !errors.As(err, &ve) || !containsViolation(ve, "must come from") {
		t.Fatalf("err = %v, want sign-off actor violation", err)
	}

	p.Actor = "orchestrator"
	if _, err := New(p, authority); err != nil {
		t.Errorf("New with designated actor: %v", err)
	}
}

func TestValidationIsExhaustive(t *testing.T) {
	p := Params{
		Stage:     catalog.Design,
		Type:      Signoff,
		Outcome:   ChangesRequired,
		Actor:     "intruder",
		Iteration: -1,
	}
	_, err := New(p, authority)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	for _, want := range []string{"work item id", "domain", "iteration", "required change", "must come from"} {
		if !containsViolation(ve, want) {
			t.Errorf("missing violation %q in %v", want, ve.Violations)
		}
	}
	if len(ve.Violations) != 5 {
		t.Errorf("got %d violations, want 5: %v", len(ve.Violations), ve.Violations)
	}
}

func TestUnknownTypeAndOutcome(t *testing.T) {
	p := baseParams()
	p.Type = "vote"
	p.Outcome = "maybe"
	p.Stage = "shipping"
	_, err := New(p, authority)
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Violations) != 3 {
		t.Fatalf("err = %v, want 3 violations", err)
	}
}

func TestLineRoundTrip(t *testing.T) {
	p := baseParams()
	p.Outcome = ApprovedWithRisks
	p.Risks = []string{"latency under load", "vendor lock-in"}
	p.ArtifactsReviewed = []string{"brief"}
	p.Notes = "ship it\nwith care"
	p.Iteration = 2
	orig, err := New(p, authority)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	line, err := MarshalLine(orig)
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if strings.Contains(string(line), "\n") {
		t.Errorf("line contains newline: %s", line)
	}

	got, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if !reflect.DeepEqual(got, orig) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, orig)
	}
}

func TestParseLineRejectsInvalid(t *testing.T) {
	if _, err := ParseLine([]byte(`{"work_item_id":"x","stage":"intake"}`)); err == nil {
		t.Error("expected validation error")
	}
	if _, err := ParseLine([]byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
	if _, err := ParseLine(nil); err == nil {
		t.Error("expected error for empty line")
	}
}

func TestParseOutcome(t *testing.T) {
	o, err := ParseOutcome("approved_with_risks")
	if err != nil || o != ApprovedWithRisks {
		t.Errorf("ParseOutcome = %q, %v", o, err)
	}
	if !o.Positive() || o.Blocking() {
		t.Error("approved_with_risks should be positive and non-blocking")
	}
	if !Rejected.Blocking() {
		t.Error("rejected should block")
	}
}

func containsViolation(ve *ValidationError, sub string) bool {
	for _, v := range ve.Violations {
		if strings.Contains(v, sub) {
			return true
		}
	}
	return false
}
