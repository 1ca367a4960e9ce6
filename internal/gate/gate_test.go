package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

var archConfig = catalog.StageConfig{
	Stage:     catalog.Architecture,
	Artifacts: []string{"architecture"},
	Reviews: []catalog.Requirement{
		{Actor: "arch-reviewer", Domain: "architecture"},
		{Actor: "sec-reviewer", Domain: "security"},
	},
	Approvals: []catalog.Requirement{{Actor: "tech-lead", Domain: "technical"}},
	Signoff:   "architect",
}

func item(decisions ...decision.Record) workitem.WorkItem {
	return workitem.WorkItem{
		ID:        "wi-1",
		Stage:     catalog.Architecture,
		Status:    workitem.Active,
		Artifacts: map[string]string{"architecture": "ref"},
		Decisions: decisions,
		Iteration: 1,
	}
}

func dec(typ decision.Type, actor, domain string, outcome decision.Outcome) decision.Record {
	d := decision.Record{
		WorkItemID: "wi-1",
		Stage:      catalog.Architecture,
		Type:       typ,
		Outcome:    outcome,
		Actor:      actor,
		Domain:     domain,
		Timestamp:  time.Now(),
		Iteration:  1,
	}
	if outcome == decision.ChangesRequired {
		d.RequiredChanges = []string{"rework the data model"}
	}
	if outcome == decision.ApprovedWithRisks {
		d.Risks = []string{"risk"}
	}
	return d
}

func allApproved() []decision.Record {
	return []decision.Record{
		dec(decision.Review, "arch-reviewer", "architecture", decision.Approved),
		dec(decision.Review, "sec-reviewer", "security", decision.ApprovedWithRisks),
		dec(decision.Approval, "tech-lead", "technical", decision.Approved),
		dec(decision.Signoff, "architect", "architecture", decision.Approved),
	}
}

func TestEvaluatePasses(t *testing.T) {
	res := Evaluate(archConfig, item(allApproved()...))
	if !res.Passed {
		t.Fatalf("expected pass, blockers: %v", res.Blockers())
	}
	if len(res.Blockers()) != 0 {
		t.Errorf("Blockers = %v, want none", res.Blockers())
	}
}

func TestEvaluateEmptyItem(t *testing.T) {
	w := item()
	w.Artifacts = map[string]string{}
	res := Evaluate(archConfig, w)
	if res.Passed {
		t.Fatal("expected failure")
	}
	if len(res.MissingArtifacts) != 1 || len(res.MissingReviews) != 2 || len(res.MissingApprovals) != 1 {
		t.Errorf("missing = %v / %v / %v", res.MissingArtifacts, res.MissingReviews, res.MissingApprovals)
	}
	if res.MissingSignoff != "architect" {
		t.Errorf("MissingSignoff = %q, want architect", res.MissingSignoff)
	}
	if got := len(res.Blockers()); got != 5 {
		t.Errorf("Blockers = %d, want 5: %v", got, res.Blockers())
	}
}

func TestChangesRequiredIsBlocking(t *testing.T) {
	ds := allApproved()
	ds[0] = dec(decision.Review, "arch-reviewer", "architecture", decision.ChangesRequired)
	res := Evaluate(archConfig, item(ds...))
	if res.Passed {
		t.Fatal("expected failure")
	}
	if len(res.MissingReviews) != 0 {
		t.Errorf("MissingReviews = %v, want none (blocking, not missing)", res.MissingReviews)
	}
	if len(res.BlockingDecisions) != 1 || res.BlockingDecisions[0].Actor != "arch-reviewer" {
		t.Errorf("BlockingDecisions = %+v", res.BlockingDecisions)
	}
	if !strings.Contains(strings.Join(res.Blockers(), "\n"), "rework the data model") {
		t.Errorf("blockers should carry required changes: %v", res.Blockers())
	}
}

func TestLatestDecisionWins(t *testing.T) {
	ds := append(allApproved(), dec(decision.Review, "sec-reviewer", "security", decision.Rejected))
	res := Evaluate(archConfig, item(ds...))
	if res.Passed || len(res.BlockingDecisions) != 1 {
		t.Fatalf("expected the later rejection to block, got %+v", res)
	}

	ds = append(ds, dec(decision.Review, "sec-reviewer", "security", decision.Approved))
	if res := Evaluate(archConfig, item(ds...)); !res.Passed {
		t.Errorf("later approval should clear the block: %v", res.Blockers())
	}
}

func TestApprovalOnlyCountsWhenPositive(t *testing.T) {
	ds := allApproved()
	ds[2] = dec(decision.Approval, "tech-lead", "technical", decision.Rejected)
	res := Evaluate(archConfig, item(ds...))
	if len(res.MissingApprovals) != 1 {
		t.Fatalf("MissingApprovals = %v", res.MissingApprovals)
	}
	if !strings.Contains(res.Blockers()[0], "rejected") {
		t.Errorf("blocker = %q", res.Blockers()[0])
	}
}

func TestSignoffFromWrongActorIgnored(t *testing.T) {
	ds := allApproved()[:3]
	ds = append(ds, dec(decision.Signoff, "someone", "architecture", decision.Approved))
	if res := Evaluate(archConfig, item(ds...)); res.MissingSignoff != "architect" {
		t.Errorf("MissingSignoff = %q, want architect", res.MissingSignoff)
	}
}

func TestOldIterationIgnored(t *testing.T) {
	ds := allApproved()
	for i := range ds {
		ds[i].Iteration = 0
	}
	res := Evaluate(archConfig, item(ds...))
	if res.Passed {
		t.Error("decisions from a previous iteration must not satisfy the gate")
	}
}

func TestExecutiveOverrideWaivesReviews(t *testing.T) {
	ds := []decision.Record{
		dec(decision.Review, "arch-reviewer", "architecture", decision.ChangesRequired),
		dec(decision.Escalation, "executive", "escalation:stuck_approval", decision.ApprovedWithRisks),
	}
	res := Evaluate(archConfig, item(ds...))
	if res.Override == nil {
		t.Fatal("expected override")
	}
	if len(res.BlockingDecisions) != 0 || len(res.MissingReviews) != 0 || len(res.MissingApprovals) != 0 {
		t.Errorf("override should waive reviews and approvals: %v", res.Blockers())
	}
	if res.MissingSignoff == "" {
		t.Error("override must not waive sign-off")
	}
	for _, r := range res.Reviews {
		if r.State != Waived {
			t.Errorf("review %s state = %q, want waived", r.Label(), r.State)
		}
	}
}

func TestTerminalStageNeedsNoSignoff(t *testing.T) {
	w := item()
	w.Stage = catalog.Completed
	res := Evaluate(catalog.StageConfig{Stage: catalog.Completed}, w)
	if !res.Passed || res.Signoff.Required {
		t.Errorf("completed stage should pass without sign-off: %+v", res)
	}
}
