package transition

import (
	"context"
	"errors"
	"testing"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/config"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

func newTestManager(t *testing.T) (*Manager, *workitem.Manager) {
	t.Helper()
	cat, err := config.Default().Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	items := workitem.NewManager(ledger.NewMemory(), cat)
	return New(items, "orchestrator"), items
}

func decide(t *testing.T, items *workitem.Manager, id string, typ decision.Type, actor, domain string, outcome decision.Outcome) {
	t.Helper()
	w, err := items.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p := decision.Params{
		WorkItemID: id, Stage: w.Stage, Type: typ, Outcome: outcome,
		Actor: actor, Domain: domain, Iteration: w.Iteration,
	}
	if outcome == decision.ChangesRequired {
		p.RequiredChanges = []string{"more detail"}
	}
	rec, err := decision.New(p, items.Catalog())
	if err != nil {
		t.Fatalf("decision.New: %v", err)
	}
	if _, err := items.AddDecision(context.Background(), id, rec); err != nil {
		t.Fatalf("AddDecision: %v", err)
	}
}

func satisfyIntake(t *testing.T, items *workitem.Manager, id string) {
	t.Helper()
	if _, err := items.AddArtifact(context.Background(), id, "brief", "ref", "alice"); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
	decide(t, items, id, decision.Review, "product-reviewer", "product", decision.Approved)
	decide(t, items, id, decision.Signoff, "orchestrator", "intake", decision.Approved)
}

func TestFastTrackAdvance(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, err := items.Create(ctx, workitem.CreateParams{Title: "Typo fix", Variant: "FAST_TRACK"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	satisfyIntake(t, items, w.ID)

	res, w, err := m.Execute(ctx, w.ID, nil, "orchestrator")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("transition blocked: %v", res.Blockers())
	}
	if w.Stage != catalog.Implementation {
		t.Errorf("Stage = %q, want %q", w.Stage, catalog.Implementation)
	}

	entries, _ := items.Ledger().EntriesFor(ctx, w.ID)
	n := len(entries)
	if entries[n-2].Action != ledger.StageCompleted || entries[n-2].Stage != catalog.Intake {
		t.Errorf("entry %d = %s/%s, want stage_completed/intake", n-2, entries[n-2].Action, entries[n-2].Stage)
	}
	if entries[n-1].Action != ledger.StageEntered || entries[n-1].Stage != catalog.Implementation {
		t.Errorf("entry %d = %s/%s, want stage_entered/implementation", n-1, entries[n-1].Action, entries[n-1].Stage)
	}
}

func TestBlockedTransitionRecordsNothing(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, _ := items.Create(ctx, workitem.CreateParams{Title: "x", Variant: "STANDARD"})
	before, _ := items.Ledger().EntriesFor(ctx, w.ID)

	res, got, err := m.Execute(ctx, w.ID, nil, "orchestrator")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected blocked transition")
	}
	if got.Stage != catalog.Intake {
		t.Errorf("Stage = %q, want intake", got.Stage)
	}
	blockers := res.Blockers()
	if len(blockers) != 3 {
		t.Errorf("Blockers = %v, want artifact, review and sign-off", blockers)
	}
	after, _ := items.Ledger().EntriesFor(ctx, w.ID)
	if len(after) != len(before) {
		t.Errorf("ledger grew from %d to %d on a blocked transition", len(before), len(after))
	}
}

func TestValidateRejectsSkippingAndForeignStages(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, _ := items.Create(ctx, workitem.CreateParams{Title: "x", Variant: "FAST_TRACK"})
	satisfyIntake(t, items, w.ID)
	w, _ = items.Get(w.ID)

	design := catalog.Design
	if res := m.Validate(w, &design); res.Allowed {
		t.Error("design is not in FAST_TRACK")
	}
	verification := catalog.Verification
	if res := m.Validate(w, &verification); res.Allowed {
		t.Error("skipping implementation should not be allowed")
	}
	impl := catalog.Implementation
	if res := m.Validate(w, &impl); !res.Allowed {
		t.Errorf("explicit next stage blocked: %v", res.Blockers())
	}
}

func TestBlockedItemCannotAdvance(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, _ := items.Create(ctx, workitem.CreateParams{Title: "x", Variant: "FAST_TRACK"})
	satisfyIntake(t, items, w.ID)
	decide(t, items, w.ID, decision.Approval, "someone", "extra", decision.Rejected)

	res, _, err := m.Execute(ctx, w.ID, nil, "orchestrator")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Allowed {
		t.Fatal("blocked item must not advance")
	}
}

func TestCompletingItem(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, _ := items.Create(ctx, workitem.CreateParams{Title: "hotfix", Variant: "HOTFIX"})

	satisfyIntake(t, items, w.ID)
	mustAdvance(t, m, w.ID)

	items.AddArtifact(ctx, w.ID, "code", "ref", "dev")
	decide(t, items, w.ID, decision.Review, "code-reviewer", "code", decision.Approved)
	decide(t, items, w.ID, decision.Review, "security-reviewer", "security", decision.Approved)
	decide(t, items, w.ID, decision.Approval, "tech-lead", "technical", decision.Approved)
	decide(t, items, w.ID, decision.Signoff, "tech-lead", "implementation", decision.Approved)
	mustAdvance(t, m, w.ID)

	items.AddArtifact(ctx, w.ID, "release-notes", "ref", "dev")
	decide(t, items, w.ID, decision.Review, "ops-reviewer", "operations", decision.Approved)
	decide(t, items, w.ID, decision.Approval, "release-manager", "release", decision.Approved)
	decide(t, items, w.ID, decision.Signoff, "release-manager", "release", decision.Approved)
	w = mustAdvance(t, m, w.ID)

	if w.Stage != catalog.Completed || w.Status != workitem.Completed || w.CompletedAt == nil {
		t.Errorf("item = %s/%s completed_at=%v, want completed", w.Stage, w.Status, w.CompletedAt)
	}
	res, _, err := m.Execute(ctx, w.ID, nil, "orchestrator")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Allowed {
		t.Error("completed item must not advance")
	}
}

func mustAdvance(t *testing.T, m *Manager, id string) workitem.WorkItem {
	t.Helper()
	res, w, err := m.Execute(context.Background(), id, nil, "orchestrator")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("transition from %s blocked: %v", res.From, res.Blockers())
	}
	return w
}

func TestRollbackRequiresOrchestrator(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, _ := items.Create(ctx, workitem.CreateParams{Title: "x", Variant: "FAST_TRACK"})
	satisfyIntake(t, items, w.ID)
	mustAdvance(t, m, w.ID)

	if _, err := m.Rollback(ctx, w.ID, nil, "bad design", "tech-lead"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	res, err := m.Rollback(ctx, w.ID, nil, "bad design", "orchestrator")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.Item.Stage != catalog.Intake {
		t.Errorf("Stage = %q, want intake", res.Item.Stage)
	}
	if res.Item.Iteration != 1 {
		t.Errorf("Iteration = %d, want 1", res.Item.Iteration)
	}

	entries, _ := items.Ledger().EntriesFor(ctx, w.ID)
	var rework *ledger.Entry
	for i := range entries {
		if entries[i].Action == ledger.ReworkTriggered {
			rework = &entries[i]
		}
	}
	if rework == nil {
		t.Fatal("no rework_triggered entry")
	}
	if rework.Detail(workitem.KeyToStage) != "intake" || rework.Detail(workitem.KeyFromStage) != "implementation" {
		t.Errorf("rework details = %v", rework.Details)
	}

	// Gate state from the earlier visit belongs to iteration 0 and no longer counts.
	again, _ := items.Get(w.ID)
	if v := m.Validate(again, nil); v.Allowed {
		t.Error("rolled back stage must be re-satisfied")
	}
}

func TestRollbackTargets(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, _ := items.Create(ctx, workitem.CreateParams{Title: "x", Variant: "FAST_TRACK"})

	if _, err := m.Rollback(ctx, w.ID, nil, "r", "orchestrator"); !errors.Is(err, ErrInvalidRollback) {
		t.Errorf("err = %v, want ErrInvalidRollback at intake", err)
	}
	satisfyIntake(t, items, w.ID)
	mustAdvance(t, m, w.ID)
	design := catalog.Design
	if _, err := m.Rollback(ctx, w.ID, &design, "r", "orchestrator"); !errors.Is(err, ErrInvalidRollback) {
		t.Errorf("err = %v, want ErrInvalidRollback for stage outside variant", err)
	}
}

func TestRollbackSharesIterationBudget(t *testing.T) {
	m, items := newTestManager(t)
	ctx := context.Background()
	w, _ := items.Create(ctx, workitem.CreateParams{Title: "x", Variant: "FAST_TRACK"})
	for i := 0; i < 3; i++ {
		if _, err := items.TriggerRework(ctx, w.ID, "r", nil, "a"); err != nil {
			t.Fatal(err)
		}
	}
	satisfyIntake(t, items, w.ID)
	mustAdvance(t, m, w.ID)

	res, err := m.Rollback(ctx, w.ID, nil, "again", "orchestrator")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !res.NeedsEscalation {
		t.Error("rollback past the budget should need escalation")
	}
	if res.Item.Stage != catalog.Implementation || res.Item.Iteration != 3 {
		t.Errorf("item moved: %s iteration %d", res.Item.Stage, res.Item.Iteration)
	}
}
