package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/config"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/gate"
	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

type mapArtifacts map[string]string

func (m mapArtifacts) Get(_ context.Context, ref string) (string, error) {
	c, ok := m[ref]
	if !ok {
		return "", errors.New("no such artifact")
	}
	return c, nil
}

func approveAll(_ context.Context, req Request) (Response, error) {
	return Response{Outcome: decision.Approved, Notes: "lgtm"}, nil
}

func newTestItems(t *testing.T) *workitem.Manager {
	t.Helper()
	cat, err := config.Default().Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	return workitem.NewManager(ledger.NewMemory(), cat)
}

func newItemAt(t *testing.T, items *workitem.Manager, variant string, stage catalog.Stage, artifacts ...string) workitem.WorkItem {
	t.Helper()
	ctx := context.Background()
	w, err := items.Create(ctx, workitem.CreateParams{Title: "Add search", Variant: variant})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if stage != catalog.Intake {
		w, err = items.Mutate(ctx, w.ID, func(workitem.WorkItem) ([]ledger.Entry, error) {
			return []ledger.Entry{{Action: ledger.StageEntered, Stage: stage}}, nil
		})
		if err != nil {
			t.Fatalf("enter %s: %v", stage, err)
		}
	}
	for _, a := range artifacts {
		if w, err = items.AddArtifact(ctx, w.ID, a, "ref-"+a, "author"); err != nil {
			t.Fatalf("AddArtifact: %v", err)
		}
	}
	return w
}

func TestSolicitStageSatisfiesIntake(t *testing.T) {
	items := newTestItems(t)
	w := newItemAt(t, items, "FAST_TRACK", catalog.Intake, "brief")
	c := New(items, ProducerFunc(approveAll))

	rep, err := c.SolicitStage(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("SolicitStage: %v", err)
	}
	if rep.Solicited != 2 || len(rep.Recorded) != 2 {
		t.Errorf("solicited/recorded = %d/%d, want 2/2", rep.Solicited, len(rep.Recorded))
	}
	if !rep.Status.CanAdvance {
		t.Errorf("CanAdvance = false, blockers: %v", rep.Status.Blockers)
	}
	last := rep.Recorded[len(rep.Recorded)-1]
	if last.Type != decision.Signoff || last.Actor != "orchestrator" {
		t.Errorf("last decision = %s by %s, want sign-off by orchestrator", last.Type, last.Actor)
	}
}

func TestSignoffWaitsForReviews(t *testing.T) {
	items := newTestItems(t)
	w := newItemAt(t, items, "FAST_TRACK", catalog.Intake, "brief")
	c := New(items, ProducerFunc(func(_ context.Context, req Request) (Response, error) {
		return Response{Outcome: decision.ChangesRequired, RequiredChanges: []string{"add metrics"}}, nil
	}))

	rep, err := c.SolicitStage(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("SolicitStage: %v", err)
	}
	for _, d := range rep.Recorded {
		if d.Type == decision.Signoff {
			t.Error("sign-off must not be solicited while a review blocks")
		}
	}
	if rep.Status.CanAdvance {
		t.Error("CanAdvance should be false")
	}
}

func TestFailuresStayPending(t *testing.T) {
	items := newTestItems(t)
	w := newItemAt(t, items, "STANDARD", catalog.Implementation, "code")

	p := NewRouter(ProducerFunc(approveAll)).
		Route("code-reviewer", ProducerFunc(func(context.Context, Request) (Response, error) {
			return Response{}, errors.New("model unavailable")
		})).
		Route("security-reviewer", ProducerFunc(func(ctx context.Context, _ Request) (Response, error) {
			<-ctx.Done()
			return Response{}, ctx.Err()
		})).
		Route("tech-lead", ProducerFunc(func(context.Context, Request) (Response, error) {
			return Response{Outcome: decision.ApprovedWithRisks}, nil
		}))
	c := New(items, p, WithTimeout(50*time.Millisecond))

	rep, err := c.SolicitStage(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("SolicitStage: %v", err)
	}
	if len(rep.Recorded) != 0 {
		t.Errorf("recorded %d decisions, want 0", len(rep.Recorded))
	}
	if len(rep.Failures) != 3 {
		t.Fatalf("failures = %d, want 3: %+v", len(rep.Failures), rep.Failures)
	}

	got, _ := items.Get(w.ID)
	if len(got.Decisions) != 0 {
		t.Errorf("failed solicitations leaked decisions: %+v", got.Decisions)
	}

	st, err := c.GetStageApprovalStatus(w.ID)
	if err != nil {
		t.Fatalf("GetStageApprovalStatus: %v", err)
	}
	joined := strings.Join(st.Blockers, "\n")
	for _, want := range []string{"model unavailable", "deadline exceeded", "needs at least one risk"} {
		if !strings.Contains(joined, want) {
			t.Errorf("blockers missing %q:\n%s", want, joined)
		}
	}
	for _, r := range st.Reviews {
		if r.State != gate.Pending {
			t.Errorf("review %s state = %s, want pending", r.Label(), r.State)
		}
	}
}

func TestFailureBlockersAreOrdered(t *testing.T) {
	items := newTestItems(t)
	w := newItemAt(t, items, "STANDARD", catalog.Implementation, "code")
	c := New(items, ProducerFunc(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("model unavailable")
	}))

	rep, err := c.SolicitStage(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("SolicitStage: %v", err)
	}
	if len(rep.Failures) < 2 {
		t.Fatalf("failures = %d, want at least 2", len(rep.Failures))
	}

	first, err := c.GetStageApprovalStatus(w.ID)
	if err != nil {
		t.Fatalf("GetStageApprovalStatus: %v", err)
	}
	for i := 0; i < 100; i++ {
		st, err := c.GetStageApprovalStatus(w.ID)
		if err != nil {
			t.Fatalf("GetStageApprovalStatus: %v", err)
		}
		if strings.Join(st.Blockers, "\n") != strings.Join(first.Blockers, "\n") {
			t.Fatalf("blocker order changed on call %d:\n%s\nwant:\n%s",
				i, strings.Join(st.Blockers, "\n"), strings.Join(first.Blockers, "\n"))
		}
	}

	var failed []string
	for _, b := range first.Blockers {
		if strings.Contains(b, "pending after failed request") {
			failed = append(failed, b)
		}
	}
	if len(failed) != len(first.Failures) {
		t.Fatalf("failure blockers = %d, want %d", len(failed), len(first.Failures))
	}
	for i, f := range first.Failures {
		if !strings.Contains(failed[i], f.Actor) {
			t.Errorf("blocker %d = %q, want it to follow failure order (%s)", i, failed[i], f.Actor)
		}
	}
}

func TestFailureClearedOnSuccess(t *testing.T) {
	items := newTestItems(t)
	w := newItemAt(t, items, "FAST_TRACK", catalog.Intake, "brief")
	var fail atomic.Bool
	fail.Store(true)
	c := New(items, ProducerFunc(func(ctx context.Context, req Request) (Response, error) {
		if fail.Load() {
			return Response{}, errors.New("flaky")
		}
		return approveAll(ctx, req)
	}))

	req := catalog.Requirement{Actor: "product-reviewer", Domain: "product"}
	if _, err := c.Solicit(context.Background(), w.ID, decision.Review, req); err == nil {
		t.Fatal("expected failure")
	}
	st, _ := c.GetStageApprovalStatus(w.ID)
	if len(st.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(st.Failures))
	}

	fail.Store(false)
	if _, err := c.Solicit(context.Background(), w.ID, decision.Review, req); err != nil {
		t.Fatalf("Solicit: %v", err)
	}
	st, _ = c.GetStageApprovalStatus(w.ID)
	if len(st.Failures) != 0 {
		t.Errorf("failures = %+v, want none", st.Failures)
	}
}

func TestBatchRunsConcurrently(t *testing.T) {
	items := newTestItems(t)
	w := newItemAt(t, items, "STANDARD", catalog.Implementation, "code")

	var arrived atomic.Int32
	all := make(chan struct{})
	var once sync.Once
	c := New(items, ProducerFunc(func(ctx context.Context, req Request) (Response, error) {
		if req.Type == decision.Signoff {
			return approveAll(ctx, req)
		}
		if arrived.Add(1) == 3 {
			once.Do(func() { close(all) })
		}
		select {
		case <-all:
			return approveAll(ctx, req)
		case <-time.After(2 * time.Second):
			return Response{}, errors.New("calls were not issued concurrently")
		}
	}), WithMaxParallel(4))

	rep, err := c.SolicitStage(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("SolicitStage: %v", err)
	}
	if len(rep.Failures) != 0 {
		t.Fatalf("failures: %+v", rep.Failures)
	}
	if !rep.Status.CanAdvance {
		t.Errorf("CanAdvance = false: %v", rep.Status.Blockers)
	}

	entries, _ := items.Ledger().EntriesFor(context.Background(), w.ID)
	decisions := 0
	for _, e := range entries {
		if e.Action == ledger.DecisionMade {
			decisions++
		}
	}
	if decisions != 4 {
		t.Errorf("decision entries = %d, want 4", decisions)
	}
}

func TestRequestCarriesArtifactAndFeedback(t *testing.T) {
	items := newTestItems(t)
	ctx := context.Background()
	w := newItemAt(t, items, "FAST_TRACK", catalog.Intake, "brief")

	var seen []Request
	var mu sync.Mutex
	c := New(items, ProducerFunc(func(_ context.Context, req Request) (Response, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		if req.Iteration == 0 {
			return Response{Outcome: decision.ChangesRequired, RequiredChanges: []string{"define success metrics"}}, nil
		}
		return Response{Outcome: decision.Approved}, nil
	}), WithArtifacts(mapArtifacts{"ref-brief": "# Brief"}))

	if _, err := c.SolicitStage(ctx, w.ID); err != nil {
		t.Fatalf("SolicitStage: %v", err)
	}
	if _, err := items.TriggerRework(ctx, w.ID, "feedback", nil, "author"); err != nil {
		t.Fatalf("TriggerRework: %v", err)
	}
	if _, err := c.SolicitStage(ctx, w.ID); err != nil {
		t.Fatalf("SolicitStage: %v", err)
	}

	if len(seen) < 2 {
		t.Fatalf("requests = %d, want at least 2", len(seen))
	}
	first, second := seen[0], seen[1]
	if first.ArtifactName != "brief" || first.ArtifactContent != "# Brief" {
		t.Errorf("artifact = %q/%q", first.ArtifactName, first.ArtifactContent)
	}
	if len(second.PriorFeedback) != 1 || second.PriorFeedback[0] != "define success metrics" {
		t.Errorf("PriorFeedback = %v", second.PriorFeedback)
	}
}

func TestRouterWithoutFallback(t *testing.T) {
	r := NewRouter(nil)
	if _, err := r.Review(context.Background(), Request{Actor: "nobody"}); err == nil {
		t.Error("expected error for unrouted actor")
	}
}

func TestIsTimeout(t *testing.T) {
	err := errors.Join(errors.New("x"), context.DeadlineExceeded)
	if !IsTimeout(err) {
		t.Error("IsTimeout should see wrapped deadline")
	}
}
