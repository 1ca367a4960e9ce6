package executor

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/stagegate/internal/approval"
	"github.com/lucasnoah/stagegate/internal/artifact"
	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/config"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/transition"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

type harness struct {
	items     *workitem.Manager
	collector *approval.Collector
	esc       *escalation.Handler
	exec      *Executor
	store     *artifact.MemoryStore

	mu       sync.Mutex
	requests []ContentRequest
}

type harnessOpts struct {
	producer  approval.Producer
	executive escalation.Executive
	noContent bool
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	cat, err := config.Default().Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	h := &harness{store: artifact.NewMemoryStore()}
	h.items = workitem.NewManager(ledger.NewMemory(), cat)
	if o.producer == nil {
		o.producer = approval.ProducerFunc(approveAll)
	}
	h.collector = approval.New(h.items, o.producer, approval.WithArtifacts(h.store))
	var escOpts []escalation.Option
	if o.executive != nil {
		escOpts = append(escOpts, escalation.WithExecutive(o.executive))
	}
	h.esc = escalation.New(h.items, escOpts...)

	var opts []Option
	if !o.noContent {
		opts = append(opts, WithContent(ContentFunc(h.produce), h.store))
	}
	h.exec = New(h.items, transition.New(h.items, "orchestrator"), h.collector, h.esc, opts...)
	return h
}

func (h *harness) produce(_ context.Context, req ContentRequest) (string, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.mu.Unlock()
	body := fmt.Sprintf("# %s: %s (iteration %d)\n", req.Artifact, req.Title, req.Iteration)
	for _, f := range req.Feedback {
		body += "- addressed: " + f + "\n"
	}
	return body, nil
}

func (h *harness) create(t *testing.T, variant string) workitem.WorkItem {
	t.Helper()
	w, err := h.items.Create(context.Background(), workitem.CreateParams{Title: "Add search", Variant: variant})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return w
}

func approveAll(context.Context, approval.Request) (approval.Response, error) {
	return approval.Response{Outcome: decision.Approved}, nil
}

func TestRunFastTrackCompletes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	w := h.create(t, "FAST_TRACK")
	var progress bytes.Buffer
	h.exec.SetProgress(&progress)

	res, err := h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed || res.FinalStage != catalog.Completed {
		t.Fatalf("result = %+v, want completed", res)
	}
	var actions []string
	for _, s := range res.Steps {
		actions = append(actions, fmt.Sprintf("%s:%s", s.Stage, s.Action))
	}
	want := "intake:advanced implementation:advanced verification:completed"
	if got := strings.Join(actions, " "); got != want {
		t.Errorf("steps = %q, want %q", got, want)
	}
	if !strings.Contains(progress.String(), "entering implementation") {
		t.Errorf("progress output missing stage entry:\n%s", progress.String())
	}

	got, _ := h.items.Get(w.ID)
	replayed, err := h.items.Replay(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !reflect.DeepEqual(got, replayed) {
		t.Errorf("replayed item differs from projection")
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestRunStopsAfterOneStageWithoutAutoAdvance(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	w := h.create(t, "FAST_TRACK")

	res, err := h.exec.Run(context.Background(), w.ID, RunOpts{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalStage != catalog.Implementation || res.Status != workitem.Active {
		t.Errorf("final = %s/%s, want implementation/active", res.FinalStage, res.Status)
	}

	res, err = h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Completed || res.StartStage != catalog.Implementation {
		t.Errorf("resume = %+v", res)
	}
}

func TestRunHaltsWithBlockers(t *testing.T) {
	h := newHarness(t, harnessOpts{noContent: true})
	w := h.create(t, "FAST_TRACK")

	res, err := h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalStage != catalog.Intake || res.Completed {
		t.Fatalf("final = %s, completed = %v", res.FinalStage, res.Completed)
	}
	joined := strings.Join(res.Blockers, "\n")
	for _, want := range []string{`missing artifact "brief"`, "missing sign-off from orchestrator"} {
		if !strings.Contains(joined, want) {
			t.Errorf("blockers missing %q:\n%s", want, joined)
		}
	}
	if last := res.Steps[len(res.Steps)-1]; last.Action != Blocked {
		t.Errorf("last action = %s, want %s", last.Action, Blocked)
	}
}

func rejectIntake(ctx context.Context, req approval.Request) (approval.Response, error) {
	if req.Stage == catalog.Intake && req.Type == decision.Review {
		return approval.Response{Outcome: decision.Rejected, Notes: "out of scope"}, nil
	}
	return approveAll(ctx, req)
}

func TestRunExecutiveRejectionCancels(t *testing.T) {
	exec := escalation.ExecutiveFunc(func(context.Context, escalation.Record) (escalation.Verdict, error) {
		return escalation.Verdict{Outcome: decision.Rejected, Notes: "drop it"}, nil
	})
	h := newHarness(t, harnessOpts{producer: approval.ProducerFunc(rejectIntake), executive: exec})
	w := h.create(t, "FAST_TRACK")

	res, err := h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != workitem.Cancelled {
		t.Errorf("Status = %s, want %s", res.Status, workitem.Cancelled)
	}
	if res.FinalStage == catalog.Completed {
		t.Error("FinalStage should not be completed")
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Action != Cancelled || last.Escalation == nil || last.Escalation.Reason != escalation.CriticalBlocker {
		t.Errorf("last step = %+v", last)
	}
}

func TestRunResumesAfterEscalation(t *testing.T) {
	h := newHarness(t, harnessOpts{producer: approval.ProducerFunc(rejectIntake)})
	w := h.create(t, "FAST_TRACK")

	res, err := h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != workitem.Blocked || res.Steps[len(res.Steps)-1].Action != Escalated {
		t.Fatalf("first run = %+v", res)
	}
	if _, ok := h.esc.OpenFor(w.ID); !ok {
		t.Fatal("expected an open escalation")
	}

	exec := escalation.ExecutiveFunc(func(context.Context, escalation.Record) (escalation.Verdict, error) {
		return escalation.Verdict{Outcome: decision.Approved, Notes: "scope accepted"}, nil
	})
	esc := escalation.New(h.items, escalation.WithExecutive(exec))
	if n, err := esc.Load(context.Background()); err != nil || n != 1 {
		t.Fatalf("Load = %d, %v", n, err)
	}
	resumed := New(h.items, transition.New(h.items, "orchestrator"), h.collector, esc,
		WithContent(ContentFunc(h.produce), h.store))

	res, err = resumed.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Completed {
		t.Errorf("resume = %+v, blockers %v", res, res.Blockers)
	}
}

func TestRunAutoRework(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	producer := approval.ProducerFunc(func(ctx context.Context, req approval.Request) (approval.Response, error) {
		if req.Actor == "product-reviewer" {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return approval.Response{Outcome: decision.ChangesRequired, RequiredChanges: []string{"add success metrics"}}, nil
			}
		}
		return approveAll(ctx, req)
	})
	h := newHarness(t, harnessOpts{producer: producer})
	w := h.create(t, "FAST_TRACK")

	res, err := h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true, AutoRework: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed {
		t.Fatalf("result = %+v", res)
	}
	if res.Steps[0].Action != Reworked {
		t.Errorf("first step = %s, want %s", res.Steps[0].Action, Reworked)
	}

	var regenerated *ContentRequest
	for i := range h.requests {
		if h.requests[i].Artifact == "brief" && h.requests[i].Iteration == 1 {
			regenerated = &h.requests[i]
		}
	}
	if regenerated == nil {
		t.Fatal("brief was not regenerated")
	}
	if regenerated.Previous == "" || len(regenerated.Feedback) != 1 || regenerated.Feedback[0] != "add success metrics" {
		t.Errorf("regeneration request = %+v", regenerated)
	}
}

func TestRunStuckReviewerEscalates(t *testing.T) {
	producer := approval.ProducerFunc(func(ctx context.Context, req approval.Request) (approval.Response, error) {
		if req.Actor == "product-reviewer" {
			return approval.Response{Outcome: decision.ChangesRequired, RequiredChanges: []string{"rethink scope"}}, nil
		}
		return approveAll(ctx, req)
	})
	exec := escalation.ExecutiveFunc(func(_ context.Context, rec escalation.Record) (escalation.Verdict, error) {
		return escalation.Verdict{Outcome: decision.ApprovedWithRisks, AcceptedRisks: []string{"scope may grow"}}, nil
	})
	h := newHarness(t, harnessOpts{producer: producer, executive: exec})
	w := h.create(t, "FAST_TRACK")

	res, err := h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true, AutoRework: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed {
		t.Fatalf("result = %+v, blockers %v", res, res.Blockers)
	}

	var resolved *StageOutcome
	for i := range res.Steps {
		if res.Steps[i].Action == Resolved {
			resolved = &res.Steps[i]
		}
	}
	if resolved == nil || resolved.Escalation.Reason != escalation.StuckApproval {
		t.Fatalf("no stuck escalation in steps: %+v", res.Steps)
	}
	got, _ := h.items.Get(w.ID)
	if len(got.AcceptedRisks) != 1 || got.AcceptedRisks[0] != "scope may grow" {
		t.Errorf("AcceptedRisks = %v", got.AcceptedRisks)
	}
}

func TestGetPipelineStatus(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	w := h.create(t, "FAST_TRACK")

	st, err := h.exec.GetPipelineStatus(w.ID)
	if err != nil {
		t.Fatalf("GetPipelineStatus: %v", err)
	}
	if st.Percent != 0 || st.CanAdvance {
		t.Errorf("percent/canAdvance = %v/%v, want 0/false", st.Percent, st.CanAdvance)
	}
	if st.Stages[0].State != "current" || st.Stages[1].State != "pending" {
		t.Errorf("stages = %+v", st.Stages)
	}
	if len(st.Blockers) == 0 {
		t.Error("expected blockers for a fresh item")
	}

	if _, err := h.exec.Run(context.Background(), w.ID, RunOpts{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, _ = h.exec.GetPipelineStatus(w.ID)
	if want := 100.0 / 3; math.Abs(st.Percent-want) > 1e-9 {
		t.Errorf("Percent = %v, want %v", st.Percent, want)
	}

	if _, err := h.exec.Run(context.Background(), w.ID, RunOpts{AutoAdvance: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, _ = h.exec.GetPipelineStatus(w.ID)
	if st.Percent != 100 {
		t.Errorf("Percent = %v, want 100", st.Percent)
	}
	for _, s := range st.Stages {
		if s.State != "done" {
			t.Errorf("stage %s state = %s, want done", s.Stage, s.State)
		}
	}
}

func TestAdvanceStageBlocked(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	w := h.create(t, "STANDARD")

	res, got, err := h.exec.AdvanceStage(context.Background(), w.ID, "")
	if err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if res.Allowed || got.Stage != catalog.Intake {
		t.Errorf("allowed = %v, stage = %s", res.Allowed, got.Stage)
	}
	if len(res.Blockers()) == 0 {
		t.Error("expected blockers")
	}
}
