// Package executor drives work items through their pipeline variant: it
// produces missing artifacts, solicits decisions, advances passing stages
// and hands stalled stages to the escalation handler.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucasnoah/stagegate/internal/approval"
	"github.com/lucasnoah/stagegate/internal/artifact"
	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/gate"
	"github.com/lucasnoah/stagegate/internal/telemetry"
	"github.com/lucasnoah/stagegate/internal/transition"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

// maxSteps bounds a single Run.
const maxSteps = 200

// ContentRequest asks for the content of one artifact.
type ContentRequest struct {
	WorkItemID    string        `json:"work_item_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Stage         catalog.Stage `json:"stage"`
	Iteration     int           `json:"iteration"`
	Artifact      string        `json:"artifact"`
	Previous      string        `json:"previous,omitempty"`
	Feedback      []string      `json:"feedback,omitempty"`
	AcceptedRisks []string      `json:"accepted_risks,omitempty"`
}

// ContentProducer writes artifact content.
type ContentProducer interface {
	Produce(ctx context.Context, req ContentRequest) (string, error)
}

// ContentFunc adapts a function to ContentProducer.
type ContentFunc func(ctx context.Context, req ContentRequest) (string, error)

func (f ContentFunc) Produce(ctx context.Context, req ContentRequest) (string, error) {
	return f(ctx, req)
}

// Action is what happened to a stage during a run.
type Action string

const (
	Advanced  Action = "advanced"
	Completed Action = "completed"
	Reworked  Action = "reworked"
	Escalated Action = "escalated"
	Resolved  Action = "resolved"
	Blocked   Action = "blocked"
	Cancelled Action = "cancelled"
)

// StageOutcome records one step of a run.
type StageOutcome struct {
	Stage      catalog.Stage      `json:"stage"`
	Iteration  int                `json:"iteration"`
	Action     Action             `json:"action"`
	Next       catalog.Stage      `json:"next,omitempty"`
	Blockers   []string           `json:"blockers,omitempty"`
	Escalation *escalation.Record `json:"escalation,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// RunOpts controls a run.
type RunOpts struct {
	// AutoAdvance keeps walking the variant after a successful transition.
	// Without it the run stops after the first transition.
	AutoAdvance bool
	// AutoRework starts a new iteration when reviewers request changes and
	// regenerates the reviewed artifacts with their feedback.
	AutoRework bool
	// Actor is recorded on transitions and rework. Defaults to the
	// executor's orchestrator actor.
	Actor string
}

// RunResult summarizes a run. A run that stops short of Completed can be
// resumed by running again.
type RunResult struct {
	WorkItemID string          `json:"work_item_id"`
	StartStage catalog.Stage   `json:"start_stage"`
	FinalStage catalog.Stage   `json:"final_stage"`
	Status     workitem.Status `json:"status"`
	Completed  bool            `json:"completed"`
	Steps      []StageOutcome  `json:"steps"`
	// Blockers is set when the run halted on a stage it could not pass.
	Blockers []string `json:"blockers,omitempty"`
}

// Executor runs work items through their pipeline.
type Executor struct {
	items       *workitem.Manager
	transitions *transition.Manager
	collector   *approval.Collector
	escalations *escalation.Handler

	content   ContentProducer
	artifacts artifact.Store
	author    string
	actor     string

	logger   *slog.Logger
	tracer   trace.Tracer
	progress io.Writer
}

// Option configures an Executor.
type Option func(*Executor)

// WithContent lets the executor produce missing artifacts and store them.
func WithContent(p ContentProducer, store artifact.Store) Option {
	return func(e *Executor) {
		e.content = p
		e.artifacts = store
	}
}

// WithAuthor sets the actor recorded on produced artifacts.
func WithAuthor(actor string) Option {
	return func(e *Executor) {
		if actor != "" {
			e.author = actor
		}
	}
}

// WithActor sets the default actor for transitions.
func WithActor(actor string) Option {
	return func(e *Executor) {
		if actor != "" {
			e.actor = actor
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an executor.
func New(items *workitem.Manager, transitions *transition.Manager, collector *approval.Collector, escalations *escalation.Handler, opts ...Option) *Executor {
	e := &Executor{
		items:       items,
		transitions: transitions,
		collector:   collector,
		escalations: escalations,
		author:      "author",
		actor:       "orchestrator",
		logger:      slog.New(slog.DiscardHandler),
		tracer:      telemetry.Tracer("github.com/lucasnoah/stagegate/executor"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

func (e *Executor) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

type step int

const (
	stepHalt step = iota
	stepRetry
	stepAdvanced
)

// Run walks the item from its current stage. Stage failures are reported in
// the result; an error means the run itself could not proceed.
func (e *Executor) Run(ctx context.Context, id string, opts RunOpts) (*RunResult, error) {
	if opts.Actor == "" {
		opts.Actor = e.actor
	}
	w, err := e.items.Get(id)
	if err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("stagegate.work_item", w.ID),
		attribute.String("stagegate.variant", w.Variant),
		attribute.String("stagegate.stage", string(w.Stage)),
	))
	defer span.End()

	res := &RunResult{WorkItemID: w.ID, StartStage: w.Stage}
	r := &run{Executor: e, opts: opts, res: res, escalated: map[string]bool{}}

	for i := 0; ; i++ {
		if i >= maxSteps {
			res.Blockers = []string{fmt.Sprintf("run stopped after %d steps", maxSteps)}
			break
		}
		w, err = e.items.Get(id)
		if err != nil {
			return nil, err
		}
		if w.Status.Closed() {
			break
		}

		var next step
		if w.Status == workitem.Blocked {
			next, err = r.escalate(ctx, w)
		} else {
			next, err = r.stage(ctx, w)
		}
		if err != nil {
			return nil, err
		}
		if next == stepHalt || (next == stepAdvanced && !opts.AutoAdvance) {
			break
		}
	}

	w, err = e.items.Get(id)
	if err != nil {
		return nil, err
	}
	res.FinalStage = w.Stage
	res.Status = w.Status
	res.Completed = w.Status == workitem.Completed
	span.SetAttributes(
		attribute.String("stagegate.final_stage", string(w.Stage)),
		attribute.Bool("stagegate.completed", res.Completed),
	)
	e.logger.Info("run finished", "id", id, "from", res.StartStage, "to", res.FinalStage,
		"status", res.Status, "steps", len(res.Steps))
	return res, nil
}

// run carries per-Run state.
type run struct {
	*Executor
	opts      RunOpts
	res       *RunResult
	escalated map[string]bool
}

func (r *run) record(o StageOutcome) {
	r.res.Steps = append(r.res.Steps, o)
}

func (r *run) stage(ctx context.Context, w workitem.WorkItem) (step, error) {
	r.logf("%s: entering %s (iteration %d)", w.ID, w.Stage, w.Iteration)
	r.logger.Info("stage entered", "id", w.ID, "stage", w.Stage, "iteration", w.Iteration)
	trace.SpanFromContext(ctx).AddEvent("stage.enter", trace.WithAttributes(
		attribute.String("stagegate.stage", string(w.Stage)),
		attribute.Int("stagegate.iteration", w.Iteration),
	))

	if err := r.produceArtifacts(ctx, w, false, nil); err != nil {
		return stepHalt, err
	}

	rep, err := r.collector.SolicitStage(ctx, w.ID)
	if err != nil {
		return stepHalt, err
	}
	if len(rep.Recorded) > 0 || len(rep.Failures) > 0 {
		r.logf("solicited %d, recorded %d, failed %d", rep.Solicited, len(rep.Recorded), len(rep.Failures))
	}

	tr, moved, err := r.transitions.Execute(ctx, w.ID, nil, r.opts.Actor)
	if err != nil {
		return stepHalt, err
	}
	if tr.Allowed {
		action := Advanced
		if moved.Status == workitem.Completed {
			action = Completed
		}
		r.logf("%s passed, now at %s", tr.From, tr.To)
		r.record(StageOutcome{Stage: tr.From, Iteration: w.Iteration, Action: action, Next: tr.To})
		return stepAdvanced, nil
	}

	cur, err := r.items.Get(w.ID)
	if err != nil {
		return stepHalt, err
	}
	if cur.Status == workitem.Blocked {
		return stepRetry, nil
	}
	if chk := escalation.CheckNeeded(cur); chk.Needed {
		return r.escalate(ctx, cur)
	}
	if r.opts.AutoRework && tr.Gate != nil && changesRequested(tr.Gate) {
		return r.rework(ctx, cur, tr.Gate)
	}

	blockers := tr.Blockers()
	if rep.Status != nil {
		blockers = rep.Status.Blockers
	}
	r.logf("%s blocked: %s", cur.Stage, strings.Join(blockers, "; "))
	r.record(StageOutcome{Stage: cur.Stage, Iteration: cur.Iteration, Action: Blocked, Blockers: blockers})
	r.res.Blockers = blockers
	return stepHalt, nil
}

func changesRequested(g *gate.Result) bool {
	for _, d := range g.BlockingDecisions {
		if d.Outcome == decision.ChangesRequired {
			return true
		}
	}
	return false
}

func (r *run) rework(ctx context.Context, w workitem.WorkItem, g *gate.Result) (step, error) {
	var changes []string
	reviewed := map[string]bool{}
	for _, d := range g.BlockingDecisions {
		changes = append(changes, d.RequiredChanges...)
		for _, a := range d.ArtifactsReviewed {
			reviewed[a] = true
		}
	}

	rw, err := r.items.TriggerRework(ctx, w.ID, "changes requested", changes, r.opts.Actor)
	if err != nil {
		return stepHalt, err
	}
	if rw.NeedsEscalation {
		return r.escalate(ctx, rw.Item)
	}
	r.logf("rework: iteration %d with %d requested changes", rw.Iteration, len(changes))
	r.record(StageOutcome{Stage: w.Stage, Iteration: w.Iteration, Action: Reworked,
		Message: fmt.Sprintf("iteration %d", rw.Iteration)})

	if err := r.produceArtifacts(ctx, rw.Item, true, func(name string) bool {
		return len(reviewed) == 0 || reviewed[name]
	}); err != nil {
		return stepHalt, err
	}
	return stepRetry, nil
}

// escalate opens or reuses an escalation for a blocked stage and asks the
// executive for a verdict. Each stage visit is escalated at most once per run.
func (r *run) escalate(ctx context.Context, w workitem.WorkItem) (step, error) {
	key := fmt.Sprintf("%s/%d", w.Stage, w.Iteration)
	if r.escalated[key] {
		blockers := r.blockers(w)
		r.record(StageOutcome{Stage: w.Stage, Iteration: w.Iteration, Action: Blocked, Blockers: blockers,
			Message: "still blocked after escalation"})
		r.res.Blockers = blockers
		return stepHalt, nil
	}
	r.escalated[key] = true

	rec, ok := r.escalations.OpenFor(w.ID)
	if !ok {
		opened, err := r.escalations.EscalateIfNeeded(ctx, w.ID, r.opts.Actor)
		if err != nil {
			return stepHalt, err
		}
		if opened == nil {
			blockers := r.blockers(w)
			r.record(StageOutcome{Stage: w.Stage, Iteration: w.Iteration, Action: Blocked, Blockers: blockers})
			r.res.Blockers = blockers
			return stepHalt, nil
		}
		rec = *opened
	}
	r.logf("escalation %s: %s (%s)", rec.ID, rec.Reason, rec.Description)

	if !r.escalations.HasExecutive() {
		r.record(StageOutcome{Stage: w.Stage, Iteration: w.Iteration, Action: Escalated, Escalation: &rec,
			Message: "awaiting executive decision"})
		r.res.Blockers = []string{fmt.Sprintf("escalation %s awaiting executive decision", rec.ID)}
		return stepHalt, nil
	}

	resolved, err := r.escalations.RequestExecutiveDecision(ctx, rec.ID)
	if err != nil {
		if ctx.Err() != nil {
			return stepHalt, ctx.Err()
		}
		r.logger.Warn("executive decision failed", "id", w.ID, "escalation", rec.ID, "error", err)
		r.record(StageOutcome{Stage: w.Stage, Iteration: w.Iteration, Action: Escalated, Escalation: &rec,
			Message: err.Error()})
		r.res.Blockers = []string{fmt.Sprintf("escalation %s pending: %v", rec.ID, err)}
		return stepHalt, nil
	}

	r.logf("escalation %s resolved: %s", resolved.ID, resolved.Resolution.Outcome)
	if resolved.Resolution.Action == workitem.ResolveReject {
		r.record(StageOutcome{Stage: w.Stage, Iteration: w.Iteration, Action: Cancelled, Escalation: &resolved,
			Message: "executive rejected the work item"})
		return stepHalt, nil
	}
	r.record(StageOutcome{Stage: w.Stage, Iteration: w.Iteration, Action: Resolved, Escalation: &resolved})
	if resolved.Resolution.Action == workitem.ResolveRework {
		cur, err := r.items.Get(w.ID)
		if err != nil {
			return stepHalt, err
		}
		if err := r.produceArtifacts(ctx, cur, true, nil); err != nil {
			return stepHalt, err
		}
	}
	return stepRetry, nil
}

func (r *run) blockers(w workitem.WorkItem) []string {
	st, err := r.collector.GetStageApprovalStatus(w.ID)
	if err != nil {
		return []string{err.Error()}
	}
	return st.Blockers
}

// produceArtifacts asks the content producer for the stage's artifacts. With
// regenerate unset only missing artifacts are produced; otherwise every
// artifact accepted by include is rewritten using the previous content and
// the feedback of the prior iteration. Producer failures leave the artifact
// missing and are not returned.
func (e *Executor) produceArtifacts(ctx context.Context, w workitem.WorkItem, regenerate bool, include func(string) bool) error {
	if e.content == nil || e.artifacts == nil {
		return nil
	}
	feedback := priorFeedback(w)
	for _, name := range e.items.Catalog().Config(w.Stage).Artifacts {
		ref, exists := w.Artifacts[name]
		if exists && !regenerate {
			continue
		}
		if include != nil && !include(name) {
			continue
		}
		req := ContentRequest{
			WorkItemID:    w.ID,
			Title:         w.Title,
			Description:   w.Description,
			Stage:         w.Stage,
			Iteration:     w.Iteration,
			Artifact:      name,
			Feedback:      feedback,
			AcceptedRisks: w.AcceptedRisks,
		}
		if exists {
			prev, err := e.artifacts.Get(ctx, ref)
			if err == nil {
				req.Previous = prev
			}
		}
		content, err := e.content.Produce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("artifact production failed", "id", w.ID, "artifact", name, "error", err)
			e.logf("could not produce %s: %v", name, err)
			continue
		}
		newRef, err := e.artifacts.Put(ctx, w.ID, name, content)
		if err != nil {
			return fmt.Errorf("store artifact %s: %w", name, err)
		}
		if _, err := e.items.AddArtifact(ctx, w.ID, name, newRef, e.author); err != nil {
			return err
		}
		e.logf("produced %s (%d bytes)", name, len(content))
	}
	return nil
}

// priorFeedback collects the changes requested in the previous iteration of
// the current stage.
func priorFeedback(w workitem.WorkItem) []string {
	if w.Iteration == 0 {
		return nil
	}
	var out []string
	for _, d := range w.StageDecisions(w.Stage, w.Iteration-1) {
		out = append(out, d.RequiredChanges...)
	}
	return out
}

// AdvanceStage moves the item to the next stage of its variant if the
// current stage's gate passes. A blocked transition is reported in the
// result, not as an error.
func (e *Executor) AdvanceStage(ctx context.Context, id, actor string) (transition.Result, workitem.WorkItem, error) {
	if actor == "" {
		actor = e.actor
	}
	return e.transitions.Execute(ctx, id, nil, actor)
}
