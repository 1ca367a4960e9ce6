// Package approval solicits reviews, approvals and sign-offs from external
// actors and tabulates where each stage requirement stands.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/gate"
	"github.com/lucasnoah/stagegate/internal/telemetry"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

// ArtifactReader loads artifact content by reference.
type ArtifactReader interface {
	Get(ctx context.Context, ref string) (string, error)
}

// Failure records a solicitation that produced no decision.
type Failure struct {
	Type   decision.Type `json:"type"`
	Actor  string        `json:"actor"`
	Domain string        `json:"domain"`
	Error  string        `json:"error"`
	At     time.Time     `json:"at"`
}

// StageStatus is the tabulated approval state of an item's current stage.
type StageStatus struct {
	WorkItemID       string                   `json:"work_item_id"`
	Stage            catalog.Stage            `json:"stage"`
	Iteration        int                      `json:"iteration"`
	ItemStatus       workitem.Status          `json:"item_status"`
	Reviews          []gate.RequirementStatus `json:"reviews"`
	Approvals        []gate.RequirementStatus `json:"approvals"`
	Signoff          gate.SignoffStatus       `json:"signoff"`
	MissingArtifacts []string                 `json:"missing_artifacts,omitempty"`
	Failures         []Failure                `json:"failures,omitempty"`
	CanAdvance       bool                     `json:"can_advance"`
	Blockers         []string                 `json:"blockers"`
}

// Report summarizes one SolicitStage pass.
type Report struct {
	Solicited int               `json:"solicited"`
	Recorded  []decision.Record `json:"recorded"`
	Failures  []Failure         `json:"failures,omitempty"`
	Status    *StageStatus      `json:"status"`
}

// Collector drives solicitation and keeps track of failed calls so they can
// be reported as pending.
type Collector struct {
	items       *workitem.Manager
	producer    Producer
	artifacts   ArtifactReader
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger
	tracer      trace.Tracer

	mu       sync.Mutex
	failures map[failureKey]Failure
}

type failureKey struct {
	item      string
	stage     catalog.Stage
	iteration int
	typ       decision.Type
	actor     string
	domain    string
}

// Option configures a Collector.
type Option func(*Collector)

// WithArtifacts lets the collector attach artifact content to requests.
func WithArtifacts(r ArtifactReader) Option {
	return func(c *Collector) { c.artifacts = r }
}

// WithTimeout bounds each external call.
func WithTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxParallel bounds concurrent calls in a batch.
func WithMaxParallel(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxParallel = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a collector that asks producer for decisions.
func New(items *workitem.Manager, producer Producer, opts ...Option) *Collector {
	c := &Collector{
		items:       items,
		producer:    producer,
		timeout:     2 * time.Minute,
		maxParallel: 4,
		logger:      slog.New(slog.DiscardHandler),
		tracer:      telemetry.Tracer("github.com/lucasnoah/stagegate/approval"),
		failures:    make(map[failureKey]Failure),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Solicit asks one actor for one decision on the item's current stage. The
// response is validated before it is recorded. On any failure nothing is
// recorded, the requirement stays pending and the failure is remembered.
func (c *Collector) Solicit(ctx context.Context, id string, typ decision.Type, req catalog.Requirement) (decision.Record, error) {
	w, err := c.items.Get(id)
	if err != nil {
		return decision.Record{}, err
	}
	return c.solicit(ctx, w, typ, req)
}

func (c *Collector) solicit(ctx context.Context, w workitem.WorkItem, typ decision.Type, req catalog.Requirement) (decision.Record, error) {
	key := failureKey{w.ID, w.Stage, w.Iteration, typ, req.Actor, req.Domain}
	ctx, span := c.tracer.Start(ctx, "approval.solicit", trace.WithAttributes(
		attribute.String("stagegate.work_item", w.ID),
		attribute.String("stagegate.stage", string(w.Stage)),
		attribute.String("stagegate.decision_type", string(typ)),
		attribute.String("stagegate.actor", req.Actor),
	))
	defer span.End()

	rec, err := c.produce(ctx, w, typ, req)
	if err == nil {
		_, err = c.items.AddDecision(ctx, w.ID, rec)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recordFailure(key, err)
		c.logger.Warn("solicitation failed", "id", w.ID, "stage", w.Stage, "type", typ,
			"actor", req.Actor, "domain", req.Domain, "error", err)
		return decision.Record{}, err
	}

	c.mu.Lock()
	delete(c.failures, key)
	c.mu.Unlock()
	span.SetAttributes(attribute.String("stagegate.outcome", string(rec.Outcome)))
	c.logger.Info("decision recorded", "id", w.ID, "stage", w.Stage, "type", typ,
		"actor", req.Actor, "domain", req.Domain, "outcome", rec.Outcome)
	return rec, nil
}

func (c *Collector) produce(ctx context.Context, w workitem.WorkItem, typ decision.Type, req catalog.Requirement) (decision.Record, error) {
	r, err := c.buildRequest(ctx, w, typ, req)
	if err != nil {
		return decision.Record{}, err
	}
	resp, err := c.call(ctx, r)
	if err != nil {
		return decision.Record{}, err
	}
	var reviewed []string
	if r.ArtifactName != "" {
		reviewed = []string{r.ArtifactName}
	}
	return decision.New(decision.Params{
		WorkItemID:        w.ID,
		Stage:             w.Stage,
		Type:              typ,
		Outcome:           resp.Outcome,
		Actor:             req.Actor,
		Domain:            req.Domain,
		Iteration:         w.Iteration,
		Notes:             resp.Notes,
		RequiredChanges:   resp.RequiredChanges,
		Risks:             resp.Risks,
		ArtifactsReviewed: reviewed,
	}, c.items.Catalog())
}

// call runs the producer under the per-call timeout. A producer that ignores
// cancellation is abandoned once the deadline passes.
func (c *Collector) call(ctx context.Context, r Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := c.producer.Review(ctx, r)
		ch <- result{resp, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return Response{}, fmt.Errorf("%s %s: %w", r.Type, r.Actor, res.err)
		}
		return res.resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%s %s: %w", r.Type, r.Actor, ctx.Err())
	}
}

func (c *Collector) buildRequest(ctx context.Context, w workitem.WorkItem, typ decision.Type, req catalog.Requirement) (Request, error) {
	r := Request{
		WorkItemID: w.ID,
		Title:      w.Title,
		Stage:      w.Stage,
		Iteration:  w.Iteration,
		Type:       typ,
		Actor:      req.Actor,
		Domain:     req.Domain,
	}
	name := req.Artifact
	if name == "" {
		if arts := c.items.Catalog().Config(w.Stage).Artifacts; len(arts) > 0 {
			name = arts[0]
		}
	}
	if ref, ok := w.Artifacts[name]; ok {
		r.ArtifactName = name
		r.ArtifactRef = ref
		if c.artifacts != nil {
			content, err := c.artifacts.Get(ctx, ref)
			if err != nil {
				return Request{}, fmt.Errorf("load artifact %s: %w", name, err)
			}
			r.ArtifactContent = content
		}
	}
	for _, d := range w.StageDecisions(w.Stage, -1) {
		if d.Iteration < w.Iteration && d.Actor == req.Actor && d.Domain == req.Domain {
			r.PriorFeedback = append(r.PriorFeedback, d.RequiredChanges...)
		}
	}
	return r, nil
}

func (c *Collector) recordFailure(key failureKey, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[key] = Failure{
		Type:   key.typ,
		Actor:  key.actor,
		Domain: key.domain,
		Error:  err.Error(),
		At:     time.Now().UTC(),
	}
}

// SolicitStage asks every pending review and approval of the item's current
// stage concurrently, then asks for sign-off once reviews and approvals are
// satisfied. Individual failures are reported, not returned.
func (c *Collector) SolicitStage(ctx context.Context, id string) (*Report, error) {
	w, err := c.items.Get(id)
	if err != nil {
		return nil, err
	}
	rep := &Report{}
	if w.Status != workitem.Active {
		rep.Status, err = c.GetStageApprovalStatus(id)
		return rep, err
	}

	cfg := c.items.Catalog().Config(w.Stage)
	res := gate.Evaluate(cfg, w)

	type job struct {
		typ decision.Type
		req catalog.Requirement
	}
	var jobs []job
	for i, st := range res.Reviews {
		if st.State == gate.Pending {
			jobs = append(jobs, job{decision.Review, cfg.Reviews[i]})
		}
	}
	for i, st := range res.Approvals {
		if st.State == gate.Pending {
			jobs = append(jobs, job{decision.Approval, cfg.Approvals[i]})
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for _, j := range jobs {
		g.Go(func() error {
			rec, err := c.solicit(gctx, w, j.typ, j.req)
			mu.Lock()
			defer mu.Unlock()
			rep.Solicited++
			if err != nil {
				rep.Failures = append(rep.Failures, c.failure(w, j.typ, j.req))
				return nil
			}
			rep.Recorded = append(rep.Recorded, rec)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.maybeSignoff(ctx, id, rep); err != nil {
		return nil, err
	}

	rep.Status, err = c.GetStageApprovalStatus(id)
	return rep, err
}

func (c *Collector) maybeSignoff(ctx context.Context, id string, rep *Report) error {
	w, err := c.items.Get(id)
	if err != nil {
		return err
	}
	if w.Status != workitem.Active || w.Stage.Terminal() {
		return nil
	}
	cfg := c.items.Catalog().Config(w.Stage)
	res := gate.Evaluate(cfg, w)
	if len(res.MissingArtifacts) > 0 || len(res.MissingReviews) > 0 ||
		len(res.BlockingDecisions) > 0 || len(res.MissingApprovals) > 0 {
		return nil
	}
	if res.Signoff.State != gate.Pending {
		return nil
	}
	req := catalog.Requirement{Actor: cfg.Signoff, Domain: string(w.Stage)}
	rep.Solicited++
	rec, err := c.solicit(ctx, w, decision.Signoff, req)
	if err != nil {
		rep.Failures = append(rep.Failures, c.failure(w, decision.Signoff, req))
		return nil
	}
	rep.Recorded = append(rep.Recorded, rec)
	return nil
}

func (c *Collector) failure(w workitem.WorkItem, typ decision.Type, req catalog.Requirement) Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[failureKey{w.ID, w.Stage, w.Iteration, typ, req.Actor, req.Domain}]
}

// GetStageApprovalStatus tabulates the item's current stage: per-requirement
// status, sign-off, remembered failures, and the blockers in order.
func (c *Collector) GetStageApprovalStatus(id string) (*StageStatus, error) {
	w, err := c.items.Get(id)
	if err != nil {
		return nil, err
	}
	res := gate.Evaluate(c.items.Catalog().Config(w.Stage), w)

	st := &StageStatus{
		WorkItemID:       w.ID,
		Stage:            w.Stage,
		Iteration:        w.Iteration,
		ItemStatus:       w.Status,
		Reviews:          res.Reviews,
		Approvals:        res.Approvals,
		Signoff:          res.Signoff,
		MissingArtifacts: res.MissingArtifacts,
		CanAdvance:       res.Passed && w.Status == workitem.Active,
	}

	if w.Status != workitem.Active {
		st.Blockers = append(st.Blockers, fmt.Sprintf("work item is %s", w.Status))
	}
	st.Blockers = append(st.Blockers, res.Blockers()...)

	c.mu.Lock()
	for k, f := range c.failures {
		if k.item == w.ID && k.stage == w.Stage && k.iteration == w.Iteration && c.stillPending(res, k) {
			st.Failures = append(st.Failures, f)
		}
	}
	c.mu.Unlock()
	sortFailures(st.Failures)
	for _, f := range st.Failures {
		st.Blockers = append(st.Blockers,
			fmt.Sprintf("%s from %s (%s) pending after failed request: %s", f.Type, f.Actor, f.Domain, f.Error))
	}
	return st, nil
}

func (c *Collector) stillPending(res *gate.Result, k failureKey) bool {
	var list []gate.RequirementStatus
	switch k.typ {
	case decision.Review:
		list = res.Reviews
	case decision.Approval:
		list = res.Approvals
	case decision.Signoff:
		return res.Signoff.State == gate.Pending
	default:
		return false
	}
	for _, r := range list {
		if r.Actor == k.actor && r.Domain == k.domain {
			return r.State == gate.Pending
		}
	}
	return false
}

// IsTimeout reports whether err came from a solicitation deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func sortFailures(fs []Failure) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Type != fs[j].Type {
			return fs[i].Type < fs[j].Type
		}
		if fs[i].Actor != fs[j].Actor {
			return fs[i].Actor < fs[j].Actor
		}
		return fs[i].Domain < fs[j].Domain
	})
}
