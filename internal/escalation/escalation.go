// Package escalation detects stalled or conflicted stages, opens escalations
// against work items and resolves them through an executive decision.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

var (
	ErrNotFound        = errors.New("escalation not found")
	ErrAlreadyResolved = errors.New("escalation already resolved")
	ErrInProgress      = errors.New("escalation is already under review")
	ErrOpen            = errors.New("work item already has an open escalation")
	ErrUnauthorized    = errors.New("escalations are resolved by the executive")
	ErrNoExecutive     = errors.New("no executive decision producer configured")
)

// Reason classifies why an escalation was opened.
type Reason string

const (
	MaxIterationsExceeded Reason = "max_iterations_exceeded"
	ConflictingReviews    Reason = "conflicting_reviews"
	StuckApproval         Reason = "stuck_approval"
	CriticalBlocker       Reason = "critical_blocker"
	ManualEscalation      Reason = "manual_escalation"
)

// ParseReason converts a string into a Reason.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case MaxIterationsExceeded, ConflictingReviews, StuckApproval, CriticalBlocker, ManualEscalation:
		return r, nil
	}
	return "", fmt.Errorf("unknown escalation reason %q", s)
}

// Status is where an escalation stands.
type Status string

const (
	Pending   Status = "pending"
	Reviewing Status = "reviewing"
	Resolved  Status = "resolved"
	Dismissed Status = "dismissed"
)

// Open reports whether the escalation still awaits a verdict.
func (s Status) Open() bool { return s == Pending || s == Reviewing }

// Context is the snapshot taken when the escalation was opened.
type Context struct {
	Iteration     int               `json:"iteration"`
	MaxIterations int               `json:"max_iterations"`
	Artifacts     map[string]string `json:"artifacts,omitempty"`
	Decisions     []decision.Record `json:"decisions,omitempty"`
}

// Resolution records the verdict that closed an escalation.
type Resolution struct {
	Outcome         decision.Outcome    `json:"outcome,omitempty"`
	Action          workitem.Resolution `json:"action"`
	Notes           string              `json:"notes,omitempty"`
	Resolver        string              `json:"resolver"`
	Timestamp       time.Time           `json:"timestamp"`
	AcceptedRisks   []string            `json:"accepted_risks,omitempty"`
	RequiredActions []string            `json:"required_actions,omitempty"`
}

// Record is one escalation raised against a work item.
type Record struct {
	ID          string        `json:"id"`
	WorkItemID  string        `json:"work_item_id"`
	Title       string        `json:"title"`
	Stage       catalog.Stage `json:"stage"`
	Reason      Reason        `json:"reason"`
	Description string        `json:"description"`
	Requester   string        `json:"requester"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	Context     Context       `json:"context"`
	Resolution  *Resolution   `json:"resolution,omitempty"`
}

func (r Record) clone() Record {
	out := r
	out.Context.Decisions = append([]decision.Record(nil), r.Context.Decisions...)
	if r.Context.Artifacts != nil {
		out.Context.Artifacts = make(map[string]string, len(r.Context.Artifacts))
		for k, v := range r.Context.Artifacts {
			out.Context.Artifacts[k] = v
		}
	}
	if r.Resolution != nil {
		res := *r.Resolution
		res.AcceptedRisks = append([]string(nil), r.Resolution.AcceptedRisks...)
		res.RequiredActions = append([]string(nil), r.Resolution.RequiredActions...)
		out.Resolution = &res
	}
	return out
}

// Verdict is what an executive returns for an escalation.
type Verdict struct {
	Outcome         decision.Outcome `json:"outcome"`
	Notes           string           `json:"notes,omitempty"`
	AcceptedRisks   []string         `json:"accepted_risks,omitempty"`
	RequiredActions []string         `json:"required_actions,omitempty"`
}

// Executive decides escalations.
type Executive interface {
	Decide(ctx context.Context, rec Record) (Verdict, error)
}

// ExecutiveFunc adapts a function to Executive.
type ExecutiveFunc func(ctx context.Context, rec Record) (Verdict, error)

func (f ExecutiveFunc) Decide(ctx context.Context, rec Record) (Verdict, error) {
	return f(ctx, rec)
}

// Detail keys carried by escalation ledger entries.
const (
	keyDescription = "description"
	keyContext     = "context"
)

// Handler opens and resolves escalations. Records are restored from the
// ledger with Load.
type Handler struct {
	items     *workitem.Manager
	executive Executive
	actor     string
	timeout   time.Duration
	newID     func() string
	logger    *slog.Logger

	// openMu serializes the open check with the ledger append and
	// registration, so an item never has two open escalations.
	openMu sync.Mutex

	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// Option configures a Handler.
type Option func(*Handler)

// WithExecutive sets the collaborator consulted by RequestExecutiveDecision.
func WithExecutive(e Executive) Option {
	return func(h *Handler) { h.executive = e }
}

// WithExecutiveActor sets the actor name recorded on executive decisions.
func WithExecutiveActor(actor string) Option {
	return func(h *Handler) {
		if actor != "" {
			h.actor = actor
		}
	}
}

// WithTimeout bounds each executive call.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithIDFunc overrides escalation id generation.
func WithIDFunc(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New returns a handler for items.
func New(items *workitem.Manager, opts ...Option) *Handler {
	h := &Handler{
		items:   items,
		actor:   "executive",
		timeout: 2 * time.Minute,
		newID:   func() string { return "esc-" + uuid.NewString()[:8] },
		logger:  slog.New(slog.DiscardHandler),
		records: make(map[string]*Record),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ExecutiveActor returns the actor allowed to resolve escalations.
func (h *Handler) ExecutiveActor() string { return h.actor }

// HasExecutive reports whether RequestExecutiveDecision can be used.
func (h *Handler) HasExecutive() bool { return h.executive != nil }

// OpenFor returns the open escalation of an item, if any.
func (h *Handler) OpenFor(itemID string) (Record, bool) {
	if r := h.openFor(itemID); r != nil {
		return *r, true
	}
	return Record{}, false
}

// CheckNeeded evaluates the current state of an item.
func (h *Handler) CheckNeeded(id string) (Check, error) {
	w, err := h.items.Get(id)
	if err != nil {
		return Check{}, err
	}
	return CheckNeeded(w), nil
}

// EscalateIfNeeded opens an escalation when CheckNeeded reports one. It
// returns nil when no condition holds.
func (h *Handler) EscalateIfNeeded(ctx context.Context, id, requester string) (*Record, error) {
	w, err := h.items.Get(id)
	if err != nil {
		return nil, err
	}
	chk := CheckNeeded(w)
	if !chk.Needed {
		return nil, nil
	}
	rec, err := h.open(ctx, w, chk.Reason, chk.Description, requester, chk.Evidence)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create opens an escalation for reason. The decisions that justify it are
// copied into the record so later activity cannot change its context.
func (h *Handler) Create(ctx context.Context, id string, reason Reason, description, requester string) (Record, error) {
	if _, err := ParseReason(string(reason)); err != nil {
		return Record{}, err
	}
	w, err := h.items.Get(id)
	if err != nil {
		return Record{}, err
	}
	evidence := w.StageDecisions(w.Stage, -1)
	if chk := CheckNeeded(w); chk.Needed && chk.Reason == reason {
		evidence = chk.Evidence
		if description == "" {
			description = chk.Description
		}
	}
	return h.open(ctx, w, reason, description, requester, evidence)
}

func (h *Handler) open(ctx context.Context, w workitem.WorkItem, reason Reason, description, requester string, evidence []decision.Record) (Record, error) {
	h.openMu.Lock()
	defer h.openMu.Unlock()
	if open := h.openFor(w.ID); open != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrOpen, open.ID)
	}
	rec := Record{
		ID:          h.newID(),
		WorkItemID:  w.ID,
		Title:       w.Title,
		Stage:       w.Stage,
		Reason:      reason,
		Description: description,
		Requester:   requester,
		Status:      Pending,
		Context: Context{
			Iteration:     w.Iteration,
			MaxIterations: w.MaxIterations,
			Artifacts:     w.Clone().Artifacts,
			Decisions:     append([]decision.Record(nil), evidence...),
		},
	}
	snapshot, err := json.Marshal(rec.Context)
	if err != nil {
		return Record{}, fmt.Errorf("encode escalation context: %w", err)
	}
	updated, err := h.items.TriggerEscalation(ctx, w.ID, rec.ID, string(reason), requester, map[string]string{
		keyDescription: description,
		keyContext:     string(snapshot),
	})
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = updated.UpdatedAt

	h.mu.Lock()
	h.records[rec.ID] = &rec
	h.order = append(h.order, rec.ID)
	h.mu.Unlock()

	h.logger.Warn("escalation opened", "id", rec.ID, "item", w.ID, "stage", w.Stage, "reason", reason)
	return rec.clone(), nil
}

func (h *Handler) openFor(itemID string) *Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.order {
		if r := h.records[id]; r.WorkItemID == itemID && r.Status.Open() {
			c := r.clone()
			return &c
		}
	}
	return nil
}

// RequestExecutiveDecision hands the escalation to the executive and applies
// the verdict. If the call fails the escalation returns to pending.
func (h *Handler) RequestExecutiveDecision(ctx context.Context, escalationID string) (Record, error) {
	if h.executive == nil {
		return Record{}, ErrNoExecutive
	}
	rec, err := h.begin(escalationID)
	if err != nil {
		return Record{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	verdict, err := h.executive.Decide(cctx, rec)
	cancel()
	if err != nil {
		h.setStatus(escalationID, Pending)
		h.logger.Warn("executive decision failed", "id", escalationID, "error", err)
		return Record{}, fmt.Errorf("executive decision for %s: %w", escalationID, err)
	}

	out, err := h.apply(ctx, escalationID, verdict, h.actor)
	if err != nil {
		h.setStatus(escalationID, Pending)
		return Record{}, err
	}
	return out, nil
}

// Resolve applies a verdict supplied directly by the executive actor.
func (h *Handler) Resolve(ctx context.Context, escalationID string, v Verdict, resolver string) (Record, error) {
	if resolver != h.actor {
		return Record{}, fmt.Errorf("%w: %q is not %q", ErrUnauthorized, resolver, h.actor)
	}
	if _, err := h.begin(escalationID); err != nil {
		return Record{}, err
	}
	out, err := h.apply(ctx, escalationID, v, resolver)
	if err != nil {
		h.setStatus(escalationID, Pending)
		return Record{}, err
	}
	return out, nil
}

func (h *Handler) begin(escalationID string) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[escalationID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, escalationID)
	}
	switch r.Status {
	case Reviewing:
		return Record{}, fmt.Errorf("%w: %s", ErrInProgress, escalationID)
	case Resolved, Dismissed:
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, escalationID)
	}
	r.Status = Reviewing
	return r.clone(), nil
}

func (h *Handler) setStatus(escalationID string, s Status) {
	h.mu.Lock()
	if r, ok := h.records[escalationID]; ok {
		r.Status = s
	}
	h.mu.Unlock()
}

// apply records the executive decision and the resolution. Rejected cancels
// the item. A positive verdict with required actions reopens the stage for
// another iteration with a fresh budget; otherwise the item proceeds.
func (h *Handler) apply(ctx context.Context, escalationID string, v Verdict, resolver string) (Record, error) {
	switch v.Outcome {
	case decision.Approved, decision.ApprovedWithRisks, decision.Rejected:
	default:
		return Record{}, fmt.Errorf("executive outcome must be approved, approved_with_risks or rejected, got %q", v.Outcome)
	}

	h.mu.Lock()
	rec := h.records[escalationID].clone()
	h.mu.Unlock()

	w, err := h.items.Get(rec.WorkItemID)
	if err != nil {
		return Record{}, err
	}
	d, err := decision.New(decision.Params{
		WorkItemID:      w.ID,
		Stage:           w.Stage,
		Type:            decision.Escalation,
		Outcome:         v.Outcome,
		Actor:           resolver,
		Domain:          "escalation:" + string(rec.Reason),
		Iteration:       w.Iteration,
		Notes:           v.Notes,
		RequiredChanges: v.RequiredActions,
		Risks:           v.AcceptedRisks,
	}, h.items.Catalog())
	if err != nil {
		return Record{}, err
	}

	action := workitem.ResolveProceed
	switch {
	case v.Outcome == decision.Rejected:
		action = workitem.ResolveReject
	case len(d.RequiredChanges) > 0:
		action = workitem.ResolveRework
	}

	updated, err := h.items.ResolveWithVerdict(ctx, w.ID, rec.ID, d, action, v.Notes)
	if err != nil {
		return Record{}, err
	}

	h.mu.Lock()
	r := h.records[escalationID]
	r.Status = Resolved
	r.Resolution = &Resolution{
		Outcome:         d.Outcome,
		Action:          action,
		Notes:           v.Notes,
		Resolver:        resolver,
		Timestamp:       updated.UpdatedAt,
		AcceptedRisks:   d.Risks,
		RequiredActions: d.RequiredChanges,
	}
	out := r.clone()
	h.mu.Unlock()

	h.logger.Info("escalation resolved", "id", escalationID, "item", w.ID, "outcome", d.Outcome, "action", action)
	return out, nil
}

// Dismiss closes an open escalation without a verdict and unblocks the item.
func (h *Handler) Dismiss(ctx context.Context, escalationID, actor, notes string) (Record, error) {
	rec, err := h.begin(escalationID)
	if err != nil {
		return Record{}, err
	}
	updated, err := h.items.ResolveEscalation(ctx, rec.WorkItemID, rec.ID, workitem.ResolveDismiss, actor, notes)
	if err != nil {
		h.setStatus(escalationID, Pending)
		return Record{}, err
	}

	h.mu.Lock()
	r := h.records[escalationID]
	r.Status = Dismissed
	r.Resolution = &Resolution{
		Action:    workitem.ResolveDismiss,
		Notes:     notes,
		Resolver:  actor,
		Timestamp: updated.UpdatedAt,
	}
	out := r.clone()
	h.mu.Unlock()
	return out, nil
}

// Get returns an escalation by id or unique id prefix.
func (h *Handler) Get(id string) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.records[id]; ok {
		return r.clone(), nil
	}
	var match *Record
	for _, k := range h.order {
		if strings.HasPrefix(k, id) {
			if match != nil {
				return Record{}, fmt.Errorf("escalation prefix %q is ambiguous", id)
			}
			match = h.records[k]
		}
	}
	if match == nil {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return match.clone(), nil
}

// ListFor returns the escalations raised against one item, oldest first.
func (h *Handler) ListFor(itemID string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Record
	for _, id := range h.order {
		if r := h.records[id]; r.WorkItemID == itemID {
			out = append(out, r.clone())
		}
	}
	return out
}

// List returns every escalation, open ones first, then by creation time.
func (h *Handler) List() []Record {
	h.mu.Lock()
	out := make([]Record, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.records[id].clone())
	}
	h.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Status.Open() && !out[j].Status.Open()
	})
	return out
}

// Load rebuilds escalation records from the ledger.
func (h *Handler) Load(ctx context.Context) (int, error) {
	entries, err := h.items.Ledger().All(ctx)
	if err != nil {
		return 0, err
	}
	records := make(map[string]*Record)
	var order []string
	// the executive decision is appended right before its resolution entry
	lastVerdict := make(map[string]*decision.Record)

	for _, e := range entries {
		switch e.Action {
		case ledger.EscalationTriggered:
			id := e.Detail(workitem.KeyEscalationID)
			rec := &Record{
				ID:          id,
				WorkItemID:  e.WorkItemID,
				Stage:       e.Stage,
				Reason:      Reason(e.Detail(workitem.KeyReason)),
				Description: e.Detail(keyDescription),
				Requester:   e.Actor,
				Status:      Pending,
				CreatedAt:   e.Timestamp,
			}
			if raw := e.Detail(keyContext); raw != "" {
				if err := json.Unmarshal([]byte(raw), &rec.Context); err != nil {
					return 0, fmt.Errorf("entry %d: decode escalation context: %w", e.Seq, err)
				}
			}
			records[id] = rec
			order = append(order, id)

		case ledger.DecisionMade:
			if e.Decision != nil && e.Decision.Type == decision.Escalation {
				d := *e.Decision
				lastVerdict[e.WorkItemID] = &d
			}

		case ledger.EscalationResolved:
			rec, ok := records[e.Detail(workitem.KeyEscalationID)]
			if !ok {
				continue
			}
			action := workitem.Resolution(e.Detail(workitem.KeyResolution))
			res := &Resolution{
				Action:    action,
				Notes:     e.Detail(workitem.KeyNotes),
				Resolver:  e.Actor,
				Timestamp: e.Timestamp,
			}
			if action == workitem.ResolveDismiss {
				rec.Status = Dismissed
			} else {
				rec.Status = Resolved
				if d := lastVerdict[e.WorkItemID]; d != nil {
					res.Outcome = d.Outcome
					res.AcceptedRisks = d.Risks
					res.RequiredActions = d.RequiredChanges
				}
			}
			delete(lastVerdict, e.WorkItemID)
			rec.Resolution = res
		}
	}

	for _, id := range order {
		if w, err := h.items.Get(records[id].WorkItemID); err == nil {
			records[id].Title = w.Title
		}
	}

	h.mu.Lock()
	h.records = records
	h.order = order
	h.mu.Unlock()
	h.logger.Info("escalations restored", "count", len(order))
	return len(order), nil
}
