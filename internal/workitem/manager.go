package workitem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

var (
	// ErrNotFound is returned when no work item matches an id.
	ErrNotFound = errors.New("work item not found")
	// ErrAmbiguous is returned when an id prefix matches more than one item.
	ErrAmbiguous = errors.New("work item id is ambiguous")
	// ErrClosed is returned when mutating a completed or cancelled item.
	ErrClosed = errors.New("work item is closed")
	// ErrStaleDecision is returned for a decision that does not belong to the
	// item's current stage visit.
	ErrStaleDecision = errors.New("decision does not match current stage and iteration")
)

const defaultMaxIterations = 3

// ReworkResult reports the outcome of a rework request. When NeedsEscalation
// is set nothing was recorded and the caller must escalate instead.
type ReworkResult struct {
	Item            WorkItem
	Iteration       int
	NeedsEscalation bool
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Title       string
	Description string
	Variant     string
	Actor       string
}

type itemState struct {
	mu   sync.Mutex
	item WorkItem
}

// Manager owns the in-memory projection of every work item and records
// every change in the ledger before applying it.
type Manager struct {
	ledger  *ledger.Ledger
	catalog *catalog.Catalog

	mu    sync.RWMutex
	items map[string]*itemState

	maxIterations int
	newID         func() string
	logger        *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxIterations sets the rework budget given to new items.
func WithMaxIterations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxIterations = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithIDFunc overrides work item id generation.
func WithIDFunc(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager returns a manager recording into l.
func NewManager(l *ledger.Ledger, cat *catalog.Catalog, opts ...Option) *Manager {
	m := &Manager{
		ledger:        l,
		catalog:       cat,
		items:         make(map[string]*itemState),
		maxIterations: defaultMaxIterations,
		newID:         func() string { return "wi-" + uuid.NewString()[:8] },
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ledger returns the ledger the manager records into.
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Catalog returns the stage catalog.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Load rebuilds every work item from the ledger. It returns the number of
// items restored.
func (m *Manager) Load(ctx context.Context) (int, error) {
	entries, err := m.ledger.All(ctx)
	if err != nil {
		return 0, err
	}
	byItem := make(map[string][]ledger.Entry)
	var order []string
	for _, e := range entries {
		if _, ok := byItem[e.WorkItemID]; !ok {
			order = append(order, e.WorkItemID)
		}
		byItem[e.WorkItemID] = append(byItem[e.WorkItemID], e)
	}

	items := make(map[string]*itemState, len(order))
	for _, id := range order {
		w, err := Replay(byItem[id])
		if err != nil {
			return 0, err
		}
		items[id] = &itemState{item: w}
	}

	m.mu.Lock()
	m.items = items
	m.mu.Unlock()
	m.logger.Info("work items restored", "count", len(items), "entries", len(entries))
	return len(items), nil
}

// Create allocates a new work item in Intake and records its creation.
func (m *Manager) Create(ctx context.Context, p CreateParams) (WorkItem, error) {
	if strings.TrimSpace(p.Title) == "" {
		return WorkItem{}, fmt.Errorf("create work item: title is required")
	}
	if _, err := m.catalog.Variant(p.Variant); err != nil {
		return WorkItem{}, fmt.Errorf("create work item: %w", err)
	}

	id := m.newID()
	st := &itemState{}
	st.mu.Lock()
	defer st.mu.Unlock()

	m.mu.Lock()
	if _, exists := m.items[id]; exists {
		m.mu.Unlock()
		return WorkItem{}, fmt.Errorf("create work item: id %s already in use", id)
	}
	m.items[id] = st
	m.mu.Unlock()

	entries := []ledger.Entry{
		{WorkItemID: id, Action: ledger.ItemCreated, Actor: p.Actor, Stage: catalog.Intake, Details: map[string]string{
			KeyTitle:         p.Title,
			KeyDescription:   p.Description,
			KeyVariant:       p.Variant,
			KeyMaxIterations: strconv.Itoa(m.maxIterations),
		}},
		{WorkItemID: id, Action: ledger.StageEntered, Actor: p.Actor, Stage: catalog.Intake},
	}
	w, err := m.record(ctx, WorkItem{}, entries)
	st.item = w
	if err != nil {
		if w.ID == "" {
			m.mu.Lock()
			delete(m.items, id)
			m.mu.Unlock()
		}
		return WorkItem{}, err
	}
	m.logger.Info("work item created", "id", id, "variant", p.Variant, "title", p.Title)
	return w.Clone(), nil
}

// Get returns a snapshot of a work item.
func (m *Manager) Get(id string) (WorkItem, error) {
	st, err := m.state(id)
	if err != nil {
		return WorkItem{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.item.Clone(), nil
}

// Find resolves an exact id or a unique id prefix.
func (m *Manager) Find(idOrPrefix string) (WorkItem, error) {
	if w, err := m.Get(idOrPrefix); err == nil {
		return w, nil
	}
	m.mu.RLock()
	var match string
	for id := range m.items {
		if strings.HasPrefix(id, idOrPrefix) {
			if match != "" {
				m.mu.RUnlock()
				return WorkItem{}, fmt.Errorf("%w: %q", ErrAmbiguous, idOrPrefix)
			}
			match = id
		}
	}
	m.mu.RUnlock()
	if match == "" || idOrPrefix == "" {
		return WorkItem{}, fmt.Errorf("%w: %q", ErrNotFound, idOrPrefix)
	}
	return m.Get(match)
}

// List returns every work item ordered by creation time.
func (m *Manager) List() []WorkItem {
	m.mu.RLock()
	states := make([]*itemState, 0, len(m.items))
	for _, st := range m.items {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]WorkItem, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if st.item.ID != "" {
			out = append(out, st.item.Clone())
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Mutate runs fn against the current state of an item while holding the
// item's lock. The entries fn returns are appended to the ledger in order
// and folded into the item. If an append fails, the entries already
// recorded stay applied and the error is returned.
func (m *Manager) Mutate(ctx context.Context, id string, fn func(cur WorkItem) ([]ledger.Entry, error)) (WorkItem, error) {
	st, err := m.state(id)
	if err != nil {
		return WorkItem{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	entries, err := fn(st.item.Clone())
	if err != nil {
		return st.item.Clone(), err
	}
	for i := range entries {
		entries[i].WorkItemID = id
	}
	w, err := m.record(ctx, st.item, entries)
	st.item = w
	return w.Clone(), err
}

func (m *Manager) record(ctx context.Context, cur WorkItem, entries []ledger.Entry) (WorkItem, error) {
	w := cur.Clone()
	for _, e := range entries {
		stored, err := m.ledger.Append(ctx, e)
		if err != nil {
			return w, err
		}
		if err := Apply(&w, stored); err != nil {
			return w, fmt.Errorf("apply %s: %w", stored.Action, err)
		}
	}
	return w, nil
}

func (m *Manager) state(id string) (*itemState, error) {
	m.mu.RLock()
	st, ok := m.items[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return st, nil
}

// AddArtifact registers or replaces an artifact reference.
func (m *Manager) AddArtifact(ctx context.Context, id, name, ref, actor string) (WorkItem, error) {
	if name == "" {
		return WorkItem{}, fmt.Errorf("add artifact: name is required")
	}
	return m.Mutate(ctx, id, func(cur WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("add artifact to %s: %w", id, ErrClosed)
		}
		return []ledger.Entry{{
			Action:  ledger.ArtifactCreated,
			Actor:   actor,
			Stage:   cur.Stage,
			Details: map[string]string{KeyArtifactName: name, KeyArtifactRef: ref},
		}}, nil
	})
}

// AddDecision appends a validated decision to the item's history. A
// non-escalation Rejected outcome blocks the item.
func (m *Manager) AddDecision(ctx context.Context, id string, rec decision.Record) (WorkItem, error) {
	if v := decision.Validate(rec, m.catalog); len(v) > 0 {
		return WorkItem{}, &decision.ValidationError{Violations: v}
	}
	return m.Mutate(ctx, id, func(cur WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("add decision to %s: %w", id, ErrClosed)
		}
		e, err := decisionEntry(cur, rec)
		if err != nil {
			return nil, err
		}
		return []ledger.Entry{e}, nil
	})
}

func decisionEntry(cur WorkItem, rec decision.Record) (ledger.Entry, error) {
	if rec.WorkItemID != cur.ID {
		return ledger.Entry{}, fmt.Errorf("decision for %q added to %q", rec.WorkItemID, cur.ID)
	}
	if rec.Stage != cur.Stage || rec.Iteration != cur.Iteration {
		return ledger.Entry{}, fmt.Errorf("%w: got %s/%d, item at %s/%d",
			ErrStaleDecision, rec.Stage, rec.Iteration, cur.Stage, cur.Iteration)
	}
	return ledger.Entry{
		Action:   ledger.DecisionMade,
		Actor:    rec.Actor,
		Stage:    rec.Stage,
		Decision: &rec,
	}, nil
}

// TriggerRework starts a new iteration of the current stage. Once the
// iteration budget is spent nothing is recorded and NeedsEscalation is set.
func (m *Manager) TriggerRework(ctx context.Context, id, reason string, requiredChanges []string, actor string) (ReworkResult, error) {
	var res ReworkResult
	w, err := m.Mutate(ctx, id, func(cur WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("rework %s: %w", id, ErrClosed)
		}
		if cur.Iteration >= cur.MaxIterations {
			res.NeedsEscalation = true
			return nil, nil
		}
		return []ledger.Entry{ReworkEntry(cur, reason, requiredChanges, actor, "")}, nil
	})
	if err != nil {
		return ReworkResult{}, err
	}
	res.Item = w
	res.Iteration = w.Iteration
	if res.NeedsEscalation {
		m.logger.Warn("rework budget exhausted", "id", id, "iteration", w.Iteration, "max", w.MaxIterations)
	}
	return res, nil
}

// ReworkEntry builds the ledger entry that moves cur to its next iteration.
// A non-empty toStage marks a rollback.
func ReworkEntry(cur WorkItem, reason string, requiredChanges []string, actor string, toStage catalog.Stage) ledger.Entry {
	details := map[string]string{
		KeyReason:    reason,
		KeyIteration: strconv.Itoa(cur.Iteration + 1),
	}
	if len(requiredChanges) > 0 {
		details[KeyRequiredChanges] = joinLines(requiredChanges)
	}
	if toStage != "" {
		details[KeyFromStage] = string(cur.Stage)
		details[KeyToStage] = string(toStage)
	}
	return ledger.Entry{
		Action:  ledger.ReworkTriggered,
		Actor:   actor,
		Stage:   cur.Stage,
		Details: details,
	}
}

// TriggerEscalation records that an escalation was opened and blocks the item.
func (m *Manager) TriggerEscalation(ctx context.Context, id, escalationID, reason, actor string, extra map[string]string) (WorkItem, error) {
	return m.Mutate(ctx, id, func(cur WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("escalate %s: %w", id, ErrClosed)
		}
		details := map[string]string{KeyEscalationID: escalationID, KeyReason: reason}
		for k, v := range extra {
			details[k] = v
		}
		return []ledger.Entry{{
			Action:  ledger.EscalationTriggered,
			Actor:   actor,
			Stage:   cur.Stage,
			Details: details,
		}}, nil
	})
}

// ResolveEscalation closes an escalation. Proceed and dismiss unblock the
// item, reject cancels it, and rework starts a new iteration with a fresh
// rework budget.
func (m *Manager) ResolveEscalation(ctx context.Context, id, escalationID string, res Resolution, actor, notes string) (WorkItem, error) {
	if _, err := ParseResolution(string(res)); err != nil {
		return WorkItem{}, err
	}
	return m.Mutate(ctx, id, func(cur WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("resolve escalation on %s: %w", id, ErrClosed)
		}
		return m.resolutionEntries(cur, escalationID, res, actor, notes), nil
	})
}

// ResolveWithVerdict records the executive's decision and the resolution it
// implies in one step, under the item's lock. Nothing is recorded if the
// verdict is invalid or stale.
func (m *Manager) ResolveWithVerdict(ctx context.Context, id, escalationID string, verdict decision.Record, res Resolution, notes string) (WorkItem, error) {
	if _, err := ParseResolution(string(res)); err != nil {
		return WorkItem{}, err
	}
	if verdict.Type != decision.Escalation {
		return WorkItem{}, fmt.Errorf("verdict must be an escalation decision, got %s", verdict.Type)
	}
	if v := decision.Validate(verdict, m.catalog); len(v) > 0 {
		return WorkItem{}, &decision.ValidationError{Violations: v}
	}
	return m.Mutate(ctx, id, func(cur WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("resolve escalation on %s: %w", id, ErrClosed)
		}
		d, err := decisionEntry(cur, verdict)
		if err != nil {
			return nil, err
		}
		return append([]ledger.Entry{d}, m.resolutionEntries(cur, escalationID, res, verdict.Actor, notes)...), nil
	})
}

func (m *Manager) resolutionEntries(cur WorkItem, escalationID string, res Resolution, actor, notes string) []ledger.Entry {
	entries := []ledger.Entry{{
		Action: ledger.EscalationResolved,
		Actor:  actor,
		Stage:  cur.Stage,
		Details: map[string]string{
			KeyEscalationID: escalationID,
			KeyResolution:   string(res),
			KeyNotes:        notes,
		},
	}}
	switch res {
	case ResolveReject:
		entries = append(entries, ledger.Entry{
			Action:  ledger.ItemCancelled,
			Actor:   actor,
			Stage:   cur.Stage,
			Details: map[string]string{KeyReason: "escalation rejected", KeyEscalationID: escalationID},
		})
	case ResolveRework:
		rw := ReworkEntry(cur, "escalation resolved with rework", nil, actor, "")
		rw.Details[KeyMaxIterations] = strconv.Itoa(cur.Iteration + 1 + m.maxIterations)
		entries = append(entries, rw)
	}
	return entries
}

// Cancel cancels an open item.
func (m *Manager) Cancel(ctx context.Context, id, reason, actor string) (WorkItem, error) {
	return m.Mutate(ctx, id, func(cur WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("cancel %s: %w", id, ErrClosed)
		}
		return []ledger.Entry{{
			Action:  ledger.ItemCancelled,
			Actor:   actor,
			Stage:   cur.Stage,
			Details: map[string]string{KeyReason: reason},
		}}, nil
	})
}

// Replay reconstructs an item straight from the ledger, bypassing the
// in-memory projection.
func (m *Manager) Replay(ctx context.Context, id string) (WorkItem, error) {
	entries, err := m.ledger.EntriesFor(ctx, id)
	if err != nil {
		return WorkItem{}, err
	}
	if len(entries) == 0 {
		return WorkItem{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return Replay(entries)
}
