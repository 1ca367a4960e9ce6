// Package transition is the stage state machine: it decides whether a work
// item may leave its current stage and records forward moves and rollbacks.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/gate"
	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

var (
	// ErrUnauthorized is returned when a rollback is requested by anyone
	// other than the orchestrator.
	ErrUnauthorized = errors.New("rollback requires orchestrator authority")
	// ErrInvalidRollback is returned for a rollback target that is not an
	// earlier stage of the item's variant.
	ErrInvalidRollback = errors.New("invalid rollback target")
)

// Result is the outcome of validating a transition. A blocked transition is
// a normal result, not an error.
type Result struct {
	Allowed bool          `json:"allowed"`
	From    catalog.Stage `json:"from"`
	To      catalog.Stage `json:"to,omitempty"`
	// Reasons holds item-level problems: wrong status, target outside the
	// variant, and similar.
	Reasons []string     `json:"reasons,omitempty"`
	Gate    *gate.Result `json:"gate,omitempty"`
}

// Blockers lists everything preventing the transition.
func (r Result) Blockers() []string {
	out := append([]string(nil), r.Reasons...)
	if r.Gate != nil {
		out = append(out, r.Gate.Blockers()...)
	}
	return out
}

// RollbackResult reports a rollback request. When NeedsEscalation is set the
// iteration budget is spent and nothing was recorded.
type RollbackResult struct {
	Item            workitem.WorkItem
	From            catalog.Stage
	To              catalog.Stage
	NeedsEscalation bool
}

// Manager validates and performs stage transitions.
type Manager struct {
	items        *workitem.Manager
	catalog      *catalog.Catalog
	orchestrator string
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New returns a transition manager. orchestrator is the only actor allowed
// to roll work items back.
func New(items *workitem.Manager, orchestrator string, opts ...Option) *Manager {
	m := &Manager{
		items:        items,
		catalog:      items.Catalog(),
		orchestrator: orchestrator,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Validate checks whether w may move to target. A nil target means the next
// stage of the item's variant.
func (m *Manager) Validate(w workitem.WorkItem, target *catalog.Stage) Result {
	res := Result{From: w.Stage}

	if w.Status != workitem.Active {
		res.Reasons = append(res.Reasons, fmt.Sprintf("work item is %s, not active", w.Status))
	}

	variant, err := m.catalog.Variant(w.Variant)
	if err != nil {
		res.Reasons = append(res.Reasons, err.Error())
		return res
	}
	next, hasNext := variant.Next(w.Stage)
	switch {
	case target == nil && !hasNext:
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s is the last stage of %s", w.Stage, variant.Name))
	case target == nil:
		res.To = next
	case !variant.Contains(*target):
		res.To = *target
		res.Reasons = append(res.Reasons, fmt.Sprintf("stage %s is not part of variant %s", *target, variant.Name))
	case !hasNext || *target != next:
		res.To = *target
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s can only advance to %s", w.Stage, next))
	default:
		res.To = *target
	}

	res.Gate = gate.Evaluate(m.catalog.Config(w.Stage), w)
	res.Allowed = len(res.Reasons) == 0 && res.Gate.Passed
	return res
}

// Execute re-validates and, if allowed, records StageCompleted for the
// current stage and StageEntered for the target. Entering Completed also
// completes the item. When the transition is blocked nothing is recorded and
// the returned Result carries the blockers.
func (m *Manager) Execute(ctx context.Context, id string, target *catalog.Stage, actor string) (Result, workitem.WorkItem, error) {
	var res Result
	w, err := m.items.Mutate(ctx, id, func(cur workitem.WorkItem) ([]ledger.Entry, error) {
		res = m.Validate(cur, target)
		if !res.Allowed {
			return nil, nil
		}
		entries := []ledger.Entry{
			{Action: ledger.StageCompleted, Actor: actor, Stage: res.From},
			{Action: ledger.StageEntered, Actor: actor, Stage: res.To},
		}
		if res.To.Terminal() {
			entries = append(entries, ledger.Entry{Action: ledger.ItemCompleted, Actor: actor, Stage: res.To})
		}
		return entries, nil
	})
	if err != nil {
		return res, w, err
	}
	if res.Allowed {
		m.logger.Info("stage advanced", "id", id, "from", res.From, "to", res.To, "actor", actor)
	} else {
		m.logger.Debug("transition blocked", "id", id, "from", res.From, "blockers", len(res.Blockers()))
	}
	return res, w, nil
}

// Rollback moves an item back to an earlier stage of its variant. A nil
// target means the previous stage. Only the orchestrator may roll back, and
// a rollback spends the same iteration budget as rework.
func (m *Manager) Rollback(ctx context.Context, id string, target *catalog.Stage, reason, approver string) (RollbackResult, error) {
	if approver != m.orchestrator {
		return RollbackResult{}, fmt.Errorf("%w: %q", ErrUnauthorized, approver)
	}

	var res RollbackResult
	w, err := m.items.Mutate(ctx, id, func(cur workitem.WorkItem) ([]ledger.Entry, error) {
		if cur.Status.Closed() {
			return nil, fmt.Errorf("rollback %s: %w", id, workitem.ErrClosed)
		}
		variant, err := m.catalog.Variant(cur.Variant)
		if err != nil {
			return nil, err
		}
		to, err := rollbackTarget(variant, cur.Stage, target)
		if err != nil {
			return nil, err
		}
		res.From, res.To = cur.Stage, to
		if cur.Iteration >= cur.MaxIterations {
			res.NeedsEscalation = true
			return nil, nil
		}
		return []ledger.Entry{
			workitem.ReworkEntry(cur, reason, nil, approver, to),
			{Action: ledger.StageEntered, Actor: approver, Stage: to},
		}, nil
	})
	if err != nil {
		return RollbackResult{}, err
	}
	res.Item = w
	if res.NeedsEscalation {
		m.logger.Warn("rollback refused: iteration budget spent", "id", id, "iteration", w.Iteration)
	} else {
		m.logger.Info("stage rolled back", "id", id, "from", res.From, "to", res.To, "iteration", w.Iteration)
	}
	return res, nil
}

func rollbackTarget(v catalog.Variant, cur catalog.Stage, target *catalog.Stage) (catalog.Stage, error) {
	if target == nil {
		prev, ok := v.Previous(cur)
		if !ok {
			return "", fmt.Errorf("%w: %s has no previous stage", ErrInvalidRollback, cur)
		}
		return prev, nil
	}
	ti, ci := v.Index(*target), v.Index(cur)
	if ti < 0 {
		return "", fmt.Errorf("%w: %s is not part of variant %s", ErrInvalidRollback, *target, v.Name)
	}
	if ti >= ci {
		return "", fmt.Errorf("%w: %s is not before %s", ErrInvalidRollback, *target, cur)
	}
	return *target, nil
}
