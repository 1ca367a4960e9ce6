// Package workitem holds the work item aggregate. Its state is a projection
// of ledger history: every mutation is recorded as ledger entries and then
// folded in with Apply, the same function Replay uses.
package workitem

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	Active    Status = "active"
	Blocked   Status = "blocked"
	Completed Status = "completed"
	Cancelled Status = "cancelled"
)

// Closed reports whether the item has reached a terminal status.
func (s Status) Closed() bool {
	return s == Completed || s == Cancelled
}

// Resolution is how an escalation was closed.
type Resolution string

const (
	ResolveProceed Resolution = "proceed"
	ResolveReject  Resolution = "reject"
	ResolveRework  Resolution = "rework"
	// ResolveDismiss closes an escalation without a verdict.
	ResolveDismiss Resolution = "dismissed"
)

// ParseResolution converts a string into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolveProceed, ResolveReject, ResolveRework, ResolveDismiss:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Detail keys used in ledger entries.
const (
	KeyTitle           = "title"
	KeyDescription     = "description"
	KeyVariant         = "variant"
	KeyMaxIterations   = "max_iterations"
	KeyArtifactName    = "name"
	KeyArtifactRef     = "ref"
	KeyReason          = "reason"
	KeyIteration       = "iteration"
	KeyRequiredChanges = "required_changes"
	KeyFromStage       = "from_stage"
	KeyToStage         = "to_stage"
	KeyEscalationID    = "escalation_id"
	KeyResolution      = "resolution"
	KeyNotes           = "notes"
)

// WorkItem is the unit of work flowing through a pipeline variant.
type WorkItem struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Status        Status            `json:"status"`
	Stage         catalog.Stage     `json:"stage"`
	Variant       string            `json:"variant"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Artifacts     map[string]string `json:"artifacts"`
	Decisions     []decision.Record `json:"decisions"`
	Iteration     int               `json:"iteration"`
	MaxIterations int               `json:"max_iterations"`
	AcceptedRisks []string          `json:"accepted_risks,omitempty"`
}

// Clone returns a deep copy.
func (w WorkItem) Clone() WorkItem {
	out := w
	out.Artifacts = make(map[string]string, len(w.Artifacts))
	for k, v := range w.Artifacts {
		out.Artifacts[k] = v
	}
	out.Decisions = append([]decision.Record(nil), w.Decisions...)
	out.AcceptedRisks = append([]string(nil), w.AcceptedRisks...)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// ArtifactNames returns the registered artifact names, sorted.
func (w WorkItem) ArtifactNames() []string {
	names := make([]string, 0, len(w.Artifacts))
	for n := range w.Artifacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StageDecisions returns the decisions recorded for a stage. A negative
// iteration matches every iteration.
func (w WorkItem) StageDecisions(stage catalog.Stage, iteration int) []decision.Record {
	var out []decision.Record
	for _, d := range w.Decisions {
		if d.Stage != stage {
			continue
		}
		if iteration >= 0 && d.Iteration != iteration {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Apply folds one ledger entry into w.
func Apply(w *WorkItem, e ledger.Entry) error {
	if e.Action != ledger.ItemCreated && w.ID == "" {
		return fmt.Errorf("entry %d (%s) before %s", e.Seq, e.Action, ledger.ItemCreated)
	}
	if w.ID != "" && e.WorkItemID != w.ID {
		return fmt.Errorf("entry %d belongs to %q, not %q", e.Seq, e.WorkItemID, w.ID)
	}

	switch e.Action {
	case ledger.ItemCreated:
		if w.ID != "" {
			return fmt.Errorf("entry %d: %s already created", e.Seq, w.ID)
		}
		maxIter, err := atoiDetail(e, KeyMaxIterations)
		if err != nil {
			return err
		}
		*w = WorkItem{
			ID:            e.WorkItemID,
			Title:         e.Detail(KeyTitle),
			Description:   e.Detail(KeyDescription),
			Variant:       e.Detail(KeyVariant),
			Status:        Active,
			Stage:         catalog.Intake,
			CreatedAt:     e.Timestamp,
			Artifacts:     map[string]string{},
			MaxIterations: maxIter,
		}

	case ledger.StageEntered:
		if !e.Stage.Valid() {
			return fmt.Errorf("entry %d: %s without stage", e.Seq, e.Action)
		}
		w.Stage = e.Stage

	case ledger.StageCompleted:

	case ledger.ItemCompleted:
		w.Status = Completed
		t := e.Timestamp
		w.CompletedAt = &t

	case ledger.DecisionMade:
		if e.Decision == nil {
			return fmt.Errorf("entry %d: %s without decision", e.Seq, e.Action)
		}
		d := *e.Decision
		w.Decisions = append(w.Decisions, d)
		if d.Type == decision.Escalation {
			if d.Outcome == decision.ApprovedWithRisks {
				w.AcceptedRisks = append(w.AcceptedRisks, d.Risks...)
			}
		} else if d.Outcome == decision.Rejected && !w.Status.Closed() {
			w.Status = Blocked
		}

	case ledger.ArtifactCreated:
		name := e.Detail(KeyArtifactName)
		if name == "" {
			return fmt.Errorf("entry %d: artifact without name", e.Seq)
		}
		w.Artifacts[name] = e.Detail(KeyArtifactRef)

	case ledger.ReworkTriggered:
		iter, err := atoiDetail(e, KeyIteration)
		if err != nil {
			return err
		}
		w.Iteration = iter
		if e.Detail(KeyMaxIterations) != "" {
			maxIter, err := atoiDetail(e, KeyMaxIterations)
			if err != nil {
				return err
			}
			w.MaxIterations = maxIter
		}
		if !w.Status.Closed() {
			w.Status = Active
		}

	case ledger.EscalationTriggered:
		if !w.Status.Closed() {
			w.Status = Blocked
		}

	case ledger.EscalationResolved:
		switch Resolution(e.Detail(KeyResolution)) {
		case ResolveProceed, ResolveRework, ResolveDismiss:
			if !w.Status.Closed() {
				w.Status = Active
			}
		case ResolveReject:
		default:
			return fmt.Errorf("entry %d: unknown resolution %q", e.Seq, e.Detail(KeyResolution))
		}

	case ledger.ItemCancelled:
		w.Status = Cancelled

	default:
		return fmt.Errorf("entry %d: unknown action %q", e.Seq, e.Action)
	}

	w.UpdatedAt = e.Timestamp
	return nil
}

// Replay reconstructs a work item from its ledger entries.
func Replay(entries []ledger.Entry) (WorkItem, error) {
	var w WorkItem
	if len(entries) == 0 {
		return w, fmt.Errorf("no entries to replay")
	}
	for _, e := range entries {
		if err := Apply(&w, e); err != nil {
			return WorkItem{}, fmt.Errorf("replay %s: %w", e.WorkItemID, err)
		}
	}
	return w, nil
}

func atoiDetail(e ledger.Entry, key string) (int, error) {
	v, err := strconv.Atoi(e.Detail(key))
	if err != nil {
		return 0, fmt.Errorf("entry %d: detail %s: %w", e.Seq, key, err)
	}
	return v, nil
}

func joinLines(items []string) string {
	return strings.Join(items, "\n")
}

