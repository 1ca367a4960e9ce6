package ledger

import (
	"fmt"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
)

// Action is the lifecycle event an entry records.
type Action string

const (
	ItemCreated         Action = "item_created"
	StageEntered        Action = "stage_entered"
	StageCompleted      Action = "stage_completed"
	DecisionMade        Action = "decision_made"
	ArtifactCreated     Action = "artifact_created"
	ReworkTriggered     Action = "rework_triggered"
	EscalationTriggered Action = "escalation_triggered"
	EscalationResolved  Action = "escalation_resolved"
	ItemCompleted       Action = "item_completed"
	ItemCancelled       Action = "item_cancelled"
)

var actions = []Action{
	ItemCreated, StageEntered, StageCompleted, DecisionMade, ArtifactCreated,
	ReworkTriggered, EscalationTriggered, EscalationResolved, ItemCompleted, ItemCancelled,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// Entry is one immutable record in the ledger. Seq is the position in the
// global append order, starting at 1.
type Entry struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	WorkItemID string            `json:"work_item_id"`
	Action     Action            `json:"action"`
	Actor      string            `json:"actor,omitempty"`
	Stage      catalog.Stage     `json:"stage,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Decision   *decision.Record  `json:"decision,omitempty"`
}

// Detail returns a details value or "".
func (e Entry) Detail(key string) string {
	return e.Details[key]
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	if len(e.Details) == 0 {
		e.Details = nil
	} else {
		d := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	if e.Decision != nil {
		rec := *e.Decision
		rec.RequiredChanges = append([]string(nil), rec.RequiredChanges...)
		rec.Risks = append([]string(nil), rec.Risks...)
		rec.ArtifactsReviewed = append([]string(nil), rec.ArtifactsReviewed...)
		e.Decision = &rec
	}
	return e
}

func validateEntry(e Entry) error {
	if e.WorkItemID == "" {
		return fmt.Errorf("entry has no work item id")
	}
	if !e.Action.Valid() {
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.Stage != "" && !e.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Action == DecisionMade {
		if e.Decision == nil {
			return fmt.Errorf("%s entry has no decision", e.Action)
		}
		if v := decision.Validate(*e.Decision, nil); len(v) > 0 {
			return &decision.ValidationError{Violations: v}
		}
		if e.Decision.WorkItemID != e.WorkItemID {
			return fmt.Errorf("decision belongs to %q, entry to %q", e.Decision.WorkItemID, e.WorkItemID)
		}
	}
	return nil
}
