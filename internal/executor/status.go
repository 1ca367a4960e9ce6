package executor

import (
	"github.com/lucasnoah/stagegate/internal/approval"
	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

// StageProgress is one stage of the item's variant.
type StageProgress struct {
	Stage catalog.Stage `json:"stage"`
	State string        `json:"state"` // "done", "current", "pending"
}

// PipelineStatus is the driving caller's view of a work item.
type PipelineStatus struct {
	WorkItemID      string                `json:"work_item_id"`
	Title           string                `json:"title"`
	Variant         string                `json:"variant"`
	Status          workitem.Status       `json:"status"`
	Stage           catalog.Stage         `json:"stage"`
	Iteration       int                   `json:"iteration"`
	MaxIterations   int                   `json:"max_iterations"`
	Percent         float64               `json:"percent_complete"`
	Stages          []StageProgress       `json:"stages"`
	CanAdvance      bool                  `json:"can_advance"`
	Blockers        []string              `json:"blockers"`
	Approval        *approval.StageStatus `json:"approval"`
	AcceptedRisks   []string              `json:"accepted_risks,omitempty"`
	OpenEscalations []escalation.Record   `json:"open_escalations,omitempty"`
}

// GetPipelineStatus reports where an item stands in its variant.
// Percent complete is the index of the current stage over the last index, so
// an item in Intake is at 0 and a completed item at 100.
func (e *Executor) GetPipelineStatus(id string) (*PipelineStatus, error) {
	w, err := e.items.Get(id)
	if err != nil {
		return nil, err
	}
	variant, err := e.items.Catalog().Variant(w.Variant)
	if err != nil {
		return nil, err
	}
	st, err := e.collector.GetStageApprovalStatus(id)
	if err != nil {
		return nil, err
	}

	ps := &PipelineStatus{
		WorkItemID:    w.ID,
		Title:         w.Title,
		Variant:       w.Variant,
		Status:        w.Status,
		Stage:         w.Stage,
		Iteration:     w.Iteration,
		MaxIterations: w.MaxIterations,
		CanAdvance:    st.CanAdvance,
		Blockers:      st.Blockers,
		Approval:      st,
		AcceptedRisks: w.AcceptedRisks,
	}

	idx := variant.Index(w.Stage)
	if n := len(variant.Stages); n > 1 && idx >= 0 {
		ps.Percent = float64(idx) / float64(n-1) * 100
	}
	for i, s := range variant.Stages {
		state := "pending"
		switch {
		case i < idx || (i == idx && w.Status == workitem.Completed):
			state = "done"
		case i == idx:
			state = "current"
		}
		ps.Stages = append(ps.Stages, StageProgress{Stage: s, State: state})
	}

	for _, r := range e.escalations.ListFor(id) {
		if r.Status.Open() {
			ps.OpenEscalations = append(ps.OpenEscalations, r)
		}
	}
	return ps, nil
}
