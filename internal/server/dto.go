package server

import (
	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/transition"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

type CreateItemRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Variant     string `json:"variant,omitempty" example:"FAST_TRACK"`
	Actor       string `json:"actor,omitempty"`
}

type ItemList struct {
	Items []workitem.WorkItem `json:"items"`
}

type ArtifactRequest struct {
	Name string `json:"name" minLength:"1" example:"brief"`
	// Content is stored in the artifact store; Ref registers an existing
	// reference instead.
	Content string `json:"content,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Actor   string `json:"actor" minLength:"1"`
}

type DecisionRequest struct {
	Type              string   `json:"type" enum:"review,approval,signoff"`
	Outcome           string   `json:"outcome" enum:"approved,approved_with_risks,changes_required,rejected"`
	Actor             string   `json:"actor" minLength:"1"`
	Domain            string   `json:"domain" minLength:"1"`
	Notes             string   `json:"notes,omitempty"`
	RequiredChanges   []string `json:"required_changes,omitempty"`
	Risks             []string `json:"risks,omitempty"`
	ArtifactsReviewed []string `json:"artifacts_reviewed,omitempty"`
}

type AdvanceRequest struct {
	Actor string `json:"actor,omitempty"`
	To    string `json:"to,omitempty"`
}

type TransitionResponse struct {
	Allowed  bool              `json:"allowed"`
	From     catalog.Stage     `json:"from"`
	To       catalog.Stage     `json:"to,omitempty"`
	Blockers []string          `json:"blockers"`
	Item     workitem.WorkItem `json:"item"`
}

func transitionResponse(r transition.Result, w workitem.WorkItem) TransitionResponse {
	b := r.Blockers()
	if b == nil {
		b = []string{}
	}
	return TransitionResponse{Allowed: r.Allowed, From: r.From, To: r.To, Blockers: b, Item: w}
}

type RollbackRequest struct {
	To       string `json:"to,omitempty"`
	Reason   string `json:"reason" minLength:"1"`
	Approver string `json:"approver" minLength:"1"`
}

type RollbackResponse struct {
	From            catalog.Stage     `json:"from"`
	To              catalog.Stage     `json:"to"`
	NeedsEscalation bool              `json:"needs_escalation"`
	Item            workitem.WorkItem `json:"item"`
}

type RunRequest struct {
	AutoAdvance bool   `json:"auto_advance,omitempty"`
	AutoRework  bool   `json:"auto_rework,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

type EntryList struct {
	Entries []ledger.Entry `json:"entries"`
}

type EscalationList struct {
	Escalations []escalation.Record `json:"escalations"`
}

type CreateEscalationRequest struct {
	Reason      string `json:"reason,omitempty" example:"manual_escalation"`
	Description string `json:"description,omitempty"`
	Requester   string `json:"requester" minLength:"1"`
}

type ResolveRequest struct {
	// Executive asks the configured executive producer instead of taking the
	// verdict from this request.
	Executive       bool     `json:"executive,omitempty"`
	Outcome         string   `json:"outcome,omitempty" example:"approved_with_risks"`
	Notes           string   `json:"notes,omitempty"`
	AcceptedRisks   []string `json:"accepted_risks,omitempty"`
	RequiredActions []string `json:"required_actions,omitempty"`
	Resolver        string   `json:"resolver,omitempty"`
}

type DismissRequest struct {
	Actor string `json:"actor" minLength:"1"`
	Notes string `json:"notes,omitempty"`
}
