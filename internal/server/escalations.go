package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lucasnoah/stagegate/internal/analytics"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/escalation"
)

type escalationBody struct {
	Body escalation.Record `json:"body"`
}

func (h *handlers) registerEscalations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-item-escalations",
		Method:      http.MethodGet,
		Path:        "/items/{id}/escalations",
		Summary:     "Escalations raised against a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body EscalationList `json:"body"`
	}, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := EscalationList{Escalations: h.cfg.Escalations.ListFor(w.ID)}
		if out.Escalations == nil {
			out.Escalations = []escalation.Record{}
		}
		return &struct {
			Body EscalationList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-escalation",
		Method:        http.MethodPost,
		Path:          "/items/{id}/escalations",
		Summary:       "Escalate a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body CreateEscalationRequest `json:"body"`
	}) (*escalationBody, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		reason := escalation.ManualEscalation
		if input.Body.Reason != "" {
			if reason, err = escalation.ParseReason(input.Body.Reason); err != nil {
				return nil, badRequest(err.Error())
			}
		}
		rec, err := h.cfg.Escalations.Create(ctx, w.ID, reason, input.Body.Description, input.Body.Requester)
		if err != nil {
			return nil, handleError(err)
		}
		return &escalationBody{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/resolve",
		Summary:     "Resolve an escalation",
		Description: "With executive=true the configured executive decides; otherwise the verdict in the body is applied on behalf of the resolver, who must be the executive.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusNotImplemented},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ResolveRequest `json:"body"`
	}) (*escalationBody, error) {
		esc, err := h.cfg.Escalations.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		if b.Executive {
			rec, err := h.cfg.Escalations.RequestExecutiveDecision(ctx, esc.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &escalationBody{Body: rec}, nil
		}
		outcome, err := decision.ParseOutcome(b.Outcome)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		resolver := b.Resolver
		if resolver == "" {
			resolver = h.cfg.Escalations.ExecutiveActor()
		}
		rec, err := h.cfg.Escalations.Resolve(ctx, esc.ID, escalation.Verdict{
			Outcome:         outcome,
			Notes:           b.Notes,
			AcceptedRisks:   b.AcceptedRisks,
			RequiredActions: b.RequiredActions,
		}, resolver)
		if err != nil {
			return nil, handleError(err)
		}
		return &escalationBody{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/dismiss",
		Summary:     "Dismiss an escalation without a verdict",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DismissRequest `json:"body"`
	}) (*escalationBody, error) {
		esc, err := h.cfg.Escalations.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := h.cfg.Escalations.Dismiss(ctx, esc.ID, input.Body.Actor, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &escalationBody{Body: rec}, nil
	})
}

func (h *handlers) registerAnalytics(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics",
		Method:      http.MethodGet,
		Path:        "/analytics",
		Summary:     "Pipeline statistics derived from the ledger",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Since string `query:"since" doc:"RFC 3339 timestamp or Go duration such as 168h"`
	}) (*struct {
		Body analytics.Report `json:"body"`
	}, error) {
		since, err := analytics.ParseSince(input.Since, time.Now())
		if err != nil {
			return nil, badRequest(err.Error())
		}
		entries, err := h.cfg.Items.Ledger().All(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.Report `json:"body"`
		}{Body: analytics.Compute(entries, since)}, nil
	})
}
