package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/executor"
)

// defaultActor is recorded when a request names no actor.
const defaultActor = "api"

func parseStage(s string) (*catalog.Stage, error) {
	if s == "" {
		return nil, nil
	}
	st := catalog.Stage(s)
	if !st.Valid() {
		return nil, badRequest("unknown stage " + s)
	}
	return &st, nil
}

func (h *handlers) registerTransitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/advance",
		Summary:     "Advance a work item to its next stage",
		Description: "A blocked transition is not an error: the response has allowed=false and lists the blockers.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AdvanceRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		target, err := parseStage(input.Body.To)
		if err != nil {
			return nil, err
		}
		actor := input.Body.Actor
		if actor == "" {
			actor = defaultActor
		}
		res, w, err := h.cfg.Transitions.Execute(ctx, w.ID, target, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res, w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/rollback",
		Summary:     "Roll a work item back to an earlier stage",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body RollbackRequest `json:"body"`
	}) (*struct {
		Body RollbackResponse `json:"body"`
	}, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		target, err := parseStage(input.Body.To)
		if err != nil {
			return nil, err
		}
		res, err := h.cfg.Transitions.Rollback(ctx, w.ID, target, input.Body.Reason, input.Body.Approver)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RollbackResponse `json:"body"`
		}{Body: RollbackResponse{From: res.From, To: res.To, NeedsEscalation: res.NeedsEscalation, Item: res.Item}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/run",
		Summary:     "Drive a work item through its pipeline",
		Errors:      []int{http.StatusNotFound, http.StatusNotImplemented},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body RunRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body *executor.RunResult `json:"body"`
	}, error) {
		if h.cfg.Executor == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "no executor configured", nil)
		}
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.cfg.Executor.Run(ctx, w.ID, executor.RunOpts{
			AutoAdvance: input.Body.AutoAdvance,
			AutoRework:  input.Body.AutoRework,
			Actor:       input.Body.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *executor.RunResult `json:"body"`
		}{Body: res}, nil
	})
}
