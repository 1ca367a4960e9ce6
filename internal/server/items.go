package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/executor"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

type itemPath struct {
	ID string `path:"id" doc:"Work item id or unique prefix"`
}

type itemBody struct {
	Body workitem.WorkItem `json:"body"`
}

func (h *handlers) registerItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*itemBody, error) {
		variant := input.Body.Variant
		if variant == "" {
			variant = h.cfg.DefaultVariant
		}
		w, err := h.cfg.Items.Create(ctx, workitem.CreateParams{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Variant:     variant,
			Actor:       input.Body.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by status"`
	}) (*struct {
		Body ItemList `json:"body"`
	}, error) {
		out := ItemList{Items: []workitem.WorkItem{}}
		for _, w := range h.cfg.Items.List() {
			if input.Status == "" || string(w.Status) == input.Status {
				out.Items = append(out.Items, w)
			}
		}
		return &struct {
			Body ItemList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item-status",
		Method:      http.MethodGet,
		Path:        "/items/{id}/status",
		Summary:     "Pipeline status of a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body *executor.PipelineStatus `json:"body"`
	}, error) {
		if h.cfg.Executor == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "no executor configured", nil)
		}
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := h.cfg.Executor.GetPipelineStatus(w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *executor.PipelineStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-artifact",
		Method:      http.MethodPost,
		Path:        "/items/{id}/artifacts",
		Summary:     "Register an artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ArtifactRequest `json:"body"`
	}) (*itemBody, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ref := input.Body.Ref
		switch {
		case ref != "" && input.Body.Content != "":
			return nil, badRequest("set either content or ref, not both")
		case ref == "" && input.Body.Content == "":
			return nil, badRequest("content or ref is required")
		case ref == "":
			if h.cfg.Artifacts == nil {
				return nil, badRequest("no artifact store configured; pass ref")
			}
			ref, err = h.cfg.Artifacts.Put(ctx, w.ID, input.Body.Name, input.Body.Content)
			if err != nil {
				return nil, badRequest(err.Error())
			}
		}
		w, err = h.cfg.Items.AddArtifact(ctx, w.ID, input.Body.Name, ref, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-decision",
		Method:      http.MethodPost,
		Path:        "/items/{id}/decisions",
		Summary:     "Record a decision for the current stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*itemBody, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		rec, err := decision.New(decision.Params{
			WorkItemID:        w.ID,
			Stage:             w.Stage,
			Iteration:         w.Iteration,
			Type:              decision.Type(b.Type),
			Outcome:           decision.Outcome(b.Outcome),
			Actor:             b.Actor,
			Domain:            b.Domain,
			Notes:             b.Notes,
			RequiredChanges:   b.RequiredChanges,
			Risks:             b.Risks,
			ArtifactsReviewed: b.ArtifactsReviewed,
		}, h.cfg.Items.Catalog())
		if err != nil {
			return nil, handleError(err)
		}
		w, err = h.cfg.Items.AddDecision(ctx, w.ID, rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-ledger",
		Method:      http.MethodGet,
		Path:        "/items/{id}/ledger",
		Summary:     "Ledger entries of a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body EntryList `json:"body"`
	}, error) {
		w, err := h.cfg.Items.Find(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := h.cfg.Items.Ledger().EntriesFor(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryList `json:"body"`
		}{Body: EntryList{Entries: entries}}, nil
	})
}
