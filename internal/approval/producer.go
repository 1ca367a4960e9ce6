package approval

import (
	"context"
	"fmt"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
)

// Request asks an external actor for a judgment on one stage requirement.
type Request struct {
	WorkItemID      string        `json:"work_item_id"`
	Title           string        `json:"title"`
	Stage           catalog.Stage `json:"stage"`
	Iteration       int           `json:"iteration"`
	Type            decision.Type `json:"type"`
	Actor           string        `json:"actor"`
	Domain          string        `json:"domain"`
	ArtifactName    string        `json:"artifact_name,omitempty"`
	ArtifactRef     string        `json:"artifact_ref,omitempty"`
	ArtifactContent string        `json:"artifact_content,omitempty"`
	PriorFeedback   []string      `json:"prior_feedback,omitempty"`
}

// Response is the structured judgment an actor returns.
type Response struct {
	Outcome         decision.Outcome `json:"outcome"`
	Notes           string           `json:"notes,omitempty"`
	RequiredChanges []string         `json:"required_changes,omitempty"`
	Risks           []string         `json:"risks,omitempty"`
}

// Producer produces reviews, approvals and sign-offs.
type Producer interface {
	Review(ctx context.Context, req Request) (Response, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, req Request) (Response, error)

func (f ProducerFunc) Review(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Router dispatches requests to a producer registered for the actor, falling
// back to a default producer.
type Router struct {
	byActor  map[string]Producer
	fallback Producer
}

// NewRouter returns a router that sends unrouted actors to fallback. A nil
// fallback makes unrouted requests fail.
func NewRouter(fallback Producer) *Router {
	return &Router{byActor: make(map[string]Producer), fallback: fallback}
}

// Route registers p for actor.
func (r *Router) Route(actor string, p Producer) *Router {
	r.byActor[actor] = p
	return r
}

func (r *Router) Review(ctx context.Context, req Request) (Response, error) {
	if p, ok := r.byActor[req.Actor]; ok {
		return p.Review(ctx, req)
	}
	if r.fallback == nil {
		return Response{}, fmt.Errorf("no producer for actor %q", req.Actor)
	}
	return r.fallback.Review(ctx, req)
}
