// Package gate evaluates a work item against the requirements of its
// current stage.
package gate

import (
	"fmt"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

// State is where a single requirement stands.
type State string

const (
	Pending   State = "pending"
	Satisfied State = "satisfied"
	Blocking  State = "blocking"
	Waived    State = "waived"
)

// RequirementStatus is the evaluation of one review or approval requirement.
type RequirementStatus struct {
	Kind     decision.Type    `json:"kind"`
	Actor    string           `json:"actor"`
	Domain   string           `json:"domain"`
	Artifact string           `json:"artifact,omitempty"`
	State    State            `json:"state"`
	Outcome  decision.Outcome `json:"outcome,omitempty"`
	Decision *decision.Record `json:"decision,omitempty"`
}

// Label renders the requirement as "actor (domain)".
func (r RequirementStatus) Label() string {
	return fmt.Sprintf("%s (%s)", r.Actor, r.Domain)
}

// SignoffStatus is the evaluation of the stage's sign-off.
type SignoffStatus struct {
	Actor    string           `json:"actor,omitempty"`
	Required bool             `json:"required"`
	State    State            `json:"state"`
	Decision *decision.Record `json:"decision,omitempty"`
}

// ArtifactCheck records whether one required artifact is registered.
type ArtifactCheck struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

// Result is the structured outcome of evaluating one stage visit.
type Result struct {
	Stage     catalog.Stage       `json:"stage"`
	Iteration int                 `json:"iteration"`
	Passed    bool                `json:"passed"`
	Artifacts []ArtifactCheck     `json:"artifacts"`
	Reviews   []RequirementStatus `json:"reviews"`
	Approvals []RequirementStatus `json:"approvals"`
	Signoff   SignoffStatus       `json:"signoff"`
	// Override is the executive decision that waived reviews and approvals.
	Override *decision.Record `json:"override,omitempty"`

	MissingArtifacts  []string          `json:"missing_artifacts,omitempty"`
	MissingReviews    []string          `json:"missing_reviews,omitempty"`
	BlockingDecisions []decision.Record `json:"blocking_decisions,omitempty"`
	MissingApprovals  []string          `json:"missing_approvals,omitempty"`
	MissingSignoff    string            `json:"missing_signoff,omitempty"`
}

// Evaluate checks w against cfg using only decisions from w's current stage
// and iteration. The latest decision per actor and domain wins.
func Evaluate(cfg catalog.StageConfig, w workitem.WorkItem) *Result {
	res := &Result{Stage: cfg.Stage, Iteration: w.Iteration}
	current := w.StageDecisions(cfg.Stage, w.Iteration)

	for _, name := range cfg.Artifacts {
		_, ok := w.Artifacts[name]
		res.Artifacts = append(res.Artifacts, ArtifactCheck{Name: name, Present: ok})
		if !ok {
			res.MissingArtifacts = append(res.MissingArtifacts, name)
		}
	}

	res.Override = override(current)

	for _, req := range cfg.Reviews {
		st := evaluateRequirement(decision.Review, req, current)
		switch {
		case res.Override != nil && st.State != Satisfied:
			st.State = Waived
		case st.State == Pending:
			res.MissingReviews = append(res.MissingReviews, st.Label())
		case st.State == Blocking:
			res.BlockingDecisions = append(res.BlockingDecisions, *st.Decision)
		}
		res.Reviews = append(res.Reviews, st)
	}

	for _, req := range cfg.Approvals {
		st := evaluateRequirement(decision.Approval, req, current)
		switch {
		case res.Override != nil && st.State != Satisfied:
			st.State = Waived
		case st.State != Satisfied:
			res.MissingApprovals = append(res.MissingApprovals, st.Label())
		}
		res.Approvals = append(res.Approvals, st)
	}

	res.Signoff = SignoffStatus{Actor: cfg.Signoff, Required: !cfg.Stage.Terminal(), State: Satisfied}
	if res.Signoff.Required {
		res.Signoff.State = Pending
		if d := latest(current, decision.Signoff, cfg.Signoff, ""); d != nil {
			res.Signoff.Decision = d
			if d.Outcome.Positive() {
				res.Signoff.State = Satisfied
			} else {
				res.Signoff.State = Blocking
			}
		}
		if res.Signoff.State != Satisfied {
			res.MissingSignoff = cfg.Signoff
		}
	}

	res.Passed = len(res.MissingArtifacts) == 0 &&
		len(res.MissingReviews) == 0 &&
		len(res.BlockingDecisions) == 0 &&
		len(res.MissingApprovals) == 0 &&
		res.MissingSignoff == ""
	return res
}

func evaluateRequirement(kind decision.Type, req catalog.Requirement, decisions []decision.Record) RequirementStatus {
	st := RequirementStatus{Kind: kind, Actor: req.Actor, Domain: req.Domain, Artifact: req.Artifact, State: Pending}
	d := latest(decisions, kind, req.Actor, req.Domain)
	if d == nil {
		return st
	}
	st.Decision = d
	st.Outcome = d.Outcome
	switch {
	case d.Outcome.Positive():
		st.State = Satisfied
	case d.Outcome.Blocking():
		st.State = Blocking
	}
	return st
}

// latest returns the most recent decision of a type from actor. An empty
// domain matches any domain.
func latest(decisions []decision.Record, kind decision.Type, actor, domain string) *decision.Record {
	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		if d.Type != kind || d.Actor != actor {
			continue
		}
		if domain != "" && d.Domain != domain {
			continue
		}
		return &d
	}
	return nil
}

func override(decisions []decision.Record) *decision.Record {
	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		if d.Type == decision.Escalation && d.Outcome.Positive() {
			return &d
		}
	}
	return nil
}

// Blockers lists every reason the stage cannot be left, one line each.
func (r *Result) Blockers() []string {
	var out []string
	for _, a := range r.MissingArtifacts {
		out = append(out, fmt.Sprintf("missing artifact %q", a))
	}
	for _, rv := range r.MissingReviews {
		out = append(out, fmt.Sprintf("missing review from %s", rv))
	}
	for _, d := range r.BlockingDecisions {
		line := fmt.Sprintf("review from %s (%s) is %s", d.Actor, d.Domain, d.Outcome)
		if len(d.RequiredChanges) > 0 {
			line += fmt.Sprintf(": %v", d.RequiredChanges)
		}
		out = append(out, line)
	}
	for _, ap := range r.Approvals {
		if ap.State == Satisfied || ap.State == Waived {
			continue
		}
		if ap.Decision != nil {
			out = append(out, fmt.Sprintf("approval from %s is %s", ap.Label(), ap.Outcome))
		} else {
			out = append(out, fmt.Sprintf("missing approval from %s", ap.Label()))
		}
	}
	if r.MissingSignoff != "" {
		if r.Signoff.Decision != nil {
			out = append(out, fmt.Sprintf("sign-off from %s is %s", r.MissingSignoff, r.Signoff.Decision.Outcome))
		} else {
			out = append(out, fmt.Sprintf("missing sign-off from %s", r.MissingSignoff))
		}
	}
	return out
}
