// Package decision defines the typed, validated judgment records that actors
// attach to a work item, and their line-oriented ledger encoding.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
)

// Type is the kind of judgment a decision carries.
type Type string

const (
	Review     Type = "review"
	Approval   Type = "approval"
	Signoff    Type = "signoff"
	Escalation Type = "escalation"
)

// Outcome is the verdict of a decision.
type Outcome string

const (
	Approved          Outcome = "approved"
	ChangesRequired   Outcome = "changes_required"
	Rejected          Outcome = "rejected"
	ApprovedWithRisks Outcome = "approved_with_risks"
)

var (
	types    = []Type{Review, Approval, Signoff, Escalation}
	outcomes = []Outcome{Approved, ChangesRequired, Rejected, ApprovedWithRisks}
)

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	for _, t := range types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown decision type %q", s)
}

// ParseOutcome converts a string into an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range outcomes {
		if string(o) == s {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown decision outcome %q", s)
}

// Positive reports whether the outcome lets a requirement count as met.
func (o Outcome) Positive() bool {
	return o == Approved || o == ApprovedWithRisks
}

// Blocking reports whether the outcome holds the stage back.
func (o Outcome) Blocking() bool {
	return o == ChangesRequired || o == Rejected
}

// Record is an immutable judgment issued by one actor for one domain.
type Record struct {
	WorkItemID        string        `json:"work_item_id"`
	Stage             catalog.Stage `json:"stage"`
	Type              Type          `json:"type"`
	Outcome           Outcome       `json:"outcome"`
	Actor             string        `json:"actor"`
	Domain            string        `json:"domain"`
	Timestamp         time.Time     `json:"timestamp"`
	Iteration         int           `json:"iteration"`
	Notes             string        `json:"notes,omitempty"`
	RequiredChanges   []string      `json:"required_changes,omitempty"`
	Risks             []string      `json:"risks,omitempty"`
	ArtifactsReviewed []string      `json:"artifacts_reviewed,omitempty"`
	BlocksTransition  bool          `json:"blocks_transition"`
}

// Params are the logical inputs to New.
type Params struct {
	WorkItemID        string
	Stage             catalog.Stage
	Type              Type
	Outcome           Outcome
	Actor             string
	Domain            string
	Timestamp         time.Time
	Iteration         int
	Notes             string
	RequiredChanges   []string
	Risks             []string
	ArtifactsReviewed []string
	BlocksTransition  bool
}

// SignoffAuthority resolves the designated sign-off actor for a stage.
type SignoffAuthority interface {
	SignoffActor(stage catalog.Stage) string
}

// ValidationError lists every rule a decision violated.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid decision: " + strings.Join(e.Violations, "; ")
}

// New builds a decision record from p and checks it against every invariant.
// A zero timestamp is replaced with the current time. Outcomes that hold the
// stage back always set BlocksTransition.
func New(p Params, authority SignoffAuthority) (Record, error) {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r := Record{
		WorkItemID:        p.WorkItemID,
		Stage:             p.Stage,
		Type:              p.Type,
		Outcome:           p.Outcome,
		Actor:             p.Actor,
		Domain:            p.Domain,
		Timestamp:         ts.UTC(),
		Iteration:         p.Iteration,
		Notes:             p.Notes,
		RequiredChanges:   nonEmpty(p.RequiredChanges),
		Risks:             nonEmpty(p.Risks),
		ArtifactsReviewed: nonEmpty(p.ArtifactsReviewed),
		BlocksTransition:  p.BlocksTransition || p.Outcome.Blocking(),
	}
	if v := Validate(r, authority); len(v) > 0 {
		return Record{}, &ValidationError{Violations: v}
	}
	return r, nil
}

// Validate returns every invariant r violates. With a nil authority the
// sign-off actor check is skipped.
func Validate(r Record, authority SignoffAuthority) []string {
	var v []string

	if r.WorkItemID == "" {
		v = append(v, "work item id is required")
	}
	if !r.Stage.Valid() {
		v = append(v, fmt.Sprintf("unknown stage %q", r.Stage))
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		v = append(v, err.Error())
	}
	if _, err := ParseOutcome(string(r.Outcome)); err != nil {
		v = append(v, err.Error())
	}
	if r.Actor == "" {
		v = append(v, "actor is required")
	}
	if r.Domain == "" {
		v = append(v, "domain is required")
	}
	if r.Iteration < 0 {
		v = append(v, fmt.Sprintf("iteration must not be negative (got %d)", r.Iteration))
	}
	if r.Timestamp.IsZero() {
		v = append(v, "timestamp is required")
	}
	if r.Outcome == ChangesRequired && len(r.RequiredChanges) == 0 {
		v = append(v, "changes_required outcome needs at least one required change")
	}
	if r.Outcome == ApprovedWithRisks && len(r.Risks) == 0 {
		v = append(v, "approved_with_risks outcome needs at least one risk")
	}
	if r.Type == Signoff && authority != nil && r.Stage.Valid() {
		want := authority.SignoffActor(r.Stage)
		if want == "" {
			v = append(v, fmt.Sprintf("stage %q accepts no sign-off", r.Stage))
		} else if r.Actor != want {
			v = append(v, fmt.Sprintf("sign-off for %s must come from %q, not %q", r.Stage, want, r.Actor))
		}
	}
	return v
}

// Key identifies the actor/domain pair a decision answers.
func (r Record) Key() string {
	return r.Actor + "/" + r.Domain
}

// Summary renders the decision as a short human-readable line.
func (r Record) Summary() string {
	s := fmt.Sprintf("%s %s by %s (%s): %s", r.Stage, r.Type, r.Actor, r.Domain, r.Outcome)
	if len(r.RequiredChanges) > 0 {
		s += " [" + strings.Join(r.RequiredChanges, "; ") + "]"
	}
	return s
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
