package escalation

import (
	"fmt"

	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

// StuckThreshold is how many unresolved change requests from one reviewer
// mark a stage as stuck.
const StuckThreshold = 3

// Check is the result of CheckNeeded. Evidence holds the decisions that
// matched the reported condition.
type Check struct {
	Needed      bool              `json:"needed"`
	Reason      Reason            `json:"reason,omitempty"`
	Description string            `json:"description,omitempty"`
	Evidence    []decision.Record `json:"evidence,omitempty"`
}

// CheckNeeded reports the first escalation condition that holds for w.
// Conditions are checked in priority order: exhausted iteration budget,
// conflicting reviews, a stuck reviewer, then a critical rejection.
func CheckNeeded(w workitem.WorkItem) Check {
	if w.Status.Closed() {
		return Check{}
	}
	stage := w.StageDecisions(w.Stage, -1)

	if w.Iteration >= w.MaxIterations {
		return Check{
			Needed:      true,
			Reason:      MaxIterationsExceeded,
			Description: fmt.Sprintf("iteration %d reached the limit of %d in %s", w.Iteration, w.MaxIterations, w.Stage),
			Evidence:    stage,
		}
	}
	if ev, domain := conflicting(stage); ev != nil {
		return Check{
			Needed:      true,
			Reason:      ConflictingReviews,
			Description: fmt.Sprintf("%s reviews in %s were both approved and rejected", domain, w.Stage),
			Evidence:    ev,
		}
	}
	if ev, key := stuck(stage); ev != nil {
		return Check{
			Needed:      true,
			Reason:      StuckApproval,
			Description: fmt.Sprintf("%s requested changes %d times in %s without resolving", key, len(ev), w.Stage),
			Evidence:    ev,
		}
	}
	if ev := rejected(w.StageDecisions(w.Stage, w.Iteration)); ev != nil {
		return Check{
			Needed:      true,
			Reason:      CriticalBlocker,
			Description: fmt.Sprintf("%s rejected %s", ev[0].Key(), w.Stage),
			Evidence:    ev,
		}
	}
	return Check{}
}

// conflicting returns the review decisions of the first domain that has
// both an Approved and a Rejected review.
func conflicting(ds []decision.Record) ([]decision.Record, string) {
	type seen struct{ approved, rejected bool }
	byDomain := make(map[string]*seen)
	var order []string
	for _, d := range ds {
		if d.Type != decision.Review {
			continue
		}
		s, ok := byDomain[d.Domain]
		if !ok {
			s = &seen{}
			byDomain[d.Domain] = s
			order = append(order, d.Domain)
		}
		switch d.Outcome {
		case decision.Approved:
			s.approved = true
		case decision.Rejected:
			s.rejected = true
		}
	}
	for _, domain := range order {
		if s := byDomain[domain]; s.approved && s.rejected {
			var ev []decision.Record
			for _, d := range ds {
				if d.Type == decision.Review && d.Domain == domain &&
					(d.Outcome == decision.Approved || d.Outcome == decision.Rejected) {
					ev = append(ev, d)
				}
			}
			return ev, domain
		}
	}
	return nil, ""
}

// stuck returns the trailing run of change requests from the first
// reviewer that has reached StuckThreshold. Any other outcome from the same
// reviewer resets the run.
func stuck(ds []decision.Record) ([]decision.Record, string) {
	runs := make(map[string][]decision.Record)
	var order []string
	for _, d := range ds {
		if d.Type != decision.Review && d.Type != decision.Approval {
			continue
		}
		k := d.Key()
		if _, ok := runs[k]; !ok {
			order = append(order, k)
		}
		if d.Outcome == decision.ChangesRequired {
			runs[k] = append(runs[k], d)
		} else {
			runs[k] = []decision.Record{}
		}
	}
	for _, k := range order {
		if len(runs[k]) >= StuckThreshold {
			return runs[k], k
		}
	}
	return nil, ""
}

func rejected(ds []decision.Record) []decision.Record {
	var ev []decision.Record
	for _, d := range ds {
		if d.Type != decision.Escalation && d.Outcome == decision.Rejected {
			ev = append(ev, d)
		}
	}
	return ev
}
