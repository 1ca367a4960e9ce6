package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a GovernanceConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *GovernanceConfig) []ValidationError {
	var errs []ValidationError
	g := cfg.Governance

	if g.Name == "" {
		errs = append(errs, ValidationError{Field: "governance.name", Message: "is required"})
	}
	if g.MaxIterations < 1 {
		errs = append(errs, ValidationError{Field: "governance.max_iterations", Message: "must be at least 1"})
	}
	if g.MaxParallel < 1 {
		errs = append(errs, ValidationError{Field: "governance.max_parallel", Message: "must be at least 1"})
	}
	if d, err := time.ParseDuration(g.SolicitationTimeout); err != nil || d <= 0 {
		errs = append(errs, ValidationError{
			Field:   "governance.solicitation_timeout",
			Message: fmt.Sprintf("invalid duration %q", g.SolicitationTimeout),
		})
	}
	if g.Authority.Orchestrator == "" {
		errs = append(errs, ValidationError{Field: "governance.authority.orchestrator", Message: "is required"})
	}
	if g.Authority.Executive == "" {
		errs = append(errs, ValidationError{Field: "governance.authority.executive", Message: "is required"})
	}

	for _, name := range sortedKeys(g.Stages) {
		validateStage(name, g.Stages[name], &errs)
	}
	for _, st := range catalog.AllStages() {
		if _, ok := g.Stages[string(st)]; !ok {
			errs = append(errs, ValidationError{
				Field:   "governance.stages",
				Message: fmt.Sprintf("stage %q is not configured", st),
			})
		}
	}

	if len(g.Variants) == 0 {
		errs = append(errs, ValidationError{Field: "governance.variants", Message: "at least one variant is required"})
	}
	for _, name := range sortedKeys(g.Variants) {
		validateVariant(name, g.Variants[name], &errs)
	}
	if _, ok := g.Variants[g.DefaultVariant]; !ok && len(g.Variants) > 0 {
		errs = append(errs, ValidationError{
			Field:   "governance.default_variant",
			Message: fmt.Sprintf("references undefined variant %q", g.DefaultVariant),
		})
	}

	return errs
}

func validateStage(name string, s StageSpec, errs *[]ValidationError) {
	prefix := fmt.Sprintf("governance.stages.%s", name)
	st, err := catalog.ParseStage(name)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: prefix, Message: err.Error()})
		return
	}
	if !st.Terminal() && s.Signoff == "" {
		*errs = append(*errs, ValidationError{Field: prefix + ".signoff", Message: "is required"})
	}

	artifacts := make(map[string]bool, len(s.Artifacts))
	for i, a := range s.Artifacts {
		if a == "" {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("%s.artifacts[%d]", prefix, i),
				Message: "is empty",
			})
			continue
		}
		if artifacts[a] {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("%s.artifacts[%d]", prefix, i),
				Message: fmt.Sprintf("duplicate artifact %q", a),
			})
		}
		artifacts[a] = true
	}

	validateRequirements(prefix+".reviews", s.Reviews, artifacts, errs)
	validateRequirements(prefix+".approvals", s.Approvals, artifacts, errs)
}

func validateRequirements(field string, reqs []Requirement, artifacts map[string]bool, errs *[]ValidationError) {
	seen := make(map[string]bool, len(reqs))
	for i, r := range reqs {
		f := fmt.Sprintf("%s[%d]", field, i)
		if r.Actor == "" {
			*errs = append(*errs, ValidationError{Field: f + ".actor", Message: "is required"})
		}
		if r.Domain == "" {
			*errs = append(*errs, ValidationError{Field: f + ".domain", Message: "is required"})
		}
		key := r.Actor + "/" + r.Domain
		if seen[key] {
			*errs = append(*errs, ValidationError{Field: f, Message: fmt.Sprintf("duplicate requirement %q", key)})
		}
		seen[key] = true
		if r.Artifact != "" && !artifacts[r.Artifact] {
			*errs = append(*errs, ValidationError{
				Field:   f + ".artifact",
				Message: fmt.Sprintf("references artifact %q not required by the stage", r.Artifact),
			})
		}
	}
}

func validateVariant(name string, stages []string, errs *[]ValidationError) {
	field := fmt.Sprintf("governance.variants.%s", name)
	if len(stages) < 2 {
		*errs = append(*errs, ValidationError{Field: field, Message: "needs at least two stages"})
		return
	}
	if stages[0] != string(catalog.Intake) {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("must start with %q", catalog.Intake)})
	}
	if stages[len(stages)-1] != string(catalog.Completed) {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("must end with %q", catalog.Completed)})
	}
	prev := -1
	for i, s := range stages {
		st, err := catalog.ParseStage(s)
		if err != nil {
			*errs = append(*errs, ValidationError{Field: fmt.Sprintf("%s[%d]", field, i), Message: err.Error()})
			continue
		}
		if st.Ordinal() <= prev {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: fmt.Sprintf("stage %q is out of order", s),
			})
		}
		prev = st.Ordinal()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
