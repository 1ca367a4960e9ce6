package config

import (
	"fmt"

	"github.com/lucasnoah/stagegate/internal/catalog"
)

// Catalog converts the config into an immutable stage catalog.
func (c *GovernanceConfig) Catalog() (*catalog.Catalog, error) {
	g := c.Governance

	stages := make([]catalog.StageConfig, 0, len(g.Stages))
	for _, name := range sortedKeys(g.Stages) {
		st, err := catalog.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("governance.stages: %w", err)
		}
		spec := g.Stages[name]
		stages = append(stages, catalog.StageConfig{
			Stage:     st,
			Artifacts: spec.Artifacts,
			Reviews:   toRequirements(spec.Reviews),
			Approvals: toRequirements(spec.Approvals),
			Signoff:   spec.Signoff,
		})
	}

	variants := make([]catalog.Variant, 0, len(g.Variants))
	for _, name := range sortedKeys(g.Variants) {
		v := catalog.Variant{Name: name}
		for _, s := range g.Variants[name] {
			st, err := catalog.ParseStage(s)
			if err != nil {
				return nil, fmt.Errorf("governance.variants.%s: %w", name, err)
			}
			v.Stages = append(v.Stages, st)
		}
		variants = append(variants, v)
	}

	return catalog.New(stages, variants)
}

func toRequirements(in []Requirement) []catalog.Requirement {
	if len(in) == 0 {
		return nil
	}
	out := make([]catalog.Requirement, len(in))
	for i, r := range in {
		out[i] = catalog.Requirement{Actor: r.Actor, Domain: r.Domain, Artifact: r.Artifact}
	}
	return out
}
