package config

import "time"

// GovernanceConfig is the top-level structure parsed from governance YAML.
type GovernanceConfig struct {
	Governance Governance `yaml:"governance"`
}

// Governance holds the pipeline rules: authority, limits, stage gates and variants.
type Governance struct {
	Name                string               `yaml:"name"`
	MaxIterations       int                  `yaml:"max_iterations"`
	Authority           Authority            `yaml:"authority"`
	SolicitationTimeout string               `yaml:"solicitation_timeout"`
	MaxParallel         int                  `yaml:"max_parallel"`
	DefaultVariant      string               `yaml:"default_variant"`
	Stages              map[string]StageSpec `yaml:"stages"`
	Variants            map[string][]string  `yaml:"variants"`
}

// Authority names the actors allowed to perform privileged operations.
type Authority struct {
	// Orchestrator is the only actor allowed to roll a work item back.
	Orchestrator string `yaml:"orchestrator"`
	// Executive resolves escalations.
	Executive string `yaml:"executive"`
}

// StageSpec is the gate definition for one stage.
type StageSpec struct {
	Artifacts []string      `yaml:"artifacts"`
	Reviews   []Requirement `yaml:"reviews"`
	Approvals []Requirement `yaml:"approvals"`
	Signoff   string        `yaml:"signoff"`
}

// Requirement is an actor/domain pair, optionally tied to one artifact.
type Requirement struct {
	Actor    string `yaml:"actor"`
	Domain   string `yaml:"domain"`
	Artifact string `yaml:"artifact,omitempty"`
}

// Timeout returns the parsed solicitation timeout.
func (g Governance) Timeout() time.Duration {
	d, err := time.ParseDuration(g.SolicitationTimeout)
	if err != nil || d <= 0 {
		return defaultSolicitationTimeout
	}
	return d
}
