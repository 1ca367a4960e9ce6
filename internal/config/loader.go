package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

const (
	defaultMaxIterations       = 3
	defaultMaxParallel         = 4
	defaultSolicitationTimeout = 2 * time.Minute
	defaultOrchestrator        = "orchestrator"
	defaultExecutive           = "executive"
	defaultVariant             = "STANDARD"
)

// FileName is the config file looked up in the working directory.
const FileName = "governance.yaml"

// DefaultYAML returns the built-in governance config document.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultYAML...)
}

// Default returns the built-in governance config.
func Default() *GovernanceConfig {
	cfg, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("config: built-in default is invalid: %v", err))
	}
	return cfg
}

// Load reads and parses a governance configuration from the given YAML file path.
func Load(path string) (*GovernanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a governance config document and applies defaults.
func Parse(data []byte) (*GovernanceConfig, error) {
	var cfg GovernanceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a governance config in standard locations and loads
// the first one found, falling back to the built-in config.
// Search order: ./governance.yaml, ~/.stagegate/governance.yaml
func LoadDefault() (*GovernanceConfig, string, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// SearchPaths lists the locations LoadDefault checks, in order.
func SearchPaths() []string {
	candidates := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".stagegate", FileName))
	}
	return candidates
}

func applyDefaults(cfg *GovernanceConfig) {
	g := &cfg.Governance
	if g.MaxIterations <= 0 {
		g.MaxIterations = defaultMaxIterations
	}
	if g.MaxParallel <= 0 {
		g.MaxParallel = defaultMaxParallel
	}
	if g.SolicitationTimeout == "" {
		g.SolicitationTimeout = defaultSolicitationTimeout.String()
	}
	if g.Authority.Orchestrator == "" {
		g.Authority.Orchestrator = defaultOrchestrator
	}
	if g.Authority.Executive == "" {
		g.Authority.Executive = defaultExecutive
	}
	if g.DefaultVariant == "" {
		g.DefaultVariant = defaultVariant
	}
	// The terminal stage has no gate; allow it to be omitted.
	if _, ok := g.Stages["completed"]; !ok && g.Stages != nil {
		g.Stages["completed"] = StageSpec{}
	}
}
