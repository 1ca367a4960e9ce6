package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownVariant is returned when a pipeline variant name is not registered.
var ErrUnknownVariant = errors.New("unknown pipeline variant")

// Requirement names an actor and a domain that must weigh in on a stage.
// Artifact optionally names the artifact the actor is asked to look at.
type Requirement struct {
	Actor    string `json:"actor" yaml:"actor"`
	Domain   string `json:"domain" yaml:"domain"`
	Artifact string `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

func (r Requirement) String() string {
	return r.Actor + "/" + r.Domain
}

// StageConfig is the static gate definition for one stage.
type StageConfig struct {
	Stage     Stage
	Artifacts []string
	Reviews   []Requirement
	Approvals []Requirement
	Signoff   string
}

// Variant is a named, ordered subset of stages that a work item walks through.
type Variant struct {
	Name   string
	Stages []Stage
}

// Index returns the position of s within the variant, or -1.
func (v Variant) Index(s Stage) int {
	for i, st := range v.Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Contains reports whether the variant visits s.
func (v Variant) Contains(s Stage) bool {
	return v.Index(s) >= 0
}

// Next returns the stage after s within the variant.
func (v Variant) Next(s Stage) (Stage, bool) {
	i := v.Index(s)
	if i < 0 || i+1 >= len(v.Stages) {
		return "", false
	}
	return v.Stages[i+1], true
}

// Previous returns the stage before s within the variant.
func (v Variant) Previous(s Stage) (Stage, bool) {
	i := v.Index(s)
	if i <= 0 {
		return "", false
	}
	return v.Stages[i-1], true
}

// Catalog holds the per-stage gate definitions and the registered variants.
// It is immutable after construction.
type Catalog struct {
	stages   map[Stage]StageConfig
	variants map[string]Variant
}

// New builds a catalog. Every stage must have a config, every non-terminal
// stage needs a sign-off actor, and every variant must start at Intake, end
// at Completed and visit stages in global order.
func New(stages []StageConfig, variants []Variant) (*Catalog, error) {
	c := &Catalog{
		stages:   make(map[Stage]StageConfig, len(order)),
		variants: make(map[string]Variant, len(variants)),
	}

	var problems []string
	for _, sc := range stages {
		if !sc.Stage.Valid() {
			problems = append(problems, fmt.Sprintf("unknown stage %q", sc.Stage))
			continue
		}
		if _, dup := c.stages[sc.Stage]; dup {
			problems = append(problems, fmt.Sprintf("stage %q defined twice", sc.Stage))
			continue
		}
		if !sc.Stage.Terminal() && sc.Signoff == "" {
			problems = append(problems, fmt.Sprintf("stage %q has no sign-off actor", sc.Stage))
		}
		c.stages[sc.Stage] = cloneConfig(sc)
	}
	for _, st := range order {
		if _, ok := c.stages[st]; !ok {
			problems = append(problems, fmt.Sprintf("stage %q is not configured", st))
		}
	}

	for _, v := range variants {
		if v.Name == "" {
			problems = append(problems, "variant with empty name")
			continue
		}
		if _, dup := c.variants[v.Name]; dup {
			problems = append(problems, fmt.Sprintf("variant %q defined twice", v.Name))
			continue
		}
		if err := checkVariant(v); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		c.variants[v.Name] = Variant{Name: v.Name, Stages: append([]Stage(nil), v.Stages...)}
	}
	if len(c.variants) == 0 && len(problems) == 0 {
		problems = append(problems, "no variants defined")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid catalog: %s", strings.Join(problems, "; "))
	}
	return c, nil
}

func checkVariant(v Variant) error {
	if len(v.Stages) < 2 {
		return fmt.Errorf("variant %q needs at least two stages", v.Name)
	}
	if v.Stages[0] != Intake {
		return fmt.Errorf("variant %q must start at %s", v.Name, Intake)
	}
	if v.Stages[len(v.Stages)-1] != Completed {
		return fmt.Errorf("variant %q must end at %s", v.Name, Completed)
	}
	prev := -1
	for _, st := range v.Stages {
		o := st.Ordinal()
		if o < 0 {
			return fmt.Errorf("variant %q: unknown stage %q", v.Name, st)
		}
		if o <= prev {
			return fmt.Errorf("variant %q: stage %q out of order", v.Name, st)
		}
		prev = o
	}
	return nil
}

func cloneConfig(sc StageConfig) StageConfig {
	sc.Artifacts = append([]string(nil), sc.Artifacts...)
	sc.Reviews = append([]Requirement(nil), sc.Reviews...)
	sc.Approvals = append([]Requirement(nil), sc.Approvals...)
	return sc
}

// Config returns the gate definition for a stage. Stages are a closed set,
// so an unknown stage is a programming error and panics.
func (c *Catalog) Config(s Stage) StageConfig {
	sc, ok := c.stages[s]
	if !ok {
		panic(fmt.Sprintf("catalog: no config for stage %q", s))
	}
	return cloneConfig(sc)
}

// SignoffActor returns the actor whose sign-off closes a stage.
func (c *Catalog) SignoffActor(s Stage) string {
	return c.stages[s].Signoff
}

// Next returns the stage after s in the global order.
func (c *Catalog) Next(s Stage) (Stage, bool) {
	o := s.Ordinal()
	if o < 0 || o+1 >= len(order) {
		return "", false
	}
	return order[o+1], true
}

// Previous returns the stage before s in the global order.
func (c *Catalog) Previous(s Stage) (Stage, bool) {
	o := s.Ordinal()
	if o <= 0 {
		return "", false
	}
	return order[o-1], true
}

// StagesBetween returns the stages strictly between from and to in global
// order. It returns nil when to does not come after from.
func (c *Catalog) StagesBetween(from, to Stage) []Stage {
	a, b := from.Ordinal(), to.Ordinal()
	if a < 0 || b < 0 || b-a < 2 {
		return nil
	}
	return append([]Stage(nil), order[a+1:b]...)
}

// Variant looks up a registered variant by name.
func (c *Catalog) Variant(name string) (Variant, error) {
	v, ok := c.variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return Variant{Name: v.Name, Stages: append([]Stage(nil), v.Stages...)}, nil
}

// Variants returns the registered variant names, sorted.
func (c *Catalog) Variants() []string {
	names := make([]string, 0, len(c.variants))
	for n := range c.variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
