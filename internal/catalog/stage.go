package catalog

import "fmt"

// Stage is one step in the fixed, totally ordered pipeline sequence.
type Stage string

const (
	Intake         Stage = "intake"
	Planning       Stage = "planning"
	Architecture   Stage = "architecture"
	Design         Stage = "design"
	Implementation Stage = "implementation"
	Verification   Stage = "verification"
	Release        Stage = "release"
	Completed      Stage = "completed"
)

var order = []Stage{
	Intake,
	Planning,
	Architecture,
	Design,
	Implementation,
	Verification,
	Release,
	Completed,
}

// AllStages returns every stage in pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(order))
	copy(out, order)
	return out
}

// ParseStage converts a stage name into a Stage.
func ParseStage(s string) (Stage, error) {
	for _, st := range order {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Ordinal returns the position of the stage in the global order, or -1.
func (s Stage) Ordinal() int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	return s.Ordinal() >= 0
}

// Terminal reports whether s is the final stage.
func (s Stage) Terminal() bool {
	return s == Completed
}

func (s Stage) String() string {
	return string(s)
}
