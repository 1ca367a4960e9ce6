package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalLine encodes a decision as a single line of JSON without a
// trailing newline.
func MarshalLine(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding decision: %w", err)
	}
	return data, nil
}

// ParseLine decodes a line produced by MarshalLine and re-checks the
// structural invariants.
func ParseLine(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, fmt.Errorf("decoding decision: empty line")
	}
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("decoding decision: %w", err)
	}
	if v := Validate(r, nil); len(v) > 0 {
		return Record{}, &ValidationError{Violations: v}
	}
	return r, nil
}
