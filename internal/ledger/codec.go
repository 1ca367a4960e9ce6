package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
)

// wireEntry is the on-disk line form. The decision is embedded in its own
// line encoding so both codecs stay in lockstep.
type wireEntry struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	WorkItemID string            `json:"work_item_id"`
	Action     Action            `json:"action"`
	Actor      string            `json:"actor,omitempty"`
	Stage      catalog.Stage     `json:"stage,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Decision   json.RawMessage   `json:"decision,omitempty"`
}

// MarshalEntry encodes an entry as one line of JSON without a trailing newline.
func MarshalEntry(e Entry) ([]byte, error) {
	w := wireEntry{
		ID:         e.ID,
		Seq:        e.Seq,
		Timestamp:  e.Timestamp,
		WorkItemID: e.WorkItemID,
		Action:     e.Action,
		Actor:      e.Actor,
		Stage:      e.Stage,
		Details:    e.Details,
	}
	if e.Decision != nil {
		line, err := decision.MarshalLine(*e.Decision)
		if err != nil {
			return nil, err
		}
		w.Decision = line
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding entry %s: %w", e.ID, err)
	}
	return data, nil
}

// ParseEntry decodes a line produced by MarshalEntry.
func ParseEntry(line []byte) (Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(line, &w); err != nil {
		return Entry{}, fmt.Errorf("decoding entry: %w", err)
	}
	e := Entry{
		ID:         w.ID,
		Seq:        w.Seq,
		Timestamp:  w.Timestamp,
		WorkItemID: w.WorkItemID,
		Action:     w.Action,
		Actor:      w.Actor,
		Stage:      w.Stage,
		Details:    w.Details,
	}
	if len(w.Decision) > 0 {
		rec, err := decision.ParseLine(w.Decision)
		if err != nil {
			return Entry{}, fmt.Errorf("entry %s: %w", w.ID, err)
		}
		e.Decision = &rec
	}
	return e, nil
}

// WriteLines encodes entries to w, one per line.
func WriteLines(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		line, err := MarshalEntry(e)
		if err != nil {
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("writing entry %d: %w", e.Seq, err)
		}
	}
	return bw.Flush()
}

// ReadLines decodes every line of r. Blank lines are skipped.
func ReadLines(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out []Entry
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := ParseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading entries: %w", err)
	}
	return out, nil
}
