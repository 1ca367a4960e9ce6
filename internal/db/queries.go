package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

const entryColumns = `seq, id, timestamp, work_item_id, action, actor, stage, details, decision`

// Append inserts one ledger entry.
func (d *DB) Append(ctx context.Context, e ledger.Entry) error {
	var details, dec sql.NullString
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}
	if e.Decision != nil {
		line, err := decision.MarshalLine(*e.Decision)
		if err != nil {
			return err
		}
		dec = sql.NullString{String: string(line), Valid: true}
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.WorkItemID, string(e.Action),
		e.Actor, string(e.Stage), details, dec,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.Seq, err)
	}
	return nil
}

// ScanItem returns the entries for one work item ordered by sequence.
func (d *DB) ScanItem(ctx context.Context, workItemID string) ([]ledger.Entry, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE work_item_id = ? ORDER BY seq`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	return scanEntries(rows)
}

// ScanAll returns every entry ordered by sequence.
func (d *DB) ScanAll(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	return scanEntries(rows)
}

// LastSeq returns the highest sequence number, or 0 for an empty ledger.
func (d *DB) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := d.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM ledger_entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

// WorkItemIDs lists every work item that has entries, in order of creation.
func (d *DB) WorkItemIDs(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT work_item_id FROM ledger_entries GROUP BY work_item_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan work item id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		var (
			e              ledger.Entry
			ts, action, st string
			details, dec   sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &e.WorkItemID, &action, &e.Actor, &st, &details, &dec); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("entry %d timestamp: %w", e.Seq, err)
		}
		e.Timestamp = t
		e.Action = ledger.Action(action)
		e.Stage = catalog.Stage(st)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("entry %d details: %w", e.Seq, err)
			}
		}
		if dec.Valid {
			rec, err := decision.ParseLine([]byte(dec.String))
			if err != nil {
				return nil, fmt.Errorf("entry %d decision: %w", e.Seq, err)
			}
			e.Decision = &rec
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
