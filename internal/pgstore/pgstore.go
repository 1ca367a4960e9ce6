// Package pgstore stores the ledger in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    seq           BIGINT PRIMARY KEY,
    id            TEXT NOT NULL UNIQUE,
    ts            TEXT NOT NULL,
    work_item_id  TEXT NOT NULL,
    action        TEXT NOT NULL,
    actor         TEXT NOT NULL DEFAULT '',
    stage         TEXT NOT NULL DEFAULT '',
    details       TEXT,
    decision      TEXT,
    recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_item ON ledger_entries (work_item_id, seq);
`

const entryColumns = `seq, id, ts, work_item_id, action, actor, stage, details, decision`

// Store is a ledger.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Truncate deletes every entry.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE ledger_entries`)
	return err
}

func (s *Store) Append(ctx context.Context, e ledger.Entry) error {
	var details, dec *string
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		v := string(data)
		details = &v
	}
	if e.Decision != nil {
		line, err := decision.MarshalLine(*e.Decision)
		if err != nil {
			return err
		}
		v := string(line)
		dec = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Seq, e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.WorkItemID, string(e.Action),
		e.Actor, string(e.Stage), details, dec,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.Seq, err)
	}
	return nil
}

func (s *Store) ScanItem(ctx context.Context, workItemID string) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE work_item_id = $1 ORDER BY seq`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	return scanEntries(rows)
}

func (s *Store) ScanAll(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	return scanEntries(rows)
}

func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(seq) FROM ledger_entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		var (
			e              ledger.Entry
			ts, action, st string
			details, dec   *string
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
		if details != nil {
			if err := json.Unmarshal([]byte(*details), &e.Details); err != nil {
				return nil, fmt.Errorf("entry %d details: %w", e.Seq, err)
			}
		}
		if dec != nil {
			rec, err := decision.ParseLine([]byte(*dec))
			if err != nil {
				return nil, fmt.Errorf("entry %d decision: %w", e.Seq, err)
			}
			e.Decision = &rec
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
