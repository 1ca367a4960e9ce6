// Package ledger is the append-only, subscribable audit log that every
// work item mutation is recorded in. Replaying it reconstructs state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
)

// ErrNotEmpty is returned by Import when the ledger already holds entries.
var ErrNotEmpty = errors.New("ledger is not empty")

// Store persists entries in append order. Implementations must return
// entries ordered by Seq.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ScanItem(ctx context.Context, workItemID string) ([]Entry, error)
	ScanAll(ctx context.Context) ([]Entry, error)
	LastSeq(ctx context.Context) (int64, error)
	Close() error
}

// Subscriber receives every appended entry. It runs synchronously inside
// Append and must not append to the same ledger.
type Subscriber func(Entry)

type subscription struct {
	id int
	fn Subscriber
}

// Ledger linearizes appends from any number of callers into one total order
// and fans each persisted entry out to subscribers in subscription order.
type Ledger struct {
	mu    sync.Mutex
	store Store
	seq   int64

	// notifyMu is taken before mu is released so subscribers observe
	// entries in append order.
	notifyMu sync.Mutex

	subMu   sync.Mutex
	subs    []subscription
	nextSub int

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New opens a ledger on top of store, resuming after its last entry.
func New(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(l)
	}
	seq, err := store.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading ledger position: %w", err)
	}
	l.seq = seq
	return l, nil
}

// NewMemory returns a ledger backed by an in-process store.
func NewMemory(opts ...Option) *Ledger {
	l, err := New(context.Background(), NewMemoryStore(), opts...)
	if err != nil {
		panic(err)
	}
	return l
}

// Append assigns the entry its id, timestamp and sequence number, persists
// it and then notifies subscribers. The returned entry is what was stored.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := validateEntry(e); err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", e.Action, err)
	}
	e = e.Clone()

	l.mu.Lock()
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Seq = l.seq + 1
	if err := l.store.Append(ctx, e); err != nil {
		l.mu.Unlock()
		return Entry{}, fmt.Errorf("append %s: %w", e.Action, err)
	}
	l.seq = e.Seq
	l.notifyMu.Lock()
	l.mu.Unlock()

	l.logger.Debug("ledger append",
		"seq", e.Seq, "action", e.Action, "work_item", e.WorkItemID, "stage", e.Stage, "actor", e.Actor)
	l.notify(e)
	l.notifyMu.Unlock()
	return e.Clone(), nil
}

func (l *Ledger) notify(e Entry) {
	l.subMu.Lock()
	subs := make([]subscription, len(l.subs))
	copy(subs, l.subs)
	l.subMu.Unlock()

	for _, s := range subs {
		s.fn(e.Clone())
	}
}

// Subscribe registers fn for every future entry and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (l *Ledger) Subscribe(fn Subscriber) (unsubscribe func()) {
	l.subMu.Lock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscription{id: id, fn: fn})
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			for i, s := range l.subs {
				if s.id == id {
					l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// EntriesFor returns every entry recorded for a work item, in order.
func (l *Ledger) EntriesFor(ctx context.Context, workItemID string) ([]Entry, error) {
	entries, err := l.store.ScanItem(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", workItemID, err)
	}
	return entries, nil
}

// DecisionsFor returns the decisions recorded for a work item. An empty
// stage returns decisions from every stage.
func (l *Ledger) DecisionsFor(ctx context.Context, workItemID string, stage catalog.Stage) ([]decision.Record, error) {
	entries, err := l.EntriesFor(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	var out []decision.Record
	for _, e := range entries {
		if e.Action != DecisionMade || e.Decision == nil {
			continue
		}
		if stage != "" && e.Decision.Stage != stage {
			continue
		}
		out = append(out, *e.Decision)
	}
	return out, nil
}

// All returns every entry in append order.
func (l *Ledger) All(ctx context.Context) ([]Entry, error) {
	entries, err := l.store.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return entries, nil
}

// Len returns the number of appended entries.
func (l *Ledger) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Export writes the whole ledger to w as JSON lines.
func (l *Ledger) Export(ctx context.Context, w io.Writer) (int, error) {
	entries, err := l.All(ctx)
	if err != nil {
		return 0, err
	}
	if err := WriteLines(w, entries); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	return len(entries), nil
}

// Import loads an export into an empty ledger, preserving ids, timestamps
// and order. The input is fully decoded and checked before anything is
// written. Subscribers are not notified.
func (l *Ledger) Import(ctx context.Context, r io.Reader) (int, error) {
	entries, err := ReadLines(r)
	if err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	var prev int64
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return 0, fmt.Errorf("import entry %d: %w", e.Seq, err)
		}
		if e.ID == "" {
			return 0, fmt.Errorf("import entry %d: missing id", e.Seq)
		}
		if e.Seq <= prev {
			return 0, fmt.Errorf("import entry %d: sequence not increasing (after %d)", e.Seq, prev)
		}
		prev = e.Seq
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq != 0 {
		return 0, ErrNotEmpty
	}
	for _, e := range entries {
		if err := l.store.Append(ctx, e); err != nil {
			return 0, fmt.Errorf("import entry %d: %w", e.Seq, err)
		}
		l.seq = e.Seq
	}
	l.logger.Info("ledger imported", "entries", len(entries), "last_seq", l.seq)
	return len(entries), nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
