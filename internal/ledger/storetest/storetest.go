// Package storetest holds a conformance suite every ledger.Store must pass.
package storetest

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

// Factory returns a fresh, empty store. Reopen, when set, closes the store
// and opens it again on the same backing data.
type Factory struct {
	New    func(t *testing.T) ledger.Store
	Reopen func(t *testing.T, s ledger.Store) ledger.Store
}

// Run exercises the store contract: ordered append, per-item scans,
// resumption and lossless export/import.
func Run(t *testing.T, f Factory) {
	t.Run("AppendAndScan", func(t *testing.T) { testAppendAndScan(t, f) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, f) })
	t.Run("ExportImport", func(t *testing.T) { testExportImport(t, f) })
	t.Run("ScansDoNotAlias", func(t *testing.T) { testScansDoNotAlias(t, f) })
	if f.Reopen != nil {
		t.Run("Reopen", func(t *testing.T) { testReopen(t, f) })
	}
}

func sampleDecision(itemID string) *decision.Record {
	return &decision.Record{
		WorkItemID:       itemID,
		Stage:            catalog.Intake,
		Type:             decision.Review,
		Outcome:          decision.ChangesRequired,
		Actor:            "reviewer",
		Domain:           "product",
		Timestamp:        time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		Iteration:        1,
		Notes:            "needs work",
		RequiredChanges:  []string{"clarify scope"},
		BlocksTransition: true,
	}
}

func testAppendAndScan(t *testing.T, f Factory) {
	ctx := context.Background()
	store := f.New(t)
	l, err := ledger.New(ctx, store)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(ctx, ledger.Entry{WorkItemID: "a", Action: ledger.ItemCreated, Actor: "alice",
		Details: map[string]string{"title": "first"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, ledger.Entry{WorkItemID: "b", Action: ledger.ItemCreated})
	require.NoError(t, err)
	got, err := l.Append(ctx, ledger.Entry{WorkItemID: "a", Action: ledger.DecisionMade,
		Stage: catalog.Intake, Decision: sampleDecision("a")})
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Seq)
	require.NotEmpty(t, got.ID)

	entries, err := l.EntriesFor(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ledger.ItemCreated, entries[0].Action)
	require.Equal(t, "first", entries[0].Detail("title"))
	require.Equal(t, int64(1), entries[0].Seq)
	require.NotNil(t, entries[1].Decision)
	require.Equal(t, *sampleDecision("a"), *entries[1].Decision)

	decisions, err := l.DecisionsFor(ctx, "a", catalog.Intake)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	none, err := l.DecisionsFor(ctx, "a", catalog.Design)
	require.NoError(t, err)
	require.Empty(t, none)

	all, err := l.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		require.Equal(t, int64(i+1), e.Seq)
	}
}

func testConcurrentAppends(t *testing.T, f Factory) {
	ctx := context.Background()
	l, err := ledger.New(ctx, f.New(t))
	require.NoError(t, err)
	defer l.Close()

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := string(rune('a' + w))
			for i := 0; i < perWorker; i++ {
				_, err := l.Append(ctx, ledger.Entry{WorkItemID: id, Action: ledger.ArtifactCreated})
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	all, err := l.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, workers*perWorker)
	for i, e := range all {
		require.Equal(t, int64(i+1), e.Seq)
	}
}

func testExportImport(t *testing.T, f Factory) {
	ctx := context.Background()
	src, err := ledger.New(ctx, f.New(t))
	require.NoError(t, err)
	defer src.Close()

	for _, e := range []ledger.Entry{
		{WorkItemID: "x", Action: ledger.ItemCreated, Details: map[string]string{"variant": "STANDARD"}},
		{WorkItemID: "x", Action: ledger.StageEntered, Stage: catalog.Intake},
		{WorkItemID: "x", Action: ledger.DecisionMade, Stage: catalog.Intake, Decision: sampleDecision("x")},
	} {
		_, err := src.Append(ctx, e)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	n, err := src.Export(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	dst, err := ledger.New(ctx, f.New(t))
	require.NoError(t, err)
	defer dst.Close()
	n, err = dst.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	want, err := src.All(ctx)
	require.NoError(t, err)
	got, err := dst.All(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = dst.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ledger.ErrNotEmpty)

	next, err := dst.Append(ctx, ledger.Entry{WorkItemID: "x", Action: ledger.ItemCancelled})
	require.NoError(t, err)
	require.Equal(t, int64(4), next.Seq)
}

func testScansDoNotAlias(t *testing.T, f Factory) {
	ctx := context.Background()
	l, err := ledger.New(ctx, f.New(t))
	require.NoError(t, err)
	defer l.Close()

	in := ledger.Entry{WorkItemID: "m", Action: ledger.DecisionMade, Stage: catalog.Intake,
		Details: map[string]string{"note": "kept"}, Decision: sampleDecision("m")}
	in.Decision.Risks = []string{"no load test"}
	in.Decision.ArtifactsReviewed = []string{"brief"}
	_, err = l.Append(ctx, in)
	require.NoError(t, err)
	in.Details["note"] = "changed"
	in.Decision.RequiredChanges[0] = "changed"

	mutate := func(entries []ledger.Entry) {
		for _, e := range entries {
			e.Details["note"] = "tampered"
			e.Decision.RequiredChanges[0] = "tampered"
			e.Decision.Risks[0] = "tampered"
			e.Decision.ArtifactsReviewed[0] = "tampered"
		}
	}
	got, err := l.EntriesFor(ctx, "m")
	require.NoError(t, err)
	require.Len(t, got, 1)
	mutate(got)
	all, err := l.All(ctx)
	require.NoError(t, err)
	mutate(all)

	again, err := l.EntriesFor(ctx, "m")
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, "kept", again[0].Detail("note"))
	require.Equal(t, []string{"clarify scope"}, again[0].Decision.RequiredChanges)
	require.Equal(t, []string{"no load test"}, again[0].Decision.Risks)
	require.Equal(t, []string{"brief"}, again[0].Decision.ArtifactsReviewed)
}

func testReopen(t *testing.T, f Factory) {
	ctx := context.Background()
	store := f.New(t)
	l, err := ledger.New(ctx, store)
	require.NoError(t, err)
	_, err = l.Append(ctx, ledger.Entry{WorkItemID: "r", Action: ledger.ItemCreated})
	require.NoError(t, err)
	_, err = l.Append(ctx, ledger.Entry{WorkItemID: "r", Action: ledger.StageEntered, Stage: catalog.Intake})
	require.NoError(t, err)

	store = f.Reopen(t, store)
	l, err = ledger.New(ctx, store)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, int64(2), l.Len())

	e, err := l.Append(ctx, ledger.Entry{WorkItemID: "r", Action: ledger.ItemCancelled})
	require.NoError(t, err)
	require.Equal(t, int64(3), e.Seq)

	entries, err := l.EntriesFor(ctx, "r")
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
