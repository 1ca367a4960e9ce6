// Package analytics derives pipeline statistics from ledger entries.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

// StageDuration holds dwell time stats for a stage.
type StageDuration struct {
	Stage catalog.Stage `json:"stage"`
	Count int           `json:"count"`
	Avg   float64       `json:"avg_minutes"`
	P50   float64       `json:"p50_minutes"`
	P95   float64       `json:"p95_minutes"`
}

// StageDurations pairs every StageEntered entry with the next stage change,
// completion or cancellation of the same item and attributes the elapsed
// time to the entered stage. Only intervals ending at or after since count.
func StageDurations(entries []ledger.Entry, since time.Time) []StageDuration {
	type open struct {
		stage catalog.Stage
		at    time.Time
	}
	current := make(map[string]open)
	byStage := make(map[catalog.Stage][]float64)

	closeVisit := func(id string, end time.Time) {
		o, ok := current[id]
		if !ok {
			return
		}
		delete(current, id)
		if end.Before(since) {
			return
		}
		if minutes := end.Sub(o.at).Minutes(); minutes > 0 {
			byStage[o.stage] = append(byStage[o.stage], minutes)
		}
	}

	for _, e := range entries {
		switch e.Action {
		case ledger.StageEntered:
			closeVisit(e.WorkItemID, e.Timestamp)
			current[e.WorkItemID] = open{stage: e.Stage, at: e.Timestamp}
		case ledger.ItemCompleted, ledger.ItemCancelled:
			closeVisit(e.WorkItemID, e.Timestamp)
		}
	}

	var results []StageDuration
	for stage, durations := range byStage {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage.Ordinal() < results[j].Stage.Ordinal()
	})
	return results
}

// StageRework holds loop-back stats for a stage.
type StageRework struct {
	Stage       catalog.Stage `json:"stage"`
	Visits      int           `json:"visits"`
	Reworks     int           `json:"reworks"`
	Escalations int           `json:"escalations"`
	ReworkRate  float64       `json:"rework_pct"`
}

// Rework counts stage visits, reworks and escalations per stage.
func Rework(entries []ledger.Entry, since time.Time) []StageRework {
	stats := make(map[catalog.Stage]*StageRework)
	get := func(s catalog.Stage) *StageRework {
		r, ok := stats[s]
		if !ok {
			r = &StageRework{Stage: s}
			stats[s] = r
		}
		return r
	}
	for _, e := range entries {
		if e.Timestamp.Before(since) || e.Stage == "" {
			continue
		}
		switch e.Action {
		case ledger.StageEntered:
			get(e.Stage).Visits++
		case ledger.ReworkTriggered:
			get(e.Stage).Reworks++
		case ledger.EscalationTriggered:
			get(e.Stage).Escalations++
		}
	}

	results := make([]StageRework, 0, len(stats))
	for _, r := range stats {
		r.ReworkRate = pct(r.Reworks, r.Visits)
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage.Ordinal() < results[j].Stage.Ordinal()
	})
	return results
}

// OutcomeCount is how often a decision type ended with an outcome.
type OutcomeCount struct {
	Type    decision.Type    `json:"type"`
	Outcome decision.Outcome `json:"outcome"`
	Count   int              `json:"count"`
	Share   float64          `json:"share_pct"`
}

// Outcomes returns the outcome distribution per decision type. Share is the
// percentage of decisions of the same type.
func Outcomes(entries []ledger.Entry, since time.Time) []OutcomeCount {
	type key struct {
		t decision.Type
		o decision.Outcome
	}
	counts := make(map[key]int)
	totals := make(map[decision.Type]int)
	for _, e := range entries {
		if e.Action != ledger.DecisionMade || e.Decision == nil || e.Timestamp.Before(since) {
			continue
		}
		counts[key{e.Decision.Type, e.Decision.Outcome}]++
		totals[e.Decision.Type]++
	}

	var results []OutcomeCount
	for k, n := range counts {
		results = append(results, OutcomeCount{Type: k.t, Outcome: k.o, Count: n, Share: pct(n, totals[k.t])})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Type != results[j].Type {
			return results[i].Type < results[j].Type
		}
		return results[i].Count > results[j].Count ||
			(results[i].Count == results[j].Count && results[i].Outcome < results[j].Outcome)
	})
	return results
}

// Throughput holds item counts for one week.
type Throughput struct {
	Week      string `json:"week"`
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
	Cancelled int    `json:"cancelled"`
}

// WeeklyThroughput groups created, completed and cancelled items by ISO week.
func WeeklyThroughput(entries []ledger.Entry, since time.Time) []Throughput {
	weeks := make(map[string]*Throughput)
	for _, e := range entries {
		if e.Timestamp.Before(since) {
			continue
		}
		if e.Action != ledger.ItemCreated && e.Action != ledger.ItemCompleted && e.Action != ledger.ItemCancelled {
			continue
		}
		y, w := e.Timestamp.ISOWeek()
		week := fmt.Sprintf("%d-W%02d", y, w)
		tp, ok := weeks[week]
		if !ok {
			tp = &Throughput{Week: week}
			weeks[week] = tp
		}
		switch e.Action {
		case ledger.ItemCreated:
			tp.Created++
		case ledger.ItemCompleted:
			tp.Completed++
		case ledger.ItemCancelled:
			tp.Cancelled++
		}
	}

	results := make([]Throughput, 0, len(weeks))
	for _, tp := range weeks {
		results = append(results, *tp)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Week < results[j].Week })
	return results
}

// Report bundles every statistic.
type Report struct {
	Since          time.Time       `json:"since,omitzero"`
	Entries        int             `json:"entries"`
	StageDurations []StageDuration `json:"stage_durations"`
	Rework         []StageRework   `json:"rework"`
	Outcomes       []OutcomeCount  `json:"outcomes"`
	Throughput     []Throughput    `json:"throughput"`
}

// Compute builds a Report over entries at or after since. A zero since
// includes everything.
func Compute(entries []ledger.Entry, since time.Time) Report {
	return Report{
		Since:          since,
		Entries:        len(entries),
		StageDurations: StageDurations(entries, since),
		Rework:         Rework(entries, since),
		Outcomes:       Outcomes(entries, since),
		Throughput:     WeeklyThroughput(entries, since),
	}
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

// ParseSince reads a lower time bound given either as an RFC 3339 timestamp,
// a YYYY-MM-DD date or a duration before now. An empty string means no bound.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339, YYYY-MM-DD or a duration", s)
}
