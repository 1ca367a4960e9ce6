// Package script implements deterministic collaborators driven by a YAML
// rules file. It is used for dry runs, demos and tests.
//
//	reviews:
//	  - stage: implementation
//	    actor: code-reviewer
//	    responses:
//	      - outcome: changes_required
//	        required_changes: [add tests]
//	      - outcome: approved
//	default:
//	  outcome: approved
//	executive:
//	  - reason: stuck_approval
//	    outcome: approved_with_risks
//	    accepted_risks: [ux debt]
//	content: "{{artifact}} for {{title}} (iteration {{iteration}})"
//
// Responses of a rule are used in order; the last one repeats.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/stagegate/internal/approval"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/executor"
	"github.com/lucasnoah/stagegate/internal/prompt"
)

const defaultContent = "# {{artifact}}: {{title}}\n\nStage {{stage}}, iteration {{iteration}}.\n{{#if feedback}}\nAddressed:\n{{feedback}}\n{{/if}}"

// Rules is the parsed rules document.
type Rules struct {
	Reviews   []ReviewRule    `yaml:"reviews"`
	Default   *Reply          `yaml:"default"`
	Executive []ExecutiveRule `yaml:"executive"`
	Content   string          `yaml:"content"`
}

// ReviewRule matches solicitation requests. Empty fields match anything.
type ReviewRule struct {
	Stage     string  `yaml:"stage"`
	Type      string  `yaml:"type"`
	Actor     string  `yaml:"actor"`
	Domain    string  `yaml:"domain"`
	Error     string  `yaml:"error"`
	Responses []Reply `yaml:"responses"`
}

// Reply is one scripted response.
type Reply struct {
	Outcome         string   `yaml:"outcome"`
	Notes           string   `yaml:"notes"`
	RequiredChanges []string `yaml:"required_changes"`
	Risks           []string `yaml:"risks"`
}

// ExecutiveRule matches escalations by reason and stage.
type ExecutiveRule struct {
	Reason          string   `yaml:"reason"`
	Stage           string   `yaml:"stage"`
	Outcome         string   `yaml:"outcome"`
	Notes           string   `yaml:"notes"`
	AcceptedRisks   []string `yaml:"accepted_risks"`
	RequiredActions []string `yaml:"required_actions"`
}

// Producer answers solicitations, executive decisions and content requests
// from Rules.
type Producer struct {
	rules Rules

	mu    sync.Mutex
	calls map[int]int
}

// Load reads a rules file.
func Load(path string) (*Producer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and checks a rules document.
func Parse(data []byte) (*Producer, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules YAML: %w", err)
	}
	if err := rules.validate(); err != nil {
		return nil, err
	}
	return New(rules), nil
}

// New returns a producer for rules.
func New(rules Rules) *Producer {
	return &Producer{rules: rules, calls: make(map[int]int)}
}

func (r Rules) validate() error {
	var problems []string
	check := func(where, outcome string) {
		if _, err := decision.ParseOutcome(outcome); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
	}
	for i, rule := range r.Reviews {
		where := fmt.Sprintf("reviews[%d]", i)
		if rule.Type != "" {
			if _, err := decision.ParseType(rule.Type); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", where, err))
			}
		}
		if rule.Error == "" && len(rule.Responses) == 0 {
			problems = append(problems, where+": needs responses or error")
		}
		for j, resp := range rule.Responses {
			check(fmt.Sprintf("%s.responses[%d]", where, j), resp.Outcome)
		}
	}
	if r.Default != nil {
		check("default", r.Default.Outcome)
	}
	for i, rule := range r.Executive {
		where := fmt.Sprintf("executive[%d]", i)
		if rule.Reason != "" {
			if _, err := escalation.ParseReason(rule.Reason); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", where, err))
			}
		}
		check(where, rule.Outcome)
	}
	if r.Content != "" {
		if _, err := prompt.Render(r.Content, contentVars(executor.ContentRequest{})); err != nil {
			problems = append(problems, fmt.Sprintf("content: %v", err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid rules: %s", strings.Join(problems, "; "))
	}
	return nil
}

func match(want, got string) bool {
	return want == "" || want == got
}

// Review implements approval.Producer.
func (p *Producer) Review(ctx context.Context, req approval.Request) (approval.Response, error) {
	if err := ctx.Err(); err != nil {
		return approval.Response{}, err
	}
	for i, rule := range p.rules.Reviews {
		if !match(rule.Stage, string(req.Stage)) || !match(rule.Type, string(req.Type)) ||
			!match(rule.Actor, req.Actor) || !match(rule.Domain, req.Domain) {
			continue
		}
		if rule.Error != "" {
			return approval.Response{}, errors.New(rule.Error)
		}
		return p.next(i, rule.Responses).response(), nil
	}
	if p.rules.Default != nil {
		return p.rules.Default.response(), nil
	}
	return approval.Response{}, fmt.Errorf("no rule for %s %s by %s (%s)", req.Stage, req.Type, req.Actor, req.Domain)
}

func (p *Producer) next(rule int, responses []Reply) Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls[rule]
	p.calls[rule] = n + 1
	if n >= len(responses) {
		n = len(responses) - 1
	}
	return responses[n]
}

func (r Reply) response() approval.Response {
	return approval.Response{
		Outcome:         decision.Outcome(r.Outcome),
		Notes:           r.Notes,
		RequiredChanges: r.RequiredChanges,
		Risks:           r.Risks,
	}
}

// Decide implements escalation.Executive.
func (p *Producer) Decide(ctx context.Context, rec escalation.Record) (escalation.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return escalation.Verdict{}, err
	}
	for _, rule := range p.rules.Executive {
		if !match(rule.Reason, string(rec.Reason)) || !match(rule.Stage, string(rec.Stage)) {
			continue
		}
		return escalation.Verdict{
			Outcome:         decision.Outcome(rule.Outcome),
			Notes:           rule.Notes,
			AcceptedRisks:   rule.AcceptedRisks,
			RequiredActions: rule.RequiredActions,
		}, nil
	}
	return escalation.Verdict{}, fmt.Errorf("no executive rule for %s", rec.Reason)
}

// Produce implements executor.ContentProducer.
func (p *Producer) Produce(ctx context.Context, req executor.ContentRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmpl := p.rules.Content
	if tmpl == "" {
		tmpl = defaultContent
	}
	return prompt.Render(tmpl, contentVars(req))
}

func contentVars(req executor.ContentRequest) prompt.Vars {
	return prompt.Vars{
		"work_item_id":   req.WorkItemID,
		"title":          req.Title,
		"description":    req.Description,
		"stage":          string(req.Stage),
		"iteration":      strconv.Itoa(req.Iteration),
		"artifact":       req.Artifact,
		"previous":       req.Previous,
		"feedback":       bullets(req.Feedback),
		"accepted_risks": bullets(req.AcceptedRisks),
	}
}

func bullets(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return b.String()
}
