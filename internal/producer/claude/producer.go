package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lucasnoah/stagegate/internal/approval"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/executor"
	"github.com/lucasnoah/stagegate/internal/prompt"
)

// Producer renders prompts, sends them to a Completer and parses the reply.
// It satisfies approval.Producer, escalation.Executive and
// executor.ContentProducer.
type Producer struct {
	llm         Completer
	templateDir string
	logger      *slog.Logger
}

// Option configures a Producer.
type Option func(*Producer)

// WithTemplateDir overrides built-in prompts with files from dir.
func WithTemplateDir(dir string) Option {
	return func(p *Producer) { p.templateDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Producer) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a producer using llm.
func New(llm Completer, opts ...Option) *Producer {
	p := &Producer{llm: llm, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Producer) ask(ctx context.Context, name string, vars prompt.Vars) (string, error) {
	tmpl, err := prompt.Load(name, p.templateDir)
	if err != nil {
		return "", err
	}
	text, err := prompt.Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return p.llm.Complete(ctx, text)
}

// Review implements approval.Producer.
func (p *Producer) Review(ctx context.Context, req approval.Request) (approval.Response, error) {
	vars := prompt.Vars{
		"decision_type":    string(req.Type),
		"title":            req.Title,
		"actor":            req.Actor,
		"domain":           req.Domain,
		"work_item_id":     req.WorkItemID,
		"stage":            string(req.Stage),
		"iteration":        strconv.Itoa(req.Iteration),
		"artifact_name":    req.ArtifactName,
		"artifact_content": req.ArtifactContent,
		"prior_feedback":   bullets(req.PriorFeedback),
	}
	reply, err := p.ask(ctx, prompt.ReviewTemplate, vars)
	if err != nil {
		return approval.Response{}, err
	}
	var resp approval.Response
	if err := decodeJSON(reply, &resp); err != nil {
		p.logger.Debug("unparseable review reply", "actor", req.Actor, "reply", reply)
		return approval.Response{}, fmt.Errorf("review from %s: %w", req.Actor, err)
	}
	return resp, nil
}

// Decide implements escalation.Executive.
func (p *Producer) Decide(ctx context.Context, rec escalation.Record) (escalation.Verdict, error) {
	var decisions []string
	for _, d := range rec.Context.Decisions {
		decisions = append(decisions, d.Summary())
	}
	vars := prompt.Vars{
		"escalation_id":  rec.ID,
		"title":          rec.Title,
		"work_item_id":   rec.WorkItemID,
		"stage":          string(rec.Stage),
		"reason":         string(rec.Reason),
		"description":    rec.Description,
		"iteration":      strconv.Itoa(rec.Context.Iteration),
		"max_iterations": strconv.Itoa(rec.Context.MaxIterations),
		"decisions":      bullets(decisions),
	}
	reply, err := p.ask(ctx, prompt.ExecutiveTemplate, vars)
	if err != nil {
		return escalation.Verdict{}, err
	}
	var v escalation.Verdict
	if err := decodeJSON(reply, &v); err != nil {
		p.logger.Debug("unparseable executive reply", "escalation", rec.ID, "reply", reply)
		return escalation.Verdict{}, fmt.Errorf("executive verdict: %w", err)
	}
	return v, nil
}

// Produce implements executor.ContentProducer.
func (p *Producer) Produce(ctx context.Context, req executor.ContentRequest) (string, error) {
	vars := prompt.Vars{
		"artifact":       req.Artifact,
		"title":          req.Title,
		"stage":          string(req.Stage),
		"iteration":      strconv.Itoa(req.Iteration),
		"description":    req.Description,
		"previous":       req.Previous,
		"feedback":       bullets(req.Feedback),
		"accepted_risks": bullets(req.AcceptedRisks),
	}
	reply, err := p.ask(ctx, prompt.ContentTemplate, vars)
	if err != nil {
		return "", err
	}
	return stripFence(reply), nil
}

// decodeJSON reads the first JSON object in text, ignoring any prose or code
// fence around it.
func decodeJSON(text string, v any) error {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return errors.New("no JSON object in reply")
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// stripFence removes a Markdown code fence wrapping the whole reply.
func stripFence(text string) string {
	t := bytes.TrimSpace([]byte(text))
	if !bytes.HasPrefix(t, []byte("```")) || !bytes.HasSuffix(t, []byte("```")) || len(t) < 6 {
		return string(t)
	}
	body := t[3 : len(t)-3]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	return string(bytes.TrimSpace(body))
}

func bullets(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ") + "\n"
}
