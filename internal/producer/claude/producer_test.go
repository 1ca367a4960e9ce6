package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/lucasnoah/stagegate/internal/approval"
	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/executor"
)

// fakeLLM records prompts and returns a canned reply.
type fakeLLM struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func TestReviewParsesFencedJSON(t *testing.T) {
	llm := &fakeLLM{reply: "Here is my review:\n```json\n{\"outcome\": \"changes_required\", \"notes\": \"thin\", \"required_changes\": [\"add tests\"]}\n```\n"}
	p := New(llm)
	req := approval.Request{
		WorkItemID: "wi-1", Title: "Add search", Stage: catalog.Implementation, Type: decision.Review,
		Actor: "code-reviewer", Domain: "code", ArtifactName: "code", ArtifactContent: "func Search() {}",
		PriorFeedback: []string{"handle empty query"},
	}
	resp, err := p.Review(context.Background(), req)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if resp.Outcome != decision.ChangesRequired {
		t.Errorf("Outcome = %q, want changes_required", resp.Outcome)
	}
	if len(resp.RequiredChanges) != 1 || resp.RequiredChanges[0] != "add tests" {
		t.Errorf("RequiredChanges = %v", resp.RequiredChanges)
	}

	sent := llm.prompts[0]
	for _, want := range []string{"code-reviewer", "func Search() {}", "- handle empty query", "implementation"} {
		if !strings.Contains(sent, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestReviewUnparseable(t *testing.T) {
	p := New(&fakeLLM{reply: "I approve wholeheartedly."})
	_, err := p.Review(context.Background(), approval.Request{Actor: "qa-lead", Type: decision.Approval})
	if err == nil || !strings.Contains(err.Error(), "no JSON object") {
		t.Errorf("err = %v, want no JSON object", err)
	}
}

func TestReviewPropagatesClientError(t *testing.T) {
	boom := errors.New("overloaded")
	p := New(&fakeLLM{err: boom})
	if _, err := p.Review(context.Background(), approval.Request{Actor: "qa-lead"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestDecide(t *testing.T) {
	llm := &fakeLLM{reply: `{"outcome": "approved_with_risks", "notes": "ship it", "accepted_risks": ["perf"]}`}
	p := New(llm)
	rec := escalation.Record{
		ID: "esc-1", WorkItemID: "wi-1", Title: "Add search", Stage: catalog.Design,
		Reason: escalation.StuckApproval, Description: "ux-reviewer keeps asking",
		Context: escalation.Context{
			Iteration: 2, MaxIterations: 3,
			Decisions: []decision.Record{{Stage: catalog.Design, Type: decision.Review, Actor: "ux-reviewer", Domain: "ux", Outcome: decision.ChangesRequired, RequiredChanges: []string{"contrast"}}},
		},
	}
	v, err := p.Decide(context.Background(), rec)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if v.Outcome != decision.ApprovedWithRisks || len(v.AcceptedRisks) != 1 {
		t.Errorf("verdict = %+v", v)
	}
	if !strings.Contains(llm.prompts[0], "design review by ux-reviewer (ux): changes_required [contrast]") {
		t.Errorf("prompt should list decisions on record:\n%s", llm.prompts[0])
	}
}

func TestProduceStripsFence(t *testing.T) {
	p := New(&fakeLLM{reply: "```markdown\n# Brief\n\nSearch things.\n```"})
	got, err := p.Produce(context.Background(), executor.ContentRequest{Artifact: "brief", Title: "Add search", Stage: catalog.Intake})
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if got != "# Brief\n\nSearch things." {
		t.Errorf("content = %q", got)
	}
}

func TestTemplateDirOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "content.md"), []byte("write {{artifact}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	llm := &fakeLLM{reply: "done"}
	p := New(llm, WithTemplateDir(dir))
	if _, err := p.Produce(context.Background(), executor.ContentRequest{Artifact: "plan"}); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if llm.prompts[0] != "write plan" {
		t.Errorf("prompt = %q", llm.prompts[0])
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient("", ""); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("err = %v, want ErrAPIKeyRequired", err)
	}
	c, err := NewClient("sk-test", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Model() != DefaultModel {
		t.Errorf("Model = %q, want %q", c.Model(), DefaultModel)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{&anthropic.Error{StatusCode: 429}, true},
		{&anthropic.Error{StatusCode: 529}, true},
		{&anthropic.Error{StatusCode: 400}, false},
		{errors.New("boom"), false},
	}
	for i, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("case %d: isRetryable = %v, want %v", i, got, tt.want)
		}
	}
}
