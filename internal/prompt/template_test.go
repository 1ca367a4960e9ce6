package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	result, err := Render("{{actor}} reviews {{work_item_id}}.", Vars{"actor": "qa-lead", "work_item_id": "wi-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "qa-lead reviews wi-1." {
		t.Errorf("got %q", result)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "c") {
		t.Errorf("error should name every missing variable, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "S.{{#if f}}[{{f}}]{{/if}}E.", Vars{"f": "x"}, "S.[x]E."},
		{"absent", "S.{{#if f}}[{{f}}]{{/if}}E.", Vars{}, "S.E."},
		{"empty", "{{#if f}}has{{/if}}", Vars{"f": ""}, ""},
		{"nested", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "1", "b": "1"}, "outer inner end"},
		{"nested outer absent", "S{{#if a}}o {{#if b}}i{{/if}} e{{/if}}F", Vars{}, "SF"},
		{"trailing space in tag", "{{#if x }}content{{/if}}", Vars{"x": "1"}, "content"},
		{"missing var inside dropped block", "S{{#if x}}{{y}}{{/if}}M", Vars{}, "SM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_ValuesNotReexpanded(t *testing.T) {
	got, err := Render("{{#if note}}{{note}}{{/if}} {{a}}", Vars{"note": "use {{/if}}", "a": "{{note}}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "use {{/if}} {{note}}" {
		t.Errorf("got %q", got)
	}
}

func TestRender_Unbalanced(t *testing.T) {
	if _, err := Render("S{{#if x}}body", Vars{"x": "1"}); err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("unclosed block err = %v", err)
	}
	if _, err := Render("body{{/if}}", Vars{}); err == nil {
		t.Error("expected error for dangling {{/if}}")
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	review := Vars{
		"decision_type": "review", "title": "Add search", "actor": "code-reviewer", "domain": "code",
		"work_item_id": "wi-1", "stage": "implementation", "iteration": "0",
	}
	content := Vars{"artifact": "code", "title": "Add search", "stage": "implementation", "iteration": "1"}
	executive := Vars{
		"escalation_id": "esc-1", "title": "Add search", "work_item_id": "wi-1", "stage": "design",
		"reason": "stuck_approval", "description": "ux-reviewer keeps asking", "iteration": "2", "max_iterations": "3",
	}
	for name, vars := range map[string]Vars{ReviewTemplate: review, ContentTemplate: content, ExecutiveTemplate: executive} {
		tmpl, err := Load(name, "")
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		out, err := Render(tmpl, vars)
		if err != nil {
			t.Errorf("Render(%s): %v", name, err)
			continue
		}
		if !strings.Contains(out, "Add search") {
			t.Errorf("%s: title missing from output", name)
		}
	}
}

func TestLoad_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ReviewTemplate), []byte("custom {{actor}}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(ReviewTemplate, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "custom {{actor}}" {
		t.Errorf("got %q", got)
	}

	got, err = Load(ContentTemplate, dir)
	if err != nil {
		t.Fatalf("Load fallback: %v", err)
	}
	if got != contentTemplate {
		t.Error("expected built-in content template")
	}
}

func TestLoad_RejectsPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"../secret.txt", filepath.Join(dir, "x.md"), "", "sub/x.md", "nonexistent.md"} {
		if _, err := Load(name, dir); err == nil {
			t.Errorf("Load(%q) should fail", name)
		}
	}
}

func TestInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	written, err := Install(dir)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(written) != len(builtinTemplates) {
		t.Errorf("written = %v", written)
	}
	if err := os.WriteFile(filepath.Join(dir, ReviewTemplate), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	written, err = Install(dir)
	if err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("second install wrote %v", written)
	}
	data, _ := os.ReadFile(filepath.Join(dir, ReviewTemplate))
	if string(data) != "mine" {
		t.Error("Install overwrote an existing template")
	}
}
