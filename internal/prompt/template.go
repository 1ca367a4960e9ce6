// Package prompt renders the prompts sent to model-backed collaborators.
//
// Templates use {{name}} placeholders and {{#if name}}...{{/if}} blocks. A
// block is kept only when its variable is set and non-empty; placeholders
// left outside a dropped block must be supplied.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	blockOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
)

const blockClose = "{{/if}}"

// Vars maps placeholder names to values.
type Vars map[string]string

// Render expands tmpl. Values are inserted literally and never re-expanded.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := resolveBlocks(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(body, func(tok string) string {
		name := placeholderRe.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return tok
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// resolveBlocks keeps or drops conditional blocks, innermost first: each
// {{/if}} closes the nearest {{#if}} before it.
func resolveBlocks(tmpl string, vars Vars) (string, error) {
	s := tmpl
	for {
		end := strings.Index(s, blockClose)
		if end < 0 {
			break
		}
		opens := blockOpenRe.FindAllStringSubmatchIndex(s[:end], -1)
		if len(opens) == 0 {
			return "", errors.New("{{/if}} without matching {{#if}}")
		}
		o := opens[len(opens)-1]
		start, bodyStart := o[0], o[1]
		name := s[o[2]:o[3]]

		kept := ""
		if vars[name] != "" {
			kept = s[bodyStart:end]
		}
		s = s[:start] + kept + s[end+len(blockClose):]
	}
	if tag := blockOpenRe.FindString(s); tag != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", tag)
	}
	return s, nil
}

// Load returns the named template. A file of that name in dir overrides the
// built-in template. Names must be plain file names.
func Load(name, dir string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == ".." {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read template %s: %w", name, err)
		}
	}
	if t, ok := builtinTemplates[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// Install writes the built-in templates into dir without overwriting
// existing files. It returns the names written.
func Install(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	var written []string
	for _, name := range Names() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}

// Names lists the built-in templates.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
