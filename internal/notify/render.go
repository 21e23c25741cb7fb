package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Renderer resolves a template name plus a flat key→value context into
// a message body.
type Renderer interface {
	Render(template string, context map[string]string) (string, error)
}

// placeholder matches "{{ key }}" with optional inner whitespace.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// FileRenderer loads "<dir>/<name>.html" and substitutes {{key}}
// placeholders from the context. Unknown placeholders are left as-is
// so a missing context value is visible in the delivered message
// rather than silently blanked.
type FileRenderer struct {
	Dir string
}

func (r *FileRenderer) Render(template string, context map[string]string) (string, error) {
	path := filepath.Join(r.Dir, template+".html")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("template %q not found: %w", template, err)
	}
	return substitute(string(raw), context), nil
}

// StaticRenderer returns the context rendered as "key: value" lines.
// A fallback for when no template directory is configured; keeps the
// pipeline functional without any files on disk.
type StaticRenderer struct{}

func (StaticRenderer) Render(template string, context map[string]string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", template)
	for _, k := range sortedKeys(context) {
		fmt.Fprintf(&b, "%s: %s\n", k, context[k])
	}
	return b.String(), nil
}

func substitute(body string, context map[string]string) string {
	return placeholder.ReplaceAllStringFunc(body, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := context[key]; ok {
			return v
		}
		return m
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
