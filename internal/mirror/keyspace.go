package mirror

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
	"github.com/l0p7/sheetsync/internal/source"
)

// DefaultKeyTemplate names snapshot keys when none is configured.
const DefaultKeyTemplate = `sheetsync/{{ .Spreadsheet }}/{{ .Tab | urlquery }}`

// Keyspace renders storage keys for snapshots from a text/template with the
// Sprig function map. Safe for concurrent use.
type Keyspace struct {
	tmpl *template.Template
}

// NewKeyspace compiles the template. Blank sources fall back to DefaultKeyTemplate.
func NewKeyspace(text string) (*Keyspace, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultKeyTemplate
	}
	funcs := sprig.TxtFuncMap()
	// Key names must not depend on the process environment or the filesystem.
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}
	tmpl, err := template.New("mirror-key").Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("mirror: parse key template: %w", err)
	}
	return &Keyspace{tmpl: tmpl}, nil
}

// Key renders the storage key for a cache key.
func (k *Keyspace) Key(key source.CacheKey) (string, error) {
	var buf bytes.Buffer
	if err := k.tmpl.Execute(&buf, key); err != nil {
		return "", fmt.Errorf("mirror: render key for %s: %w", key, err)
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return "", fmt.Errorf("mirror: key template rendered empty key for %s", key)
	}
	return out, nil
}
