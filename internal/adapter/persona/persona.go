// Package persona loads reviewer personas: markdown files with a
// "# Role:" header and a "# System Prompt" section.
package persona

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

//go:embed personas/*.md
var builtin embed.FS

var (
	roleRe   = regexp.MustCompile(`(?im)^(?:#\s*role:|role:)\s*(.*)$`)
	promptRe = regexp.MustCompile(`(?im)^#+\s*system\s+prompt\s*$`)
)

// Persona is the data that distinguishes one reviewer from another.
type Persona struct {
	File         string
	RoleName     string
	SystemPrompt string
}

// Loader resolves persona files from an override directory first and the
// built-in set second.
type Loader struct {
	dir string
}

// NewLoader returns a loader. dir may be empty to use only built-in personas.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads and parses the named persona file, e.g. "sre_critic.md".
func (l *Loader) Load(name string) (Persona, error) {
	if name == "" || name != filepath.Base(name) {
		return Persona{}, fmt.Errorf("persona %q: invalid file name", name)
	}

	data, source, err := l.read(name)
	if err != nil {
		return Persona{}, err
	}

	p, err := Parse(name, string(data))
	if err != nil {
		return Persona{}, err
	}
	slog.Debug("persona loaded", "file", name, "source", source, "role", p.RoleName)
	return p, nil
}

func (l *Loader) read(name string) ([]byte, string, error) {
	if l.dir != "" {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err == nil {
			return data, l.dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("read persona %s: %w", name, err)
		}
	}
	data, err := builtin.ReadFile("personas/" + name)
	if err != nil {
		return nil, "", fmt.Errorf("persona %s not found: %w", name, err)
	}
	return data, "builtin", nil
}

// Builtin lists the embedded persona file names.
func Builtin() []string {
	entries, err := builtin.ReadDir("personas")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Parse extracts the role name and system prompt from persona markdown.
// Without a "# System Prompt" header the whole file is the prompt.
func Parse(name, content string) (Persona, error) {
	p := Persona{File: name}
	if m := roleRe.FindStringSubmatch(content); m != nil {
		p.RoleName = strings.Trim(strings.TrimSpace(m[1]), `"'`)
	}
	if loc := promptRe.FindStringIndex(content); loc != nil {
		p.SystemPrompt = strings.TrimSpace(content[loc[1]:])
	} else {
		p.SystemPrompt = strings.TrimSpace(content)
	}
	if p.SystemPrompt == "" {
		return Persona{}, fmt.Errorf("persona %s: empty system prompt", name)
	}
	if p.RoleName == "" {
		p.RoleName = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return p, nil
}
