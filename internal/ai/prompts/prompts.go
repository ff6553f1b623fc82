// Package prompts loads the system instruction templates.
//
// A prompt pack is a YAML file listing named text/template bodies. The default pack is
// embedded; a pack on disk replaces it wholesale.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// SystemPrompt is the name of the template rendered for every model call.
const SystemPrompt = "system"

//go:embed default.yaml
var defaultPack []byte

type packFile struct {
	Version string      `yaml:"version"`
	Prompts []packEntry `yaml:"prompts"`
}

type packEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

// Data is the template input.
type Data struct {
	CurrentDate  string
	TablesSchema string
}

// NewData stamps the current UTC date.
func NewData(now time.Time, tablesSchema string) Data {
	return Data{CurrentDate: now.UTC().Format("2006-01-02"), TablesSchema: strings.TrimSpace(tablesSchema)}
}

type Store struct {
	templates map[string]*template.Template
}

// Default returns the embedded pack.
func Default() (*Store, error) {
	return Parse(defaultPack)
}

// Load reads a pack from path, or the embedded pack when path is empty.
func Load(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func Parse(data []byte) (*Store, error) {
	var pack packFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse prompt pack: %w", err)
	}
	if len(pack.Prompts) == 0 {
		return nil, fmt.Errorf("prompt pack has no prompts")
	}
	s := &Store{templates: make(map[string]*template.Template, len(pack.Prompts))}
	for _, p := range pack.Prompts {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("prompt name is empty")
		}
		if _, dup := s.templates[name]; dup {
			return nil, fmt.Errorf("prompt %s defined twice", name)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(p.Template)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", name, err)
		}
		s.templates[name] = tmpl
	}
	if _, ok := s.templates[SystemPrompt]; !ok {
		return nil, fmt.Errorf("prompt pack is missing %q", SystemPrompt)
	}
	return s, nil
}

func (s *Store) Render(name string, data Data) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Names lists the prompts in the pack.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.templates))
	for name := range s.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
