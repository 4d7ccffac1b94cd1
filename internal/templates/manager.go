package templates

import (
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"codecanvas/internal/models"
)

// starter documents for new rooms, one per file
//
//go:embed starters/*.yaml
var starterFS embed.FS

const Default = "blank"

var ErrUnknownTemplate = errors.New("unknown template")

type starter struct {
	Description string `yaml:"description"`
	HTML        string `yaml:"html"`
	CSS         string `yaml:"css"`
	JS          string `yaml:"js"`
}

type Manager struct {
	docs map[string]models.Document
}

func NewManager() (*Manager, error) {
	m := &Manager{docs: make(map[string]models.Document)}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to load starter templates: %w", err)
	}
	return m, nil
}

// Document returns the starter document for name; "" selects Default.
func (m *Manager) Document(name string) (models.Document, error) {
	if name == "" {
		name = Default
	}
	doc, ok := m.docs[name]
	if !ok {
		return models.Document{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return doc, nil
}

func (m *Manager) names() []string {
	out := make([]string, 0, len(m.docs))
	for name := range m.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) load() error {
	entries, err := starterFS.ReadDir("starters")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := starterFS.ReadFile("starters/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var s starter
		if err := yaml.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		m.docs[strings.TrimSuffix(entry.Name(), ".yaml")] = models.Document{HTML: s.HTML, CSS: s.CSS, JS: s.JS}
	}
	if _, ok := m.docs[Default]; !ok {
		return fmt.Errorf("missing %s template", Default)
	}
	return nil
}
