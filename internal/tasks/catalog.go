// Package tasks loads the catalog of task types applied to each work item:
// prompts, model profiles and the rules that reject unusable responses.
package tasks

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/retry"
)

//go:embed default.yaml
var defaultCatalog []byte

// Content failures returned by Task.Validate, always tagged ContentInvalid.
var (
	ErrEmptyResponse = errors.New("empty response")
	ErrTooShort      = errors.New("response too short")
	ErrErrorPrefix   = errors.New("response starts with a known error text")
)

// DefaultErrorPrefixes flag refusals and provider error text returned as content.
var DefaultErrorPrefixes = []string{
	"error:",
	"i'm sorry",
	"i am sorry",
	"i cannot",
	"i can't",
	"as an ai",
}

// Definition is the YAML form of one task.
type Definition struct {
	Name          string   `yaml:"name"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Profile       string   `yaml:"profile"`
	Prompt        string   `yaml:"prompt"`
	MinLength     int      `yaml:"min_length"`
	ErrorPrefixes []string `yaml:"error_prefixes"`
}

type document struct {
	Profiles map[string]analyzer.Profile `yaml:"profiles"`
	Tasks    []Definition                `yaml:"tasks"`
}

// Task is one compiled task type.
type Task struct {
	Name          string
	SystemPrompt  string
	Profile       analyzer.Profile
	MinLength     int
	ErrorPrefixes []string
	prompt        *template.Template
}

// PromptData is what prompt templates see.
type PromptData struct {
	ID      string
	Group   string
	Key     string
	Payload string
	Info    map[string]any
}

// Render builds the prompt for one item.
func (t Task) Render(item analyzer.WorkItem) (string, error) {
	var b strings.Builder
	err := t.prompt.Execute(&b, PromptData{
		ID:      item.ID,
		Group:   item.Group,
		Key:     item.Key,
		Payload: item.Payload,
		Info:    item.Info,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("render prompt %s: %w", t.Name, err))
	}
	return b.String(), nil
}

// Validate rejects responses that came back without error but cannot be used.
func (t Task) Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return retry.ContentInvalid(ErrEmptyResponse)
	}
	if len([]rune(trimmed)) < t.MinLength {
		return retry.ContentInvalid(fmt.Errorf("%w: %d < %d characters", ErrTooShort, len([]rune(trimmed)), t.MinLength))
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range t.ErrorPrefixes {
		if prefix != "" && strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return retry.ContentInvalid(fmt.Errorf("%w: %q", ErrErrorPrefix, prefix))
		}
	}
	return nil
}

// Catalog is an ordered set of tasks.
type Catalog struct {
	tasks  []Task
	byName map[string]int
}

// Default returns the built-in catalog.
func Default(defaults analyzer.Profile) (*Catalog, error) {
	return Parse(defaultCatalog, defaults)
}

// Load reads a catalog file; an empty path yields the built-in catalog.
func Load(path string, defaults analyzer.Profile) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(defaults)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied catalog path.
	if err != nil {
		return nil, fmt.Errorf("read task catalog: %w", err)
	}
	return Parse(data, defaults)
}

// Parse compiles a YAML catalog. Profile fields left unset inherit from
// defaults.
func Parse(data []byte, defaults analyzer.Profile) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode task catalog: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, errors.New("task catalog defines no tasks")
	}
	c := &Catalog{byName: make(map[string]int, len(doc.Tasks))}
	for _, def := range doc.Tasks {
		task, err := compile(def, doc.Profiles, defaults)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byName[task.Name]; dup {
			return nil, fmt.Errorf("duplicate task %q", task.Name)
		}
		c.byName[task.Name] = len(c.tasks)
		c.tasks = append(c.tasks, task)
	}
	return c, nil
}

// Names lists task names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.tasks))
	for i, t := range c.tasks {
		names[i] = t.Name
	}
	return names
}

// Select returns the named tasks in the order given; no names selects all.
func (c *Catalog) Select(names []string) ([]Task, error) {
	if len(names) == 0 {
		return append([]Task(nil), c.tasks...), nil
	}
	out := make([]Task, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		idx, ok := c.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown task %q (known: %s)", name, strings.Join(c.Names(), ", "))
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, c.tasks[idx])
	}
	return out, nil
}

func compile(def Definition, profiles map[string]analyzer.Profile, defaults analyzer.Profile) (Task, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return Task{}, errors.New("task name is required")
	}
	if strings.TrimSpace(def.Prompt) == "" {
		return Task{}, fmt.Errorf("task %q has no prompt", name)
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(def.Prompt)
	if err != nil {
		return Task{}, fmt.Errorf("parse prompt for task %q: %w", name, err)
	}
	profile := defaults
	profile.Name = "default"
	if def.Profile != "" {
		p, ok := profiles[def.Profile]
		if !ok {
			return Task{}, fmt.Errorf("task %q references unknown profile %q", name, def.Profile)
		}
		profile = mergeProfile(p, defaults)
		profile.Name = def.Profile
	}
	prefixes := def.ErrorPrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultErrorPrefixes
	}
	return Task{
		Name:          name,
		SystemPrompt:  strings.TrimSpace(def.SystemPrompt),
		Profile:       profile,
		MinLength:     max(def.MinLength, 1),
		ErrorPrefixes: append([]string(nil), prefixes...),
		prompt:        tmpl,
	}, nil
}

func mergeProfile(p, defaults analyzer.Profile) analyzer.Profile {
	if p.Model == "" {
		p.Model = defaults.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = defaults.MaxTokens
	}
	return p
}
