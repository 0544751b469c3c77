// Package skills loads Markdown skill playbooks and activates them for a
// task in one of three forms: prompt instructions, compiled tools, or a
// specialized sub-agent specification.
package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Form names how a skill takes effect when activated.
type Form string

const (
	FormInstruction Form = "instruction"
	FormTools       Form = "tools"
	FormAgent       Form = "agent"
)

// Action is one scripted skill action compiled into a tool definition.
type Action struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Parameters  map[string]string `yaml:"parameters"`
	Output      string            `yaml:"output"`
}

// AgentSpec configures the sub-agent a Form-3 skill instantiates.
type AgentSpec struct {
	Prompt string   `yaml:"prompt"`
	Tools  []string `yaml:"tools"`
}

// Skill is one playbook loaded from Markdown with YAML front matter.
type Skill struct {
	Name          string
	Description   string
	Form          Form
	Keywords      []string
	RequiredTools []string
	Priority      string
	Actions       []Action
	Agent         AgentSpec
	Body          string
	SourcePath    string
}

// Library is a loaded collection of skills. It is read-only after Load.
type Library struct {
	skills []Skill
	byName map[string]Skill
	root   string
}

// Root returns the directory the library was loaded from (empty for none).
func (l Library) Root() string { return l.root }

// List returns all skills sorted by name.
func (l Library) List() []Skill {
	out := append([]Skill(nil), l.skills...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l Library) Get(name string) (Skill, bool) {
	if l.byName == nil {
		return Skill{}, false
	}
	skill, ok := l.byName[NormalizeName(name)]
	return skill, ok
}

// FromSkills builds a library from in-memory skills, for tests and
// programmatic registration.
func FromSkills(skills ...Skill) (Library, error) {
	byName := make(map[string]Skill, len(skills))
	for i := range skills {
		if skills[i].Form == "" {
			skills[i].Form = FormInstruction
		}
		key := NormalizeName(skills[i].Name)
		if key == "" {
			return Library{}, fmt.Errorf("skill without a name")
		}
		if _, exists := byName[key]; exists {
			return Library{}, fmt.Errorf("duplicate skill name %q", key)
		}
		byName[key] = skills[i]
	}
	out := append([]Skill(nil), skills...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return Library{skills: out, byName: byName}, nil
}

// Load loads skill Markdown files from dir. A missing directory yields an
// empty library.
func Load(dir string) (Library, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return Library{}, nil
	}

	info, err := os.Stat(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Library{}, nil
		}
		return Library{}, fmt.Errorf("stat skills dir: %w", err)
	}
	if !info.IsDir() {
		return Library{}, fmt.Errorf("skills dir %s is not a directory", trimmed)
	}

	paths, err := discoverSkillFiles(trimmed)
	if err != nil {
		return Library{}, fmt.Errorf("discover skills: %w", err)
	}

	skills := make([]Skill, 0, len(paths))
	byName := make(map[string]Skill, len(paths))
	for _, path := range paths {
		skill, err := parseSkillFile(path)
		if err != nil {
			return Library{}, err
		}
		if skill.Name == "" {
			return Library{}, fmt.Errorf("skill %s missing name front matter", path)
		}
		if skill.Description == "" {
			return Library{}, fmt.Errorf("skill %s missing description front matter", path)
		}
		key := NormalizeName(skill.Name)
		if _, exists := byName[key]; exists {
			return Library{}, fmt.Errorf("duplicate skill name %q in %s", key, path)
		}
		byName[key] = skill
		skills = append(skills, skill)
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return Library{skills: skills, byName: byName, root: trimmed}, nil
}

func discoverSkillFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			path := filepath.Join(root, name, "SKILL.md")
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				paths = append(paths, path)
			}
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), ".md") {
			paths = append(paths, filepath.Join(root, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type frontMatter struct {
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	Mode          string    `yaml:"mode"`
	Keywords      []string  `yaml:"keywords"`
	RequiredTools []string  `yaml:"required_tools"`
	Priority      string    `yaml:"priority"`
	Actions       []Action  `yaml:"actions"`
	Agent         AgentSpec `yaml:"agent"`
}

func parseSkillFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read skill %s: %w", path, err)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	metaText, bodyText, hasFrontMatter := splitFrontMatter(content)
	var meta frontMatter
	if hasFrontMatter {
		if err := yaml.Unmarshal([]byte(metaText), &meta); err != nil {
			return Skill{}, fmt.Errorf("parse skill front matter %s: %w", path, err)
		}
	}

	form := Form(strings.TrimSpace(strings.ToLower(meta.Mode)))
	switch form {
	case FormInstruction, FormTools, FormAgent:
	case "":
		form = FormInstruction
	default:
		return Skill{}, fmt.Errorf("skill %s: unknown mode %q", path, meta.Mode)
	}

	return Skill{
		Name:          strings.TrimSpace(meta.Name),
		Description:   strings.TrimSpace(meta.Description),
		Form:          form,
		Keywords:      meta.Keywords,
		RequiredTools: meta.RequiredTools,
		Priority:      strings.TrimSpace(strings.ToLower(meta.Priority)),
		Actions:       meta.Actions,
		Agent:         meta.Agent,
		Body:          strings.TrimSpace(bodyText),
		SourcePath:    path,
	}, nil
}

func splitFrontMatter(content string) (string, string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", content, false
}

// NormalizeName normalizes a skill name for lookups.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.ReplaceAll(name, " ", "-")
}
