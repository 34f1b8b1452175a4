// Package curriculum holds the course content the tutor teaches: persona,
// study modes, topic list, opening prompts and reference formulas.
package curriculum

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed course.yaml
var defaultCourse []byte

var (
	ErrUnknownMode  = errors.New("unknown study mode")
	ErrUnknownTopic = errors.New("unknown topic")
)

// Catalog is the parsed course document.
type Catalog struct {
	Title           string   `yaml:"title"`
	School          string   `yaml:"school"`
	LogoURL         string   `yaml:"logo_url"`
	Welcome         string   `yaml:"welcome"`
	Greeting        string   `yaml:"greeting"`
	Persona         string   `yaml:"persona"`
	PlotInstruction string   `yaml:"plot_instruction"`
	Modes           []Mode   `yaml:"modes"`
	Openings        Openings `yaml:"openings"`
	Topics          []Topic  `yaml:"topics"`
}

// Mode is one of the study modes offered in the sidebar.
type Mode struct {
	ID          string `yaml:"id"`
	Label       string `yaml:"label"`
	Instruction string `yaml:"instruction"`
	Notice      string `yaml:"notice"`
	Topics      bool   `yaml:"topics"` // mode is driven by the topic list
	Images      bool   `yaml:"images"` // mode accepts an uploaded exercise photo
}

type Topic struct {
	Code     string    `yaml:"code"`
	Name     string    `yaml:"name"`
	Sections []Section `yaml:"sections"`
}

// Label is the "<code> <name>" string shown in the topic selector.
func (t Topic) Label() string {
	return t.Code + " " + t.Name
}

// Section groups reference formulas shown above the chat for a topic.
type Section struct {
	Heading  string   `yaml:"heading"`
	Note     string   `yaml:"note"`
	Formulas []string `yaml:"formulas"`
}

// Openings decides the prompt sent when a topic is first opened.
type Openings struct {
	Exact    map[string]string `yaml:"exact"`
	Prefixes []PrefixOpening   `yaml:"prefixes"`
	Default  string            `yaml:"default"`
}

type PrefixOpening struct {
	Prefix   string `yaml:"prefix"`
	Template string `yaml:"template"`
}

// Default returns the embedded course.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultCourse))
	if err != nil {
		panic(fmt.Sprintf("embedded course is invalid: %v", err))
	}
	return c
}

// LoadFile reads a course document from disk, or the embedded one when path
// is empty.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open curriculum: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*Catalog, error) {
	var c Catalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode curriculum: %w", err)
	}
	if len(c.Modes) == 0 {
		return nil, errors.New("curriculum has no study modes")
	}
	if strings.TrimSpace(c.Persona) == "" {
		return nil, errors.New("curriculum has no persona")
	}
	seen := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		if seen[t.Code] {
			return nil, fmt.Errorf("duplicate topic code %q", t.Code)
		}
		seen[t.Code] = true
	}
	return &c, nil
}

func (c *Catalog) Mode(id string) (Mode, error) {
	for _, m := range c.Modes {
		if m.ID == id {
			return m, nil
		}
	}
	return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, id)
}

// Topic finds a topic by code or by its full label.
func (c *Catalog) Topic(key string) (Topic, error) {
	for _, t := range c.Topics {
		if t.Code == key || t.Label() == key {
			return t, nil
		}
	}
	return Topic{}, fmt.Errorf("%w: %q", ErrUnknownTopic, key)
}

// FirstTopic is the topic selected when training mode starts.
func (c *Catalog) FirstTopic() (Topic, bool) {
	if len(c.Topics) == 0 {
		return Topic{}, false
	}
	return c.Topics[0], true
}

// OpeningPrompt returns the prompt that introduces a topic. Exact matches win
// over prefix rules, which win over the default.
func (c *Catalog) OpeningPrompt(t Topic) string {
	if p, ok := c.Openings.Exact[t.Code]; ok {
		return strings.TrimSpace(p)
	}
	for _, p := range c.Openings.Prefixes {
		if strings.HasPrefix(t.Code, p.Prefix) {
			return expand(p.Template, t)
		}
	}
	return expand(c.Openings.Default, t)
}

func expand(template string, t Topic) string {
	return strings.ReplaceAll(strings.TrimSpace(template), "{{topic}}", t.Label())
}

// SystemContext builds the ordered instruction list for a mode. In topic-driven
// modes the topic sentence follows the persona.
func (c *Catalog) SystemContext(m Mode, t *Topic, plots bool) []string {
	instructions := []string{strings.TrimSpace(c.Persona)}
	if plots && strings.TrimSpace(c.PlotInstruction) != "" {
		instructions = append(instructions, strings.TrimSpace(c.PlotInstruction))
	}
	if m.Topics && t != nil {
		instructions = append(instructions, "Tema: "+t.Label())
	}
	if m.Instruction != "" {
		instructions = append(instructions, m.Instruction)
	}
	return instructions
}
