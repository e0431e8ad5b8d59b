// Package scenario loads the lesson scenario definitions that drive a
// tutoring session: upstream instructions, voice, tool exposure, and the
// optional end-of-call quiz.
package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// QuizQuestion is one multiple-choice question run at call end.
type QuizQuestion struct {
	Prompt  string   `yaml:"prompt" json:"prompt"`
	Choices []string `yaml:"choices" json:"choices"`
	Answer  int      `yaml:"answer" json:"answer"`
}

// Scenario is one lesson definition loaded from a YAML file.
type Scenario struct {
	ID           string         `yaml:"id" json:"id"`
	Title        string         `yaml:"title" json:"title"`
	Language     string         `yaml:"language" json:"language"`
	Level        string         `yaml:"level" json:"level"`
	Instructions string         `yaml:"instructions" json:"instructions"`
	Voice        string         `yaml:"voice" json:"voice,omitempty"`
	Tools        []string       `yaml:"tools" json:"tools,omitempty"`
	AutoQuiz     bool           `yaml:"auto_quiz" json:"auto_quiz"`
	Quiz         []QuizQuestion `yaml:"quiz" json:"quiz,omitempty"`
}

// schemaJSON is the structural contract every scenario file must meet.
// Validated at load time so a bad file is rejected before any session
// can reference it.
const schemaJSON = `{
	"type": "object",
	"required": ["id", "title", "instructions"],
	"properties": {
		"id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"},
		"title": {"type": "string", "minLength": 1},
		"language": {"type": "string"},
		"level": {"type": "string"},
		"instructions": {"type": "string", "minLength": 1},
		"voice": {"type": "string"},
		"tools": {"type": "array", "items": {"type": "string"}},
		"auto_quiz": {"type": "boolean"},
		"quiz": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["prompt", "choices", "answer"],
				"properties": {
					"prompt": {"type": "string", "minLength": 1},
					"choices": {"type": "array", "items": {"type": "string"}, "minItems": 2},
					"answer": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("scenario schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("scenario.json", doc); err != nil {
		panic(fmt.Sprintf("scenario schema: %v", err))
	}
	schema, err := c.Compile("scenario.json")
	if err != nil {
		panic(fmt.Sprintf("scenario schema: %v", err))
	}
	return schema
}

// Parse validates and decodes one scenario document.
func Parse(data []byte) (*Scenario, error) {
	// Round-trip through JSON so the schema validator sees json.Number
	// values rather than YAML-typed ones.
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse scenario yaml: %w", err)
	}
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("normalize scenario: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("normalize scenario: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("scenario schema: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	for _, q := range sc.Quiz {
		if q.Answer >= len(q.Choices) {
			return nil, fmt.Errorf("scenario %s: quiz answer index %d out of range", sc.ID, q.Answer)
		}
	}
	return &sc, nil
}

// LoadDir reads every *.yaml/*.yml file in dir. Files that fail
// validation are skipped and reported in errs; valid files still load.
func LoadDir(dir string) (map[string]*Scenario, []error) {
	out := make(map[string]*Scenario)
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, []error{fmt.Errorf("read scenario dir: %w", err)}
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		sc, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if _, dup := out[sc.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate scenario id %q", name, sc.ID))
			continue
		}
		out[sc.ID] = sc
	}
	return out, errs
}
