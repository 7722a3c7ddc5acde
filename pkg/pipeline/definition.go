// Package pipeline parses repository-committed pipeline definitions,
// materializes pipelines, and runs each step as an isolated workload pod.
package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFileName is the pipeline definition committed to repositories.
const DefinitionFileName = ".loom.yaml"

// File is the top-level definition file structure.
type File struct {
	Pipeline Definition `yaml:"pipeline"`
}

// Definition describes the pipeline: ordered steps, artifacts, and trigger
// filters.
type Definition struct {
	Steps     []StepDef     `yaml:"steps"`
	Artifacts []ArtifactDef `yaml:"artifacts"`
	Trigger   *TriggerDef   `yaml:"on"`
}

// StepDef is one pipeline step.
type StepDef struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	Commands    []string          `yaml:"commands"`
	Environment map[string]string `yaml:"environment"`
}

// ArtifactDef declares a path collected after a step.
type ArtifactDef struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Expires string `yaml:"expires"`
}

// TriggerDef filters which events materialize a pipeline. An absent trigger
// config means "match always".
type TriggerDef struct {
	Push *PushTrigger `yaml:"push"`
	MR   *MRTrigger   `yaml:"mr"`
}

// PushTrigger lists branch patterns (glob with *).
type PushTrigger struct {
	Branches []string `yaml:"branches"`
}

// MRTrigger lists merge request actions.
type MRTrigger struct {
	Actions []string `yaml:"actions"`
}

// Parse parses and validates a pipeline definition file.
func Parse(raw []byte) (*Definition, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}

	def := &file.Pipeline
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("invalid pipeline definition: pipeline must have at least one step")
	}
	for i, step := range def.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("invalid pipeline definition: step %d is missing a name", i)
		}
		if step.Image == "" {
			return nil, fmt.Errorf("invalid pipeline definition: step %q is missing an image", step.Name)
		}
	}
	return def, nil
}

// MatchesPush reports whether a push to branch matches the trigger config.
// No trigger config, no push trigger, or an empty branch list all match.
func (t *TriggerDef) MatchesPush(branch string) bool {
	if t == nil || t.Push == nil || len(t.Push.Branches) == 0 {
		return true
	}
	for _, pattern := range t.Push.Branches {
		if matchPattern(pattern, branch) {
			return true
		}
	}
	return false
}

// MatchesMR reports whether an MR action matches the trigger config.
func (t *TriggerDef) MatchesMR(action string) bool {
	if t == nil || t.MR == nil || len(t.MR.Actions) == 0 {
		return true
	}
	for _, a := range t.MR.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// matchPattern implements glob-like branch matching where * matches any
// sequence of characters. Patterns with more than one * fall back to exact
// comparison.
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	if len(parts) == 2 {
		prefix, suffix := parts[0], parts[1]
		return strings.HasPrefix(value, prefix) &&
			strings.HasSuffix(value, suffix) &&
			len(value) >= len(prefix)+len(suffix)
	}
	return pattern == value
}
