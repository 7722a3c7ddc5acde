// Package deploy drives declared vs observed state for long-lived workloads
// by rendering templated manifests and applying them to the orchestrator.
package deploy

import (
	"fmt"
	"strings"
	"text/template"
)

// RenderVars are the variables available to manifest templates.
type RenderVars struct {
	ImageRef    string
	ProjectName string
	Environment string
	Values      map[string]any
}

// Render evaluates a manifest template. Templates are plain text templates
// with no filesystem or network access; undefined variables render as empty
// rather than erroring.
func Render(templateContent string, vars RenderVars) (string, error) {
	tmpl, err := template.New("manifest").Option("missingkey=zero").Parse(templateContent)
	if err != nil {
		return "", fmt.Errorf("rendering manifest: %w", err)
	}

	values := vars.Values
	if values == nil {
		values = map[string]any{}
	}
	data := map[string]any{
		"image_ref":    vars.ImageRef,
		"project_name": vars.ProjectName,
		"environment":  vars.Environment,
		"values":       values,
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering manifest: %w", err)
	}

	// missingkey=zero prints "<no value>" for absent map entries; the render
	// contract is that undefined variables come out empty.
	return strings.ReplaceAll(b.String(), "<no value>", ""), nil
}

// SplitYAMLDocuments splits rendered multi-document YAML on "---"
// separators, discarding empty and comment-only documents.
func SplitYAMLDocuments(yaml string) []string {
	var docs []string
	for _, doc := range strings.Split(yaml, "\n---") {
		doc = strings.TrimPrefix(doc, "---")
		doc = strings.TrimSpace(doc)
		if doc == "" || commentOnly(doc) {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func commentOnly(doc string) bool {
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			return false
		}
	}
	return true
}

// GenerateBasicManifest produces a minimal single-container deployment
// manifest for deployments with no ops repo bound.
func GenerateBasicManifest(projectName, environment, imageRef string) string {
	name := fmt.Sprintf("%s-%s", projectName, environment)
	return fmt.Sprintf(`apiVersion: apps/v1
kind: Deployment
metadata:
  name: %s
spec:
  replicas: 1
  selector:
    matchLabels:
      app: %s
  template:
    metadata:
      labels:
        app: %s
    spec:
      containers:
      - name: app
        image: %s
        ports:
        - containerPort: 8080
`, name, name, name, imageRef)
}
