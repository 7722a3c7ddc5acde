package deploy

import (
	"strings"
	"testing"
)

func TestRenderSubstitutesVars(t *testing.T) {
	tpl := `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .project_name }}-{{ .environment }}
spec:
  replicas: {{ .values.replicas }}
  template:
    spec:
      containers:
      - image: {{ .image_ref }}
`
	out, err := Render(tpl, RenderVars{
		ImageRef:    "registry/app:v1",
		ProjectName: "myapp",
		Environment: "production",
		Values:      map[string]any{"replicas": 3},
	})
	if err != nil {
		t.Fatalf("rendering: %v", err)
	}
	for _, want := range []string{"name: myapp-production", "image: registry/app:v1", "replicas: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderNestedValues(t *testing.T) {
	out, err := Render("cpu: {{ .values.resources.cpu }}", RenderVars{
		Values: map[string]any{"resources": map[string]any{"cpu": "500m"}},
	})
	if err != nil {
		t.Fatalf("rendering: %v", err)
	}
	if !strings.Contains(out, "cpu: 500m") {
		t.Errorf("output = %q", out)
	}
}

func TestRenderUndefinedVarIsEmpty(t *testing.T) {
	out, err := Render("image: {{ .values.nonexistent }}", RenderVars{})
	if err != nil {
		t.Fatalf("undefined variables must not error: %v", err)
	}
	if strings.TrimSpace(out) != "image:" {
		t.Errorf("output = %q, want empty substitution", out)
	}
}

func TestSplitMultiDocument(t *testing.T) {
	yaml := "apiVersion: v1\nkind: Service\n---\napiVersion: apps/v1\nkind: Deployment"
	docs := SplitYAMLDocuments(yaml)
	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2", len(docs))
	}
	if !strings.Contains(docs[0], "Service") || !strings.Contains(docs[1], "Deployment") {
		t.Errorf("docs = %v", docs)
	}
}

func TestSplitSkipsEmptyAndCommentDocs(t *testing.T) {
	yaml := "---\napiVersion: v1\nkind: Service\n---\n---\n# only a comment\n---\napiVersion: apps/v1\nkind: Deployment\n---"
	docs := SplitYAMLDocuments(yaml)
	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2: %v", len(docs), docs)
	}
}

func TestSplitSingleDocument(t *testing.T) {
	docs := SplitYAMLDocuments("apiVersion: v1\nkind: ConfigMap")
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
}

func TestGenerateBasicManifest(t *testing.T) {
	out := GenerateBasicManifest("myapp", "production", "registry/app:v2")
	for _, want := range []string{"name: myapp-production", "image: registry/app:v2", "replicas: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("manifest missing %q", want)
		}
	}
}
