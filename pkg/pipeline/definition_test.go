package pipeline

import (
	"strings"
	"testing"
)

const validYAML = `
pipeline:
  steps:
    - name: test
      image: golang:1.25
      commands:
        - go test ./...
    - name: build-image
      image: gcr.io/kaniko-project/executor:latest
      environment:
        DOCKER_CONFIG: /kaniko/.docker
      commands:
        - /kaniko/executor --context=. --dockerfile=Dockerfile

  artifacts:
    - name: coverage
      path: cover.out
      expires: 7d

  on:
    push:
      branches: [main, develop]
    mr:
      actions: [opened, synchronized]
`

func TestParseValid(t *testing.T) {
	def, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(def.Steps))
	}
	if def.Steps[0].Name != "test" || def.Steps[0].Image != "golang:1.25" {
		t.Errorf("first step = %+v", def.Steps[0])
	}
	if len(def.Steps[1].Environment) != 1 {
		t.Errorf("second step environment = %v", def.Steps[1].Environment)
	}
	if len(def.Artifacts) != 1 || def.Artifacts[0].Name != "coverage" {
		t.Errorf("artifacts = %+v", def.Artifacts)
	}
	if def.Trigger == nil {
		t.Fatal("trigger config must parse")
	}
}

func TestParseMinimal(t *testing.T) {
	def, err := Parse([]byte("pipeline:\n  steps:\n    - name: hello\n      image: alpine\n      commands: [echo hi]\n"))
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if len(def.Steps) != 1 || def.Trigger != nil {
		t.Fatalf("def = %+v", def)
	}
}

func TestParseRejectsEmptySteps(t *testing.T) {
	_, err := Parse([]byte("pipeline:\n  steps: []\n"))
	if err == nil || !strings.Contains(err.Error(), "at least one step") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsMissingImage(t *testing.T) {
	_, err := Parse([]byte("pipeline:\n  steps:\n    - name: test\n      image: \"\"\n"))
	if err == nil || !strings.Contains(err.Error(), "missing an image") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte("pipeline:\n  steps:\n    - name: \"\"\n      image: alpine\n"))
	if err == nil || !strings.Contains(err.Error(), "missing a name") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("not valid yaml: [")); err == nil {
		t.Fatal("invalid yaml must error")
	}
}

func TestMatchesPushBranchList(t *testing.T) {
	def, _ := Parse([]byte(validYAML))
	if !def.Trigger.MatchesPush("main") || !def.Trigger.MatchesPush("develop") {
		t.Fatal("listed branches must match")
	}
	if def.Trigger.MatchesPush("feature/foo") {
		t.Fatal("unlisted branch must not match")
	}
}

func TestMatchesPushNoTrigger(t *testing.T) {
	var trigger *TriggerDef
	if !trigger.MatchesPush("any-branch") {
		t.Fatal("absent trigger config means match always")
	}
}

func TestMatchesPushWildcard(t *testing.T) {
	trigger := &TriggerDef{Push: &PushTrigger{Branches: []string{"feature/*"}}}
	if !trigger.MatchesPush("feature/foo") || !trigger.MatchesPush("feature/bar") {
		t.Fatal("wildcard suffix must match")
	}
	if trigger.MatchesPush("main") {
		t.Fatal("non-matching branch must not match")
	}

	star := &TriggerDef{Push: &PushTrigger{Branches: []string{"*"}}}
	if !star.MatchesPush("anything") {
		t.Fatal("bare star must match everything")
	}
}

func TestMatchesMRActions(t *testing.T) {
	def, _ := Parse([]byte(validYAML))
	if !def.Trigger.MatchesMR("opened") || !def.Trigger.MatchesMR("synchronized") {
		t.Fatal("listed actions must match")
	}
	if def.Trigger.MatchesMR("closed") {
		t.Fatal("unlisted action must not match")
	}

	var none *TriggerDef
	if !none.MatchesMR("anything") {
		t.Fatal("absent trigger config means match always")
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"main", "main", true},
		{"main", "master", false},
		{"*", "anything", true},
		{"release/*", "release/1.2", true},
		{"release/*", "main", false},
		{"*-hotfix", "urgent-hotfix", true},
		{"a*b*c", "abc", false}, // multiple stars fall back to exact
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.value); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.value, got, tc.want)
		}
	}
}
