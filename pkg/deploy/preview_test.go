package deploy

import (
	"strings"
	"testing"
)

func TestPreviewNamespace(t *testing.T) {
	if got := PreviewNamespace("myapp", "feature-x"); got != "preview-myapp-feature-x" {
		t.Errorf("namespace = %q", got)
	}
}

func TestPreviewNamespaceTruncates(t *testing.T) {
	long := strings.Repeat("a", 40)
	got := PreviewNamespace(long, strings.Repeat("b", 40))
	if len(got) > 63 {
		t.Fatalf("namespace %q exceeds 63 chars", got)
	}
	if strings.HasSuffix(got, "-") {
		t.Fatalf("namespace %q ends in a dash", got)
	}
}

func TestPreviewNamespaceTrimsTrailingDashAfterCut(t *testing.T) {
	// Arrange the 63-char cut to land exactly on a separator dash.
	projectSlug := strings.Repeat("a", 54) // "preview-" + 54 + "-" = 63
	got := PreviewNamespace(projectSlug, "branch")
	if strings.HasSuffix(got, "-") {
		t.Fatalf("namespace %q ends in a dash", got)
	}
	if len(got) > 63 {
		t.Fatalf("namespace %q exceeds 63 chars", got)
	}
}
