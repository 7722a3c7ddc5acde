package deploy

import (
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func TestKindToResource(t *testing.T) {
	cases := map[string]string{
		"Deployment":          "deployments",
		"Service":             "services",
		"ConfigMap":           "configmaps",
		"Ingress":             "ingresses",
		"PodDisruptionBudget": "poddisruptionbudgets",
		"StatefulSet":         "statefulsets",
		"Widget":              "widgets",
	}
	for kind, want := range cases {
		if got := kindToResource(kind); got != want {
			t.Errorf("kindToResource(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestGVRFor(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]any{"name": "web"},
	}}
	gvr, err := gvrFor(obj)
	if err != nil {
		t.Fatalf("gvrFor: %v", err)
	}
	if gvr.Group != "apps" || gvr.Version != "v1" || gvr.Resource != "deployments" {
		t.Errorf("gvr = %v", gvr)
	}
}

func TestGVRForCoreGroup(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]any{"name": "svc"},
	}}
	gvr, err := gvrFor(obj)
	if err != nil {
		t.Fatalf("gvrFor: %v", err)
	}
	if gvr.Group != "" || gvr.Version != "v1" || gvr.Resource != "services" {
		t.Errorf("gvr = %v", gvr)
	}
}

func TestGVRForMissingKind(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"metadata":   map[string]any{"name": "x"},
	}}
	if _, err := gvrFor(obj); err == nil {
		t.Fatal("missing kind must error")
	}
}

func TestFindDeploymentName(t *testing.T) {
	applied := []AppliedResource{
		{Kind: "ConfigMap", Name: "cfg"},
		{Kind: "Deployment", Name: "web"},
		{Kind: "Service", Name: "svc"},
	}
	name, ok := FindDeploymentName(applied)
	if !ok || name != "web" {
		t.Fatalf("FindDeploymentName = %q, %v", name, ok)
	}

	if _, ok := FindDeploymentName([]AppliedResource{{Kind: "Service", Name: "s"}}); ok {
		t.Fatal("no deployment must report false")
	}
}
