package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

// fieldManager identifies this control plane in server-side apply.
const fieldManager = "loom-deployer"

// AppliedResource names a successfully applied resource.
type AppliedResource struct {
	Kind string
	Name string
}

// Applier applies rendered manifests via server-side apply and tracks
// workload health.
type Applier struct {
	dynamic   dynamic.Interface
	clientset kubernetes.Interface
}

// NewApplier creates an applier over the given clients.
func NewApplier(dyn dynamic.Interface, clientset kubernetes.Interface) *Applier {
	return &Applier{dynamic: dyn, clientset: clientset}
}

// Apply splits the rendered YAML into documents and server-side-applies each
// with force ownership, honoring per-document namespaces and falling back to
// the default. Repeated invocations are idempotent.
func (a *Applier) Apply(ctx context.Context, manifestsYAML, defaultNamespace string) ([]AppliedResource, error) {
	docs := SplitYAMLDocuments(manifestsYAML)
	applied := make([]AppliedResource, 0, len(docs))

	for _, doc := range docs {
		obj := &unstructured.Unstructured{}
		if err := yaml.Unmarshal([]byte(doc), obj); err != nil {
			return applied, fmt.Errorf("invalid manifest: %w", err)
		}

		gvr, err := gvrFor(obj)
		if err != nil {
			return applied, err
		}
		name := obj.GetName()
		if name == "" {
			return applied, fmt.Errorf("invalid manifest: missing metadata.name")
		}

		ns := obj.GetNamespace()
		if ns == "" {
			ns = defaultNamespace
		}

		raw, err := obj.MarshalJSON()
		if err != nil {
			return applied, fmt.Errorf("encoding manifest %s/%s: %w", obj.GetKind(), name, err)
		}

		force := true
		_, err = a.dynamic.Resource(gvr).Namespace(ns).Patch(ctx, name, types.ApplyPatchType, raw, metav1.PatchOptions{
			FieldManager: fieldManager,
			Force:        &force,
		})
		if err != nil {
			return applied, fmt.Errorf("applying %s/%s: %w", obj.GetKind(), name, err)
		}

		applied = append(applied, AppliedResource{Kind: obj.GetKind(), Name: name})
	}

	return applied, nil
}

// FindDeploymentName returns the first long-lived Deployment resource among
// the applied set, if any.
func FindDeploymentName(applied []AppliedResource) (string, bool) {
	for _, r := range applied {
		if r.Kind == "Deployment" {
			return r.Name, true
		}
	}
	return "", false
}

// WaitHealthy polls a Deployment until an Available=True condition appears
// or the timeout elapses.
func (a *Applier) WaitHealthy(ctx context.Context, namespace, deploymentName string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("deployment %s not healthy after %s", deploymentName, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}

		deploy, err := a.clientset.AppsV1().Deployments(namespace).Get(ctx, deploymentName, metav1.GetOptions{})
		if err != nil {
			if k8serrors.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("getting deployment %s: %w", deploymentName, err)
		}

		if deploymentAvailable(deploy) {
			return nil
		}
	}
}

func deploymentAvailable(d *appsv1.Deployment) bool {
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentAvailable && cond.Status == "True" {
			return true
		}
	}
	return false
}

// Scale patches a Deployment's replica count via a merge patch.
func (a *Applier) Scale(ctx context.Context, namespace, deploymentName string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := a.clientset.AppsV1().Deployments(namespace).Patch(ctx, deploymentName,
		types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("scaling deployment %s: %w", deploymentName, err)
	}
	return nil
}

// gvrFor maps an object's apiVersion/kind to its GroupVersionResource.
func gvrFor(obj *unstructured.Unstructured) (schema.GroupVersionResource, error) {
	gvk := obj.GroupVersionKind()
	if gvk.Kind == "" {
		return schema.GroupVersionResource{}, fmt.Errorf("invalid manifest: missing kind")
	}
	if gvk.Version == "" {
		return schema.GroupVersionResource{}, fmt.Errorf("invalid manifest: missing apiVersion")
	}
	return gvk.GroupVersion().WithResource(kindToResource(gvk.Kind)), nil
}

// kindToResource maps a kind to its plural resource name. The fallback of
// lowercase + "s" covers most standard resources.
func kindToResource(kind string) string {
	switch kind {
	case "Ingress":
		return "ingresses"
	case "NetworkPolicy":
		return "networkpolicies"
	case "PodDisruptionBudget":
		return "poddisruptionbudgets"
	case "Endpoints":
		return "endpoints"
	default:
		return strings.ToLower(kind) + "s"
	}
}
