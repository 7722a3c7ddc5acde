package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubeClients bundles the typed and dynamic Kubernetes clients. The typed
// clientset covers pods, namespaces, and services; the dynamic client backs
// server-side apply of arbitrary rendered manifests.
type KubeClients struct {
	Clientset  kubernetes.Interface
	Dynamic    dynamic.Interface
	RESTConfig *rest.Config
}

// NewKubeClients builds clients from the in-cluster config, falling back to
// the given kubeconfig path (or ~/.kube/config) for local development.
func NewKubeClients(kubeconfig string) (*KubeClients, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		path := kubeconfig
		if path == "" {
			home, _ := os.UserHomeDir()
			path = filepath.Join(home, ".kube", "config")
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("building kube config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kube clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic kube client: %w", err)
	}

	return &KubeClients{Clientset: clientset, Dynamic: dyn, RESTConfig: cfg}, nil
}
