// Package kubernetes provides the Kubernetes-backed implementations of the
// engine's execution substrate ports: ConfigMap source bundles and batch Job
// execution units.
package kubernetes

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Labels stamped on every engine-owned substrate object. The sweep uses the
// managed-by selector to find artifacts it owns without touching anything
// else in the namespace.
const (
	labelManagedBy      = "app.kubernetes.io/managed-by"
	labelManagedByValue = "scan-engine"
	labelScanID         = "scan-engine.solidityops.io/scan-id"
	labelScannerID      = "scan-engine.solidityops.io/scanner-id"

	annotationBundleDigest = "scan-engine.solidityops.io/bundle-digest"
	annotationBundleName   = "scan-engine.solidityops.io/bundle-name"
)

// NewClient builds a Kubernetes clientset, preferring the in-cluster service
// account and falling back to the local kubeconfig for development.
func NewClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolving home dir for kubeconfig: %w", err)
			}
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubeconfig from %s: %w", kubeconfig, err)
		}
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

func managedSelector() string { return labelManagedBy + "=" + labelManagedByValue }
