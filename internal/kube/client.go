// Package kube bootstraps the Kubernetes clientsets the job backends
// submit against: the typed batch/core clientset, the dynamic client
// used for the LeaderWorkerSet custom resource, and a discovery client
// used to probe which CRD API version is installed.
package kube

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

// Clients bundles the client-go handles the job backends need.
type Clients struct {
	Typed     kubernetes.Interface
	Dynamic   dynamic.Interface
	Discovery discovery.DiscoveryInterface
}

// NewClients loads a kubeconfig, trying in-cluster config first (for
// the common case of submitting from a pod already on the cluster),
// then falling back to KUBECONFIG / ~/.kube/config.
func NewClients(cluster string) (*Clients, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, &rerrors.CredentialError{Msg: "building Kubernetes clientset", Err: err}
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, &rerrors.CredentialError{Msg: "building Kubernetes dynamic client", Err: err}
	}
	disc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, &rerrors.CredentialError{Msg: "building Kubernetes discovery client", Err: err}
	}

	return &Clients{Typed: typed, Dynamic: dyn, Discovery: disc}, nil
}

func loadConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kc := os.Getenv("KUBECONFIG"); kc != "" {
		loadingRules.ExplicitPath = kc
	} else if home, err := os.UserHomeDir(); err == nil {
		loadingRules.ExplicitPath = filepath.Join(home, ".kube", "config")
	}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, &rerrors.CredentialError{
			Msg: fmt.Sprintf("loading kubeconfig (tried in-cluster config and %s)", loadingRules.ExplicitPath),
			Err: err,
		}
	}
	return cfg, nil
}
