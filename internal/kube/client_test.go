package kube

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

func TestLoadConfigFromKubeconfig(t *testing.T) {
	dir := t.TempDir()
	kubeConfig := filepath.Join(dir, "config")

	cfg := api.Config{
		CurrentContext: "test-cluster",
		Clusters: map[string]*api.Cluster{
			"test-cluster": {Server: "https://example.invalid:6443"},
		},
		Contexts: map[string]*api.Context{
			"test-cluster": {Cluster: "test-cluster"},
		},
	}
	require.NoError(t, clientcmd.WriteToFile(cfg, kubeConfig))

	t.Setenv("KUBECONFIG", kubeConfig)

	restCfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://example.invalid:6443", restCfg.Host)
}

func TestLoadConfigMissingFallsBack(t *testing.T) {
	t.Setenv("KUBECONFIG", filepath.Join(t.TempDir(), "does-not-exist"))
	t.Setenv("HOME", t.TempDir())

	_, err := loadConfig()
	assert.Error(t, err)
}
