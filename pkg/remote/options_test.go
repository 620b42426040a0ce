package remote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keras-team/keras-remote-go/internal/kube"
	"github.com/keras-team/keras-remote-go/pkg/remote/accelerator"
	"github.com/keras-team/keras-remote-go/pkg/remote/backend/leaderworker"
	"github.com/keras-team/keras-remote-go/pkg/remote/backend/singlepod"
	"github.com/keras-team/keras-remote-go/pkg/remote/packager"
)

func optionsTestFunc(closure *packager.Closure, args []any, kwargs map[string]any) (any, error) {
	return nil, nil
}

func TestWrapRegistersUnderLastNameComponent(t *testing.T) {
	r := Wrap(optionsTestFunc, Options{Accelerator: "cpu"})
	assert.Equal(t, "optionsTestFunc", r.name)
	assert.Nil(t, r.closure)

	_, ok := packager.Lookup("optionsTestFunc")
	assert.True(t, ok)
}

func TestWrapClosurePreservesClosure(t *testing.T) {
	closure := &packager.Closure{Values: map[string]any{"scale": 2}}
	r := WrapClosure(optionsTestFunc2, closure, Options{Accelerator: "cpu"})
	assert.Same(t, closure, r.closure)
}

func optionsTestFunc2(closure *packager.Closure, args []any, kwargs map[string]any) (any, error) {
	return nil, nil
}

func TestFindModuleRootWalksUpToGoMod(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example\n"), 0o644))
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	assert.Equal(t, root, findModuleRoot(nested))
}

func TestFindModuleRootFallsBackToStartWhenNoGoMod(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "x", "y")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	assert.Equal(t, nested, findModuleRoot(nested))
}

func TestMatchesEnvPattern(t *testing.T) {
	assert.True(t, matchesEnvPattern("HOME", "HOME"))
	assert.False(t, matchesEnvPattern("HOME", "HOMER"))
	assert.True(t, matchesEnvPattern("KERAS_*", "KERAS_BACKEND"))
	assert.False(t, matchesEnvPattern("KERAS_*", "OTHER_VAR"))
}

func TestCaptureEnvVarsEmptyPatternsReturnsNil(t *testing.T) {
	assert.Nil(t, captureEnvVars(nil))
}

func TestCaptureEnvVarsMatchesExactAndGlob(t *testing.T) {
	t.Setenv("KERAS_REMOTE_TEST_EXACT", "1")
	t.Setenv("KERAS_REMOTE_TEST_PREFIX_A", "2")
	t.Setenv("UNRELATED_VAR", "3")

	captured := captureEnvVars([]string{"KERAS_REMOTE_TEST_EXACT", "KERAS_REMOTE_TEST_PREFIX_*"})
	assert.Equal(t, "1", captured["KERAS_REMOTE_TEST_EXACT"])
	assert.Equal(t, "2", captured["KERAS_REMOTE_TEST_PREFIX_A"])
	_, ok := captured["UNRELATED_VAR"]
	assert.False(t, ok)
}

func tpuAccelJobContext(numNodes int) *JobContext {
	return &JobContext{
		Accelerator: accelerator.Accelerator{TPU: &accelerator.TPUConfig{NumNodes: numNodes}},
	}
}

func TestSelectBackendAutoPicksSinglePodForCPU(t *testing.T) {
	jc := &JobContext{}
	b, err := selectBackend(jc, &kube.Clients{}, "")
	require.NoError(t, err)
	_, ok := b.(*singlepod.Backend)
	assert.True(t, ok)
}

func TestSelectBackendAutoPicksLeaderWorkerForMultiHostTPU(t *testing.T) {
	jc := tpuAccelJobContext(4)
	b, err := selectBackend(jc, &kube.Clients{}, BackendAuto)
	require.NoError(t, err)
	_, ok := b.(*leaderworker.Backend)
	assert.True(t, ok)
}

func TestSelectBackendAutoPicksSinglePodForSingleHostTPU(t *testing.T) {
	jc := tpuAccelJobContext(1)
	b, err := selectBackend(jc, &kube.Clients{}, BackendAuto)
	require.NoError(t, err)
	_, ok := b.(*singlepod.Backend)
	assert.True(t, ok)
}

func TestSelectBackendExplicitLeaderWorkerAlwaysAllowed(t *testing.T) {
	jc := tpuAccelJobContext(1)
	b, err := selectBackend(jc, &kube.Clients{}, BackendLeaderWorker)
	require.NoError(t, err)
	_, ok := b.(*leaderworker.Backend)
	assert.True(t, ok)
}

func TestSelectBackendExplicitSinglePodRejectsMultiHostTPU(t *testing.T) {
	jc := tpuAccelJobContext(4)
	_, err := selectBackend(jc, &kube.Clients{}, BackendSinglePod)
	assert.Error(t, err)
}

func TestSelectBackendUnknownModeIsConfigError(t *testing.T) {
	jc := &JobContext{}
	_, err := selectBackend(jc, &kube.Clients{}, "not-a-backend")
	assert.Error(t, err)
}
