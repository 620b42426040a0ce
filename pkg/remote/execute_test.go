package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keras-team/keras-remote-go/pkg/remote/backend"
	"github.com/keras-team/keras-remote-go/pkg/remote/imagebuild"
	"github.com/keras-team/keras-remote-go/pkg/remote/packager"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

func addFunc(closure *packager.Closure, args []any, kwargs map[string]any) (any, error) {
	return args[0].(int) + args[1].(int), nil
}

func init() {
	packager.Register("remotetest.add", addFunc)
}

func TestPackageCallFillsJobContextPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("keras\n"), 0o644))

	jc := &JobContext{FuncName: "remotetest.add", Args: []any{2, 3}}
	workDir := t.TempDir()

	require.NoError(t, packageCall(jc, root, workDir))

	assert.FileExists(t, jc.PayloadPath)
	assert.FileExists(t, jc.ContextPath)
	assert.Equal(t, filepath.Join(root, "requirements.txt"), jc.RequirementsPath)

	payload, err := packager.LoadPayload(jc.PayloadPath)
	require.NoError(t, err)
	assert.Equal(t, "remotetest.add", payload.FuncName)
}

func TestPackageCallUnregisteredFunctionIsConfigError(t *testing.T) {
	root := t.TempDir()
	jc := &JobContext{FuncName: "remotetest.does-not-exist"}
	err := packageCall(jc, root, t.TempDir())
	assert.Error(t, err)
}

func TestResolveImageUsesContainerImageOverride(t *testing.T) {
	jc := &JobContext{ContainerImage: "us-docker.pkg.dev/proj/repo/image:tag"}
	require.NoError(t, resolveImage(nil, jc, nil))
	assert.Equal(t, "us-docker.pkg.dev/proj/repo/image:tag", jc.ImageURI)
}

// fakeBackend is a backend.Backend driven entirely by the per-jobID
// behavior in submit/wait, so a single instance can safely back two
// concurrent Execute calls with distinct JobContexts.
type fakeBackend struct {
	mu   sync.Mutex
	wait map[string]error // JobID -> error WaitForJob returns

	submitted []string // JobIDs, in call order
	cleaned   []string
}

func (f *fakeBackend) SubmitJob(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, spec.JobID)
	return spec.JobID, nil
}

func (f *fakeBackend) WaitForJob(ctx context.Context, handle backend.Handle, spec backend.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wait[spec.JobID]
}

func (f *fakeBackend) CleanupJob(ctx context.Context, handle backend.Handle, spec backend.Spec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, spec.JobID)
}

// fakeStore is an ArtifactStore keyed by jobID, so distinct concurrent
// jobs never see each other's uploads, results, or cleanups.
type fakeStore struct {
	mu sync.Mutex

	resultPath map[string]string // JobID -> path of a packager.Result written with SaveResult
	downloadErr map[string]error

	uploaded  []string // JobIDs passed to UploadArtifacts
	cleanedUp []string // JobIDs passed to CleanupArtifacts
}

func newFakeStore() *fakeStore {
	return &fakeStore{resultPath: map[string]string{}, downloadErr: map[string]error{}}
}

func (f *fakeStore) UploadArtifacts(ctx context.Context, bucketName, jobID, payloadPath, contextPath, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, jobID)
	return nil
}

func (f *fakeStore) DownloadResult(ctx context.Context, bucketName, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.downloadErr[jobID]; ok {
		return "", err
	}
	path, ok := f.resultPath[jobID]
	if !ok {
		return "", fmt.Errorf("fakeStore: no result registered for job %s", jobID)
	}
	return path, nil
}

func (f *fakeStore) CleanupArtifacts(ctx context.Context, bucketName, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp = append(f.cleanedUp, jobID)
}

// fakeBuilder is an ImageResolver that always returns a fixed image URI
// without touching Cloud Build or Artifact Registry.
type fakeBuilder struct {
	imageURI string
}

func (f *fakeBuilder) GetOrBuild(ctx context.Context, req imagebuild.Request) (string, error) {
	return f.imageURI, nil
}

// writeResult gob-encodes result to a fresh file under t.TempDir and
// returns its path, for use as a fakeStore.resultPath entry.
func writeResult(t *testing.T, result packager.Result) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "result.pkl")
	require.NoError(t, packager.SaveResult(result, path))
	return path
}

// newTestJobContext returns a JobContext for "remotetest.add" ready to
// drive through Execute, with distinct id so parallel tests/subtests
// don't collide on working directories.
func newTestJobContext(jobID string, args []any) *JobContext {
	return &JobContext{
		FuncName:       "remotetest.add",
		Args:           args,
		ContainerImage: "", // force the ImageResolver path
		Bucket:         "test-bucket",
		JobID:          jobID,
		DisplayName:    "keras-remote-add-" + jobID,
	}
}

func TestExecuteSuccessReturnsValueAndCleansUpArtifacts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	jc := newTestJobContext("job-success1", []any{2, 3})

	store := newFakeStore()
	store.resultPath[jc.JobID] = writeResult(t, packager.Result{Success: true, Value: 5})
	be := &fakeBackend{wait: map[string]error{}}
	builder := &fakeBuilder{imageURI: "us-docker.pkg.dev/proj/repo/image:v1"}

	value, err := Execute(context.Background(), jc, root, be, store, builder)
	require.NoError(t, err)
	assert.Equal(t, 5, value)

	assert.Equal(t, "us-docker.pkg.dev/proj/repo/image:v1", jc.ImageURI)
	assert.Contains(t, store.uploaded, jc.JobID)
	assert.Contains(t, be.submitted, jc.JobID)

	// Testable property: no artifact remains under {bucket}/{jobId}/
	// after a successful call.
	assert.Contains(t, store.cleanedUp, jc.JobID, "Execute must clean up artifacts after a successful run")
}

func TestExecuteFailureResultReturnsRemoteExecutionError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	jc := newTestJobContext("job-failure1", []any{2, 3})

	store := newFakeStore()
	store.resultPath[jc.JobID] = writeResult(t, packager.Result{
		Success:      false,
		ErrorType:    "ValueError",
		ErrorMessage: "bad input",
		Traceback:    "Traceback (most recent call last): ...",
	})
	be := &fakeBackend{wait: map[string]error{}}
	builder := &fakeBuilder{imageURI: "us-docker.pkg.dev/proj/repo/image:v1"}

	_, err := Execute(context.Background(), jc, root, be, store, builder)
	require.Error(t, err)

	var execErr *rerrors.RemoteExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "ValueError", execErr.PyType)
	assert.Equal(t, "bad input", execErr.PyMessage)
	assert.Contains(t, execErr.PyTraceback, "Traceback")

	// A failed-but-reported job is still a clean run: cleanup still happens.
	assert.Contains(t, store.cleanedUp, jc.JobID)
}

func TestExecuteConcurrentCallsDoNotCorruptEachOthersState(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	store := newFakeStore()
	be := &fakeBackend{wait: map[string]error{}}
	builder := &fakeBuilder{imageURI: "us-docker.pkg.dev/proj/repo/image:v1"}

	const n = 8
	jcs := make([]*JobContext, n)
	for i := 0; i < n; i++ {
		jc := newTestJobContext(fmt.Sprintf("job-concurrent-%d", i), []any{i, i})
		jcs[i] = jc
		store.resultPath[jc.JobID] = writeResult(t, packager.Result{Success: true, Value: i + i})
	}

	var wg sync.WaitGroup
	values := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = Execute(context.Background(), jcs[i], root, be, store, builder)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "job %d", i)
		assert.Equal(t, i+i, values[i], "job %d got another job's result", i)
		assert.Contains(t, store.cleanedUp, jcs[i].JobID)
	}
}

func TestDownloadResultTieBreakRules(t *testing.T) {
	waitErr := &rerrors.JobError{Msg: "pod OOMKilled", ExitCode: 137}

	t.Run("wait error wins when no result was ever uploaded", func(t *testing.T) {
		jc := &JobContext{Bucket: "b", JobID: "job-1"}
		store := newFakeStore()
		store.downloadErr[jc.JobID] = storage.ErrObjectNotExist

		_, err := downloadResult(context.Background(), store, jc, waitErr)
		assert.Same(t, waitErr, err)
	})

	t.Run("result wins over a wait error when both are present", func(t *testing.T) {
		jc := &JobContext{Bucket: "b", JobID: "job-2"}
		store := newFakeStore()
		store.resultPath[jc.JobID] = writeResult(t, packager.Result{Success: true, Value: 42})

		result, err := downloadResult(context.Background(), store, jc, waitErr)
		require.NoError(t, err)
		assert.Equal(t, 42, result.Value)
	})

	t.Run("missing result with no wait error is its own JobError", func(t *testing.T) {
		jc := &JobContext{Bucket: "b", JobID: "job-3"}
		store := newFakeStore()
		store.downloadErr[jc.JobID] = storage.ErrObjectNotExist

		_, err := downloadResult(context.Background(), store, jc, nil)
		var jobErr *rerrors.JobError
		require.True(t, errors.As(err, &jobErr))
	})
}
