package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"

	"github.com/keras-team/keras-remote-go/pkg/remote/backend"
	"github.com/keras-team/keras-remote-go/pkg/remote/imagebuild"
	"github.com/keras-team/keras-remote-go/pkg/remote/packager"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

// ArtifactStore is the subset of *artifacts.Store that Execute drives.
// Narrowing it to an interface here, rather than taking the concrete
// type, is what lets the seven-phase pipeline be exercised end to end
// against a fake in tests instead of a live GCS client — the same seam
// the teacher's gcs/client tests use against a fake repoHandler.
type ArtifactStore interface {
	UploadArtifacts(ctx context.Context, bucketName, jobID, payloadPath, contextPath, location string) error
	DownloadResult(ctx context.Context, bucketName, jobID string) (string, error)
	CleanupArtifacts(ctx context.Context, bucketName, jobID string)
}

// ImageResolver is the subset of *imagebuild.Builder that Execute
// drives, narrowed for the same reason as ArtifactStore.
type ImageResolver interface {
	GetOrBuild(ctx context.Context, req imagebuild.Request) (string, error)
}

// Execute drives jc's seven-phase pipeline against b, store, and
// builder: package the callable and working directory, resolve or
// build a container image, upload the staged artifacts, submit to b,
// wait for the job, download the result, and either return its value
// or re-raise its carried exception. The scoped working directory
// created for phases 1-3 is removed on every exit path.
func Execute(ctx context.Context, jc *JobContext, root string, b backend.Backend, store ArtifactStore, builder ImageResolver) (any, error) {
	workDir, err := os.MkdirTemp("", "keras-remote-"+jc.JobID+"-")
	if err != nil {
		return nil, rerrors.ClassifyConfigError("creating scoped working directory", err)
	}
	defer os.RemoveAll(workDir)

	if err := packageCall(jc, root, workDir); err != nil {
		return nil, err
	}

	if err := resolveImage(ctx, jc, builder); err != nil {
		return nil, err
	}

	if err := store.UploadArtifacts(ctx, jc.Bucket, jc.JobID, jc.PayloadPath, jc.ContextPath, jc.Region); err != nil {
		return nil, fmt.Errorf("uploading job artifacts: %w", err)
	}

	spec := backend.Spec{
		DisplayName:  jc.DisplayName,
		JobID:        jc.JobID,
		ContainerURI: jc.ImageURI,
		Accelerator:  jc.Accelerator,
		BucketName:   jc.Bucket,
		Namespace:    jc.Namespace,
	}

	handle, err := b.SubmitJob(ctx, spec)
	if err != nil {
		return nil, err
	}

	waitErr := b.WaitForJob(ctx, handle, spec)
	b.CleanupJob(ctx, handle, spec)

	result, err := downloadResult(ctx, store, jc, waitErr)
	if err != nil {
		return nil, err
	}

	// Best-effort: a leftover artifact must not mask the job's real
	// outcome, and CleanupArtifacts already logs failures itself.
	store.CleanupArtifacts(ctx, jc.Bucket, jc.JobID)

	if result.Success {
		return result.Value, nil
	}
	return nil, &rerrors.RemoteExecutionError{
		PyType:      result.ErrorType,
		PyMessage:   result.ErrorMessage,
		PyTraceback: result.Traceback,
	}
}

// packageCall fills in jc.PayloadPath, jc.ContextPath, and
// jc.RequirementsPath: phase 1 of Execute.
func packageCall(jc *JobContext, root, workDir string) error {
	payloadPath := filepath.Join(workDir, "payload.pkl")
	if err := packager.SavePayload(jc.FuncName, jc.Args, jc.Kwargs, jc.EnvVars, jc.Closure, payloadPath); err != nil {
		return rerrors.ClassifyConfigError("serializing function payload", err)
	}

	contextPath := filepath.Join(workDir, "context.zip")
	if err := packager.ZipWorkingDir(root, contextPath); err != nil {
		return rerrors.ClassifyConfigError("archiving working directory", err)
	}

	jc.PayloadPath = payloadPath
	jc.ContextPath = contextPath
	jc.RequirementsPath = packager.FindRequirements(root)
	return nil
}

// resolveImage fills in jc.ImageURI: phase 2 of Execute. A caller
// override skips the builder entirely.
func resolveImage(ctx context.Context, jc *JobContext, builder ImageResolver) error {
	if jc.ContainerImage != "" {
		jc.ImageURI = jc.ContainerImage
		return nil
	}

	imageURI, err := builder.GetOrBuild(ctx, imagebuild.Request{
		BaseImage:        jc.BaseImage,
		Accelerator:      jc.Accelerator,
		AcceleratorStr:   jc.AcceleratorStr,
		RequirementsPath: jc.RequirementsPath,
		ARLocation:       jc.ARLocation,
	})
	if err != nil {
		return err
	}
	jc.ImageURI = imageURI
	return nil
}

// downloadResult implements phase 6's tie-break rules: if waitErr is
// set and the result object was never uploaded, waitErr wins outright.
// If the result object is present, it is decoded and returned
// regardless of waitErr — the runner's own report is more precise than
// a generic polling failure. If neither a wait error nor a result
// object exists, the runner exited without honoring its upload
// guarantee, which is itself a JobError.
func downloadResult(ctx context.Context, store ArtifactStore, jc *JobContext, waitErr error) (*packager.Result, error) {
	resultPath, err := store.DownloadResult(ctx, jc.Bucket, jc.JobID)
	if err != nil {
		if waitErr != nil {
			return nil, waitErr
		}
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, &rerrors.JobError{Msg: "job completed but produced no result; the runner may have crashed before uploading one"}
		}
		return nil, fmt.Errorf("downloading job result: %w", err)
	}
	defer func() {
		if err := os.Remove(resultPath); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).Warn("removing downloaded result file")
		}
	}()

	result, err := packager.LoadResult(resultPath)
	if err != nil {
		if waitErr != nil {
			return nil, waitErr
		}
		return nil, fmt.Errorf("decoding job result: %w", err)
	}
	return result, nil
}
