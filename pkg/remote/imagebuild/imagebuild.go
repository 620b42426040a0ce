// Package imagebuild resolves the container image a job should run
// under, building and pushing a fresh one through Cloud Build only
// when the content hash of its inputs has changed since the last
// build.
package imagebuild

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	artifactregistry "cloud.google.com/go/artifactregistry/apiv1"
	"cloud.google.com/go/artifactregistry/apiv1/artifactregistrypb"
	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/cloudbuild/v1"
	"google.golang.org/api/googleapi"

	"github.com/keras-team/keras-remote-go/pkg/remote/accelerator"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

const buildTimeout = 20 * time.Minute

// Builder resolves or builds container images in a single GCP project.
type Builder struct {
	Project string
	// RunnerSource is the remote-runner's own source tree plus every
	// local package it imports and go.mod — everything Cloud Build
	// needs to compile it (kerasremote.RunnerBuildSource). It is both
	// hashed into the cache key and copied into the build tarball, so a
	// runner code change always forces a rebuild.
	RunnerSource fs.FS
}

// Request describes the image a caller needs.
type Request struct {
	BaseImage        string
	Accelerator      accelerator.Accelerator
	AcceleratorStr   string // original accelerator string, used in the tag and hash
	RequirementsPath string // "" if no requirements.txt was found
	ARLocation       string // e.g. "us", derived from the job's zone
}

// GetOrBuild returns the Artifact Registry URI of an image satisfying
// req, building and pushing a new one via Cloud Build only if no
// matching tag already exists.
func (b *Builder) GetOrBuild(ctx context.Context, req Request) (string, error) {
	runnerDigestInput, err := runnerSourceDigestInput(b.RunnerSource)
	if err != nil {
		return "", rerrors.ClassifyBuildError("reading embedded runner source", err)
	}
	hash := hashInputs(req.BaseImage, req.AcceleratorStr, req.RequirementsPath, runnerDigestInput)
	tag := imageTag(req.AcceleratorStr, hash)

	registry := fmt.Sprintf("%s-docker.pkg.dev/%s/keras-remote", req.ARLocation, b.Project)
	imageURI := fmt.Sprintf("%s/base:%s", registry, tag)

	exists, err := b.imageExists(ctx, imageURI)
	if err != nil {
		return "", err
	}
	if exists {
		logrus.Infof("using cached container: %s", imageURI)
		logrus.Infof("view image: https://console.cloud.google.com/artifacts/docker/%s/%s/keras-remote/base?project=%s",
			b.Project, req.ARLocation, b.Project)
		return imageURI, nil
	}

	logrus.Infof("building new container (inputs changed): %s", imageURI)
	return b.buildAndPush(ctx, req, imageURI)
}

// imageExists looks up the tag resource directly in Artifact
// Registry — the dockerImages resource is keyed by digest, not tag,
// so it cannot resolve an image:tag URI.
func (b *Builder) imageExists(ctx context.Context, imageURI string) (bool, error) {
	name, err := tagResourceName(b.Project, imageURI)
	if err != nil {
		return false, rerrors.ClassifyBuildError("parsing image URI", err)
	}

	client, err := artifactregistry.NewClient(ctx)
	if err != nil {
		return false, rerrors.ClassifyBuildError("creating artifact registry client", err)
	}
	defer client.Close()

	var exists bool
	op := func() error {
		_, err := client.GetTag(ctx, &artifactregistrypb.GetTagRequest{Name: name})
		if err == nil {
			exists = true
			return nil
		}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			exists = false
			return nil
		}
		if rerrors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		logrus.WithError(err).Warn("unexpected error checking image existence, treating as not found")
		return false, nil
	}
	return exists, nil
}

// tagResourceName parses "{location}-docker.pkg.dev/{project}/{repo}/{image}:{tag}"
// into the Artifact Registry tag resource name. Reference parsing is
// delegated to go-containerregistry rather than hand-rolled splitting,
// so the same validation rules apply here as to every other image
// reference this module handles.
func tagResourceName(project, imageURI string) (string, error) {
	ref, err := name.NewTag(imageURI, name.StrictValidation)
	if err != nil {
		return "", fmt.Errorf("malformed image URI %q: %w", imageURI, err)
	}

	const suffix = "-docker.pkg.dev"
	host := ref.RegistryStr()
	idx := strings.Index(host, suffix)
	if idx < 0 {
		return "", fmt.Errorf("malformed image URI %q: expected %s host", imageURI, suffix)
	}
	location := host[:idx]

	repoPath := ref.Context().RepositoryStr() // "{project}/{repo}/{image}"
	parts := strings.SplitN(repoPath, "/", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed image URI %q: expected {project}/{repo}/{image}", imageURI)
	}
	repo, image := parts[1], parts[2]

	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s/packages/%s/tags/%s",
		project, location, repo, image, ref.TagStr()), nil
}

func (b *Builder) buildAndPush(ctx context.Context, req Request, imageURI string) (string, error) {
	tmpdir, err := os.MkdirTemp("", "keras-remote-build-")
	if err != nil {
		return "", rerrors.ClassifyBuildError("creating build staging dir", err)
	}
	defer os.RemoveAll(tmpdir)

	category := req.Accelerator.Category()
	dockerfile := generateDockerfile(req.BaseImage, category, req.RequirementsPath)

	tarballPath := filepath.Join(tmpdir, "source.tar.gz")
	if err := writeBuildTarball(tarballPath, dockerfile, req.RequirementsPath, b.RunnerSource); err != nil {
		return "", rerrors.ClassifyBuildError("packaging build source", err)
	}

	bucketName := fmt.Sprintf("%s-keras-remote-builds", b.Project)
	gcsObject, err := b.uploadBuildSource(ctx, tarballPath, bucketName)
	if err != nil {
		return "", rerrors.ClassifyBuildError("uploading build source", err)
	}

	buildID, err := b.submitBuild(ctx, bucketName, gcsObject, imageURI)
	if err != nil {
		return "", err
	}

	logrus.Infof("building container image (this may take several minutes), build %s", buildID)

	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()
	if err := b.waitForBuild(ctx, buildID); err != nil {
		return "", err
	}

	logrus.Infof("container built successfully: %s", imageURI)
	logrus.Infof("view image: https://console.cloud.google.com/artifacts/docker/%s/%s/keras-remote/base?project=%s",
		b.Project, req.ARLocation, b.Project)
	return imageURI, nil
}

func writeBuildTarball(tarballPath, dockerfileContent, requirementsPath string, runnerSource fs.FS) error {
	out, err := os.Create(tarballPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	if err := addBytesToTar(tw, "Dockerfile", []byte(dockerfileContent)); err != nil {
		return err
	}
	if requirementsPath != "" {
		if content, err := os.ReadFile(requirementsPath); err == nil {
			if err := addBytesToTar(tw, "requirements.txt", content); err != nil {
				return err
			}
		}
	}
	if err := addRunnerSourceToTar(tw, runnerSource); err != nil {
		return err
	}
	return nil
}

// addRunnerSourceToTar copies the embedded remote-runner source, its
// local package dependencies, and go.mod into the build context,
// matching dockerfileTemplate's "COPY remote-runner/ ./remote-runner/",
// "COPY go.mod ./", "COPY pkg/ ./pkg/", and "COPY internal/ ./internal/"
// steps: cmd/remote-runner/*.go lands under remote-runner/, everything
// else (go.mod, pkg/..., internal/...) lands at its own path relative
// to the tarball root, preserving the module layout "go build" needs
// to resolve github.com/keras-team/keras-remote-go/... imports.
func addRunnerSourceToTar(tw *tar.Writer, runnerSource fs.FS) error {
	return fs.WalkDir(runnerSource, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		tarName := path
		if rel, ok := strings.CutPrefix(path, "cmd/remote-runner/"); ok {
			tarName = filepath.Join("remote-runner", rel)
		}

		content, err := fs.ReadFile(runnerSource, path)
		if err != nil {
			return err
		}
		return addBytesToTar(tw, tarName, content)
	})
}

func addBytesToTar(tw *tar.Writer, name string, content []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func (b *Builder) uploadBuildSource(ctx context.Context, tarballPath, bucketName string) (string, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); errors.Is(err, storage.ErrBucketNotExist) {
		if err := bucket.Create(ctx, b.Project, nil); err != nil {
			return "", fmt.Errorf("creating build source bucket: %w", err)
		}
	} else if err != nil {
		return "", err
	}

	objectName := fmt.Sprintf("source-%d.tar.gz", time.Now().UnixNano())

	f, err := os.Open(tarballPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bucket.Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	logrus.Infof("uploaded build source to gs://%s/%s", bucketName, objectName)
	return objectName, nil
}

func (b *Builder) submitBuild(ctx context.Context, bucketName, object, imageURI string) (string, error) {
	svc, err := cloudbuild.NewService(ctx)
	if err != nil {
		return "", rerrors.ClassifySubmissionError("creating cloud build client", err)
	}

	build := &cloudbuild.Build{
		Steps: []*cloudbuild.BuildStep{{
			Name: "gcr.io/cloud-builders/docker",
			Args: []string{"build", "-t", imageURI, "."},
		}},
		Images: []string{imageURI},
		Source: &cloudbuild.Source{
			StorageSource: &cloudbuild.StorageSource{
				Bucket: bucketName,
				Object: object,
			},
		},
	}

	op, err := svc.Projects.Builds.Create(b.Project, build).Context(ctx).Do()
	if err != nil {
		return "", rerrors.ClassifySubmissionError("submitting cloud build", err)
	}

	var meta cloudbuild.BuildOperationMetadata
	if op.Metadata != nil {
		if err := json.Unmarshal(op.Metadata, &meta); err == nil && meta.Build != nil {
			return meta.Build.Id, nil
		}
	}
	return "", rerrors.ClassifySubmissionError("cloud build did not return a build ID", nil)
}

func (b *Builder) waitForBuild(ctx context.Context, buildID string) error {
	svc, err := cloudbuild.NewService(ctx)
	if err != nil {
		return rerrors.ClassifyBuildError("creating cloud build client", err)
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return rerrors.ClassifyBuildError("cloud build timed out", ctx.Err())
		case <-ticker.C:
			build, err := svc.Projects.Builds.Get(b.Project, buildID).Context(ctx).Do()
			if err != nil {
				return rerrors.ClassifyBuildError("polling cloud build status", err)
			}
			switch build.Status {
			case "SUCCESS":
				return nil
			case "WORKING", "QUEUED", "PENDING":
				continue
			default:
				return &rerrors.BuildError{Msg: fmt.Sprintf("build %s failed with status %s: %s", buildID, build.Status, build.StatusDetail)}
			}
		}
	}
}
