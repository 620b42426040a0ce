// Command remote-runner is the entrypoint baked into every job
// container image. It extracts the uploaded code context, deserializes
// the function payload, invokes the function, and writes back a result
// envelope — either over Cloud Storage (GKE jobs) or to a local path
// (TPU VM direct-attach mode).
package main

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"

	"github.com/keras-team/keras-remote-go/pkg/remote/packager"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: remote-runner <context_path> [payload_gcs result_gcs]")
		os.Exit(1)
	}

	var functionFailed bool
	var err error
	if strings.HasPrefix(os.Args[1], "gs://") {
		functionFailed, err = runGCSMode(os.Args[1:])
	} else {
		functionFailed, err = runLocalMode(os.Args[1:])
	}
	if err != nil {
		logrus.WithError(err).Error("[REMOTE] fatal error")
		os.Exit(1)
	}
	if functionFailed {
		os.Exit(1)
	}
}

// runGCSMode is the GKE/single-pod/leader-worker code path: context,
// payload, and result all travel through Cloud Storage. functionFailed
// reports whether the user's function raised — distinct from err,
// which reports an infrastructure failure (result envelope never
// written or never uploaded).
func runGCSMode(args []string) (functionFailed bool, err error) {
	if len(args) < 3 {
		return false, fmt.Errorf("usage: remote-runner <context_gcs> <payload_gcs> <result_gcs>")
	}
	contextGCS, payloadGCS, resultGCS := args[0], args[1], args[2]

	logrus.Info("[REMOTE] starting GCS execution mode")

	ctx := context.Background()
	client, err := storage.NewClient(ctx)
	if err != nil {
		return false, fmt.Errorf("creating storage client: %w", err)
	}
	defer client.Close()

	tmpDir := os.TempDir()
	contextPath := filepath.Join(tmpDir, "context.zip")
	payloadPath := filepath.Join(tmpDir, "payload.pkl")
	resultPath := filepath.Join(tmpDir, "result.pkl")

	logrus.Info("[REMOTE] downloading artifacts")
	if err := downloadGCS(ctx, client, contextGCS, contextPath); err != nil {
		return false, err
	}
	if err := downloadGCS(ctx, client, payloadGCS, payloadPath); err != nil {
		return false, err
	}

	workspaceDir := filepath.Join(tmpDir, "workspace")
	if err := extractWorkspace(contextPath, workspaceDir); err != nil {
		return false, err
	}

	result, invokeErr := runPayload(payloadPath, workspaceDir)

	if err := packager.SaveResult(result, resultPath); err != nil {
		return false, fmt.Errorf("writing result envelope: %w", err)
	}

	logrus.Info("[REMOTE] uploading result")
	if err := uploadGCS(ctx, client, resultPath, resultGCS); err != nil {
		return false, err
	}

	logrus.Info("[REMOTE] execution complete")
	return invokeErr != nil, nil
}

// runLocalMode is the TPU VM direct-attach path: the context archive
// is already on local disk (no object store round trip), and the
// result is written to result.pkl in the OS temp directory rather than
// uploaded anywhere.
func runLocalMode(args []string) (functionFailed bool, err error) {
	contextPath := args[0]
	logrus.Infof("[REMOTE] starting TPU VM execution mode, context=%s", contextPath)

	tmpDir := os.TempDir()
	workspaceDir := filepath.Join(tmpDir, "workspace")
	payloadPath := filepath.Join(tmpDir, "payload.pkl")
	resultPath := filepath.Join(tmpDir, "result.pkl")

	if err := extractWorkspace(contextPath, workspaceDir); err != nil {
		return false, err
	}

	result, invokeErr := runPayload(payloadPath, workspaceDir)

	if err := packager.SaveResult(result, resultPath); err != nil {
		return false, fmt.Errorf("writing result envelope: %w", err)
	}

	logrus.Infof("[REMOTE] execution complete, result written to %s", resultPath)
	return invokeErr != nil, nil
}

// runPayload loads the payload at payloadPath and invokes its
// registered function, returning the result envelope. The envelope's
// Success field is false both for a function-level error and for a
// payload decode failure — the caller always has an envelope to write
// back. workspaceDir holds the extracted code context on disk for
// functions that read files relative to it.
func runPayload(payloadPath, workspaceDir string) (packager.Result, error) {
	logrus.Info("[REMOTE] loading function payload")
	payload, err := packager.LoadPayload(payloadPath)
	if err != nil {
		return packager.Result{Success: false, ErrorType: "PayloadError", ErrorMessage: err.Error()}, err
	}

	if len(payload.EnvVars) > 0 {
		logrus.Infof("[REMOTE] setting %d environment variables", len(payload.EnvVars))
		for k, v := range payload.EnvVars {
			os.Setenv(k, v)
		}
	}
	if err := os.Chdir(workspaceDir); err != nil {
		logrus.WithError(err).Warn("[REMOTE] could not chdir into extracted workspace")
	}

	logrus.Infof("[REMOTE] executing %s()", payload.FuncName)
	value, invokeErr := payload.Invoke()
	if invokeErr != nil {
		logrus.WithError(invokeErr).Error("[REMOTE] function raised")
		return packager.Result{
			Success:      false,
			ErrorType:    fmt.Sprintf("%T", invokeErr),
			ErrorMessage: invokeErr.Error(),
		}, invokeErr
	}

	logrus.Info("[REMOTE] function completed successfully")
	return packager.Result{Success: true, Value: value}, nil
}

func extractWorkspace(contextPath, workspaceDir string) error {
	logrus.Info("[REMOTE] extracting code context")
	if err := os.RemoveAll(workspaceDir); err != nil {
		return fmt.Errorf("clearing workspace dir: %w", err)
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}

	r, err := zip.OpenReader(contextPath)
	if err != nil {
		return fmt.Errorf("opening context archive %s: %w", contextPath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		dest := filepath.Join(workspaceDir, f.Name)
		if !strings.HasPrefix(dest, filepath.Clean(workspaceDir)+string(os.PathSeparator)) {
			return fmt.Errorf("context archive entry %q escapes workspace dir", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := extractZipFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s in archive: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("extracting %s: %w", dest, err)
	}
	return nil
}

// parseGCSURI splits "gs://bucket/object/path" into its bucket and
// object name.
func parseGCSURI(uri string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	bucket, object, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed GCS URI %q", uri)
	}
	return bucket, object, nil
}

func downloadGCS(ctx context.Context, client *storage.Client, uri, localPath string) error {
	bucket, object, err := parseGCSURI(uri)
	if err != nil {
		return err
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("opening %s: %w", uri, err)
	}
	defer r.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("downloading %s: %w", uri, err)
	}
	return nil
}

func uploadGCS(ctx context.Context, client *storage.Client, localPath, uri string) error {
	bucket, object, err := parseGCSURI(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("uploading to %s: %w", uri, err)
	}
	return w.Close()
}
