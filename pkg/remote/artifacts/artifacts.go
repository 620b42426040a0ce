// Package artifacts uploads, downloads, and cleans up the Cloud
// Storage objects exchanged with a remote job: the serialized
// function payload, the working-directory context archive, and the
// eventual result envelope.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Store wraps a Cloud Storage client scoped to a single project.
type Store struct {
	client  *storage.Client
	project string
}

// NewStore builds a Store backed by a default-credentialed GCS client.
func NewStore(ctx context.Context, project string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &Store{client: client, project: project}, nil
}

// Close releases the underlying GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureBucket creates bucketName in location if it does not already
// exist. A pre-existing bucket is not an error.
func (s *Store) EnsureBucket(ctx context.Context, bucketName, location string) error {
	bucket := s.client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("checking bucket %s: %w", bucketName, err)
	}

	if err := bucket.Create(ctx, s.project, &storage.BucketAttrs{Location: location}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", bucketName, err)
	}
	logrus.WithFields(logrus.Fields{
		"bucket":   bucketName,
		"location": location,
	}).Info("created artifact bucket")
	logrus.Infof("view bucket: https://console.cloud.google.com/storage/browser/%s?project=%s", bucketName, s.project)
	return nil
}

// UploadArtifacts uploads payloadPath as "<jobID>/payload.pkl" and
// contextPath as "<jobID>/context.zip" into bucketName, creating the
// bucket in location first if necessary.
func (s *Store) UploadArtifacts(ctx context.Context, bucketName, jobID, payloadPath, contextPath, location string) error {
	if err := s.EnsureBucket(ctx, bucketName, location); err != nil {
		return err
	}

	if err := s.uploadFile(ctx, bucketName, payloadObjectName(jobID), payloadPath); err != nil {
		return err
	}
	if err := s.uploadFile(ctx, bucketName, contextObjectName(jobID), contextPath); err != nil {
		return err
	}

	logrus.Infof("view artifacts: https://console.cloud.google.com/storage/browser/%s/%s?project=%s", bucketName, jobID, s.project)
	return nil
}

func (s *Store) uploadFile(ctx context.Context, bucketName, objectName, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	w := s.client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("uploading %s to gs://%s/%s: %w", localPath, bucketName, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing upload of gs://%s/%s: %w", bucketName, objectName, err)
	}
	logrus.Infof("uploaded %s to gs://%s/%s", localPath, bucketName, objectName)
	return nil
}

// DownloadResult downloads "<jobID>/result.pkl" from bucketName into
// the OS temp directory and returns the local path. Returns an error
// satisfying errors.Is(err, storage.ErrObjectNotExist) when the object
// was never uploaded — the caller uses this to distinguish an
// infrastructure failure from a completed run.
func (s *Store) DownloadResult(ctx context.Context, bucketName, jobID string) (string, error) {
	objectName := resultObjectName(jobID)
	r, err := s.client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("opening gs://%s/%s: %w", bucketName, objectName, err)
	}
	defer r.Close()

	localPath := filepath.Join(os.TempDir(), fmt.Sprintf("result-%s.pkl", jobID))
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return "", fmt.Errorf("downloading gs://%s/%s: %w", bucketName, objectName, err)
	}

	logrus.Infof("downloaded result from gs://%s/%s", bucketName, objectName)
	return localPath, nil
}

// CleanupArtifacts deletes every object under "<jobID>/" in bucketName.
// Cleanup failures are logged, never returned: a leftover artifact
// should not mask a job's real outcome.
func (s *Store) CleanupArtifacts(ctx context.Context, bucketName, jobID string) {
	it := s.client.Bucket(bucketName).Objects(ctx, &storage.Query{Prefix: cleanupPrefix(jobID)})
	deleted := 0
	for {
		attrs, err := it.Next()
		if err != nil {
			if err != iterator.Done {
				logrus.WithError(err).Warn("listing artifacts for cleanup")
			}
			break
		}
		if err := s.client.Bucket(bucketName).Object(attrs.Name).Delete(ctx); err != nil {
			var gerr *googleapi.Error
			if !(errors.As(err, &gerr) && gerr.Code == 404) {
				logrus.WithError(err).Warnf("deleting gs://%s/%s", bucketName, attrs.Name)
			}
			continue
		}
		deleted++
	}
	if deleted > 0 {
		logrus.Infof("cleaned up %d artifacts from gs://%s/%s/", deleted, bucketName, jobID)
	}
}

func payloadObjectName(jobID string) string { return jobID + "/payload.pkl" }
func contextObjectName(jobID string) string { return jobID + "/context.zip" }
func resultObjectName(jobID string) string  { return jobID + "/result.pkl" }
func cleanupPrefix(jobID string) string     { return jobID + "/" }
