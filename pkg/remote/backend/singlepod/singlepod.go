// Package singlepod submits a remote job as a plain batch/v1 Job with
// a single pod, for any accelerator request that fits on one VM.
package singlepod

import (
	"context"
	"fmt"
	"os"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/sirupsen/logrus"

	"github.com/keras-team/keras-remote-go/pkg/remote/backend"
	"github.com/keras-team/keras-remote-go/pkg/remote/logstream"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

const (
	pollInterval = 10 * time.Second
	waitTimeout  = time.Hour
)

// Backend submits single-pod batch/v1 Jobs against one cluster.
type Backend struct {
	Client kubernetes.Interface
}

var _ backend.Backend = (*Backend)(nil)

func jobName(spec backend.Spec) string {
	return fmt.Sprintf("keras-remote-%s", spec.JobID)
}

// SubmitJob creates the Job resource and returns its name as the
// backend handle.
func (b *Backend) SubmitJob(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	name := jobName(spec)
	job := buildJobSpec(name, spec)

	created, err := b.Client.BatchV1().Jobs(spec.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsForbidden(err) {
			return nil, &rerrors.SubmissionError{Msg: fmt.Sprintf(
				"permission denied creating Job %q in namespace %q: ensure your credentials can create Jobs there", name, spec.Namespace), Err: err}
		}
		if apierrors.IsNotFound(err) {
			return nil, &rerrors.SubmissionError{Msg: fmt.Sprintf("namespace %q not found", spec.Namespace), Err: err}
		}
		if apierrors.IsAlreadyExists(err) {
			return nil, &rerrors.SubmissionError{Msg: fmt.Sprintf("job %q already exists in namespace %q", name, spec.Namespace), Err: err}
		}
		return nil, &rerrors.SubmissionError{Msg: fmt.Sprintf("creating job %q", name), Err: err}
	}

	logrus.Infof("submitted Kubernetes job %s in namespace %s", created.Name, spec.Namespace)
	return created.Name, nil
}

// WaitForJob polls the Job's status until it succeeds, fails, or
// waitTimeout elapses, surfacing pod-scheduling diagnostics as they
// appear and dumping pod logs if the job fails.
func (b *Backend) WaitForJob(ctx context.Context, handle backend.Handle, spec backend.Spec) error {
	name := handle.(string)
	labelSelector := "job-name=" + name

	deadline := time.Now().Add(waitTimeout)
	loggedRunning := false

	var logs *logstream.Handle
	defer func() {
		if logs != nil {
			logs.Stop()
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return &rerrors.JobError{Msg: fmt.Sprintf("job %s timed out after %s", name, waitTimeout)}
		}

		status, err := b.Client.BatchV1().Jobs(spec.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return &rerrors.JobError{Msg: fmt.Sprintf("reading status of job %s", name), Err: err}
		}

		if status.Status.Succeeded >= 1 {
			logrus.Infof("job %s completed successfully", name)
			return nil
		}
		if status.Status.Failed >= 1 {
			backend.PrintPodLogs(ctx, b.Client, spec.Namespace, labelSelector)
			return &rerrors.JobError{Msg: fmt.Sprintf("job %s failed", name), ExitCode: 1}
		}

		if err := backend.CheckPodScheduling(ctx, b.Client, spec.Namespace, labelSelector); err != nil {
			return err
		}

		if !loggedRunning {
			logrus.Infof("job %s running...", name)
			loggedRunning = true
		}
		if logs == nil {
			if podName, ok := firstPodName(ctx, b.Client, spec.Namespace, labelSelector); ok {
				logs = logstream.Start(ctx, b.Client, spec.Namespace, []string{podName}, os.Stdout)
			}
		}

		select {
		case <-ctx.Done():
			return &rerrors.JobError{Msg: fmt.Sprintf("waiting for job %s", name), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// firstPodName returns the name of any one pod matching labelSelector,
// so log streaming can start against a concrete pod instead of the
// Job's label selector (GetLogs needs an exact pod name).
func firstPodName(ctx context.Context, client kubernetes.Interface, namespace, labelSelector string) (string, bool) {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil || len(pods.Items) == 0 {
		return "", false
	}
	return pods.Items[0].Name, true
}

// CleanupJob deletes the Job with foreground propagation so its pods
// are removed too. A 404 is treated as already-cleaned-up; any other
// error is logged, never returned.
func (b *Backend) CleanupJob(ctx context.Context, handle backend.Handle, spec backend.Spec) {
	name := handle.(string)
	propagation := metav1.DeletePropagationForeground
	err := b.Client.BatchV1().Jobs(spec.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err == nil {
		logrus.Infof("deleted Kubernetes job %s", name)
		return
	}
	if apierrors.IsNotFound(err) {
		return
	}
	logrus.WithError(err).Warnf("failed to delete job %s", name)
}

func buildJobSpec(name string, spec backend.Spec) *batchv1.Job {
	container := corev1.Container{
		Name:    "keras-remote-worker",
		Image:   spec.ContainerURI,
		Command: []string{"/usr/local/bin/remote-runner"},
		Args:    backend.RunnerArgs(spec),
		Env:     backend.EnvVars(spec),
		Resources: corev1.ResourceRequirements{
			Limits:   backend.ResourceList(spec),
			Requests: backend.ResourceList(spec),
		},
	}

	podSpec := corev1.PodSpec{
		Containers:    []corev1.Container{container},
		Tolerations:   backend.Tolerations(spec),
		NodeSelector:  backend.NodeSelector(spec),
		RestartPolicy: corev1.RestartPolicyNever,
	}

	labels := map[string]string{"app": "keras-remote", "job-id": spec.JobID}
	backoffLimit := int32(0)
	ttl := int32(600)

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: spec.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}
