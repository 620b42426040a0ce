// Package backend defines the Backend interface every job execution
// target implements, plus helpers shared between the single-pod and
// leader/worker implementations: scheduling-diagnostic message
// translation and debug log capture on failure.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/sirupsen/logrus"

	"github.com/keras-team/keras-remote-go/pkg/remote/accelerator"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

func resourceQuantity(n int) resource.Quantity {
	return resource.MustParse(strconv.Itoa(n))
}

// Spec is everything a Backend needs to submit one job.
type Spec struct {
	DisplayName  string
	JobID        string
	ContainerURI string
	Accelerator  accelerator.Accelerator
	BucketName   string
	Namespace    string
}

// Handle is an opaque backend-specific reference returned by
// SubmitJob and passed back into WaitForJob/CleanupJob.
type Handle any

// Backend submits a job to a specific execution target (a plain
// Kubernetes Job, a LeaderWorkerSet, ...) and waits for it to finish.
type Backend interface {
	SubmitJob(ctx context.Context, spec Spec) (Handle, error)
	WaitForJob(ctx context.Context, handle Handle, spec Spec) error
	CleanupJob(ctx context.Context, handle Handle, spec Spec)
}

// EnvVars returns the standard env vars every remote-runner container
// needs, with JAX_PLATFORMS derived from spec.Accelerator.
func EnvVars(spec Spec) []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "KERAS_BACKEND", Value: "jax"},
		{Name: "JAX_PLATFORMS", Value: spec.Accelerator.JAXPlatform()},
		{Name: "JOB_ID", Value: spec.JobID},
		{Name: "GCS_BUCKET", Value: spec.BucketName},
	}
}

// RunnerArgs builds the three gs:// URIs the remote-runner binary
// expects as positional args.
func RunnerArgs(spec Spec) []string {
	base := fmt.Sprintf("gs://%s/%s", spec.BucketName, spec.JobID)
	return []string{
		base + "/context.zip",
		base + "/payload.pkl",
		base + "/result.pkl",
	}
}

// NodeSelector returns the GKE node selector for spec's accelerator,
// or nil for CPU-only jobs.
func NodeSelector(spec Spec) map[string]string {
	switch {
	case spec.Accelerator.GPU != nil:
		return map[string]string{"cloud.google.com/gke-accelerator": spec.Accelerator.GPU.GKELabel}
	case spec.Accelerator.TPU != nil:
		return map[string]string{
			"cloud.google.com/gke-tpu-accelerator": spec.Accelerator.TPU.GKEAccelerator,
			"cloud.google.com/gke-tpu-topology":    spec.Accelerator.TPU.Topology,
		}
	default:
		return nil
	}
}

// ResourceList returns the accelerator resource limits/requests for
// spec's accelerator ("nvidia.com/gpu" or "google.com/tpu"), or nil
// for CPU-only jobs.
func ResourceList(spec Spec) corev1.ResourceList {
	switch {
	case spec.Accelerator.GPU != nil:
		return corev1.ResourceList{"nvidia.com/gpu": resourceQuantity(spec.Accelerator.GPU.Count)}
	case spec.Accelerator.TPU != nil:
		return corev1.ResourceList{"google.com/tpu": resourceQuantity(spec.Accelerator.TPU.Chips)}
	default:
		return nil
	}
}

// Tolerations returns the toleration(s) needed to land on accelerator
// node pools, or nil for CPU-only jobs.
func Tolerations(spec Spec) []corev1.Toleration {
	var key string
	switch {
	case spec.Accelerator.GPU != nil:
		key = "nvidia.com/gpu"
	case spec.Accelerator.TPU != nil:
		key = "google.com/tpu"
	default:
		return nil
	}
	return []corev1.Toleration{{Key: key, Operator: corev1.TolerationOpExists, Effect: corev1.TaintEffectNoSchedule}}
}

// PrintPodLogs fetches and logs the tail of each pod matching
// labelSelector, for post-mortem debugging of a failed job. Errors are
// swallowed: this is best-effort diagnostics, not the job's result.
func PrintPodLogs(ctx context.Context, client kubernetes.Interface, namespace, labelSelector string) {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return
	}
	for _, pod := range pods.Items {
		tailLines := int64(100)
		req := client.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{TailLines: &tailLines})
		data, err := req.DoRaw(ctx)
		if err != nil {
			continue
		}
		logrus.Infof("pod %s logs:\n%s", pod.Name, string(data))
	}
}

// CheckPodScheduling inspects Pending pods matching labelSelector for
// a failing PodScheduled condition and, if found, returns a
// SchedulingError with a message translated from the raw condition
// text into actionable guidance.
func CheckPodScheduling(ctx context.Context, client kubernetes.Interface, namespace, labelSelector string) error {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodPending {
			continue
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type != corev1.PodScheduled || cond.Status != corev1.ConditionFalse {
				continue
			}
			if msg := translateSchedulingMessage(cond.Message); msg != "" {
				return &rerrors.SchedulingError{Msg: msg}
			}
		}
	}
	return nil
}

func translateSchedulingMessage(msg string) string {
	switch {
	case strings.Contains(msg, "Insufficient nvidia.com/gpu"):
		return "no GPU nodes available: ensure the cluster has a node pool with the requested GPU type and available capacity"
	case strings.Contains(msg, "Insufficient google.com/tpu"):
		return "no TPU nodes available: ensure the cluster has a node pool with the requested TPU type and available capacity"
	case strings.Contains(msg, "didn't match Pod's node affinity/selector"),
		strings.Contains(strings.ToLower(msg), "node selector"):
		return "no nodes match the accelerator selector: check that the node pool carries the expected accelerator label"
	default:
		return ""
	}
}
