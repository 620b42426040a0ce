// Package leaderworker submits a remote job as a LeaderWorkerSet (LWS)
// custom resource, for multi-host TPU slices where one leader pod
// coordinates N worker pods.
package leaderworker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/keras-team/keras-remote-go/pkg/remote/backend"
	"github.com/keras-team/keras-remote-go/pkg/remote/logstream"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

const (
	group           = "leaderworkerset.x-k8s.io"
	fallbackVersion = "v1"
	plural          = "leaderworkersets"

	pollInterval = 10 * time.Second
	waitTimeout  = time.Hour
)

// Backend submits LeaderWorkerSet custom resources through the dynamic
// client, for TPU slices spanning more than one host.
type Backend struct {
	Dynamic   dynamic.Interface
	Discovery discovery.DiscoveryInterface
	Typed     kubernetes.Interface
}

var _ backend.Backend = (*Backend)(nil)

func jobName(spec backend.Spec) string {
	return fmt.Sprintf("keras-pathways-%s", spec.JobID)
}

// leaderPodName returns the name LWS assigns to a group's leader pod,
// which it always suffixes with "-0".
func leaderPodName(name string) string {
	return name + "-0"
}

// resolveVersion returns the cluster's preferred apiVersion for the
// LeaderWorkerSet CRD group, falling back to fallbackVersion if
// discovery fails or the group isn't registered.
func (b *Backend) resolveVersion() string {
	groups, err := b.Discovery.ServerGroups()
	if err != nil {
		logrus.WithError(err).Warnf("failed to retrieve LeaderWorkerSet API version from cluster, defaulting to %q", fallbackVersion)
		return fallbackVersion
	}
	for _, g := range groups.Groups {
		if g.Name == group {
			return g.PreferredVersion.Version
		}
	}
	logrus.Warnf("LeaderWorkerSet API group %q not found on cluster, defaulting to %q", group, fallbackVersion)
	return fallbackVersion
}

func gvr(version string) schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: group, Version: version, Resource: plural}
}

// numWorkers returns how many worker pods the slice needs in addition
// to the leader, derived from the TPU topology's host count.
func numWorkers(spec backend.Spec) int {
	if spec.Accelerator.TPU == nil {
		return 0
	}
	if spec.Accelerator.TPU.NumNodes > 1 {
		return spec.Accelerator.TPU.NumNodes - 1
	}
	return 0
}

// SubmitJob creates the LeaderWorkerSet resource and returns its name
// as the backend handle.
func (b *Backend) SubmitJob(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	name := jobName(spec)
	version := b.resolveVersion()
	manifest := buildLWSManifest(name, spec, version)

	client := b.Dynamic.Resource(gvr(version)).Namespace(spec.Namespace)
	_, err := client.Create(ctx, manifest, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &rerrors.SubmissionError{Msg: "LeaderWorkerSet CRD not found on cluster: install it before submitting multi-host TPU jobs", Err: err}
		}
		if apierrors.IsAlreadyExists(err) {
			return nil, &rerrors.SubmissionError{Msg: fmt.Sprintf("LeaderWorkerSet %q already exists in namespace %q", name, spec.Namespace), Err: err}
		}
		return nil, &rerrors.SubmissionError{Msg: fmt.Sprintf("creating LeaderWorkerSet %q", name), Err: err}
	}

	logrus.Infof("submitted Pathways job (LeaderWorkerSet) %s in namespace %s", name, spec.Namespace)
	return name, nil
}

// WaitForJob polls the leader pod's phase and container status until
// the job succeeds, fails, or waitTimeout elapses.
func (b *Backend) WaitForJob(ctx context.Context, handle backend.Handle, spec backend.Spec) error {
	name := handle.(string)
	leaderPod := leaderPodName(name)

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
			return &rerrors.JobError{Msg: fmt.Sprintf("Pathways job %s timed out after %s", name, waitTimeout)}
		}

		pod, err := b.Typed.CoreV1().Pods(spec.Namespace).Get(ctx, leaderPod, metav1.GetOptions{})
		if err != nil {
			if !apierrors.IsNotFound(err) {
				return &rerrors.JobError{Msg: fmt.Sprintf("reading leader pod %s", leaderPod), Err: err}
			}
			// Leader pod not scheduled yet; keep polling.
		} else {
			if !loggedRunning {
				logrus.Infof("found leader pod %s", leaderPod)
				loggedRunning = true
				logs = logstream.Start(ctx, b.Typed, spec.Namespace, []string{leaderPod}, os.Stdout)
			}

			if done, err := evaluatePod(pod); done {
				if err != nil {
					labelSelector := "job-name=" + name
					backend.PrintPodLogs(ctx, b.Typed, spec.Namespace, labelSelector)
				}
				return err
			}

			if pod.Status.Phase == corev1.PodPending {
				labelSelector := "job-name=" + name
				if err := backend.CheckPodScheduling(ctx, b.Typed, spec.Namespace, labelSelector); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return &rerrors.JobError{Msg: fmt.Sprintf("waiting for Pathways job %s", name), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// evaluatePod reports whether the leader pod has reached a terminal
// state (done == true) and, if so, the resulting error (nil on
// success). It checks the pod phase first, then the worker container's
// current and last-known terminated state, mirroring how a restarted
// container can still carry a completed exit code.
func evaluatePod(pod *corev1.Pod) (done bool, err error) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		logrus.Info("Pathways job completed successfully")
		return true, nil
	case corev1.PodFailed:
		return true, &rerrors.JobError{Msg: "Pathways job failed"}
	}

	if len(pod.Status.ContainerStatuses) == 0 {
		return false, nil
	}
	cs := pod.Status.ContainerStatuses[0]

	if term := cs.State.Terminated; term != nil {
		if term.ExitCode == 0 {
			return true, nil
		}
		return true, &rerrors.JobError{Msg: "Pathways job failed", ExitCode: int(term.ExitCode)}
	}

	if term := cs.LastTerminationState.Terminated; term != nil {
		if term.ExitCode == 0 {
			return true, nil
		}
		return true, &rerrors.JobError{Msg: "Pathways job failed previously", ExitCode: int(term.ExitCode)}
	}

	return false, nil
}

// CleanupJob deletes the LeaderWorkerSet. A 404 is treated as
// already-cleaned-up; any other error is logged, never returned.
func (b *Backend) CleanupJob(ctx context.Context, handle backend.Handle, spec backend.Spec) {
	name := handle.(string)
	version := b.resolveVersion()

	client := b.Dynamic.Resource(gvr(version)).Namespace(spec.Namespace)
	err := client.Delete(ctx, name, metav1.DeleteOptions{})
	if err == nil {
		logrus.Infof("deleted LeaderWorkerSet %s", name)
		return
	}
	if apierrors.IsNotFound(err) {
		return
	}
	logrus.WithError(err).Warnf("failed to delete LeaderWorkerSet %s", name)
}

// lwsManifest, lwsSpec and lwsPodTemplate are typed mirrors of the
// LeaderWorkerSet CR shape. They exist only so the manifest can be
// built with normal Go struct literals instead of nested
// map[string]any; sigs.k8s.io/yaml converts them into the
// unstructured.Unstructured the dynamic client actually sends.
type lwsManifest struct {
	APIVersion string     `json:"apiVersion"`
	Kind       string     `json:"kind"`
	Metadata   objectMeta `json:"metadata"`
	Spec       lwsSpec    `json:"spec"`
}

type lwsSpec struct {
	Replicas             int             `json:"replicas"`
	LeaderWorkerTemplate leaderWorkerSet `json:"leaderWorkerTemplate"`
}

type leaderWorkerSet struct {
	Size           int             `json:"size"`
	RestartPolicy  string          `json:"restartPolicy"`
	LeaderTemplate podTemplateSpec `json:"leaderTemplate"`
	WorkerTemplate podTemplateSpec `json:"workerTemplate"`
}

type podTemplateSpec struct {
	Metadata objectMeta  `json:"metadata"`
	Spec     podSpecBody `json:"spec"`
}

type podSpecBody struct {
	Containers   []containerSpec     `json:"containers"`
	Tolerations  []corev1.Toleration `json:"tolerations,omitempty"`
	NodeSelector map[string]string   `json:"nodeSelector,omitempty"`
}

type containerSpec struct {
	Name      string                      `json:"name"`
	Image     string                      `json:"image"`
	Command   []string                    `json:"command"`
	Args      []string                    `json:"args"`
	Env       []corev1.EnvVar             `json:"env"`
	Resources corev1.ResourceRequirements `json:"resources"`
}

type objectMeta struct {
	Name      string            `json:"name,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// megascaleEnvVars returns the multi-slice coordination variables JAX's
// Pathways runtime reads on every pod in the group. groupSize is the
// leader plus its workers — for a slice spanning N TPU hosts the group
// is one slice, so MEGASCALE_NUM_SLICES reports the host count.
//
// MEGASCALE_COORDINATOR_ADDRESS and TPU_WORKER_ID are bound via
// Kubernetes $(VAR) env expansion to LWS_LEADER_ADDRESS and
// LWS_WORKER_INDEX, the leader-address and per-pod-index variables the
// LeaderWorkerSet controller injects into every pod in the group.
func megascaleEnvVars(groupSize int) []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "MEGASCALE_COORDINATOR_ADDRESS", Value: "$(LWS_LEADER_ADDRESS)"},
		{Name: "MEGASCALE_NUM_SLICES", Value: strconv.Itoa(groupSize)},
		{Name: "TPU_WORKER_ID", Value: "$(LWS_WORKER_INDEX)"},
	}
}

func podTemplate(jobName string, spec backend.Spec, groupSize int) podTemplateSpec {
	container := containerSpec{
		Name:    "keras-remote-worker",
		Image:   spec.ContainerURI,
		Command: []string{"/usr/local/bin/remote-runner"},
		Args:    backend.RunnerArgs(spec),
		Env:     append(backend.EnvVars(spec), megascaleEnvVars(groupSize)...),
		Resources: corev1.ResourceRequirements{
			Limits:   backend.ResourceList(spec),
			Requests: backend.ResourceList(spec),
		},
	}

	return podTemplateSpec{
		Metadata: objectMeta{
			Labels: map[string]string{
				"app":      "keras-remote-pathways",
				"job-id":   spec.JobID,
				"job-name": jobName,
			},
		},
		Spec: podSpecBody{
			Containers:   []containerSpec{container},
			Tolerations:  backend.Tolerations(spec),
			NodeSelector: backend.NodeSelector(spec),
		},
	}
}

func buildLWSManifest(name string, spec backend.Spec, version string) *unstructured.Unstructured {
	groupSize := numWorkers(spec) + 1
	template := podTemplate(name, spec, groupSize)

	manifest := lwsManifest{
		APIVersion: group + "/" + version,
		Kind:       "LeaderWorkerSet",
		Metadata: objectMeta{
			Name:      name,
			Namespace: spec.Namespace,
			Labels:    map[string]string{"app": "keras-remote-pathways"},
		},
		Spec: lwsSpec{
			Replicas: 1,
			LeaderWorkerTemplate: leaderWorkerSet{
				Size:           groupSize,
				RestartPolicy:  "RecreateGroupOnPodRestart",
				LeaderTemplate: template,
				WorkerTemplate: template,
			},
		},
	}

	u, err := toUnstructured(manifest)
	if err != nil {
		// manifest is built entirely from in-process Go values; a
		// marshal failure here means a programming error, not a
		// runtime condition callers can recover from.
		panic(fmt.Sprintf("building LeaderWorkerSet manifest: %v", err))
	}

	// The YAML round trip decodes all JSON numbers as float64.
	// unstructured integer fields are expected to be int64, so fix up
	// the two leaves that matter to callers (replica/group sizing).
	_ = unstructured.SetNestedField(u.Object, int64(manifest.Spec.Replicas), "spec", "replicas")
	_ = unstructured.SetNestedField(u.Object, int64(manifest.Spec.LeaderWorkerTemplate.Size), "spec", "leaderWorkerTemplate", "size")

	return u
}

// toUnstructured round-trips v through YAML so the result contains
// only unstructured.Unstructured-compatible types (no map[interface{}]interface{}).
func toUnstructured(v any) (*unstructured.Unstructured, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	var obj map[string]any
	if err := yaml.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unmarshaling manifest into unstructured form: %w", err)
	}
	return &unstructured.Unstructured{Object: obj}, nil
}
