package remote

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/keras-team/keras-remote-go/pkg/remote/accelerator"
	"github.com/keras-team/keras-remote-go/pkg/remote/packager"
	"github.com/keras-team/keras-remote-go/pkg/remote/rconfig"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

// defaultBaseImage is used when an Options value doesn't override it;
// the remote-runner binary is built into a stage on top of it, so any
// Debian-family Python base works.
const defaultBaseImage = "python:3.12-slim"

const defaultNamespace = "default"

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

// JobContext carries everything one Execute call needs: the payload to
// run, the resolved accelerator and cluster/project coordinates, and
// the job id and names derived from them. It is built once per call by
// NewJobContext and is immutable afterward except for the artifact
// paths Execute fills in as phase 1 runs.
type JobContext struct {
	FuncName string
	Args     []any
	Kwargs   map[string]any
	Closure  *packager.Closure
	EnvVars  map[string]string

	Accelerator    accelerator.Accelerator
	AcceleratorStr string
	ContainerImage string // caller override; empty means "build one"
	BaseImage      string

	Project    string
	Zone       string
	Region     string
	ARLocation string
	Cluster    string
	Namespace  string
	Bucket     string

	JobID       string
	DisplayName string

	// Populated by Execute's phase 1 (the three paths) and phase 2
	// (ImageURI), and consumed by later phases.
	PayloadPath      string
	ContextPath      string
	RequirementsPath string
	ImageURI         string
}

// NewJobContext resolves opts against environment defaults and returns
// a JobContext ready for Execute. funcName must already be registered
// with packager.Register.
func NewJobContext(funcName string, args []any, kwargs map[string]any, closure *packager.Closure, envVars map[string]string, opts Options) (*JobContext, error) {
	accel, err := accelerator.ParseAccelerator(opts.Accelerator)
	if err != nil {
		return nil, rerrors.ClassifyConfigError("parsing accelerator", err)
	}

	project := rconfig.ResolveProject(opts.Project)
	if project == "" {
		return nil, &rerrors.ConfigError{Msg: "no project configured: set Options.Project, KERAS_REMOTE_PROJECT, or GOOGLE_CLOUD_PROJECT"}
	}
	zone := rconfig.ResolveZone(opts.Zone)
	region := rconfig.ZoneToRegion(zone)

	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	jobID, err := newJobID()
	if err != nil {
		return nil, rerrors.ClassifyConfigError("generating job id", err)
	}

	baseImage := opts.BaseImage
	if baseImage == "" {
		baseImage = defaultBaseImage
	}

	return &JobContext{
		FuncName:       funcName,
		Args:           args,
		Kwargs:         kwargs,
		Closure:        closure,
		EnvVars:        envVars,
		Accelerator:    accel,
		AcceleratorStr: opts.Accelerator,
		ContainerImage: opts.ContainerImage,
		BaseImage:      baseImage,
		Project:        project,
		Zone:           zone,
		Region:         region,
		ARLocation:     rconfig.ZoneToArtifactRegistryLocation(zone),
		Cluster:        rconfig.ResolveCluster(opts.Cluster),
		Namespace:      namespace,
		Bucket:         fmt.Sprintf("%s-keras-remote-jobs", project),
		JobID:          jobID,
		DisplayName:    displayName(funcName, jobID),
	}, nil
}

// newJobID returns an 8-hex-character id prefixed "job-", collision-free
// with overwhelming probability across concurrent callers.
func newJobID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating random job id: %w", err)
	}
	return "job-" + hex.EncodeToString(id[:4]), nil
}

// displayName builds "keras-remote-{funcName}-{jobId}", sanitized and
// truncated to remain a valid Kubernetes object name (a DNS-1123
// label: lowercase alphanumerics and '-', at most 63 characters).
func displayName(funcName, jobID string) string {
	const prefix = "keras-remote-"
	sanitized := sanitizeLabel(funcName)

	budget := 63 - len(prefix) - len("-") - len(jobID)
	if budget < 1 {
		budget = 1
	}
	if len(sanitized) > budget {
		sanitized = sanitized[:budget]
	}
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "fn"
	}
	return fmt.Sprintf("%s%s-%s", prefix, sanitized, jobID)
}

func sanitizeLabel(s string) string {
	lower := strings.ToLower(s)
	return invalidLabelChars.ReplaceAllString(lower, "-")
}
