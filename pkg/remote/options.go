package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	kerasremote "github.com/keras-team/keras-remote-go"
	"github.com/keras-team/keras-remote-go/internal/kube"
	"github.com/keras-team/keras-remote-go/pkg/remote/artifacts"
	"github.com/keras-team/keras-remote-go/pkg/remote/backend"
	"github.com/keras-team/keras-remote-go/pkg/remote/backend/leaderworker"
	"github.com/keras-team/keras-remote-go/pkg/remote/backend/singlepod"
	"github.com/keras-team/keras-remote-go/pkg/remote/imagebuild"
	"github.com/keras-team/keras-remote-go/pkg/remote/packager"
	"github.com/keras-team/keras-remote-go/pkg/remote/rerrors"
)

// Backend selector values recognized by Options.Backend.
const (
	BackendAuto         = "auto"
	BackendSinglePod    = "single-pod"
	BackendLeaderWorker = "leader-worker"
)

// Options is the Go analogue of the decorator's keyword arguments:
// everything a caller can override about how a registered function
// runs remotely.
type Options struct {
	Accelerator    string // "cpu", "l4", "v5litepod-2x2", ...
	ContainerImage string // skip the image builder entirely if set
	BaseImage      string // defaults to defaultBaseImage
	Zone           string
	Project        string
	Cluster        string
	Namespace      string
	Backend        string   // BackendAuto, BackendSinglePod, BackendLeaderWorker
	CaptureEnvVars []string // exact names or "PREFIX*" globs
}

// Remote is a registered function bound to a set of Options, ready to
// be invoked remotely with Call.
type Remote struct {
	name    string
	root    string
	closure *packager.Closure
	opts    Options
}

// Wrap registers fn (with no captured state) and returns a Remote
// bound to opts, the Go equivalent of applying the decorator to a
// plain function. Use WrapClosure for functions that need captured
// values shipped alongside the call.
func Wrap(fn packager.Func, opts Options) *Remote {
	return wrapFunc(fn, nil, opts)
}

// WrapClosure registers fn together with a fixed Closure of captured
// values and returns a Remote bound to opts.
func WrapClosure(fn packager.Func, closure *packager.Closure, opts Options) *Remote {
	return wrapFunc(fn, closure, opts)
}

// wrapFunc is the shared implementation behind Wrap and WrapClosure;
// both call it at the same stack depth, so runtime.Caller(2) always
// lands on the caller's own call site regardless of which entry point
// was used.
func wrapFunc(fn packager.Func, closure *packager.Closure, opts Options) *Remote {
	_, file, _, ok := runtime.Caller(2)
	root := "."
	if ok {
		root = findModuleRoot(filepath.Dir(file))
	}

	name := registeredName(fn)
	packager.Register(name, fn)
	return &Remote{name: name, root: root, closure: closure, opts: opts}
}

// registeredName derives a stable registration name from fn's own
// runtime identity, so callers never have to pass an explicit string:
// a function value's PC resolves to its fully qualified name
// ("path/to/pkg.FuncName"), of which only the last component is used.
func registeredName(fn packager.Func) string {
	ptr := reflect.ValueOf(fn).Pointer()
	full := runtime.FuncForPC(ptr).Name()
	if i := strings.LastIndex(full, "."); i >= 0 {
		full = full[i+1:]
	}
	return full
}

// findModuleRoot walks upward from dir looking for go.mod, the same
// upward search packager.FindRequirements uses for requirements.txt.
// It returns dir itself if no go.mod is found before the filesystem
// root.
func findModuleRoot(dir string) string {
	start := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// Call packages r's function with args and kwargs, captures the
// requested environment variables, and runs it on the cluster
// resolved from r's Options, returning the remote function's own
// return value (or re-raising its own exception).
func (r *Remote) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	envVars := captureEnvVars(r.opts.CaptureEnvVars)

	jc, err := NewJobContext(r.name, args, kwargs, r.closure, envVars, r.opts)
	if err != nil {
		return nil, err
	}

	clients, err := kube.NewClients(jc.Cluster)
	if err != nil {
		return nil, err
	}

	b, err := selectBackend(jc, clients, r.opts.Backend)
	if err != nil {
		return nil, err
	}

	store, err := artifacts.NewStore(ctx, jc.Project)
	if err != nil {
		return nil, rerrors.ClassifyCredentialError("creating storage client", err)
	}
	defer store.Close()

	builder := &imagebuild.Builder{Project: jc.Project, RunnerSource: kerasremote.RunnerBuildSource}

	return Execute(ctx, jc, r.root, b, store, builder)
}

// selectBackend implements spec.md §6's backend=auto rule and the
// explicit-selection edge cases recorded in DESIGN.md's Open Question
// decisions: auto picks leader-worker iff the accelerator is a
// multi-host TPU, explicit leader-worker is always permitted (single
// host degrades to a one-leader, zero-worker group), and explicit
// single-pod against a multi-host TPU is rejected outright.
func selectBackend(jc *JobContext, clients *kube.Clients, mode string) (backend.Backend, error) {
	isMultiHostTPU := jc.Accelerator.TPU != nil && jc.Accelerator.TPU.NumNodes > 1

	switch mode {
	case "", BackendAuto:
		if isMultiHostTPU {
			return newLeaderWorkerBackend(clients), nil
		}
		return newSinglePodBackend(clients), nil
	case BackendLeaderWorker:
		return newLeaderWorkerBackend(clients), nil
	case BackendSinglePod:
		if isMultiHostTPU {
			return nil, &rerrors.ConfigError{Msg: fmt.Sprintf(
				"single-pod backend cannot host a multi-host TPU slice (numNodes=%d); use backend=%q or backend=%q",
				jc.Accelerator.TPU.NumNodes, BackendLeaderWorker, BackendAuto)}
		}
		return newSinglePodBackend(clients), nil
	default:
		return nil, &rerrors.ConfigError{Msg: fmt.Sprintf(
			"unknown backend %q: want %q, %q, or %q", mode, BackendSinglePod, BackendLeaderWorker, BackendAuto)}
	}
}

func newSinglePodBackend(clients *kube.Clients) backend.Backend {
	return &singlepod.Backend{Client: clients.Typed}
}

func newLeaderWorkerBackend(clients *kube.Clients) backend.Backend {
	return &leaderworker.Backend{Dynamic: clients.Dynamic, Discovery: clients.Discovery, Typed: clients.Typed}
}

// captureEnvVars resolves Options.CaptureEnvVars against the local
// process environment: exact names match verbatim, and a trailing "*"
// matches any variable with that prefix.
func captureEnvVars(patterns []string) map[string]string {
	if len(patterns) == 0 {
		return nil
	}

	captured := map[string]string{}
	for _, name := range os.Environ() {
		key, value, _ := strings.Cut(name, "=")
		for _, pattern := range patterns {
			if matchesEnvPattern(pattern, key) {
				captured[key] = value
				break
			}
		}
	}
	return captured
}

func matchesEnvPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
