// Package rerrors defines the typed error taxonomy returned by the
// remote execution pipeline. Callers distinguish failure classes with
// errors.As rather than string matching.
package rerrors

import "fmt"

// ConfigError reports a problem with accelerator strings, missing
// project/zone, or other caller-supplied configuration.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CredentialError reports a failure to obtain or use GCP/Kubernetes
// credentials.
type CredentialError struct {
	Msg string
	Err error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("credential error: %s", e.Msg)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// BuildError reports a failure to build or locate the container image.
type BuildError struct {
	Msg string
	Err error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("build error: %s", e.Msg)
}

func (e *BuildError) Unwrap() error { return e.Err }

// SubmissionError reports a failure to submit the job to the cluster.
type SubmissionError struct {
	Msg string
	Err error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("submission error: %s", e.Msg)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// SchedulingError reports that the cluster accepted the job but could
// not schedule its pod(s) — insufficient accelerators, no matching
// node pool, and similar.
type SchedulingError struct {
	Msg string
	Err error
}

func (e *SchedulingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scheduling error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("scheduling error: %s", e.Msg)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// JobError reports that the remote job ran and exited non-zero, or was
// otherwise terminated by the cluster (OOMKilled, preempted, deadline
// exceeded).
type JobError struct {
	Msg      string
	ExitCode int
	Err      error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job error (exit %d): %s: %v", e.ExitCode, e.Msg, e.Err)
	}
	return fmt.Sprintf("job error (exit %d): %s", e.ExitCode, e.Msg)
}

func (e *JobError) Unwrap() error { return e.Err }

// RemoteExecutionError wraps an error returned by the wrapped callable
// itself, as reported back through the result envelope (its type name,
// message and traceback text).
type RemoteExecutionError struct {
	PyType      string
	PyMessage   string
	PyTraceback string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote execution raised %s: %s", e.PyType, e.PyMessage)
}
