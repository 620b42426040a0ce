package rerrors

import (
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
)

// ClassifyBuildError wraps err as a BuildError, preserving a
// googleapi.Error's HTTP status in the message when present so callers
// can tell transient (5xx, 429) failures from permanent ones without
// reaching into the wrapped error themselves.
func ClassifyBuildError(msg string, err error) error {
	return &BuildError{Msg: withStatus(msg, err), Err: err}
}

// ClassifySubmissionError wraps err as a SubmissionError.
func ClassifySubmissionError(msg string, err error) error {
	return &SubmissionError{Msg: withStatus(msg, err), Err: err}
}

// ClassifyCredentialError wraps err as a CredentialError, for failures
// creating a cloud client or cluster connection (missing ambient
// credentials, no current kube context).
func ClassifyCredentialError(msg string, err error) error {
	return &CredentialError{Msg: msg, Err: err}
}

// ClassifyConfigError wraps err as a ConfigError, for caller-supplied
// configuration the core rejects before any network call is made
// (unparseable accelerator string, missing project).
func ClassifyConfigError(msg string, err error) error {
	return &ConfigError{Msg: msg, Err: err}
}

func withStatus(msg string, err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Sprintf("%s (http %d)", msg, gerr.Code)
	}
	return msg
}

// IsRetryable reports whether err represents a transient failure worth
// retrying with backoff: HTTP 429/5xx from a googleapi.Error.
func IsRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	return false
}
