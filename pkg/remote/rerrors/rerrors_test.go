package rerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		description string
		err         error
	}{
		{"config", &ConfigError{Msg: "bad accelerator", Err: base}},
		{"credential", &CredentialError{Msg: "no token", Err: base}},
		{"build", &BuildError{Msg: "cloud build failed", Err: base}},
		{"submission", &SubmissionError{Msg: "job rejected", Err: base}},
		{"scheduling", &SchedulingError{Msg: "no capacity", Err: base}},
		{"job", &JobError{Msg: "container exited", ExitCode: 1, Err: base}},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			assert.ErrorIs(t, test.err, base)
			assert.NotEmpty(t, test.err.Error())
		})
	}
}

func TestRemoteExecutionError(t *testing.T) {
	err := &RemoteExecutionError{PyType: "ValueError", PyMessage: "bad input", PyTraceback: "..."}
	assert.Contains(t, err.Error(), "ValueError")
	assert.Contains(t, err.Error(), "bad input")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&googleapi.Error{Code: 503}))
	assert.True(t, IsRetryable(&googleapi.Error{Code: 429}))
	assert.False(t, IsRetryable(&googleapi.Error{Code: 404}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestClassifyBuildError(t *testing.T) {
	err := ClassifyBuildError("image lookup failed", &googleapi.Error{Code: 500, Message: "oops"})
	var berr *BuildError
	assert.ErrorAs(t, err, &berr)
	assert.Contains(t, berr.Msg, "http 500")
}
