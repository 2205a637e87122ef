package service

import (
	"errors"
	"fmt"
)

// Pipeline-visible error codes.
const (
	CodeInvalidBrief        = "invalid_brief"
	CodePlanSynthesisFailed = "plan_synthesis_failed"
	CodePlanRefused         = "plan_refused"
	CodeProviderTransient   = "provider_transient"
	CodeProviderRateLimited = "provider_rate_limited"
	CodeProviderPermanent   = "provider_permanent"
	CodeAssetFailed         = "asset_materialisation_failed"
	CodeInvalidInput        = "invalid_input"
	CodeCancelled           = "cancelled"
	CodeInternal            = "internal"
)

// PipelineError terminates a run. NodeID is set when a node-level failure
// is being reported at pipeline level.
type PipelineError struct {
	Code    string
	Message string
	NodeID  string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func newPipelineError(code, msg string, err error) *PipelineError {
	return &PipelineError{Code: code, Message: msg, Err: err}
}

var ErrCancelled = &PipelineError{Code: CodeCancelled, Message: "pipeline cancelled"}

// ErrorCode extracts the pipeline code from err, defaulting to internal.
func ErrorCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}
