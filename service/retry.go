package service

import (
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

// RetryPolicy bounds per-node retries. Counters live on the node data so a
// recovered run resumes with what it already spent.
type RetryPolicy struct {
	MaxAttempts    int
	Floor          time.Duration
	Cap            time.Duration
	RateLimitFloor time.Duration
}

func NewRetryPolicy(cfg config.PipelineConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxRetryAttempts,
		Floor:          cfg.RetryFloor(),
		Cap:            cfg.RetryCap(),
		RateLimitFloor: cfg.RateLimitFloor(),
	}
}

// Decision is what the scheduler does with a failed invocation: wait Delay
// and retry, or fail the node with Code.
type Decision struct {
	Retry   bool
	Delay   time.Duration
	Code    string
	Message string
}

// Decide classifies res and updates the counters on data.
func (p RetryPolicy) Decide(data *models.NodeData, res provider.Result) Decision {
	code := res.Code
	switch code {
	case provider.CodeTransient, provider.CodeRateLimited, provider.CodePermanent, provider.CodeInvalidInput:
	default:
		data.UnknownCodes++
		if data.UnknownCodes > 1 {
			return Decision{Code: CodeProviderPermanent, Message: res.Message}
		}
		code = provider.CodeTransient
	}

	switch code {
	case provider.CodePermanent:
		return Decision{Code: CodeProviderPermanent, Message: res.Message}
	case provider.CodeInvalidInput:
		return Decision{Code: CodeInvalidInput, Message: res.Message}
	}

	if res.IsTimeout() {
		data.Timeouts++
		if data.Timeouts > 1 {
			return Decision{Code: CodeProviderPermanent, Message: "deadline exceeded twice"}
		}
	}

	exhausted := CodeProviderTransient
	floor := p.Floor
	if code == provider.CodeRateLimited {
		exhausted = CodeProviderRateLimited
		floor = p.RateLimitFloor
	}
	if data.Attempts >= p.MaxAttempts {
		return Decision{Code: exhausted, Message: res.Message}
	}
	data.Attempts++
	return Decision{Retry: true, Delay: p.Backoff(floor, data.Attempts)}
}

// Backoff is floor * 2^(attempt-1), capped.
func (p RetryPolicy) Backoff(floor time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := floor
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}
