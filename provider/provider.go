// Package provider is the uniform surface over generative backends: text
// LLMs, image generation and edit, upscaling and image-to-video.
package provider

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindLLMText        Kind = "llm_text"
	KindLLMStructured  Kind = "llm_structured"
	KindImageT2I       Kind = "image_t2i"
	KindImageEdit      Kind = "image_edit"
	KindImageUpscale   Kind = "image_upscale"
	KindVideoFirst     Kind = "video_i2v_first"
	KindVideoFirstLast Kind = "video_i2v_first_last"
)

func (k Kind) IsLLM() bool {
	return k == KindLLMText || k == KindLLMStructured
}

func (k Kind) IsVideo() bool {
	return k == KindVideoFirst || k == KindVideoFirstLast
}

// Param names a generation parameter an adapter may accept.
type Param string

const (
	ParamAspectRatio       Param = "aspect_ratio"
	ParamResolution        Param = "resolution"
	ParamOutputFormat      Param = "output_format"
	ParamSeed              Param = "seed"
	ParamGuidanceScale     Param = "guidance_scale"
	ParamNumInferenceSteps Param = "num_inference_steps"
	ParamNegativePrompt    Param = "negative_prompt"
	ParamDuration          Param = "duration"
	ParamFPS               Param = "fps"
	ParamStartImage        Param = "start_image"
	ParamEndImage          Param = "end_image"
	ParamStrength          Param = "strength"
)

// Keys every adapter accepts regardless of SupportedParams.
const (
	KeyPrompt          = "prompt"
	KeyImageURLs       = "image_urls"
	KeyMessages        = "messages"
	KeyReasoningEffort = "reasoning_effort"
	KeyJSONSchema      = "json_schema"
	KeySchemaName      = "schema_name"
)

type Code string

const (
	CodeTransient    Code = "transient"
	CodePermanent    Code = "permanent"
	CodeRateLimited  Code = "rate_limited"
	CodeInvalidInput Code = "invalid_input"
)

const (
	MessageCancelled = "cancelled"
	MessageTimeout   = "deadline exceeded"
)

type Params map[string]any

func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Message is one chat turn sent to an LLM adapter.
type Message struct {
	Role      string   `json:"role"` // system | user | assistant
	Content   string   `json:"content"`
	ImageURLs []string `json:"imageUrls,omitempty"`
}

// AssetRef is what a provider hands back for one output. Inline is set by
// providers that return bytes directly instead of a URL.
type AssetRef struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Inline      []byte `json:"-"`
}

// Result is the outcome of one Invoke. OK results carry Outputs (media) or
// Text (LLM); failures carry a Code.
type Result struct {
	OK      bool       `json:"ok"`
	Outputs []AssetRef `json:"outputs,omitempty"`
	Text    string     `json:"text,omitempty"`
	Code    Code       `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
	Refused bool       `json:"refused,omitempty"`
}

func Success(outputs ...AssetRef) Result {
	return Result{OK: true, Outputs: outputs}
}

func TextResult(text string) Result {
	return Result{OK: true, Text: text}
}

func Failure(code Code, msg string) Result {
	return Result{Code: code, Message: msg}
}

// Cancelled is the only result an adapter may return once its context is
// done.
func Cancelled() Result {
	return Result{Code: CodePermanent, Message: MessageCancelled}
}

func (r Result) IsCancelled() bool {
	return !r.OK && r.Code == CodePermanent && r.Message == MessageCancelled
}

func (r Result) IsTimeout() bool {
	return !r.OK && r.Code == CodeTransient && r.Message == MessageTimeout
}

// FromContext maps a finished context onto a result: an elapsed deadline is
// transient, anything else is a cancellation.
func FromContext(ctx context.Context) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Failure(CodeTransient, MessageTimeout)
	}
	return Cancelled()
}

type Adapter interface {
	ID() string
	Capabilities() Capabilities
	EstimateCost(params Params) float64
	Invoke(ctx context.Context, params Params) Result
}

// Downloader is implemented by adapters whose outputs need authenticated
// or protocol-specific fetching.
type Downloader interface {
	Download(ctx context.Context, ref AssetRef) ([]byte, string, error)
}

// Streamer is implemented by LLM adapters that can surface token deltas.
type Streamer interface {
	Stream(ctx context.Context, params Params, onDelta func(string)) Result
}

// DefaultTimeout is the invocation deadline used when an adapter does not
// declare one.
func DefaultTimeout(kind Kind) time.Duration {
	switch {
	case kind.IsVideo():
		return 300 * time.Second
	case kind.IsLLM():
		return 120 * time.Second
	default:
		return 90 * time.Second
	}
}
