package provider

import (
	"fmt"
	"log"
	"sync"
	"time"

	"StoryFlow-server/config"
)

// Registry maps provider ids and model ids onto adapters. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
	models   map[string]string // model id -> adapter id
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		models:   make(map[string]string),
	}
}

// Register adds a under its ID. Re-registering an id replaces the adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ID()]; !ok {
		r.order = append(r.order, a.ID())
	}
	r.adapters[a.ID()] = a
	if m, ok := a.(interface{ Model() string }); ok && m.Model() != "" {
		if _, taken := r.models[m.Model()]; !taken {
			r.models[m.Model()] = a.ID()
		}
	}
}

func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// ForModel resolves a model id (as named by a generation profile) to the
// adapter serving it. A provider id is accepted as well.
func (r *Registry) ForModel(modelID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.models[modelID]; ok {
		return r.adapters[id], true
	}
	a, ok := r.adapters[modelID]
	return a, ok
}

// ForKind returns the first registered adapter of kind.
func (r *Registry) ForKind(kind Kind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if a := r.adapters[id]; a.Capabilities().Kind == kind {
			return a, true
		}
	}
	return nil, false
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// FromConfig builds a registry from the providers section of cfg.
func FromConfig(cfg *config.Config) (*Registry, error) {
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		a, err := newAdapter(pc, cfg.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		reg.Register(a)
		log.Printf("[Provider] registered %s (%s, model=%s, concurrency=%d)", pc.ID, pc.Kind, pc.Model, pc.MaxConcurrency)
	}
	return reg, nil
}

func newAdapter(pc config.ProviderConfig, pipe config.PipelineConfig) (Adapter, error) {
	kind := Kind(pc.Kind)
	caps, err := baseCapabilities(pc.Type, kind)
	if err != nil {
		return nil, err
	}
	caps.MaxConcurrency = pc.MaxConcurrency
	caps.AcceptsImageURLs = pc.AcceptsImageURLs
	caps.RequestsPerMinute = pc.RequestsPerMinute
	caps.Timeout = timeoutFor(kind, pc, pipe)

	switch pc.Type {
	case "openai":
		return NewOpenAIAdapter(OpenAIOptions{
			ID:           pc.ID,
			Model:        pc.Model,
			APIKey:       pc.APIKey,
			BaseURL:      pc.Endpoint,
			Capabilities: caps,
			CostPerCall:  pc.CostPerCall,
		}), nil
	case "worker":
		return NewWorkerAdapter(WorkerOptions{
			ID:            pc.ID,
			Endpoint:      pc.Endpoint,
			Model:         pc.Model,
			Capabilities:  caps,
			PollInterval:  pipe.PollInterval(),
			CostPerCall:   pc.CostPerCall,
			CostPerSecond: pc.CostPerSecond,
		}), nil
	case "pollinations":
		return NewPollinationsAdapter(PollinationsOptions{
			ID:           pc.ID,
			Endpoint:     pc.Endpoint,
			Model:        pc.Model,
			Capabilities: caps,
		}), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", pc.Type)
}

func timeoutFor(kind Kind, pc config.ProviderConfig, pipe config.PipelineConfig) time.Duration {
	if pc.TimeoutSeconds > 0 {
		return time.Duration(pc.TimeoutSeconds) * time.Second
	}
	var secs int
	switch {
	case kind.IsVideo():
		secs = pipe.VideoTimeoutSeconds
	case kind.IsLLM():
		secs = pipe.LLMTimeoutSeconds
	default:
		secs = pipe.ImageTimeoutSeconds
	}
	if secs <= 0 {
		return DefaultTimeout(kind)
	}
	return time.Duration(secs) * time.Second
}

var aspectRatios = OneOf("16:9", "9:16", "1:1", "4:3")

// baseCapabilities declares what each backend family accepts per kind.
func baseCapabilities(typ string, kind Kind) (Capabilities, error) {
	caps := Capabilities{Kind: kind}
	switch typ {
	case "openai":
		if !kind.IsLLM() {
			return caps, fmt.Errorf("openai adapter cannot serve %s", kind)
		}
		return caps, nil
	case "pollinations":
		if kind != KindImageT2I {
			return caps, fmt.Errorf("pollinations adapter cannot serve %s", kind)
		}
		caps.SupportedParams = []Param{ParamResolution, ParamSeed, ParamAspectRatio}
		caps.Ranges = map[Param]Range{ParamAspectRatio: aspectRatios}
		return caps, nil
	case "worker":
	default:
		return caps, fmt.Errorf("unknown provider type %q", typ)
	}

	switch kind {
	case KindImageT2I:
		caps.SupportedParams = []Param{ParamAspectRatio, ParamResolution, ParamOutputFormat, ParamSeed,
			ParamGuidanceScale, ParamNumInferenceSteps, ParamNegativePrompt}
		caps.Defaults = map[Param]any{ParamOutputFormat: "png", ParamNumInferenceSteps: 28}
	case KindImageEdit:
		caps.SupportedParams = []Param{ParamAspectRatio, ParamResolution, ParamOutputFormat, ParamSeed,
			ParamGuidanceScale, ParamNumInferenceSteps, ParamNegativePrompt, ParamStrength}
		caps.Defaults = map[Param]any{ParamOutputFormat: "png", ParamStrength: 0.8}
	case KindImageUpscale:
		caps.SupportedParams = []Param{ParamOutputFormat, ParamResolution, ParamSeed}
		caps.Defaults = map[Param]any{ParamOutputFormat: "png"}
	case KindVideoFirst:
		caps.SupportedParams = []Param{ParamAspectRatio, ParamResolution, ParamSeed, ParamDuration,
			ParamFPS, ParamNegativePrompt, ParamStartImage}
		caps.Defaults = map[Param]any{ParamFPS: 24}
	case KindVideoFirstLast:
		caps.SupportedParams = []Param{ParamAspectRatio, ParamResolution, ParamSeed, ParamDuration,
			ParamFPS, ParamNegativePrompt, ParamStartImage, ParamEndImage}
		caps.Defaults = map[Param]any{ParamFPS: 24}
	default:
		return caps, fmt.Errorf("worker adapter cannot serve %s", kind)
	}
	caps.Ranges = map[Param]Range{
		ParamAspectRatio:       aspectRatios,
		ParamOutputFormat:      OneOf("png", "jpg", "webp", "mp4"),
		ParamGuidanceScale:     Between(0, 20),
		ParamNumInferenceSteps: Between(1, 100),
		ParamStrength:          Between(0, 1),
		ParamDuration:          Between(1, 30),
		ParamFPS:               Between(8, 60),
	}
	return caps, nil
}
