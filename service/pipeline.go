package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

// Providers is what a run needs from the adapter registry.
type Providers interface {
	Resolver
	Get(id string) (provider.Adapter, bool)
	IDs() []string
}

// RunStore persists a run's graph so an interrupted run resumes where it
// stopped instead of re-synthesising its plan.
type RunStore interface {
	GraphStore
	SaveSnapshot(ctx context.Context, plan *models.Plan, g *models.Graph, seq models.Sequence) error
	Load(ctx context.Context) (*models.Plan, *models.Graph, models.Sequence, bool, error)
}

// Pipeline turns one brief into a plan, a graph and its generated assets.
type Pipeline struct {
	Config    *config.Config
	Providers Providers
	Storage   Storage
	Titles    Titler
}

// RunRequest is one execution of the pipeline. Store may be nil.
type RunRequest struct {
	RunID       string
	ProjectName string
	Brief       models.Brief
	Config      models.RunConfig
	Sinks       []Sink
	Store       RunStore
}

// Run executes the whole pipeline and terminates the event stream with
// exactly one complete or error event.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (summary models.Summary, err error) {
	em := NewEmitter(req.RunID, req.Sinks...)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] run %s panicked: %v\n%s", req.RunID, r, debug.Stack())
			err = newPipelineError(CodeInternal, fmt.Sprintf("internal error: %v", r), nil)
			p.fail(em, err)
		}
	}()

	summary, err = p.run(ctx, em, req)
	if err != nil {
		p.fail(em, err)
		return summary, err
	}
	em.Complete(summary)
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, em *Emitter, req RunRequest) (models.Summary, error) {
	cfg := req.Config
	if err := req.Brief.Validate(p.Config.Pipeline.TokenBudget); err != nil {
		return models.Summary{}, newPipelineError(CodeInvalidBrief, err.Error(), err)
	}
	notes := cfg.Normalise()
	profile := p.Config.Profiles.For(cfg.Settings.TestMode)
	mode := FrameMode(cfg.Settings, profile)
	retry := NewRetryPolicy(p.Config.Pipeline)

	var (
		plan  *models.Plan
		g     *models.Graph
		seq   models.Sequence
		found bool
		err   error
	)
	if req.Store != nil {
		plan, g, seq, found, err = req.Store.Load(ctx)
		if err != nil {
			return models.Summary{}, newPipelineError(CodeInternal, "load checkpoint", err)
		}
	}

	if found {
		if err := ValidateDAG(g); err != nil {
			return models.Summary{}, newPipelineError(CodeInternal, "checkpoint graph rejected", err)
		}
		log.Printf("[Pipeline] run %s resumes from checkpoint (%d nodes)", req.RunID, len(g.Nodes))
	} else {
		em.PhaseStart(models.PhaseAnalysis)
		llm, ok := p.llmFor(cfg)
		if !ok {
			return models.Summary{}, newPipelineError(CodePlanSynthesisFailed, fmt.Sprintf("no text model among providers %v", p.Providers.IDs()), nil)
		}
		synth := NewSynthesiser(llm, em, retry)
		synth.NodeCount = func(pl *models.Plan) int {
			return ExpectedNodeCount(pl, cfg.Settings, mode)
		}
		plan, err = synth.Synthesise(ctx, req.Brief, cfg)
		if err != nil {
			return models.Summary{}, err
		}

		gm := &GraphMaterialiser{Profile: profile, Settings: cfg.Settings}
		g, seq = gm.Materialise(plan)
		if err := ValidateDAG(g); err != nil {
			return models.Summary{}, err
		}
		if req.Store != nil {
			if err := req.Store.SaveSnapshot(ctx, plan, g, seq); err != nil {
				log.Printf("[Pipeline] run %s: snapshot failed: %v", req.RunID, err)
			}
		}
	}
	if ctx.Err() != nil {
		return models.Summary{}, ErrCancelled
	}

	em.ProjectData(&models.ProjectData{
		ProjectName: req.ProjectName,
		Plan:        plan,
		Graph:       g,
		Sequence:    &seq,
	})
	em.PhaseStart(models.PhaseGeneration)

	sched := &Scheduler{
		Providers:      p.Providers,
		Assets:         NewAssetMaterialiser(p.Storage, p.titler(), "runs/"+req.RunID),
		Events:         em,
		Retry:          retry,
		GlobalInflight: p.Config.Pipeline.GlobalInflight,
	}
	if req.Store != nil {
		sched.Store = req.Store
	}
	summary, err := sched.Run(ctx, g, seq)
	summary.Notes = append(summary.Notes, notes...)
	if err != nil {
		return summary, err
	}
	log.Printf("[Pipeline] run %s done: %d/%d completed, %d failed, %d skipped",
		req.RunID, summary.Completed, summary.Requested, summary.Failed, summary.Skipped)
	return summary, nil
}

// fail terminates the stream with the error's code. A cancellation freezes
// the stream first so no node_update follows it.
func (p *Pipeline) fail(em *Emitter, err error) {
	code := ErrorCode(err)
	if code == CodeCancelled {
		em.Freeze()
	}
	msg := err.Error()
	var nodeID string
	var pe *PipelineError
	if errors.As(err, &pe) {
		msg = pe.Message
		nodeID = pe.NodeID
	}
	em.Error(code, msg, nodeID)
}

// llmFor picks the plan model: the requested model, then the requested
// provider, then the configured default, then any text model.
func (p *Pipeline) llmFor(cfg models.RunConfig) (provider.Adapter, bool) {
	if cfg.AIModel != "" {
		if a, ok := p.Providers.ForModel(cfg.AIModel); ok && a.Capabilities().Kind.IsLLM() {
			return a, true
		}
	}
	if cfg.LLMProvider != "" {
		if a, ok := p.Providers.Get(cfg.LLMProvider); ok && a.Capabilities().Kind.IsLLM() {
			return a, true
		}
	}
	if a, ok := p.Providers.Get(p.Config.LLM.DefaultProvider); ok {
		return a, true
	}
	if a, ok := p.Providers.ForKind(provider.KindLLMStructured); ok {
		return a, true
	}
	return p.Providers.ForKind(provider.KindLLMText)
}

func (p *Pipeline) titler() Titler {
	if p.Titles != nil {
		return p.Titles
	}
	if a, ok := p.Providers.Get(p.Config.LLM.TitleProvider); ok {
		return &SmartTitler{LLM: a}
	}
	if a, ok := p.Providers.ForKind(provider.KindLLMText); ok {
		return &SmartTitler{LLM: a}
	}
	return nil
}
