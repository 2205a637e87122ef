package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"

	"golang.org/x/time/rate"
)

// GraphStore checkpoints node mutations so an interrupted run can resume.
type GraphStore interface {
	SaveNode(ctx context.Context, n *models.Node) error
}

// Materialiser turns a provider result into stored assets on n.
type Materialiser interface {
	Materialise(ctx context.Context, n *models.Node, a provider.Adapter, res provider.Result, inputs []string) error
}

// Resolver finds the adapter serving a model id or, failing that, a kind.
type Resolver interface {
	ForModel(modelID string) (provider.Adapter, bool)
	ForKind(kind provider.Kind) (provider.Adapter, bool)
}

type Scheduler struct {
	Providers      Resolver
	Assets         Materialiser
	Events         *Emitter
	Store          GraphStore
	Retry          RetryPolicy
	GlobalInflight int
}

type providerSlot struct {
	adapter  provider.Adapter
	inflight int
	limit    int
	limiter  *rate.Limiter
}

type outcome struct {
	nodeID string
	pid    string
	res    provider.Result
	node   *models.Node
	err    error
}

// run holds the state of one Run call. Only the loop goroutine touches it.
type run struct {
	*Scheduler
	g         *models.Graph
	order     []string
	slots     map[string]*providerSlot
	rr        []string
	rrNext    int
	notBefore map[string]time.Time
	blocked   map[string]bool
	inflight  map[string]context.CancelFunc
	global    int
	results   chan outcome

	requested, completed, failed int
}

// Run drives every node of seq to a terminal state, or until ctx is
// cancelled. A cancelled run returns ErrCancelled with the summary as it
// stood.
func (s *Scheduler) Run(ctx context.Context, g *models.Graph, seq models.Sequence) (models.Summary, error) {
	entries := seq.All()
	r := &run{
		Scheduler: s,
		g:         g,
		order:     make([]string, 0, len(entries)),
		slots:     make(map[string]*providerSlot),
		notBefore: make(map[string]time.Time),
		blocked:   make(map[string]bool),
		inflight:  make(map[string]context.CancelFunc),
		results:   make(chan outcome, len(entries)),
		requested: len(entries),
	}
	for _, e := range entries {
		n := g.Node(e.NodeID)
		if n == nil {
			return models.Summary{}, newPipelineError(CodeInternal, "sequence references unknown node "+e.NodeID, nil)
		}
		r.order = append(r.order, e.NodeID)
		r.recover(n)
	}
	for _, id := range r.order {
		if g.Node(id).Data.Status == models.NodeFailed {
			r.failed++
			r.block(id)
		}
	}

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	for {
		if ctx.Err() != nil {
			return r.cancel(cancelAll)
		}
		r.admit(runCtx)
		if len(r.inflight) == 0 && !r.hasRunnable() {
			break
		}

		var (
			wake  <-chan time.Time
			timer *time.Timer
		)
		if d, ok := r.nextWake(time.Now()); ok {
			timer = time.NewTimer(d)
			wake = timer.C
		}
		select {
		case out := <-r.results:
			r.handle(ctx, out)
		case <-ctx.Done():
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
	return r.summary(), nil
}

// recover normalises state left by a previous process: running nodes go
// back to pending with their counters, completed nodes without an asset
// are redone.
func (r *run) recover(n *models.Node) {
	switch n.Data.Status {
	case models.NodeRunning:
		n.Data.Status = models.NodePending
	case models.NodeCompleted:
		if n.Data.Generated == nil {
			n.Data.Status = models.NodePending
			return
		}
		r.completed++
	case "":
		n.Data.Status = models.NodePending
	}
}

func (r *run) ready(id string, now time.Time) bool {
	n := r.g.Node(id)
	if n.Data.Status != models.NodePending || r.blocked[id] || r.inflight[id] != nil {
		return false
	}
	if t, ok := r.notBefore[id]; ok && now.Before(t) {
		return false
	}
	for _, p := range r.g.Parents(id) {
		if pn := r.g.Node(p); pn == nil || pn.Data.Status != models.NodeCompleted {
			return false
		}
	}
	return true
}

// hasRunnable reports whether some pending node can still become ready.
func (r *run) hasRunnable() bool {
	for _, id := range r.order {
		n := r.g.Node(id)
		if n.Data.Status != models.NodePending || r.blocked[id] {
			continue
		}
		if r.parentsCanComplete(id) {
			return true
		}
	}
	return false
}

func (r *run) parentsCanComplete(id string) bool {
	for _, p := range r.g.Parents(id) {
		pn := r.g.Node(p)
		if pn == nil || pn.Data.Status == models.NodeFailed || r.blocked[p] {
			return false
		}
		if pn.Data.Status == models.NodePending && !pn.Generative() {
			return false
		}
	}
	return true
}

// nextWake returns the wait until the earliest future retry or rate-limit
// deadline. Deadlines already passed are left to admit: a node that is due
// but held back by a full slot waits for a result, not for the timer.
func (r *run) nextWake(now time.Time) (time.Duration, bool) {
	var earliest time.Time
	for id, t := range r.notBefore {
		if !t.After(now) {
			continue
		}
		n := r.g.Node(id)
		if n.Data.Status != models.NodePending || r.blocked[id] {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return earliest.Sub(now), true
}

// admit dispatches ready nodes in sequence order, taking providers in
// round-robin so one slow provider cannot starve the others.
func (r *run) admit(ctx context.Context) {
	now := time.Now()
	queues := make(map[string][]*models.Node)
	for _, id := range r.order {
		if !r.ready(id, now) {
			continue
		}
		n := r.g.Node(id)
		slot, err := r.slotFor(n)
		if err != nil {
			r.fail(ctx, n, CodeProviderPermanent, err.Error())
			continue
		}
		pid := slot.adapter.ID()
		queues[pid] = append(queues[pid], n)
	}
	if len(queues) == 0 {
		return
	}

	for progress := true; progress; {
		progress = false
		for i := 0; i < len(r.rr); i++ {
			if r.GlobalInflight > 0 && r.global >= r.GlobalInflight {
				return
			}
			pid := r.rr[(r.rrNext+i)%len(r.rr)]
			q := queues[pid]
			slot := r.slots[pid]
			if len(q) == 0 || slot.inflight >= slot.limit {
				continue
			}
			n := q[0]
			queues[pid] = q[1:]
			if slot.limiter != nil {
				res := slot.limiter.ReserveN(now, 1)
				if d := res.DelayFrom(now); d > 0 {
					res.CancelAt(now)
					r.notBefore[n.ID] = now.Add(d)
					queues[pid] = nil
					continue
				}
			}
			r.dispatch(ctx, n, slot)
			progress = true
		}
		r.rrNext = (r.rrNext + 1) % len(r.rr)
	}
}

func (r *run) slotFor(n *models.Node) (*providerSlot, error) {
	a, ok := r.Providers.ForModel(n.Data.ModelID)
	if !ok {
		a, ok = r.Providers.ForKind(r.providerKind(n))
	}
	if !ok {
		return nil, fmt.Errorf("no provider for model %q (%s)", n.Data.ModelID, r.providerKind(n))
	}
	slot, ok := r.slots[a.ID()]
	if !ok {
		caps := a.Capabilities()
		slot = &providerSlot{adapter: a, limit: caps.Concurrency()}
		if caps.RequestsPerMinute > 0 {
			slot.limiter = rate.NewLimiter(rate.Limit(float64(caps.RequestsPerMinute)/60), 1)
		}
		r.slots[a.ID()] = slot
		r.rr = append(r.rr, a.ID())
	}
	return slot, nil
}

func (r *run) providerKind(n *models.Node) provider.Kind {
	switch n.Kind {
	case models.NodeCharacterImage, models.NodeLocationImage:
		if n.Data.Variant == "primary" {
			return provider.KindImageT2I
		}
		return provider.KindImageEdit
	case models.NodePlanFirstFrame, models.NodePlanLastFrame:
		if len(r.parentURLs(n.ID)) > 0 {
			return provider.KindImageEdit
		}
		return provider.KindImageT2I
	case models.NodeVideo:
		for _, p := range r.g.Parents(n.ID) {
			if pn := r.g.Node(p); pn != nil && pn.Kind == models.NodePlanLastFrame {
				return provider.KindVideoFirstLast
			}
		}
		return provider.KindVideoFirst
	}
	return ""
}

func (r *run) parentURLs(id string) []string {
	var urls []string
	for _, p := range r.g.Parents(id) {
		if pn := r.g.Node(p); pn != nil && pn.Data.Generated != nil {
			urls = append(urls, pn.Data.Generated.URL)
		}
	}
	return urls
}

// params materialises the invocation params: the node's own params, its
// prompt and the stored urls of its parents.
func (r *run) params(n *models.Node) (provider.Params, []string) {
	p := provider.Params{}
	for k, v := range n.Data.Params {
		p[k] = v
	}
	p[provider.KeyPrompt] = n.Data.Prompt
	inputs := r.parentURLs(n.ID)
	if len(inputs) > 0 {
		p[provider.KeyImageURLs] = inputs
	}
	if n.Kind == models.NodeVideo {
		for _, id := range r.g.Parents(n.ID) {
			pn := r.g.Node(id)
			if pn == nil || pn.Data.Generated == nil {
				continue
			}
			switch pn.Kind {
			case models.NodePlanFirstFrame:
				p[string(provider.ParamStartImage)] = pn.Data.Generated.URL
			case models.NodePlanLastFrame:
				p[string(provider.ParamEndImage)] = pn.Data.Generated.URL
			}
		}
	}
	return p, inputs
}

func (r *run) dispatch(ctx context.Context, n *models.Node, slot *providerSlot) {
	raw, inputs := r.params(n)
	caps := slot.adapter.Capabilities()
	params, dropped, err := caps.Validate(raw)
	if len(dropped) > 0 {
		log.Printf("[Scheduler] %s: %s does not support %v, dropped", n.ID, slot.adapter.ID(), dropped)
	}
	if err != nil {
		r.fail(ctx, n, CodeInvalidInput, err.Error())
		return
	}

	delete(r.notBefore, n.ID)
	n.Data.Status = models.NodeRunning
	n.Data.EstimatedCost = slot.adapter.EstimateCost(params)
	r.checkpoint(ctx, n)
	r.Events.NodeUpdate(n)

	slot.inflight++
	r.global++
	ictx, cancel := context.WithCancel(ctx)
	r.inflight[n.ID] = cancel

	work := n.Clone()
	adapter := slot.adapter
	go func() {
		defer cancel()
		tctx, tcancel := context.WithTimeout(ictx, caps.Deadline())
		res := adapter.Invoke(tctx, params)
		tcancel()
		if !res.OK && ictx.Err() != nil {
			res = provider.Cancelled()
		}
		out := outcome{nodeID: work.ID, pid: adapter.ID(), res: res, node: work}
		if res.OK && r.Assets != nil {
			out.err = r.Assets.Materialise(ictx, work, adapter, res, inputs)
		}
		r.results <- out
	}()
}

func (r *run) handle(ctx context.Context, out outcome) {
	n := r.g.Node(out.nodeID)
	if cancel, ok := r.inflight[out.nodeID]; ok {
		cancel()
		delete(r.inflight, out.nodeID)
	}
	r.release(out.pid)
	if ctx.Err() != nil {
		return
	}

	switch {
	case out.res.OK && out.err == nil:
		n.Data.Generated = out.node.Data.Generated
		n.Data.ExtraOutputs = out.node.Data.ExtraOutputs
		n.Data.LocalPath = out.node.Data.LocalPath
		n.Data.Status = models.NodeCompleted
		n.Data.ErrorCode, n.Data.Error = "", ""
		r.completed++
		r.checkpoint(ctx, n)
		r.Events.NodeUpdate(n)
		r.progress()
	case out.res.OK:
		log.Printf("[Scheduler] %s: asset materialisation failed: %v", n.ID, out.err)
		r.fail(ctx, n, CodeAssetFailed, out.err.Error())
	default:
		d := r.Retry.Decide(&n.Data, out.res)
		if !d.Retry {
			r.fail(ctx, n, d.Code, d.Message)
			return
		}
		log.Printf("[Scheduler] %s: %s, retry %d/%d in %v", n.ID, out.res.Code, n.Data.Attempts, r.Retry.MaxAttempts, d.Delay)
		n.Data.Status = models.NodePending
		r.notBefore[n.ID] = time.Now().Add(d.Delay)
		r.checkpoint(ctx, n)
		r.Events.NodeUpdate(n)
	}
}

func (r *run) release(pid string) {
	if slot, ok := r.slots[pid]; ok && slot.inflight > 0 {
		slot.inflight--
	}
	if r.global > 0 {
		r.global--
	}
}

func (r *run) fail(ctx context.Context, n *models.Node, code, msg string) {
	n.Data.Status = models.NodeFailed
	n.Data.ErrorCode = code
	n.Data.Error = msg
	r.failed++
	r.block(n.ID)
	r.checkpoint(ctx, n)
	r.Events.NodeUpdate(n)
	r.progress()
}

// block marks every descendant of id as never runnable.
func (r *run) block(id string) {
	queue := r.g.Children(id)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if r.blocked[c] {
			continue
		}
		r.blocked[c] = true
		queue = append(queue, r.g.Children(c)...)
	}
}

func (r *run) skipped() int {
	n := 0
	for _, id := range r.order {
		if r.blocked[id] && !r.g.Node(id).Data.Status.Terminal() {
			n++
		}
	}
	return n
}

func (r *run) progress() {
	r.Events.Progress(r.completed+r.failed+r.skipped(), r.requested)
}

func (r *run) checkpoint(ctx context.Context, n *models.Node) {
	if r.Store == nil {
		return
	}
	if err := r.Store.SaveNode(context.WithoutCancel(ctx), n); err != nil {
		log.Printf("[Scheduler] checkpoint %s failed: %v", n.ID, err)
	}
}

func (r *run) summary() models.Summary {
	return models.Summary{
		Requested: r.requested,
		Completed: r.completed,
		Failed:    r.failed,
		Skipped:   r.requested - r.completed - r.failed,
	}
}

// cancel stops admission, cancels every in-flight invocation and drains
// their results without emitting anything.
func (r *run) cancel(cancelAll context.CancelFunc) (models.Summary, error) {
	r.Events.Freeze()
	cancelAll()
	for len(r.inflight) > 0 {
		out := <-r.results
		delete(r.inflight, out.nodeID)
	}
	log.Printf("[Scheduler] cancelled with %d/%d nodes completed", r.completed, r.requested)
	return r.summary(), ErrCancelled
}
