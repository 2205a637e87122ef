package service

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"sync"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

var testPNG = func() []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

// gauge tracks concurrent invocations across every adapter sharing it.
type gauge struct {
	mu       sync.Mutex
	cur, max int
}

func (g *gauge) enter() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.max {
		g.max = g.cur
	}
	g.mu.Unlock()
}

func (g *gauge) leave() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *gauge) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

type fakeAdapter struct {
	id    string
	model string
	caps  provider.Capabilities
	fn    func(ctx context.Context, params provider.Params) provider.Result
	delay time.Duration
	all   *gauge

	own   gauge
	mu    sync.Mutex
	calls []provider.Params
}

func newFakeAdapter(id, model string, kind provider.Kind, concurrency int) *fakeAdapter {
	return &fakeAdapter{
		id:    id,
		model: model,
		caps:  provider.Capabilities{Kind: kind, MaxConcurrency: concurrency, Timeout: 5 * time.Second},
	}
}

func (f *fakeAdapter) ID() string                                  { return f.id }
func (f *fakeAdapter) Model() string                               { return f.model }
func (f *fakeAdapter) Capabilities() provider.Capabilities         { return f.caps }
func (f *fakeAdapter) EstimateCost(params provider.Params) float64 { return 0.01 }

func (f *fakeAdapter) Invoke(ctx context.Context, params provider.Params) provider.Result {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	f.own.enter()
	defer f.own.leave()
	if f.all != nil {
		f.all.enter()
		defer f.all.leave()
	}

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return provider.FromContext(ctx)
		case <-time.After(f.delay):
		}
	}
	if f.fn != nil {
		return f.fn(ctx, params)
	}
	if f.caps.Kind.IsVideo() {
		return provider.Success(provider.AssetRef{Inline: []byte("fake-mp4-bytes"), ContentType: "video/mp4"})
	}
	return provider.Success(provider.AssetRef{Inline: testPNG, ContentType: "image/png"})
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) callsFor(prompt string) []provider.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.Params
	for _, p := range f.calls {
		if p.String(provider.KeyPrompt) == prompt {
			out = append(out, p)
		}
	}
	return out
}

// fakeLLM answers every call with the same text.
type fakeLLM struct {
	text string

	mu    sync.Mutex
	calls int
}

func (l *fakeLLM) ID() string    { return "llm" }
func (l *fakeLLM) Model() string { return "gpt-test" }
func (l *fakeLLM) Capabilities() provider.Capabilities {
	return provider.Capabilities{Kind: provider.KindLLMText, MaxConcurrency: 1, Timeout: 5 * time.Second}
}
func (l *fakeLLM) EstimateCost(provider.Params) float64 { return 0 }

func (l *fakeLLM) Invoke(ctx context.Context, params provider.Params) provider.Result {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if ctx.Err() != nil {
		return provider.FromContext(ctx)
	}
	return provider.TextResult(l.text)
}

type fakeTitler struct {
	title string
	err   error
}

func (t fakeTitler) Title(context.Context, string, string) (string, error) {
	return t.title, t.err
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	meta    map[string]MediaMetadata
	uploads int
}

func newMemStorage() *memStorage {
	return &memStorage{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		meta:    make(map[string]MediaMetadata),
	}
}

func (s *memStorage) Exists(_ context.Context, p string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[p]
	return ok, nil
}

func (s *memStorage) UploadBuffer(_ context.Context, data []byte, p, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[p] = append([]byte(nil), data...)
	s.types[p] = contentType
	s.uploads++
	return "mem://" + p, nil
}

func (s *memStorage) SaveMediaMetadata(_ context.Context, p string, meta MediaMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[p] = meta
	return nil
}

func (s *memStorage) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// recordSink keeps every event; onEvent runs inside Publish.
type recordSink struct {
	mu      sync.Mutex
	events  []models.Event
	onEvent func(models.Event)
}

func (s *recordSink) Publish(ev models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	return nil
}

func (s *recordSink) all() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func (s *recordSink) ofType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// statusesByNode returns the node_update statuses per node in emit order.
func (s *recordSink) statusesByNode() map[string][]models.NodeStatus {
	out := make(map[string][]models.NodeStatus)
	for _, ev := range s.ofType(models.EventNodeUpdate) {
		out[ev.NodeID] = append(out[ev.NodeID], ev.Status)
	}
	return out
}

func testProfile() config.Profile {
	return config.Profile{
		FrameMode: "first-only",
		Models: config.ProfileModels{
			CharacterPrimary: "t2i",
			CharacterVariant: "edit",
			LocationPrimary:  "t2i",
			LocationVariant:  "edit",
			PlanFrame:        "edit",
			PlanFrameNoRef:   "t2i",
			VideoFirst:       "i2v",
			VideoFirstLast:   "flf2v",
		},
		AspectRatios: map[string]string{"character": "1:1", "location": "16:9", "plan": "16:9", "video": "16:9"},
	}
}

type testProviders struct {
	reg                   *provider.Registry
	t2i, edit, i2v, flf2v *fakeAdapter
}

func newTestProviders(all *gauge) *testProviders {
	tp := &testProviders{
		reg:   provider.NewRegistry(),
		t2i:   newFakeAdapter("fake-t2i", "t2i", provider.KindImageT2I, 2),
		edit:  newFakeAdapter("fake-edit", "edit", provider.KindImageEdit, 2),
		i2v:   newFakeAdapter("fake-i2v", "i2v", provider.KindVideoFirst, 2),
		flf2v: newFakeAdapter("fake-flf2v", "flf2v", provider.KindVideoFirstLast, 2),
	}
	for _, a := range []*fakeAdapter{tp.t2i, tp.edit, tp.i2v, tp.flf2v} {
		a.all = all
		tp.reg.Register(a)
	}
	return tp
}

func testPlan(shots int) *models.Plan {
	plan := &models.Plan{
		Title:    "Dawn",
		Synopsis: "Alice walks on the beach at dawn.",
		Characters: []models.Character{{
			ID:   "alice",
			Name: "Alice",
			Prompts: models.CharacterPrompts{
				Primary: "a young woman in a red coat",
				Face:    promptCharacterFace,
				Profile: promptCharacterProfile,
				Back:    promptCharacterBack,
			},
		}},
		Locations: []models.Location{{
			ID:   "beach",
			Name: "Beach",
			Prompts: models.LocationPrompts{
				Primary:       "a wide sandy beach at dawn",
				Angle2:        promptLocationAngle2,
				Plongee:       promptLocationPlongee,
				ContrePlongee: promptLocationContrePlongee,
			},
		}},
	}
	scene := models.Scene{ID: "scene-1", SceneNumber: 1}
	for i := 1; i <= shots; i++ {
		scene.Plans = append(scene.Plans, models.Shot{
			ID:               "plan-1-" + strings.Repeat("x", i),
			PlanNumber:       i,
			Prompt:           "Alice walks toward the sea",
			PromptFirstFrame: "Alice stands on the sand",
			PromptLastFrame:  "Alice reaches the waterline",
			CharacterRefs:    []string{"alice"},
			LocationRef:      "beach",
			Duration:         5,
		})
	}
	plan.Scenes = []models.Scene{scene}
	return plan
}

func testSettings(couples, videos int) models.Settings {
	return models.Settings{CouplesPerPlan: couples, VideosPerCouple: videos, VideoDuration: 5, VideoAspectRatio: "16:9"}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Floor: time.Millisecond, Cap: 5 * time.Millisecond, RateLimitFloor: 2 * time.Millisecond}
}
