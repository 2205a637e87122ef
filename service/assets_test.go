package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

type downloadingAdapter struct {
	*fakeAdapter
	data []byte
	ct   string
	got  []provider.AssetRef
}

func (d *downloadingAdapter) Download(_ context.Context, ref provider.AssetRef) ([]byte, string, error) {
	d.got = append(d.got, ref)
	return d.data, d.ct, nil
}

func imageNode(id string) *models.Node {
	return &models.Node{
		ID:   id,
		Kind: models.NodeCharacterImage,
		Data: models.NodeData{
			Prompt:  "a young woman in a red coat",
			ModelID: "t2i",
			Params:  map[string]any{"aspect_ratio": "1:1"},
			Status:  models.NodeRunning,
		},
	}
}

func TestMaterialiseStoresAsset(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	m := NewAssetMaterialiser(storage, fakeTitler{title: "Red-Coat"}, "runs/r1")
	a := newFakeAdapter("fake-t2i", "t2i", provider.KindImageT2I, 1)
	n := imageNode("character:alice:primary")

	res := provider.Success(provider.AssetRef{Inline: testPNG, ContentType: "image/png"})
	if err := m.Materialise(context.Background(), n, a, res, []string{"mem://in.png"}); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	gen := n.Data.Generated
	want := "runs/r1/characterImage/Red-Coat.png"
	if gen == nil || gen.Path != want || gen.URL != "mem://"+want || n.Data.LocalPath != want {
		t.Fatalf("generated=%+v", gen)
	}
	if gen.Width != 4 || gen.Height != 3 || gen.ContentType != "image/png" {
		t.Fatalf("generated=%+v", gen)
	}

	meta, ok := storage.meta[want]
	if !ok {
		t.Fatalf("no metadata for %s", want)
	}
	if !meta.IsGenerated || meta.ModelID != "t2i" || meta.Format != "png" || meta.Prompt != n.Data.Prompt {
		t.Fatalf("meta=%+v", meta)
	}
	if len(meta.InputAssets) != 1 || meta.InputAssets[0] != "mem://in.png" {
		t.Fatalf("inputAssets=%v", meta.InputAssets)
	}

	// a second call on a node that already carries an asset is a no-op
	if err := m.Materialise(context.Background(), n, a, res, nil); err != nil {
		t.Fatalf("second Materialise: %v", err)
	}
	if storage.uploadCount() != 1 {
		t.Fatalf("uploads=%d", storage.uploadCount())
	}
}

func TestMaterialiseNameCollision(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	storage.objects["runs/r1/characterImage/Red-Coat.png"] = []byte("old")
	m := NewAssetMaterialiser(storage, fakeTitler{title: "Red-Coat"}, "runs/r1")
	a := newFakeAdapter("fake-t2i", "t2i", provider.KindImageT2I, 1)
	res := provider.Success(provider.AssetRef{Inline: testPNG, ContentType: "image/png"})

	first, second := imageNode("a"), imageNode("b")
	if err := m.Materialise(context.Background(), first, a, res, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if err := m.Materialise(context.Background(), second, a, res, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if p := first.Data.Generated.Path; p != "runs/r1/characterImage/Red-Coat-2.png" {
		t.Fatalf("first path=%s", p)
	}
	if p := second.Data.Generated.Path; p != "runs/r1/characterImage/Red-Coat-3.png" {
		t.Fatalf("second path=%s", p)
	}
	if string(storage.objects["runs/r1/characterImage/Red-Coat.png"]) != "old" {
		t.Fatalf("existing object overwritten")
	}
}

func TestMaterialiseExtraOutputs(t *testing.T) {
	t.Parallel()

	m := NewAssetMaterialiser(newMemStorage(), fakeTitler{title: "beach"}, "runs/r1")
	a := newFakeAdapter("fake-t2i", "t2i", provider.KindImageT2I, 1)
	n := imageNode("location:beach:primary")
	n.Kind = models.NodeLocationImage

	res := provider.Success(
		provider.AssetRef{Inline: testPNG, ContentType: "image/png"},
		provider.AssetRef{Inline: testPNG, ContentType: "image/png"},
		provider.AssetRef{Inline: testPNG, ContentType: "image/png"},
	)
	if err := m.Materialise(context.Background(), n, a, res, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if n.Data.Generated.Path != "runs/r1/locationImage/beach.png" {
		t.Fatalf("primary path=%s", n.Data.Generated.Path)
	}
	if len(n.Data.ExtraOutputs) != 2 || n.Data.ExtraOutputs[1].Path != "runs/r1/locationImage/beach-3.png" {
		t.Fatalf("extraOutputs=%+v", n.Data.ExtraOutputs)
	}
}

func TestMaterialiseFallbackTitle(t *testing.T) {
	t.Parallel()

	m := NewAssetMaterialiser(newMemStorage(), fakeTitler{err: errors.New("llm down")}, "runs/r1")
	m.Now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }
	a := newFakeAdapter("fake-i2v", "i2v", provider.KindVideoFirst, 1)
	n := imageNode("video:1.1:1:1")
	n.Kind = models.NodeVideo

	res := provider.Success(provider.AssetRef{Inline: []byte("fake-mp4-bytes"), ContentType: "video/mp4"})
	if err := m.Materialise(context.Background(), n, a, res, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if p := n.Data.Generated.Path; p != "runs/r1/video/video-20250304-050607.mp4" {
		t.Fatalf("path=%s", p)
	}
}

func TestMaterialiseUsesDownloader(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	m := NewAssetMaterialiser(storage, fakeTitler{title: "frame"}, "runs/r1")
	a := &downloadingAdapter{
		fakeAdapter: newFakeAdapter("worker", "edit", provider.KindImageEdit, 1),
		data:        testPNG,
		ct:          "application/octet-stream",
	}
	n := imageNode("planFirstFrame:1.1:1")
	n.Kind = models.NodePlanFirstFrame

	res := provider.Success(provider.AssetRef{URL: "worker://jobs/42/output"})
	if err := m.Materialise(context.Background(), n, a, res, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if len(a.got) != 1 || a.got[0].URL != "worker://jobs/42/output" {
		t.Fatalf("downloads=%+v", a.got)
	}
	// octet-stream is sniffed
	if n.Data.Generated.ContentType != "image/png" || !strings.HasSuffix(n.Data.Generated.Path, ".png") {
		t.Fatalf("generated=%+v", n.Data.Generated)
	}
}

func TestMaterialiseFetchesURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "binary/octet-stream")
		w.Write(testPNG)
	}))
	defer srv.Close()

	m := NewAssetMaterialiser(newMemStorage(), fakeTitler{title: "shot"}, "runs/r1")
	a := newFakeAdapter("fake-edit", "edit", provider.KindImageEdit, 1)

	n := imageNode("planFirstFrame:1.1:1")
	res := provider.Success(provider.AssetRef{URL: srv.URL + "/out.png"})
	if err := m.Materialise(context.Background(), n, a, res, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if n.Data.Generated.ContentType != "image/png" || n.Data.Generated.Width != 4 {
		t.Fatalf("generated=%+v", n.Data.Generated)
	}

	failed := imageNode("planFirstFrame:1.1:2")
	res = provider.Success(provider.AssetRef{URL: srv.URL + "/missing"})
	if err := m.Materialise(context.Background(), failed, a, res, nil); err == nil {
		t.Fatalf("expected an error for a 404 output")
	}
	if failed.Data.Generated != nil {
		t.Fatalf("failed node got an asset")
	}
}

func TestMaterialiseNoOutputs(t *testing.T) {
	t.Parallel()

	m := NewAssetMaterialiser(newMemStorage(), nil, "runs/r1")
	a := newFakeAdapter("fake-t2i", "t2i", provider.KindImageT2I, 1)
	if err := m.Materialise(context.Background(), imageNode("x"), a, provider.Success(), nil); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestMaterialiseRejectsOversizedAsset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(testPNG)
	}))
	defer srv.Close()

	storage := newMemStorage()
	m := NewAssetMaterialiser(storage, fakeTitler{title: "shot"}, "runs/r1")
	m.MaxBytes = int64(len(testPNG)) - 1
	a := newFakeAdapter("fake-edit", "edit", provider.KindImageEdit, 1)

	n := imageNode("planFirstFrame:1.1:1")
	err := m.Materialise(context.Background(), n, a, provider.Success(provider.AssetRef{URL: srv.URL + "/big.png"}), nil)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("err=%v", err)
	}
	if n.Data.Generated != nil || storage.uploadCount() != 0 {
		t.Fatalf("truncated asset stored")
	}

	m.MaxBytes = int64(len(testPNG))
	if err := m.Materialise(context.Background(), n, a, provider.Success(provider.AssetRef{URL: srv.URL + "/fits.png"}), nil); err != nil {
		t.Fatalf("asset at the limit rejected: %v", err)
	}
}
