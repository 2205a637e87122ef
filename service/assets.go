package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

// MediaMetadata is the sidecar record stored next to every generated asset.
type MediaMetadata struct {
	IsGenerated bool           `json:"isGenerated"`
	ModelID     string         `json:"modelId"`
	Prompt      string         `json:"prompt"`
	Params      map[string]any `json:"params,omitempty"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	Format      string         `json:"format"`
	InputAssets []string       `json:"inputAssets"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Storage is the blob store assets are written to.
type Storage interface {
	Exists(ctx context.Context, objectPath string) (bool, error)
	UploadBuffer(ctx context.Context, data []byte, objectPath, contentType string) (string, error)
	SaveMediaMetadata(ctx context.Context, objectPath string, meta MediaMetadata) error
}

const maxAssetBytes = 512 << 20

// AssetMaterialiser fetches provider outputs and stores them under Prefix.
// It is safe for concurrent use by the scheduler's workers.
type AssetMaterialiser struct {
	Storage    Storage
	Titles     Titler
	HTTPClient *http.Client
	Prefix     string
	Now        func() time.Time
	// MaxBytes caps a fetched output; 0 means maxAssetBytes.
	MaxBytes int64

	mu       sync.Mutex
	reserved map[string]bool
}

func NewAssetMaterialiser(storage Storage, titles Titler, prefix string) *AssetMaterialiser {
	return &AssetMaterialiser{
		Storage:    storage,
		Titles:     titles,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
		Prefix:     prefix,
		Now:        time.Now,
		reserved:   make(map[string]bool),
	}
}

type fetched struct {
	data        []byte
	contentType string
	ref         provider.AssetRef
}

// Materialise stores every output of res and points n at the first one. A
// node that already carries a generated reference is left untouched.
func (m *AssetMaterialiser) Materialise(ctx context.Context, n *models.Node, a provider.Adapter, res provider.Result, inputs []string) error {
	if n.Data.Generated != nil {
		return nil
	}
	if len(res.Outputs) == 0 {
		return errors.New("provider returned no outputs")
	}

	blobs := make([]fetched, len(res.Outputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range res.Outputs {
		g.Go(func() error {
			data, ct, err := m.fetch(gctx, a, ref)
			if err != nil {
				return fmt.Errorf("fetch output %d: %w", i, err)
			}
			blobs[i] = fetched{data: data, contentType: ct, ref: ref}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	base := m.title(ctx, n)
	dir := path.Join(m.Prefix, string(n.Kind))
	stored := make([]models.Generated, 0, len(blobs))
	for _, b := range blobs {
		gen, err := m.store(ctx, n, dir, base, b, inputs)
		if err != nil {
			return err
		}
		stored = append(stored, gen)
	}

	n.Data.Generated = &stored[0]
	n.Data.LocalPath = stored[0].Path
	if len(stored) > 1 {
		n.Data.ExtraOutputs = stored[1:]
	}
	return nil
}

func (m *AssetMaterialiser) store(ctx context.Context, n *models.Node, dir, base string, b fetched, inputs []string) (models.Generated, error) {
	objectPath, err := m.reserve(ctx, dir, base, extensionFor(b.contentType))
	if err != nil {
		return models.Generated{}, err
	}
	url, err := m.Storage.UploadBuffer(ctx, b.data, objectPath, b.contentType)
	if err != nil {
		return models.Generated{}, fmt.Errorf("upload %s: %w", objectPath, err)
	}

	width, height := b.ref.Width, b.ref.Height
	if (width == 0 || height == 0) && strings.HasPrefix(b.contentType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(b.data)); err == nil {
			width, height = cfg.Width, cfg.Height
		}
	}

	meta := MediaMetadata{
		IsGenerated: true,
		ModelID:     n.Data.ModelID,
		Prompt:      n.Data.Prompt,
		Params:      n.Data.Params,
		Width:       width,
		Height:      height,
		Format:      strings.TrimPrefix(extensionFor(b.contentType), "."),
		InputAssets: append([]string{}, inputs...),
		GeneratedAt: m.now(),
	}
	if err := m.Storage.SaveMediaMetadata(ctx, objectPath, meta); err != nil {
		return models.Generated{}, fmt.Errorf("save metadata %s: %w", objectPath, err)
	}
	log.Printf("[Assets] %s stored %s (%s)", n.ID, objectPath, humanize.Bytes(uint64(len(b.data))))

	return models.Generated{
		URL:         url,
		Path:        objectPath,
		ContentType: b.contentType,
		Width:       width,
		Height:      height,
	}, nil
}

// reserve picks the first free name among base, base-2, base-3, ...
func (m *AssetMaterialiser) reserve(ctx context.Context, dir, base, ext string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved == nil {
		m.reserved = make(map[string]bool)
	}
	for i := 1; ; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		p := path.Join(dir, name+ext)
		if m.reserved[p] {
			continue
		}
		exists, err := m.Storage.Exists(ctx, p)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		if exists {
			m.reserved[p] = true
			continue
		}
		m.reserved[p] = true
		return p, nil
	}
}

func (m *AssetMaterialiser) title(ctx context.Context, n *models.Node) string {
	if m.Titles != nil {
		t, err := m.Titles.Title(ctx, string(n.Kind), n.Data.Prompt)
		if err == nil && t != "" {
			return t
		}
		log.Printf("[Assets] %s: smart title unavailable, using fallback: %v", n.ID, err)
	}
	return fallbackTitle(string(n.Kind), m.now())
}

func (m *AssetMaterialiser) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *AssetMaterialiser) fetch(ctx context.Context, a provider.Adapter, ref provider.AssetRef) ([]byte, string, error) {
	var (
		data []byte
		ct   string
		err  error
	)
	if len(ref.Inline) > 0 {
		data, ct = ref.Inline, ref.ContentType
	} else if d, ok := a.(provider.Downloader); ok {
		data, ct, err = d.Download(ctx, ref)
	} else {
		data, ct, err = m.get(ctx, ref.URL)
	}
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty asset")
	}
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") || strings.HasPrefix(ct, "binary/") {
		ct = mimetype.Detect(data).String()
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return data, ct, nil
}

func (m *AssetMaterialiser) get(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", errors.New("asset has neither bytes nor url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	limit := m.MaxBytes
	if limit <= 0 {
		limit = maxAssetBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("GET %s: asset exceeds %s", url, humanize.IBytes(uint64(limit)))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func extensionFor(contentType string) string {
	if mt := mimetype.Lookup(contentType); mt != nil && mt.Extension() != "" {
		return mt.Extension()
	}
	return ".bin"
}
