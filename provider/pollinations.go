package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

type PollinationsOptions struct {
	ID           string
	Endpoint     string
	Model        string
	Capabilities Capabilities
	HTTPClient   *http.Client
}

// PollinationsAdapter is a GET-only text-to-image backend. It needs no key
// and returns the image bytes in the response, so outputs are inline.
type PollinationsAdapter struct {
	id         string
	endpoint   string
	model      string
	caps       Capabilities
	httpClient *http.Client
}

func NewPollinationsAdapter(o PollinationsOptions) *PollinationsAdapter {
	if o.Endpoint == "" {
		o.Endpoint = "https://image.pollinations.ai"
	}
	if o.Model == "" {
		o.Model = "flux"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return &PollinationsAdapter{
		id:         o.ID,
		endpoint:   strings.TrimRight(o.Endpoint, "/"),
		model:      o.Model,
		caps:       o.Capabilities,
		httpClient: o.HTTPClient,
	}
}

func (p *PollinationsAdapter) ID() string                 { return p.id }
func (p *PollinationsAdapter) Model() string              { return p.model }
func (p *PollinationsAdapter) Capabilities() Capabilities { return p.caps }
func (p *PollinationsAdapter) EstimateCost(Params) float64 {
	return 0
}

func (p *PollinationsAdapter) Invoke(ctx context.Context, params Params) Result {
	prompt := params.String(KeyPrompt)
	if prompt == "" {
		return Failure(CodeInvalidInput, "empty prompt")
	}
	width, height := dimensions(params)

	seed := cast.ToInt64(params[string(ParamSeed)])
	if seed == 0 {
		h := fnv.New32a()
		h.Write([]byte(prompt))
		seed = int64(h.Sum32() % 1_000_000)
	}

	q := url.Values{}
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	q.Set("seed", strconv.FormatInt(seed, 10))
	q.Set("model", p.model)
	q.Set("nologo", "true")
	imageURL := fmt.Sprintf("%s/prompt/%s?%s", p.endpoint, url.PathEscape(prompt), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return Failure(CodeInvalidInput, err.Error())
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StoryFlow/1.0)")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FromContext(ctx)
		}
		return Failure(CodeTransient, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyHTTPStatus(resp.StatusCode, "pollinations status")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return FromContext(ctx)
		}
		return Failure(CodeTransient, err.Error())
	}
	// an error page instead of an image
	if len(data) < 100 {
		return Failure(CodeTransient, fmt.Sprintf("response too small (%d bytes)", len(data)))
	}
	return Success(AssetRef{
		URL:         imageURL,
		ContentType: resp.Header.Get("Content-Type"),
		Width:       width,
		Height:      height,
		Inline:      data,
	})
}

// dimensions reads "WxH" from the resolution param, falling back to the
// aspect ratio on a 1024 long edge.
func dimensions(params Params) (int, int) {
	if w, h, ok := ParseDimensions(params.String(string(ParamResolution))); ok {
		return w, h
	}
	switch params.String(string(ParamAspectRatio)) {
	case "9:16":
		return 576, 1024
	case "1:1":
		return 1024, 1024
	case "4:3":
		return 1024, 768
	default:
		return 1024, 576
	}
}

func ParseDimensions(s string) (int, int, bool) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
