package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

type WorkerOptions struct {
	ID            string
	Endpoint      string
	Model         string
	Capabilities  Capabilities
	PollInterval  time.Duration
	CostPerCall   float64
	CostPerSecond float64
	HTTPClient    *http.Client
}

// WorkerAdapter drives a GPU worker over its job protocol: POST
// /v1/generate returns a job id, GET /v1/jobs/{id} is polled until the job
// settles, DELETE /v1/jobs/{id} aborts it.
type WorkerAdapter struct {
	id            string
	endpoint      string
	model         string
	caps          Capabilities
	pollInterval  time.Duration
	costPerCall   float64
	costPerSecond float64
	httpClient    *http.Client
}

func NewWorkerAdapter(o WorkerOptions) *WorkerAdapter {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WorkerAdapter{
		id:            o.ID,
		endpoint:      strings.TrimRight(o.Endpoint, "/"),
		model:         o.Model,
		caps:          o.Capabilities,
		pollInterval:  o.PollInterval,
		costPerCall:   o.CostPerCall,
		costPerSecond: o.CostPerSecond,
		httpClient:    o.HTTPClient,
	}
}

func (w *WorkerAdapter) ID() string                 { return w.id }
func (w *WorkerAdapter) Model() string              { return w.model }
func (w *WorkerAdapter) Capabilities() Capabilities { return w.caps }

func (w *WorkerAdapter) EstimateCost(params Params) float64 {
	cost := w.costPerCall
	if w.costPerSecond > 0 {
		cost += w.costPerSecond * cast.ToFloat64(params[string(ParamDuration)])
	}
	return cost
}

type workerJobResult struct {
	ResourceURL  string   `json:"resource_url"`
	ResourceURLs []string `json:"resource_urls"`
	ContentType  string   `json:"content_type"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
}

type workerJob struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	ErrorCode string          `json:"error_code"`
	Result    workerJobResult `json:"result"`
}

func (w *WorkerAdapter) Invoke(ctx context.Context, params Params) Result {
	jobID, res := w.submit(ctx, params)
	if !res.OK {
		return res
	}
	log.Printf("[Worker] %s submitted job %s", w.id, jobID)
	return w.poll(ctx, jobID)
}

// submit posts the generation request and returns the worker's job id.
func (w *WorkerAdapter) submit(ctx context.Context, params Params) (string, Result) {
	body := map[string]any{
		"id":         uuid.NewString(),
		"type":       string(w.caps.Kind),
		"model":      w.model,
		"prompt":     params.String(KeyPrompt),
		"image_urls": params[KeyImageURLs],
		"parameters": workerParameters(params),
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", Failure(CodeInvalidInput, fmt.Sprintf("marshal request failed: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", Failure(CodeInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", FromContext(ctx)
		}
		return "", Failure(CodeTransient, fmt.Sprintf("worker request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", classifyHTTPStatus(resp.StatusCode, "worker status code")
	}

	var respData map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", Failure(CodeTransient, fmt.Sprintf("decode response failed: %v", err))
	}
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, Result{OK: true}
	}
	if id, ok := respData["job_id"].(string); ok && id != "" {
		return id, Result{OK: true}
	}
	return "", Failure(CodePermanent, "response missing 'id'")
}

func (w *WorkerAdapter) poll(ctx context.Context, jobID string) Result {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.endpoint, url.PathEscape(jobID))
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			go w.cancelJob(jobID)
			return FromContext(ctx)
		case <-ticker.C:
		}

		job, res, done := w.fetchJob(ctx, jobURL)
		if done {
			if ctx.Err() != nil {
				go w.cancelJob(jobID)
				return FromContext(ctx)
			}
			return res
		}
		if job == nil {
			continue
		}

		switch strings.ToLower(job.Status) {
		case "finished", "success", "completed", "succeeded":
			return w.outputs(job.Result)
		case "failed", "error":
			code := Code(job.ErrorCode)
			if code == "" {
				code = CodePermanent
			}
			msg := job.Error
			if msg == "" {
				msg = job.Message
			}
			return Failure(code, fmt.Sprintf("worker reported failure: %s", msg))
		case "cancelled", "canceled":
			return Failure(CodeTransient, "job cancelled by worker")
		}
	}
}

// fetchJob reads one job snapshot. done is set when polling must stop with
// res; a nil job with done unset means "try again next tick".
func (w *WorkerAdapter) fetchJob(ctx context.Context, jobURL string) (*workerJob, Result, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, Failure(CodePermanent, err.Error()), true
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Result{}, true
		}
		log.Printf("[Worker] poll network error (retrying): %v", err)
		return nil, Result{}, false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, Failure(CodePermanent, "job not found"), true
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Result{}, false
	case resp.StatusCode != http.StatusOK:
		return nil, classifyHTTPStatus(resp.StatusCode, "worker poll status"), true
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Worker] read poll body failed: %v", err)
		return nil, Result{}, false
	}
	var job workerJob
	if err := json.Unmarshal(bodyBytes, &job); err != nil {
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 2000 {
			bodyStr = bodyStr[:2000] + "..."
		}
		log.Printf("[Worker] decode poll body failed: %v, body: %s", err, bodyStr)
		return nil, Result{}, false
	}
	return &job, Result{}, false
}

func (w *WorkerAdapter) outputs(r workerJobResult) Result {
	urls := r.ResourceURLs
	if len(urls) == 0 && r.ResourceURL != "" {
		urls = []string{r.ResourceURL}
	}
	if len(urls) == 0 {
		return Failure(CodePermanent, "job result missing resource_url")
	}
	refs := make([]AssetRef, 0, len(urls))
	for _, u := range urls {
		refs = append(refs, AssetRef{
			URL:         w.resolve(u),
			ContentType: r.ContentType,
			Width:       r.Width,
			Height:      r.Height,
		})
	}
	return Success(refs...)
}

// cancelJob asks the worker to drop a job. It runs detached from the
// invocation context, which is already done when it is called.
func (w *WorkerAdapter) cancelJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, w.endpoint+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		log.Printf("[Worker] create delete request failed: %v", err)
		return
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		log.Printf("[Worker] delete job %s failed: %v", jobID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		log.Printf("[Worker] delete job %s status: %d", jobID, resp.StatusCode)
	}
}

// Download fetches a job output. Relative resource urls are served by the
// worker itself.
func (w *WorkerAdapter) Download(ctx context.Context, ref AssetRef) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(ref.URL), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	ct := ref.ContentType
	if ct == "" {
		ct = resp.Header.Get("Content-Type")
	}
	return data, ct, nil
}

func (w *WorkerAdapter) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return w.endpoint + "/" + strings.TrimLeft(u, "/")
}

func workerParameters(params Params) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isPassthrough(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func classifyHTTPStatus(status int, prefix string) Result {
	msg := fmt.Sprintf("%s: %d", prefix, status)
	switch {
	case status == http.StatusTooManyRequests:
		return Failure(CodeRateLimited, msg)
	case status >= 500 || status == http.StatusRequestTimeout:
		return Failure(CodeTransient, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return Failure(CodeInvalidInput, msg)
	default:
		return Failure(CodePermanent, msg)
	}
}
