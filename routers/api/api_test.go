package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"StoryFlow-server/models"
	"StoryFlow-server/service"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func fakeReplay(events ...models.Event) func(context.Context, string, func(models.Event) error) error {
	return func(_ context.Context, runID string, fn func(models.Event) error) error {
		for i, ev := range events {
			ev.Seq = int64(i + 1)
			ev.RunID = runID
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestCreateProjectValidation(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.POST("/projects", CreateProject)

	cases := map[string]string{
		"missing title":  `{"synopsis": "A young woman walks alone on a beach at dawn."}`,
		"short synopsis": `{"title": "Dawn", "synopsis": "too short"}`,
		"bad moodboard":  `{"title": "Dawn", "synopsis": "A young woman walks alone on a beach at dawn.", "moodboard": [{"kind": "hologram", "url": "http://x"}]}`,
		"no bytes":       `{"title": "Dawn", "synopsis": "A young woman walks alone on a beach at dawn.", "moodboard": [{"kind": "image"}]}`,
	}
	for name, body := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s", name, w.Code, w.Body.String())
		}
		var resp map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if resp["code"] != service.CodeInvalidBrief {
			t.Fatalf("%s: resp=%v", name, resp)
		}
	}
}

func TestPipelineEventsSSE(t *testing.T) {
	orig := Replay
	defer func() { Replay = orig }()
	Replay = fakeReplay(
		models.Event{Type: models.EventPhaseStart, Phase: models.PhaseAnalysis},
		models.Event{Type: models.EventNodeUpdate, NodeID: "video:1.1:1:1", Status: models.NodeCompleted},
		models.Event{Type: models.EventComplete, Summary: &models.Summary{Requested: 1, Completed: 1}},
	)

	r := gin.New()
	r.GET("/pipelines/:run_id/events", PipelineEvents)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipelines/run-9/events", nil))

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	frames, err := sse.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("frames=%d body=%s", len(frames), w.Body.String())
	}
	if frames[2].Event != string(models.EventComplete) || frames[2].Id != "3" {
		t.Fatalf("last frame=%+v", frames[2])
	}
	var ev models.Event
	if err := json.Unmarshal([]byte(frames[1].Data.(string)), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.RunID != "run-9" || ev.NodeID != "video:1.1:1:1" || ev.Status != models.NodeCompleted {
		t.Fatalf("event=%+v", ev)
	}
}

func TestPipelineEventsReplayError(t *testing.T) {
	orig := Replay
	defer func() { Replay = orig }()
	Replay = func(context.Context, string, func(models.Event) error) error {
		return errors.New("stream gone")
	}

	r := gin.New()
	r.GET("/pipelines/:run_id/events", PipelineEvents)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipelines/run-9/events", nil))

	frames, err := sse.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil || len(frames) != 1 || frames[0].Event != string(models.EventError) {
		t.Fatalf("frames=%+v err=%v", frames, err)
	}
}

func TestPipelineWebSocket(t *testing.T) {
	orig := Replay
	defer func() { Replay = orig }()
	Replay = fakeReplay(
		models.Event{Type: models.EventPhaseStart, Phase: models.PhaseGeneration},
		models.Event{Type: models.EventError, Code: service.CodeCancelled},
	)

	r := gin.New()
	r.GET("/pipelines/:run_id/wss", PipelineWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/pipelines/run-3/wss"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var got []models.Event
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("ReadJSON: %v", err)
			}
			break
		}
		got = append(got, ev)
	}
	if len(got) != 2 || got[1].Type != models.EventError || got[1].Code != service.CodeCancelled {
		t.Fatalf("got=%+v", got)
	}
}
