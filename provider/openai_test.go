package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestOpenAI(srv *httptest.Server, kind Kind) *OpenAIAdapter {
	return NewOpenAIAdapter(OpenAIOptions{
		ID:           "openai-plan",
		Model:        "gpt-test",
		APIKey:       "test",
		BaseURL:      srv.URL + "/v1/",
		Capabilities: Capabilities{Kind: kind, MaxConcurrency: 1},
	})
}

func completionJSON(content, refusal string) string {
	msg := map[string]any{"role": "assistant", "content": content}
	if refusal != "" {
		msg = map[string]any{"role": "assistant", "content": nil, "refusal": refusal}
	}
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-test",
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": "stop"}},
	})
	return string(b)
}

func TestOpenAIInvokeStructured(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON(`{"title":"Dawn"}`, ""))
	}))
	defer srv.Close()

	a := newTestOpenAI(srv, KindLLMStructured)
	res := a.Invoke(context.Background(), Params{
		KeyMessages:   []Message{{Role: "system", Content: "be terse"}, {Role: "user", Content: "plan it"}},
		KeyJSONSchema: map[string]any{"type": "object"},
		KeySchemaName: "film_plan",
	})
	if !res.OK || res.Text != `{"title":"Dawn"}` {
		t.Fatalf("res=%+v", res)
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_schema" {
		t.Fatalf("response_format=%v", body["response_format"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("messages=%v", body["messages"])
	}
}

func TestOpenAIInvokeRefusal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON("", "I can't help with that."))
	}))
	defer srv.Close()

	res := newTestOpenAI(srv, KindLLMText).Invoke(context.Background(), Params{KeyPrompt: "x"})
	if res.OK || !res.Refused || res.Code != CodePermanent {
		t.Fatalf("res=%+v", res)
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	t.Parallel()

	cases := map[int]Code{
		http.StatusTooManyRequests:     CodeRateLimited,
		http.StatusInternalServerError: CodeTransient,
		http.StatusBadRequest:          CodeInvalidInput,
		http.StatusUnauthorized:        CodePermanent,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope","type":"test"}}`)
		}))
		res := newTestOpenAI(srv, KindLLMText).Invoke(context.Background(), Params{KeyPrompt: "x"})
		srv.Close()
		if res.OK || res.Code != want {
			t.Fatalf("status %d: res=%+v, want %s", status, res, want)
		}
	}
}

func TestOpenAIInvokeWithoutMessages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if res := newTestOpenAI(srv, KindLLMText).Invoke(context.Background(), Params{}); res.Code != CodeInvalidInput {
		t.Fatalf("res=%+v", res)
	}
}

func TestOpenAIStream(t *testing.T) {
	t.Parallel()

	chunks := []string{"Sun", "rise ", "walk"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, c := range chunks {
			delta := map[string]any{"content": c}
			if i == 0 {
				delta["role"] = "assistant"
			}
			b, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "gpt-test",
				"choices": []any{map[string]any{"index": 0, "delta": delta}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var deltas []string
	res := newTestOpenAI(srv, KindLLMText).Stream(context.Background(), Params{KeyPrompt: "title"}, func(d string) {
		deltas = append(deltas, d)
	})
	if !res.OK || res.Text != "Sunrise walk" {
		t.Fatalf("res=%+v", res)
	}
	if len(deltas) != 3 {
		t.Fatalf("deltas=%v", deltas)
	}
}
