package infer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeCompletionServer speaks just enough of the OpenAI streaming protocol
// for the client under test.
func fakeCompletionServer(t *testing.T, frames []string, capture *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if capture != nil {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			raw, _ := json.Marshal(body)
			*capture = raw
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func deltaFrame(content, reasoning string) string {
	type delta struct {
		Content          string `json:"content,omitempty"`
		ReasoningContent string `json:"reasoning_content,omitempty"`
	}
	frame := map[string]any{
		"choices": []map[string]any{
			{"delta": delta{Content: content, ReasoningContent: reasoning}},
		},
	}
	raw, _ := json.Marshal(frame)
	return string(raw)
}

func TestCompletionClient_Streams(t *testing.T) {
	var captured []byte
	server := fakeCompletionServer(t, []string{
		deltaFrame("Hello", ""),
		deltaFrame(" world", ""),
	}, &captured)
	defer server.Close()

	client := NewCompletionClient(server.URL+"/v1/chat/completions", "key", "test-model", 5000)

	var deltas []string
	full, err := client.Complete(context.Background(),
		[]Message{{Role: "user", Content: "what is this?"}},
		[]string{"ctx one", "ctx two"},
		0.5,
		func(d string) error {
			deltas = append(deltas, d)
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != "Hello world" {
		t.Errorf("full = %q", full)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %d", len(deltas))
	}

	// The last user turn must carry the expanded template, with context
	// and question substituted in.
	body := string(captured)
	if !strings.Contains(body, "ctx one") || !strings.Contains(body, "ctx two") {
		t.Error("context missing from prompt")
	}
	if !strings.Contains(body, "what is this?") {
		t.Error("question missing from prompt")
	}
	if strings.Contains(body, "__CONTEXT__") || strings.Contains(body, "__QUESTION__") {
		t.Error("template placeholders left unsubstituted")
	}
}

func TestCompletionClient_ReasoningFallback(t *testing.T) {
	server := fakeCompletionServer(t, []string{
		deltaFrame("", "thinking..."),
		deltaFrame("answer", ""),
		deltaFrame("", ""), // both absent: skipped, not a failure
	}, nil)
	defer server.Close()

	client := NewCompletionClient(server.URL+"/v1", "", "m", 5000)
	full, err := client.Complete(context.Background(),
		[]Message{{Role: "user", Content: "q"}}, nil, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != "thinking...answer" {
		t.Errorf("full = %q", full)
	}
}

func TestCompletionClient_SinkErrorCancels(t *testing.T) {
	server := fakeCompletionServer(t, []string{
		deltaFrame("one", ""),
		deltaFrame("two", ""),
		deltaFrame("three", ""),
	}, nil)
	defer server.Close()

	client := NewCompletionClient(server.URL+"/v1", "", "m", 5000)
	sinkErr := errors.New("client disconnected")
	calls := 0
	_, err := client.Complete(context.Background(),
		[]Message{{Role: "user", Content: "q"}}, nil, 0,
		func(d string) error {
			calls++
			return sinkErr
		})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected stream to stop after first delta, sink called %d times", calls)
	}
}

func TestCompletionClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewCompletionClient(server.URL+"/v1", "", "m", 5000)
	_, err := client.Complete(context.Background(),
		[]Message{{Role: "user", Content: "q"}}, nil, 0, nil)

	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
}
