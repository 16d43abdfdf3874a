package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockFlowise is an httptest.Server that simulates a Flowise
// /api/v1/prediction/{chatflow} endpoint.
type MockFlowise struct {
	Server     *httptest.Server
	ChatflowID string

	// Answer is returned as {"text": Answer} for blocking predictions.
	Answer string
	// Deliveries are written verbatim for streaming predictions, each one
	// flushed separately so callers see the same chunk boundaries.
	Deliveries []string
	// Status, when non-zero, is returned with ErrorBody instead of an answer.
	Status    int
	ErrorBody string
	// Delay holds every response back, for timeout tests.
	Delay time.Duration
	// Hang keeps a streaming response open after the deliveries until the
	// client goes away.
	Hang bool
	// Cancelled is closed once a hanging stream sees its request context end,
	// i.e. the caller aborted the upstream request.
	Cancelled chan struct{}

	cancelOnce  sync.Once
	mu          sync.Mutex
	lastRequest map[string]any
	requests    int
}

// NewMockFlowise creates and starts a mock Flowise server for one chatflow.
func NewMockFlowise(chatflowID, answer string) *MockFlowise {
	m := &MockFlowise{
		ChatflowID: chatflowID,
		Answer:     answer,
		Cancelled:  make(chan struct{}),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Close shuts down the mock server.
func (m *MockFlowise) Close() {
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockFlowise) URL() string {
	return m.Server.URL
}

// LastRequest returns the most recent request body.
func (m *MockFlowise) LastRequest() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Requests returns how many prediction requests were served.
func (m *MockFlowise) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// TokenEvents renders one Flowise token event per token.
func TokenEvents(tokens ...string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		data, _ := json.Marshal(map[string]string{"event": "token", "data": tok})
		out = append(out, fmt.Sprintf("data: %s\n\n", data))
	}
	return out
}

func (m *MockFlowise) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v1/prediction/"+m.ChatflowID || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.lastRequest = body
	m.requests++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if m.Status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.Status)
		_, _ = io.WriteString(w, m.ErrorBody)
		return
	}

	if streaming, _ := body["streaming"].(bool); streaming {
		m.writeStreaming(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"text":     m.Answer,
		"question": body["question"],
		"chatId":   "chat-1",
	})
}

func (m *MockFlowise) writeStreaming(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, hasFlusher := w.(http.Flusher)
	if hasFlusher {
		flusher.Flush()
	}

	for _, d := range m.Deliveries {
		if _, err := io.WriteString(w, d); err != nil {
			return
		}
		if hasFlusher {
			flusher.Flush()
		}
	}

	if m.Hang {
		<-r.Context().Done()
		m.cancelOnce.Do(func() { close(m.Cancelled) })
	}
}
