package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTempDir creates a temporary directory for testing
func (h *TestHelper) CreateTempDir() string {
	tempDir, err := os.MkdirTemp("", "llm-council-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.tempDir = tempDir
	return tempDir
}

// Cleanup removes the temporary directory
func (h *TestHelper) Cleanup() {
	if h.tempDir != "" {
		os.RemoveAll(h.tempDir)
	}
}

// WriteJSONFile writes JSON data to a file in the temp directory
func (h *TestHelper) WriteJSONFile(filename string, data interface{}) string {
	if h.tempDir == "" {
		h.CreateTempDir()
	}

	path := filepath.Join(h.tempDir, filename)
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		h.t.Fatalf("Failed to marshal JSON: %v", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		h.t.Fatalf("Failed to write file: %v", err)
	}

	return path
}

// ReadJSONFile reads and unmarshals JSON from a file
func (h *TestHelper) ReadJSONFile(path string, v interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		h.t.Fatalf("Failed to read file: %v", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		h.t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
}

// AssertNoError checks if an error is nil
func (h *TestHelper) AssertNoError(err error, message string) {
	if err != nil {
		h.t.Errorf("%s: unexpected error: %v", message, err)
	}
}

// AssertError checks if an error is not nil
func (h *TestHelper) AssertError(err error, message string) {
	if err == nil {
		h.t.Errorf("%s: expected error, got nil", message)
	}
}

// discardLogger returns a logger that drops everything.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockOpenRouterServer creates a mock HTTP server for OpenRouter API
func MockOpenRouterServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

// CreateMockOpenRouterHandler creates a handler that returns successful responses
func CreateMockOpenRouterHandler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Verify headers
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		writeMockCompletion(w, response)
	}
}

// writeMockCompletion writes a single-choice completion body.
func writeMockCompletion(w http.ResponseWriter, content string) {
	apiResponse := OpenRouterAPIResponse{
		Choices: []OpenRouterChoice{
			{Message: ModelResponse{Content: content}},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse)
}

// CreateMockOpenRouterErrorHandler creates a handler that returns errors
func CreateMockOpenRouterErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []Stage1Response{
					{Model: "test/model1", Response: "Go is a programming language."},
					{Model: "test/model2", Response: "Go is developed by Google."},
				},
				Stage2: []Stage2Ranking{
					{
						Model:         "test/model1",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage3: &Stage3Response{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
			},
		},
	}
}

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

var errFakeModel = errors.New("fake model failure")

// Prompt kinds recognised by the fake querier.
const (
	promptAnswer    = "answer"
	promptRanking   = "ranking"
	promptSynthesis = "synthesis"
	promptTitle     = "title"
)

// promptKind tells which council step produced a prompt.
func promptKind(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, "You are evaluating different responses"):
		return promptRanking
	case strings.HasPrefix(prompt, "You are the Chairman"):
		return promptSynthesis
	case strings.HasPrefix(prompt, "Generate a very short title"):
		return promptTitle
	default:
		return promptAnswer
	}
}

type fakeCall struct {
	Model string
	Kind  string
	Opts  QueryOptions
}

// fakeQuerier answers by model and prompt kind. A missing entry fails the call.
type fakeQuerier struct {
	mu        sync.Mutex
	answers   map[string]string
	rankings  map[string]string
	synthesis map[string]string
	title     string
	titleErr  error
	calls     []fakeCall
}

func (f *fakeQuerier) Query(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions) (ModelResponse, error) {
	prompt := messages[len(messages)-1].Content
	kind := promptKind(prompt)

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Model: model, Kind: kind, Opts: opts})
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ModelResponse{}, err
	}

	var table map[string]string
	switch kind {
	case promptTitle:
		if f.titleErr != nil || f.title == "" {
			return ModelResponse{}, errFakeModel
		}
		return ModelResponse{Content: f.title}, nil
	case promptRanking:
		table = f.rankings
	case promptSynthesis:
		table = f.synthesis
	default:
		table = f.answers
	}

	content, ok := table[model]
	if !ok {
		return ModelResponse{}, errFakeModel
	}
	return ModelResponse{Content: content}, nil
}

// callsOf returns the recorded calls of one kind in call order.
func (f *fakeQuerier) callsOf(kind string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []fakeCall
	for _, call := range f.calls {
		if call.Kind == kind {
			out = append(out, call)
		}
	}
	return out
}

// newTestCouncil builds a council over q with short timeouts.
func newTestCouncil(q ModelQuerier, models []string, chairman string) *Council {
	return NewCouncil(CouncilConfig{
		Models:          models,
		ChairmanModel:   chairman,
		TitleModel:      "test/title",
		QueryTimeout:    time.Second,
		ChairmanTimeout: time.Second,
		TitleTimeout:    time.Second,
	}, q, NewResponseCache[string](16, time.Hour), discardLogger())
}

// happyQuerier is a two-member council where every call succeeds.
func happyQuerier() *fakeQuerier {
	return &fakeQuerier{
		answers: map[string]string{
			"model/a": "Answer from A",
			"model/b": "Answer from B",
		},
		rankings: map[string]string{
			"model/a": "FINAL RANKING:\n1. Response B\n2. Response A",
			"model/b": "FINAL RANKING:\n1. Response B\n2. Response A",
		},
		synthesis: map[string]string{
			"model/chairman": "Synthesized answer",
		},
		title: "Go Basics",
	}
}

// recordingSink keeps every event and can fail from a given write on.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	failAt int
	err    error
}

func (s *recordingSink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil && len(s.events) >= s.failAt {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType()
	}
	return out
}

// parseSSEFrames decodes every "data:" frame of an SSE body.
func parseSSEFrames(t *testing.T, body string) []map[string]any {
	t.Helper()

	var frames []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &frame); err != nil {
			t.Fatalf("Failed to decode SSE frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []map[string]any) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i], _ = f["type"].(string)
	}
	return out
}
