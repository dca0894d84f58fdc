package orchestrator

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/recipe-extract/internal/fetcher"
	"github.com/sells-group/recipe-extract/internal/llm"
	"github.com/sells-group/recipe-extract/internal/model"
)

// --- PageFetcher mock ---

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) (*fetcher.Page, error) {
	args := m.Called(ctx, url)
	p, _ := args.Get(0).(*fetcher.Page)
	return p, args.Error(1)
}

// --- ModelCaller mock ---

type mockModels struct {
	mock.Mock
	models map[model.Provider]string
}

func newMockModels(providers ...model.Provider) *mockModels {
	names := map[model.Provider]string{
		model.ProviderOpenAIMini:  "gpt-4o-mini-2024-07-18",
		model.ProviderOpenAIMain:  "gpt-4.1-mini-2025-04-14",
		model.ProviderGeminiFlash: "gemini-2.5-flash",
		model.ProviderGeminiMain:  "gemini-2.5-pro",
		model.ProviderClaudeHaiku: "claude-haiku-4-5-20251001",
	}
	m := &mockModels{models: make(map[model.Provider]string)}
	for _, p := range providers {
		m.models[p] = names[p]
	}
	return m
}

func (m *mockModels) Complete(ctx context.Context, p model.Provider, req llm.Request) (*llm.Completion, error) {
	args := m.Called(ctx, p, req)
	c, _ := args.Get(0).(*llm.Completion)
	return c, args.Error(1)
}

func (m *mockModels) ModelFor(p model.Provider) string { return m.models[p] }

func (m *mockModels) Has(p model.Provider) bool {
	_, ok := m.models[p]
	return ok
}

// --- conversion sink fake ---

type emitted struct {
	SessionID string
	Type      model.ConversionEventType
	Payload   map[string]any
}

type recordingSink struct {
	mu          sync.Mutex
	events      []emitted
	seen        []string
	rateLimited []string
}

func (s *recordingSink) Emit(_ context.Context, sessionID string, t model.ConversionEventType, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{SessionID: sessionID, Type: t, Payload: payload})
}

func (s *recordingSink) SessionSeen(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, sessionID)
}

func (s *recordingSink) SessionRateLimited(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited = append(s.rateLimited, sessionID)
}

func (s *recordingSink) types() []model.ConversionEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ConversionEventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
