package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/resilience"
)

func testConfig(openaiURL, geminiURL, anthropicURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Providers.MaxTokens = 512
	cfg.Providers.Temperature = 0.1
	cfg.Providers.CircuitFailureThreshold = 2
	cfg.Providers.CircuitResetSecs = 60
	if openaiURL != "" {
		cfg.OpenAI = config.OpenAIConfig{Key: "sk-test", BaseURL: openaiURL + "/", MiniModel: "gpt-4o-mini", MainModel: "gpt-4.1-mini"}
	}
	if geminiURL != "" {
		cfg.Gemini = config.GeminiConfig{Key: "gm-test", BaseURL: geminiURL + "/", MainModel: "gemini-2.5-pro", FlashModel: "gemini-2.5-flash"}
	}
	if anthropicURL != "" {
		cfg.Anthropic = config.AnthropicConfig{Key: "ak-test", BaseURL: anthropicURL, HaikuModel: "claude-haiku-4-5-20251001"}
	}
	return cfg
}

func chatServer(t *testing.T, content string, status int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Contains(t, r.URL.Path, "chat/completions")

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewFromConfigRegistersByKey(t *testing.T) {
	r := NewFromConfig(testConfig("http://openai.invalid", "", ""))

	assert.True(t, r.Has(model.ProviderOpenAIMini))
	assert.True(t, r.Has(model.ProviderOpenAIMain))
	assert.False(t, r.Has(model.ProviderGeminiFlash))
	assert.False(t, r.Has(model.ProviderClaudeHaiku))
	assert.Equal(t, "gpt-4o-mini", r.ModelFor(model.ProviderOpenAIMini))
	assert.Equal(t, []model.Provider{model.ProviderOpenAIMini, model.ProviderOpenAIMain}, r.Providers())
}

func TestCompleteOpenAICompatible(t *testing.T) {
	srv := chatServer(t, "  {\"title\":\"Soup\"}  ", http.StatusOK, nil)
	r := NewFromConfig(testConfig("", srv.URL, ""))

	comp, err := r.Complete(context.Background(), model.ProviderGeminiFlash, Request{Prompt: "extract"})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Soup"}`, comp.Text)
	assert.Equal(t, "gemini-2.5-flash", comp.Model)
	assert.Equal(t, 120, comp.PromptTokens)
	assert.Equal(t, 30, comp.ResponseTokens)
	assert.Equal(t, 150, comp.TotalTokens())
}

func TestCompleteAnthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/messages")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "{\"title\":\"Stew\"}"}},
			"usage":       map[string]any{"input_tokens": 80, "output_tokens": 20},
		})
	}))
	defer srv.Close()

	r := NewFromConfig(testConfig("", "", srv.URL))
	comp, err := r.Complete(context.Background(), model.ProviderClaudeHaiku, Request{Prompt: "extract"})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Stew"}`, comp.Text)
	assert.Equal(t, 80, comp.PromptTokens)
	assert.Equal(t, 20, comp.ResponseTokens)
}

func TestCompleteUnconfigured(t *testing.T) {
	r := NewRegistry(Limits{})
	_, err := r.Complete(context.Background(), model.ProviderOpenAIMini, Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestCompleteProviderErrorTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "", http.StatusInternalServerError, &calls)
	r := NewFromConfig(testConfig(srv.URL, "", ""))
	ctx := context.Background()

	for range 2 {
		_, err := r.Complete(ctx, model.ProviderOpenAIMini, Request{Prompt: "x"})
		var pe *ProviderError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, model.ProviderOpenAIMini, pe.Provider)
		assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
	}
	before := calls.Load()

	_, err := r.Complete(ctx, model.ProviderOpenAIMini, Request{Prompt: "x"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, calls.Load())
	assert.Equal(t, resilience.CircuitOpen, r.Breakers().States()[string(model.ProviderOpenAIMini)])

	// The sibling provider on the same vendor key has its own breaker.
	assert.NotEqual(t, resilience.CircuitOpen, r.Breakers().Get(string(model.ProviderOpenAIMain)).State())
}

func TestCompleteHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewFromConfig(testConfig(srv.URL, "", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Complete(ctx, model.ProviderOpenAIMini, Request{Prompt: "x"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
