package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recipe-extract/internal/model"
)

type mockAppender struct {
	mock.Mock
}

func (m *mockAppender) AppendExtractionMetrics(ctx context.Context, row *model.RecipeExtractionMetrics) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func ms(v int64) *int64 { return &v }

func intp(v int) *int { return &v }

func TestTimerPhase(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	timer := WithClock(func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 250 * time.Millisecond)
	})

	d, err := timer.Phase(func() error { return errors.New("boom") })
	require.NotNil(t, d)
	assert.Equal(t, int64(250), *d)
	assert.EqualError(t, err, "boom")
}

func TestTimerZeroIsAttempted(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timer := WithClock(func() time.Time { return fixed })
	d, err := timer.Phase(func() error { return nil })
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Zero(t, *d)
}

func TestBuildSingleAttempt(t *testing.T) {
	t.Parallel()

	sess := "sess-1"
	req := model.NewExtractionRequest("https://www.example.com/recipe", model.Identity{SessionID: &sess})
	zero := decimal.Zero
	primary := &model.Attempt{
		Strategy: model.StrategyURLDirect, Provider: model.ProviderGeminiFlash,
		FetchDuration: ms(120), ValidationDuration: ms(0), HTMLSize: intp(5000),
		Success: true, CompletenessScore: 1, HasStructuredData: true, Cost: &zero,
	}
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.FixedZone("x", 3600))

	row := Build(Input{Request: req, Primary: primary, Final: primary, Attempts: []*model.Attempt{primary}, Optimal: true, TotalMs: 130, Requested: at})

	assert.NotEmpty(t, row.ID)
	assert.Equal(t, "example.com", row.Domain)
	assert.Equal(t, &sess, row.SessionID)
	assert.Nil(t, row.UserID)
	assert.Equal(t, model.StrategyURLDirect, row.PrimaryStrategy)
	assert.Equal(t, model.StrategyURLDirect, row.FinalStrategy)
	assert.False(t, row.FallbackUsed)
	assert.True(t, row.WasOptimal)
	assert.Equal(t, int64(130), row.TotalDuration)
	assert.Equal(t, int64(120), *row.FetchDuration)
	assert.Nil(t, row.AIProcessingDuration)
	assert.Nil(t, row.PromptTokens)
	assert.True(t, row.EstimatedCost.IsZero())
	assert.Equal(t, []string{"URL_DIRECT/GEMINI_FLASH"}, row.AttemptedStrategies)
	assert.Equal(t, time.UTC, row.RequestTimestamp.Location())
}

func TestBuildWithFallback(t *testing.T) {
	t.Parallel()

	req := model.NewExtractionRequest("https://example.com/recipe", model.Identity{})
	primary := &model.Attempt{
		Strategy: model.StrategyURLDirect, Provider: model.ProviderGeminiFlash,
		FetchDuration: ms(40), ErrorClass: model.ErrorClassFetch, Err: errors.New("fetch: status 500"),
		HasStructuredData: false,
	}
	cost := decimal.RequireFromString("0.0005")
	fallback := &model.Attempt{
		Strategy: model.StrategyHTMLFallback, Provider: model.ProviderOpenAIMini,
		FetchDuration: ms(60), AIProcessingDuration: ms(800), PromptTokens: intp(1000),
		ResponseTokens: intp(200), TotalTokens: intp(1200), Success: true, CompletenessScore: 0.83,
		MissingFields: []string{"category"}, Cost: &cost,
	}

	row := Build(Input{
		Request: req, Primary: primary, Final: fallback,
		Attempts: []*model.Attempt{primary, fallback},
		Reason:   model.FallbackFetchError, Optimal: true, TotalMs: 900, Requested: time.Now(),
	})

	assert.True(t, row.FallbackUsed)
	assert.False(t, row.WasOptimal)
	assert.Equal(t, model.FallbackFetchError, row.FallbackReason)
	assert.Equal(t, model.StrategyURLDirect, row.PrimaryStrategy)
	assert.Equal(t, model.ProviderGeminiFlash, row.AIProvider)
	assert.Equal(t, model.StrategyHTMLFallback, row.FinalStrategy)
	assert.Equal(t, model.ProviderOpenAIMini, row.FinalProvider)
	assert.Equal(t, int64(800), *row.AIProcessingDuration)
	assert.Equal(t, 1200, *row.TotalTokens)
	assert.True(t, row.EstimatedCost.Equal(cost))
	assert.Equal(t, []string{"category"}, row.MissingFields)
	assert.Len(t, row.AttemptedStrategies, 2)
}

func TestBuildRecordsErrorClassInValidationErrors(t *testing.T) {
	t.Parallel()

	a := &model.Attempt{
		Strategy: model.StrategyHTMLFallback, Provider: model.ProviderGeminiMain,
		AIProcessingDuration: ms(5), ErrorClass: model.ErrorClassAIProvider, Err: errors.New("llm: 503"),
	}
	row := Build(Input{Primary: a, Final: a, Attempts: []*model.Attempt{a}})

	require.Len(t, row.ValidationErrors, 1)
	assert.Equal(t, "AIProviderError", row.ValidationErrors[0].Code)
	assert.False(t, row.ExtractionSuccess)
	assert.Nil(t, row.EstimatedCost)
}

func TestRecorderRecord(t *testing.T) {
	t.Parallel()

	out := &mockAppender{}
	out.On("AppendExtractionMetrics", mock.Anything, mock.MatchedBy(func(r *model.RecipeExtractionMetrics) bool {
		return r.ID != "" && r.Domain == "example.com"
	})).Return(nil).Once()

	rec := NewRecorder(out)
	require.NoError(t, rec.Record(context.Background(), &model.RecipeExtractionMetrics{Domain: "example.com"}))
	out.AssertExpectations(t)
}

func TestRecorderRecordError(t *testing.T) {
	t.Parallel()

	out := &mockAppender{}
	out.On("AppendExtractionMetrics", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	err := NewRecorder(out).Record(context.Background(), &model.RecipeExtractionMetrics{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics: append row")
}
