package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/fetcher"
	"github.com/sells-group/recipe-extract/internal/llm"
	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/orchestrator"
	"github.com/sells-group/recipe-extract/internal/selector"
	"github.com/sells-group/recipe-extract/internal/store"
)

const structuredPage = `<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@type":"Recipe","name":"Tomato Soup",
 "recipeIngredient":["4 tomatoes","1 onion","2 cups stock"],
 "recipeInstructions":[{"@type":"HowToStep","text":"Chop everything."},{"@type":"HowToStep","text":"Simmer 20 minutes."}],
 "prepTime":"PT10M","cookTime":"PT20M","recipeCategory":"Soup"}
</script></head><body><h1>Tomato Soup</h1></body></html>`

type staticFetcher struct{ body string }

func (f staticFetcher) Fetch(_ context.Context, url string) (*fetcher.Page, error) {
	return &fetcher.Page{URL: url, FinalURL: url, StatusCode: 200, ContentType: "text/html", Body: []byte(f.body)}, nil
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.DatabaseURL = filepath.Join(dir, "engine.db")
	return c
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestNewEngine_ExtractsStructuredPage(t *testing.T) {
	c := loadTestConfig(t)
	ctx := context.Background()

	st, err := initStore(ctx, c.Store)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	env := newEngine(c, st, staticFetcher{body: structuredPage}, llm.NewRegistry(llm.Limits{}))

	session := "sess-engine"
	req := model.NewExtractionRequest("https://www.allrecipes.com/recipe/1/soup", model.Identity{SessionID: &session})
	res, err := env.Orchestrator.Extract(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, selector.ReasonKnownSite, res.Choice.Reason)
	assert.Equal(t, []string{"URL_DIRECT/GEMINI_FLASH"}, res.AttemptedStrategies())
	require.NotNil(t, res.Recipe)
	assert.Equal(t, "Tomato Soup", res.Recipe.Title)
	assert.Equal(t, c.RateLimit.SessionDailyLimit-1, res.Decision.Remaining)

	env.Events.Wait()
	rows, err := st.ListExtractionMetrics(ctx, store.MetricsFilter{Domain: "allrecipes.com"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].ExtractionSuccess)

	agg, err := st.GetDomainAggregate(ctx, "allrecipes.com")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, 1, agg.TotalExtractions)

	env.Close()
}
