package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/orchestrator"
)

func TestReadURLs(t *testing.T) {
	in := `
# weeknight dinners
https://www.allrecipes.com/recipe/1

https://blog.example/soup
   https://food.com/x
`
	urls, err := readURLs(strings.NewReader(in), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.allrecipes.com/recipe/1", "https://blog.example/soup", "https://food.com/x"}, urls)

	urls, err = readURLs(strings.NewReader(in), 2)
	require.NoError(t, err)
	assert.Len(t, urls, 2)
}

type fakeRunner struct {
	gotConcurrency int
	gotReqs        []model.ExtractionRequest
}

func (f *fakeRunner) ExtractBatch(_ context.Context, reqs []model.ExtractionRequest, concurrency int) []orchestrator.BatchItem {
	f.gotConcurrency = concurrency
	f.gotReqs = reqs
	items := make([]orchestrator.BatchItem, len(reqs))
	for i, r := range reqs {
		items[i].Request = r
		switch i {
		case 0:
			items[i].Result = &orchestrator.Result{
				Status:   orchestrator.StatusSuccess,
				Recipe:   &model.ExtractedRecipe{Title: "Soup"},
				Attempts: []*model.Attempt{{Strategy: model.StrategyURLDirect, Provider: model.ProviderGeminiFlash}},
			}
		case 1:
			items[i].Result = &orchestrator.Result{Status: orchestrator.StatusFailed, ErrorClass: model.ErrorClassFetch}
		default:
			items[i].Result = &orchestrator.Result{Status: orchestrator.StatusRateLimited}
			items[i].Err = errors.New("rate limit exceeded")
		}
	}
	return items
}

func TestProcessBatch(t *testing.T) {
	var buf bytes.Buffer
	runner := &fakeRunner{}
	id := buildIdentity("u1", "", false)

	err := processBatch(context.Background(), &buf, runner,
		[]string{"https://www.a.com/1", "https://b.com/2", "https://c.com/3"}, id, 4)
	require.NoError(t, err)

	assert.Equal(t, 4, runner.gotConcurrency)
	require.Len(t, runner.gotReqs, 3)
	assert.Equal(t, "a.com", runner.gotReqs[0].Domain)
	assert.Equal(t, "u1", *runner.gotReqs[2].Identity.UserID)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "success")
	assert.Contains(t, lines[0], "URL_DIRECT/GEMINI_FLASH")
	assert.Contains(t, lines[0], "Soup")
	assert.Contains(t, lines[1], "FetchError")
	assert.Contains(t, lines[2], "rate limit exceeded")
}

func TestProcessBatch_Empty(t *testing.T) {
	runner := &fakeRunner{}
	require.NoError(t, processBatch(context.Background(), &bytes.Buffer{}, runner, nil, model.Identity{}, 2))
	assert.Nil(t, runner.gotReqs)
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := processBatch(ctx, &bytes.Buffer{}, &fakeRunner{}, []string{"https://a.com"}, model.Identity{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
