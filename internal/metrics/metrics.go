// Package metrics builds and records the per-request extraction telemetry row.
package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recipe-extract/internal/model"
)

// Appender persists extraction metrics rows.
type Appender interface {
	AppendExtractionMetrics(ctx context.Context, row *model.RecipeExtractionMetrics) error
}

// Timer measures phase wall time in milliseconds.
type Timer struct {
	now func() time.Time
}

// NewTimer returns a Timer on the wall clock.
func NewTimer() *Timer { return &Timer{now: time.Now} }

// WithClock returns a Timer driven by now.
func WithClock(now func() time.Time) *Timer { return &Timer{now: now} }

// Now returns the timer's current time.
func (t *Timer) Now() time.Time { return t.now() }

// Since returns the elapsed milliseconds since start.
func (t *Timer) Since(start time.Time) int64 {
	return t.now().Sub(start).Milliseconds()
}

// Phase runs fn and returns its duration. The duration is set even when fn
// fails, so a failed phase still reads as attempted.
func (t *Timer) Phase(fn func() error) (*int64, error) {
	start := t.now()
	err := fn()
	ms := t.Since(start)
	return &ms, err
}

// Input is everything a metrics row is derived from.
type Input struct {
	Request   model.ExtractionRequest
	Primary   *model.Attempt
	Final     *model.Attempt
	Attempts  []*model.Attempt
	Reason    model.FallbackReason
	Optimal   bool
	TotalMs   int64
	Requested time.Time
	RecipeID  *string
}

// Build produces the single row for a request. Per-attempt fields come
// from the final attempt. WasOptimal holds only when no fallback ran.
func Build(in Input) *model.RecipeExtractionMetrics {
	row := &model.RecipeExtractionMetrics{
		ID:               uuid.NewString(),
		UserID:           in.Request.Identity.UserID,
		SessionID:        in.Request.Identity.SessionID,
		RecipeID:         in.RecipeID,
		RecipeURL:        in.Request.RecipeURL,
		Domain:           in.Request.Domain,
		FallbackUsed:     len(in.Attempts) > 1,
		FallbackReason:   in.Reason,
		TotalDuration:    in.TotalMs,
		RequestTimestamp: in.Requested.UTC(),
	}
	row.WasOptimal = in.Optimal && !row.FallbackUsed

	if in.Primary != nil {
		row.PrimaryStrategy = in.Primary.Strategy
		row.AIProvider = in.Primary.Provider
	}
	for _, a := range in.Attempts {
		row.AttemptedStrategies = append(row.AttemptedStrategies, model.ComboKey(a.Strategy, a.Provider))
	}

	f := in.Final
	if f == nil {
		return row
	}
	row.FinalStrategy = f.Strategy
	row.FinalProvider = f.Provider
	row.ErrorClass = f.ErrorClass
	row.FetchDuration = f.FetchDuration
	row.AIProcessingDuration = f.AIProcessingDuration
	row.ValidationDuration = f.ValidationDuration
	row.DBSaveDuration = f.DBSaveDuration
	row.HTMLSize = f.HTMLSize
	row.CleanedSize = f.CleanedSize
	row.PromptTokens = f.PromptTokens
	row.ResponseTokens = f.ResponseTokens
	row.TotalTokens = f.TotalTokens
	row.ExtractionSuccess = f.Success
	row.ValidationErrors = append(row.ValidationErrors, f.ValidationErrors...)
	if f.ErrorClass != model.ErrorClassNone && f.Err != nil {
		row.ValidationErrors = append(row.ValidationErrors, model.ValidationIssue{
			Code:    string(f.ErrorClass),
			Message: f.Err.Error(),
		})
	}
	row.MissingFields = f.MissingFields
	row.CompletenessScore = f.CompletenessScore
	row.CategoryConfidence = f.CategoryConfidence
	row.EstimatedCost = f.Cost
	for _, a := range in.Attempts {
		row.HasStructuredData = row.HasStructuredData || a.HasStructuredData
	}
	return row
}

// Recorder writes metrics rows.
type Recorder struct {
	out Appender
}

// NewRecorder returns a Recorder writing to out.
func NewRecorder(out Appender) *Recorder {
	return &Recorder{out: out}
}

// Record appends row. Exactly one row is written per external request.
func (r *Recorder) Record(ctx context.Context, row *model.RecipeExtractionMetrics) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := r.out.AppendExtractionMetrics(ctx, row); err != nil {
		return eris.Wrap(err, "metrics: append row")
	}
	return nil
}
