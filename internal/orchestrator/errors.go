package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recipe-extract/internal/fetcher"
	"github.com/sells-group/recipe-extract/internal/llm"
	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/strategy"
)

// FailureMessage is the single user-facing text for a failed extraction.
const FailureMessage = "could not extract recipe from this URL"

var (
	// ErrRateLimitExceeded is wrapped by every RateLimitError.
	ErrRateLimitExceeded = eris.New("orchestrator: rate limit exceeded")
	// ErrNoStructuredData means the page had no schema.org Recipe.
	ErrNoStructuredData = eris.New("orchestrator: no structured recipe data")
	// ErrNoTitle means the extracted recipe has no title.
	ErrNoTitle = eris.New("orchestrator: extracted recipe has no title")
)

// RateLimitError is returned when the identity is over its daily limit.
type RateLimitError struct {
	Identifier string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("orchestrator: rate limit of %d exceeded for %s, retry after %s", e.Limit, e.Identifier, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// AttemptError is a classified attempt failure.
type AttemptError struct {
	Class model.ErrorClass
	Err   error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Classify maps an attempt error to its class. Cancellation by the caller
// wins over everything else; step is used when the error carries no
// recognizable type.
func Classify(parent context.Context, err error, step model.ErrorClass) model.ErrorClass {
	if err == nil {
		return model.ErrorClassNone
	}
	if parent.Err() != nil {
		return model.ErrorClassCancelled
	}

	var (
		ae *AttemptError
		se *fetcher.StatusError
		be *fetcher.BlockedError
		pe *llm.ProviderError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Class
	case errors.As(err, &pe), errors.Is(err, llm.ErrProviderNotConfigured):
		return model.ErrorClassAIProvider
	case errors.As(err, &se), errors.As(err, &be):
		return model.ErrorClassFetch
	case errors.Is(err, strategy.ErrNoJSON), errors.Is(err, ErrNoStructuredData):
		return model.ErrorClassParse
	case errors.Is(err, strategy.ErrContentTooShort), errors.Is(err, ErrNoTitle):
		return model.ErrorClassValidation
	}
	return step
}
