// Package conversion records funnel events and anonymous session activity.
// Writes are fire-and-forget: failures are logged, never returned.
package conversion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/model"
)

// Events is the storage the sink writes to.
type Events interface {
	InsertConversionEvent(ctx context.Context, ev model.ConversionEvent) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) (*model.AnonymousSession, error)
	MarkSessionRateLimited(ctx context.Context, sessionID string, at time.Time) error
}

// Sink accepts funnel events.
type Sink interface {
	Emit(ctx context.Context, sessionID string, eventType model.ConversionEventType, payload map[string]any)
	SessionSeen(ctx context.Context, sessionID string)
	SessionRateLimited(ctx context.Context, sessionID string)
}

// StoreSink writes events in background goroutines with their own timeout.
type StoreSink struct {
	events  Events
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewStoreSink returns a sink over events. A non-positive timeout means 5s.
func NewStoreSink(events Events, timeout time.Duration) *StoreSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StoreSink{events: events, timeout: timeout, now: time.Now}
}

// Emit records an event. An empty sessionID is stored as null.
func (s *StoreSink) Emit(ctx context.Context, sessionID string, eventType model.ConversionEventType, payload map[string]any) {
	ev := model.ConversionEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	if sessionID != "" {
		ev.SessionID = &sessionID
	}
	s.async(ctx, "emit", func(ctx context.Context) error {
		return s.events.InsertConversionEvent(ctx, ev)
	}, zap.String("event_type", string(eventType)))
}

// SessionSeen counts an extraction for the session, creating it on first sight.
func (s *StoreSink) SessionSeen(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	at := s.now()
	s.async(ctx, "touch session", func(ctx context.Context) error {
		_, err := s.events.TouchSession(ctx, sessionID, at)
		return err
	}, zap.String("session_id", sessionID))
}

// SessionRateLimited stamps the session as having hit its daily limit.
func (s *StoreSink) SessionRateLimited(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	at := s.now()
	s.async(ctx, "mark rate limited", func(ctx context.Context) error {
		return s.events.MarkSessionRateLimited(ctx, sessionID, at)
	}, zap.String("session_id", sessionID))
}

// Wait blocks until every pending write has finished.
func (s *StoreSink) Wait() {
	s.wg.Wait()
}

func (s *StoreSink) async(ctx context.Context, op string, fn func(context.Context) error, fields ...zap.Field) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := fn(wctx); err != nil {
			zap.L().Warn("conversion: "+op+" failed", append(fields, zap.Error(err))...)
		}
	}()
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Emit(context.Context, string, model.ConversionEventType, map[string]any) {}
func (Discard) SessionSeen(context.Context, string)                                     {}
func (Discard) SessionRateLimited(context.Context, string)                              {}
