package conversion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/store"
)

type mockEvents struct {
	mock.Mock
}

func (m *mockEvents) InsertConversionEvent(ctx context.Context, ev model.ConversionEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *mockEvents) TouchSession(ctx context.Context, sessionID string, at time.Time) (*model.AnonymousSession, error) {
	args := m.Called(ctx, sessionID, at)
	s, _ := args.Get(0).(*model.AnonymousSession)
	return s, args.Error(1)
}

func (m *mockEvents) MarkSessionRateLimited(ctx context.Context, sessionID string, at time.Time) error {
	return m.Called(ctx, sessionID, at).Error(0)
}

func TestEmitDetachesFromCallerContext(t *testing.T) {
	ev := &mockEvents{}
	ev.On("InsertConversionEvent", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.MatchedBy(func(e model.ConversionEvent) bool {
		return e.EventType == model.EventRateLimitHit && e.SessionID != nil && *e.SessionID == "s1" && e.ID != ""
	})).Return(nil).Once()

	sink := NewStoreSink(ev, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Emit(ctx, "s1", model.EventRateLimitHit, map[string]any{"limit": 20})
	sink.Wait()

	ev.AssertExpectations(t)
}

func TestEmitEmptySessionIsNull(t *testing.T) {
	ev := &mockEvents{}
	ev.On("InsertConversionEvent", mock.Anything, mock.MatchedBy(func(e model.ConversionEvent) bool {
		return e.SessionID == nil
	})).Return(nil).Once()

	sink := NewStoreSink(ev, 0)
	sink.Emit(context.Background(), "", model.EventRecipeExtracted, nil)
	sink.Wait()
	ev.AssertExpectations(t)
}

func TestEmitErrorIsSwallowed(t *testing.T) {
	ev := &mockEvents{}
	ev.On("InsertConversionEvent", mock.Anything, mock.Anything).Return(errors.New("db down"))
	ev.On("MarkSessionRateLimited", mock.Anything, "s1", mock.Anything).Return(errors.New("db down"))

	sink := NewStoreSink(ev, time.Second)
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), "s1", model.EventRateLimitHit, nil)
		sink.SessionRateLimited(context.Background(), "s1")
		sink.Wait()
	})
	ev.AssertNumberOfCalls(t, "InsertConversionEvent", 1)
}

func TestSessionCallsSkipEmptyID(t *testing.T) {
	ev := &mockEvents{}
	sink := NewStoreSink(ev, time.Second)
	sink.SessionSeen(context.Background(), "")
	sink.SessionRateLimited(context.Background(), "")
	sink.Wait()
	ev.AssertNotCalled(t, "TouchSession", mock.Anything, mock.Anything, mock.Anything)
	ev.AssertNotCalled(t, "MarkSessionRateLimited", mock.Anything, mock.Anything, mock.Anything)
}

func TestStoreSinkAgainstSQLite(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	sink := NewStoreSink(st, time.Second)
	sink.SessionSeen(context.Background(), "anon-1")
	sink.Wait()
	sink.SessionSeen(context.Background(), "anon-1")
	sink.SessionRateLimited(context.Background(), "anon-1")
	sink.Emit(context.Background(), "anon-1", model.EventSignupPromptShown, map[string]any{"remaining": 1})
	sink.Wait()

	sess, err := st.TouchSession(context.Background(), "anon-1", time.Now())
	require.NoError(t, err)
	assert.NotNil(t, sess.RateLimitedAt)
	assert.Equal(t, 3, sess.ExtractionCount)
}
