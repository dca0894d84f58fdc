package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/store"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
	dates  []string
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int)}
}

func (f *fakeCounter) IncrementRateLimit(_ context.Context, id string, idType model.IdentifierType, date string, limit int, _ time.Time) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	f.dates = append(f.dates, date)
	key := string(idType) + ":" + id + ":" + date
	if limit <= 0 || f.counts[key] >= limit {
		return f.counts[key], false, nil
	}
	f.counts[key]++
	return f.counts[key], true, nil
}

func (f *fakeCounter) GetRateLimit(_ context.Context, id string, idType model.IdentifierType, date string) (*model.DailyRateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n, ok := f.counts[string(idType)+":"+id+":"+date]
	if !ok {
		return nil, nil
	}
	return &model.DailyRateLimit{Identifier: id, IdentifierType: idType, Date: date, RequestCount: n}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func strPtr(s string) *string { return &s }

var policy = Policy{SessionDailyLimit: 2, UserDailyLimit: 5}

func TestAdmitCountsUntilLimit(t *testing.T) {
	now := time.Date(2026, 5, 10, 22, 30, 0, 0, time.UTC)
	l := New(newFakeCounter(), policy).WithClock(fixedClock(now))
	ctx := context.Background()

	d1, err := l.Admit(ctx, "s1", model.IdentifierSession, 2)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)
	assert.Equal(t, 1, d1.Count)
	assert.Equal(t, 1, d1.Remaining)

	d2, err := l.Admit(ctx, "s1", model.IdentifierSession, 2)
	require.NoError(t, err)
	assert.True(t, d2.Allowed)
	assert.Equal(t, 0, d2.Remaining)

	d3, err := l.Admit(ctx, "s1", model.IdentifierSession, 2)
	require.NoError(t, err)
	assert.False(t, d3.Allowed)
	assert.Equal(t, 0, d3.Remaining)
	assert.Equal(t, 90*time.Minute, d3.RetryAfter)
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), d3.ResetAt)
}

func TestAdmitZeroLimitDenies(t *testing.T) {
	l := New(newFakeCounter(), policy)

	d, err := l.Admit(context.Background(), "s1", model.IdentifierSession, 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
}

func TestAdmitUsesUTCDate(t *testing.T) {
	fc := newFakeCounter()
	loc := time.FixedZone("UTC+9", 9*3600)
	now := time.Date(2026, 5, 11, 3, 0, 0, 0, loc) // 2026-05-10 18:00 UTC
	l := New(fc, policy).WithClock(fixedClock(now))

	_, err := l.Admit(context.Background(), "u1", model.IdentifierUser, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-05-10"}, fc.dates)
}

func TestAdmitNewDayResets(t *testing.T) {
	fc := newFakeCounter()
	now := time.Date(2026, 5, 10, 23, 59, 0, 0, time.UTC)
	l := New(fc, policy).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for range 2 {
		_, err := l.Admit(ctx, "s1", model.IdentifierSession, 2)
		require.NoError(t, err)
	}
	d, err := l.Admit(ctx, "s1", model.IdentifierSession, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	now = now.Add(2 * time.Minute)
	d, err = l.Admit(ctx, "s1", model.IdentifierSession, 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestAdmitStorageError(t *testing.T) {
	fc := newFakeCounter()
	cause := errors.New("disk gone")
	fc.err = cause
	l := New(fc, policy)

	_, err := l.Admit(context.Background(), "s1", model.IdentifierSession, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestCheckResolvesIdentity(t *testing.T) {
	fc := newFakeCounter()
	l := New(fc, policy)
	ctx := context.Background()

	d, err := l.Check(ctx, model.Identity{UserID: strPtr("u1"), SessionID: strPtr("s1")})
	require.NoError(t, err)
	assert.Equal(t, model.IdentifierUser, d.IdentifierType)
	assert.Equal(t, 5, d.Limit)

	d, err = l.Check(ctx, model.Identity{SessionID: strPtr("s1")})
	require.NoError(t, err)
	assert.Equal(t, model.IdentifierSession, d.IdentifierType)
	assert.Equal(t, 2, d.Limit)

	_, err = l.Check(ctx, model.Identity{})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestCheckFailurePolicy(t *testing.T) {
	fc := newFakeCounter()
	fc.err = errors.New("connection refused")
	l := New(fc, policy)
	ctx := context.Background()

	t.Run("paid user fails open", func(t *testing.T) {
		d, err := l.Check(ctx, model.Identity{UserID: strPtr("u1"), Paid: true})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.FailedOpen)
	})

	t.Run("free user fails closed", func(t *testing.T) {
		d, err := l.Check(ctx, model.Identity{UserID: strPtr("u1")})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.False(t, d.Allowed)
	})

	t.Run("anonymous fails closed", func(t *testing.T) {
		d, err := l.Check(ctx, model.Identity{SessionID: strPtr("s1"), Paid: true})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.False(t, d.Allowed)
	})
}

func TestPeek(t *testing.T) {
	fc := newFakeCounter()
	l := New(fc, policy)
	ctx := context.Background()

	d, err := l.Peek(ctx, "s1", model.IdentifierSession)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Count)
	assert.Equal(t, 2, d.Remaining)
	assert.True(t, d.Allowed)

	for range 2 {
		_, err = l.Admit(ctx, "s1", model.IdentifierSession, 2)
		require.NoError(t, err)
	}

	d, err = l.Peek(ctx, "s1", model.IdentifierSession)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Count)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
}

func TestAdmitConcurrentSQLite(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "rl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	l := New(st, Policy{SessionDailyLimit: 7, UserDailyLimit: 7})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(context.Background(), model.Identity{SessionID: strPtr("burst")})
			if err != nil {
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, allowed)
}
