package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"advisor-agent/internal/domain"
)

func quotaServiceAt(t *testing.T, store *fakeStore, now time.Time) *QuotaService {
	t.Helper()
	s, err := NewQuotaService(store)
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func TestTryConsume_FirstUseStartsFullAllowance(t *testing.T) {
	store := &fakeStore{}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := quotaServiceAt(t, store, now)

	ok, err := s.TryConsume(context.Background(), "u1", 3000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 9000, store.quotas["u1"].Remaining)
}

func TestTryConsume_InsufficientIsNotAnError(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{quotas: map[string]domain.TokenQuota{
		"u1": {UserID: "u1", Remaining: 100, LastResetUTC: now},
	}}
	s := quotaServiceAt(t, store, now)

	ok, err := s.TryConsume(context.Background(), "u1", 101)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 100, store.quotas["u1"].Remaining)
}

func TestTryConsume_ResetsOnNewUTCDay(t *testing.T) {
	store := &fakeStore{quotas: map[string]domain.TokenQuota{
		"u1": {UserID: "u1", Remaining: 5, LastResetUTC: time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)},
	}}
	s := quotaServiceAt(t, store, time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC))

	ok, err := s.TryConsume(context.Background(), "u1", 4000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dailyTokenAllowance-4000, store.quotas["u1"].Remaining)
}

func TestTryConsume_SameDayDoesNotReset(t *testing.T) {
	store := &fakeStore{quotas: map[string]domain.TokenQuota{
		"u1": {UserID: "u1", Remaining: 500, LastResetUTC: time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)},
	}}
	s := quotaServiceAt(t, store, time.Date(2026, 3, 1, 23, 55, 0, 0, time.UTC))

	ok, err := s.TryConsume(context.Background(), "u1", 200)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 300, store.quotas["u1"].Remaining)
}

func TestTryConsume_NegativeTokens(t *testing.T) {
	s := quotaServiceAt(t, &fakeStore{}, time.Now())
	_, err := s.TryConsume(context.Background(), "u1", -1)
	require.Error(t, err)
}
