package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/repository"
)

// dailyTokenAllowance is each user's chat-token budget per UTC day.
const dailyTokenAllowance = 12000

// QuotaStore is the slice of the repository the quota service needs.
type QuotaStore interface {
	GetQuota(ctx context.Context, userID string) (domain.TokenQuota, error)
	PutQuota(ctx context.Context, quota domain.TokenQuota) error
}

// QuotaService meters chat-token consumption per user, refilling the
// allowance when the UTC date rolls over.
type QuotaService struct {
	store QuotaStore
	now   func() time.Time
}

func NewQuotaService(store QuotaStore) (*QuotaService, error) {
	if store == nil {
		return nil, errors.New("usecase: quota store must not be nil")
	}
	return &QuotaService{store: store, now: time.Now}, nil
}

// TryConsume deducts tokensNeeded from the user's remaining allowance.
// It returns false, without error, when the allowance is insufficient.
func (s *QuotaService) TryConsume(ctx context.Context, userID string, tokensNeeded int) (bool, error) {
	if tokensNeeded < 0 {
		return false, errors.New("usecase: tokensNeeded must not be negative")
	}

	now := s.now().UTC()
	quota, err := s.store.GetQuota(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		quota = domain.TokenQuota{UserID: userID, Remaining: dailyTokenAllowance, LastResetUTC: now}
	case err != nil:
		return false, fmt.Errorf("usecase: load token quota: %w", err)
	}

	if now.Truncate(24 * time.Hour).After(quota.LastResetUTC.UTC().Truncate(24 * time.Hour)) {
		quota.Remaining = dailyTokenAllowance
		quota.LastResetUTC = now
		if err := s.store.PutQuota(ctx, quota); err != nil {
			return false, fmt.Errorf("usecase: reset token quota: %w", err)
		}
	}

	if quota.Remaining < tokensNeeded {
		return false, nil
	}
	quota.Remaining -= tokensNeeded
	if err := s.store.PutQuota(ctx, quota); err != nil {
		return false, fmt.Errorf("usecase: update token quota: %w", err)
	}
	return true, nil
}
