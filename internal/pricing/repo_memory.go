package pricing

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory rate table useful for tests and local development.
//
// NOTE: This is not intended for production; use PostgresRepo.
type MemoryRepo struct {
	mu    sync.RWMutex
	rates map[string]ConsultantRate
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rates: make(map[string]ConsultantRate)}
}

func (r *MemoryRepo) FindRate(ctx context.Context, consultantID string) (ConsultantRate, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rate, ok := r.rates[consultantID]
	return rate, ok, nil
}

func (r *MemoryRepo) UpsertRate(ctx context.Context, rate ConsultantRate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[rate.ConsultantID] = rate
	return nil
}
