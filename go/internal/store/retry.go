package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/models"
)

// RetryConfig bounds the backoff used for write retries.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the production retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// RetryStore wraps a Store and retries failed writes with exponential
// backoff. In-memory state stays authoritative while a write is
// retried; a save failure is logged, never propagated as a rollback.
type RetryStore struct {
	inner Store
	cfg   RetryConfig
}

// NewRetryStore wraps a store with write retries.
func NewRetryStore(inner Store, cfg RetryConfig) *RetryStore {
	return &RetryStore{inner: inner, cfg: cfg}
}

func (r *RetryStore) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval
	bo.MaxElapsedTime = r.cfg.MaxElapsedTime
	return backoff.WithContext(bo, ctx)
}

// LoadSession passes through; loads are not retried so reconnection
// paths see failures promptly.
func (r *RetryStore) LoadSession(ctx context.Context, id string) (*models.Session, error) {
	return r.inner.LoadSession(ctx, id)
}

func (r *RetryStore) SaveSession(ctx context.Context, session *models.Session) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := r.inner.SaveSession(ctx, session)
		if err != nil {
			log.Warn().
				Err(err).
				Str("session_id", session.ID).
				Int("attempt", attempt).
				Msg("session save failed, will retry")
		}
		return err
	}, r.newBackOff(ctx))
}

func (r *RetryStore) AppendReconnectionEvent(ctx context.Context, ev models.ReconnectionEvent) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := r.inner.AppendReconnectionEvent(ctx, ev)
		if err != nil {
			log.Warn().
				Err(err).
				Str("event_id", ev.ID).
				Int("attempt", attempt).
				Msg("audit append failed, will retry")
		}
		return err
	}, r.newBackOff(ctx))
}

func (r *RetryStore) DeleteSession(ctx context.Context, id string) error {
	return backoff.Retry(func() error {
		err := r.inner.DeleteSession(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("session_id", id).Msg("session delete failed, will retry")
			return err
		}
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}, r.newBackOff(ctx))
}
