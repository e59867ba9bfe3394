// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package postgres stores runtime settings in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/holoflow/internal/settings"
)

// Compile-time interface check.
var _ settings.Store = (*Store)(nil)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements settings.Store on a settings table.
type Store struct {
	pool    Pool
	retries uint64
	backoff time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithRetries sets how many times a transient write failure is retried.
func WithRetries(n uint64, base time.Duration) Option {
	return func(s *Store) {
		s.retries = n
		s.backoff = base
	}
}

// New creates a Store on pool.
func New(pool Pool, opts ...Option) *Store {
	s := &Store{pool: pool, retries: 3, backoff: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and returns a Store owning the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.In("settings").Code("SETTINGS_UNAVAILABLE").Wrapf(err, "connect to settings database")
	}
	return New(pool, opts...), nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Available implements settings.Store.
func (s *Store) Available() bool { return true }

// Get implements settings.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("settings").Code("SETTINGS_READ_FAILED").With("key", key).Wrap(err)
	}
	return value, nil
}

// Set implements settings.Store. Serialization failures, deadlocks and
// connection errors are retried with exponential backoff.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			key, value)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return oops.In("settings").Code("SETTINGS_WRITE_FAILED").With("key", key).Wrap(err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return true
	}
	return pgerrcode.IsConnectionException(pgErr.Code)
}
