// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/holoflow/internal/settings"
	"github.com/holomush/holoflow/internal/settings/postgres"
)

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:18-alpine",
		tcpostgres.WithDatabase("holoflow_test"),
		tcpostgres.WithUsername("holoflow"),
		tcpostgres.WithPassword("holoflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := postgres.NewMigrator(dsn)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	store, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, settings.NodesKey)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Set(ctx, settings.NodesKey, []byte(`{"core":{"name":"core"}}`)))
	require.NoError(t, store.Set(ctx, settings.NodesKey, []byte(`{"core":{"name":"core","version":"1.0.0"}}`)))

	got, err = store.Get(ctx, settings.NodesKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"core":{"name":"core","version":"1.0.0"}}`, string(got))
}
