//go:build integration

package storage

import (
	"context"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/pos-sync/database"
	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/rowstore"
)

// databaseConfig turns a container connection string into configuration,
// passing the password through the environment
func databaseConfig(t *testing.T, connStr string) *config.DatabaseConfig {
	t.Helper()

	u, err := url.Parse(connStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	password, _ := u.User.Password()
	t.Setenv(config.PasswordEnvVar, password)

	return &config.DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Database: u.Path[1:],
		SSLMode:  "disable",
	}
}

func TestDatabaseFactory(t *testing.T) {
	ctx := context.Background()
	connStr, cleanup := database.SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanup)

	dbCfg := databaseConfig(t, connStr)

	t.Run("nil config", func(t *testing.T) {
		_, err := NewDatabaseFactory(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("missing database section", func(t *testing.T) {
		_, err := NewDatabaseFactory(ctx, &config.Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database configuration is required")
	})

	t.Run("postgres row store and state", func(t *testing.T) {
		cfg := &config.Config{
			DataDir:  t.TempDir(),
			Database: dbCfg,
			RowStore: config.RowStoreConfig{Type: config.RowStorePostgres},
		}
		factory, err := NewDatabaseFactory(ctx, cfg, WithAutoMigrate(true))
		require.NoError(t, err)
		t.Cleanup(factory.Cleanup)

		store, err := factory.CreateRowStore(ctx)
		require.NoError(t, err)
		assert.IsType(t, &rowstore.PostgresStore{}, store)

		row, err := store.Put(ctx, &rows.Row{
			Table: "products", Key: "p1", Payload: map[string]any{"name": "Tea"}, Origin: rows.RoleMaster,
		})
		require.NoError(t, err)
		assert.Positive(t, row.Seq)

		stateStore, err := factory.CreateStateService(ctx)
		require.NoError(t, err)
		require.NoError(t, stateStore.Initialize(ctx, []string{"products"}))
		_, err = stateStore.TableStatus(ctx, "products")
		require.NoError(t, err)
	})

	t.Run("sqlite row store with database state", func(t *testing.T) {
		cfg := &config.Config{DataDir: t.TempDir(), Database: dbCfg}
		factory, err := NewDatabaseFactory(ctx, cfg)
		require.NoError(t, err)

		store, err := factory.CreateRowStore(ctx)
		require.NoError(t, err)
		assert.IsType(t, &rowstore.SQLiteStore{}, store)

		factory.Cleanup()
		assert.Error(t, store.Ping(ctx))
	})
}
