package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/farm-controller/internal/config"
	"github.com/wfunc/farm-controller/internal/models"
	"go.uber.org/zap"
)

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestOpenAndMigrate_SQLiteFile(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn, LogLevel: "silent"}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	assert.True(t, db.Migrator().HasTable(&models.ConfigEntry{}))

	// 迁移结束后锁已释放
	lock, err := acquireMigrationLock(context.Background(), dsn)
	require.NoError(t, err)
	releaseMigrationLock(lock)

	// 再次迁移是幂等的
	require.NoError(t, Migrate(db))
}

func TestMigrate_WaitsForLock(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn, LogLevel: "silent"}, zap.NewNop())
	require.NoError(t, err)

	lock, err := acquireMigrationLock(context.Background(), dsn)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- Migrate(db) }()

	select {
	case <-done:
		t.Fatal("持有锁时迁移不应完成")
	case <-time.After(100 * time.Millisecond):
	}

	releaseMigrationLock(lock)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("释放锁后迁移未完成")
	}
}

func TestMigrate_InMemory(t *testing.T) {
	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent", MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, sqliteFilePath(db))
	require.NoError(t, Migrate(db))
}
