package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/farm-controller/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 创建内存测试数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接独立，限制为单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func TestConfigStore_GetMissing(t *testing.T) {
	store := NewConfigStore(newTestDB(t))

	value, found, err := store.GetConfig(context.Background(), "timezone")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, value)
}

func TestConfigStore_RoundTripTypes(t *testing.T) {
	store := NewConfigStore(newTestDB(t))
	ctx := context.Background()

	tests := []struct {
		key      string
		value    interface{}
		expected interface{}
		typ      string
	}{
		{"firmware_hardware", "farmduino", "farmduino", models.ConfigTypeString},
		{"os_auto_update", true, true, models.ConfigTypeBool},
		{"retries", 3, int64(3), models.ConfigTypeInt},
		{"ratio", 0.25, 0.25, models.ConfigTypeFloat},
		{"user_env", map[string]string{"A": "1"}, map[string]interface{}{"A": "1"}, models.ConfigTypeJSON},
		{"timezone", nil, nil, models.ConfigTypeNull},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			require.NoError(t, store.PutConfig(ctx, tt.key, tt.value))

			value, found, err := store.GetConfig(ctx, tt.key)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, tt.expected, value)

			var entry models.ConfigEntry
			require.NoError(t, store.GetDB().Where(map[string]interface{}{"key": tt.key}).First(&entry).Error)
			assert.Equal(t, tt.typ, entry.Type)
		})
	}
}

func TestConfigStore_PutOverwrites(t *testing.T) {
	store := NewConfigStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.PutConfig(ctx, "timezone", "UTC"))
	require.NoError(t, store.PutConfig(ctx, "timezone", "PST"))

	value, found, err := store.GetConfig(ctx, "timezone")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "PST", value)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConfigStore_StringPointer(t *testing.T) {
	store := NewConfigStore(newTestDB(t))
	ctx := context.Background()

	tz := "Europe/Berlin"
	require.NoError(t, store.PutConfig(ctx, "timezone", &tz))
	value, _, err := store.GetConfig(ctx, "timezone")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", value)

	var nilTZ *string
	require.NoError(t, store.PutConfig(ctx, "timezone", nilTZ))
	value, found, err := store.GetConfig(ctx, "timezone")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, value)
}

func TestConfigStore_ClosedDatabase(t *testing.T) {
	db := newTestDB(t)
	store := NewConfigStore(db)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, _, err = store.GetConfig(context.Background(), "timezone")
	assert.Error(t, err)
	assert.Error(t, store.PutConfig(context.Background(), "timezone", "UTC"))
}
