// Package testutil 提供各包测试共用的数据库辅助函数。
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"clashsub.com/p/internal/database"
)

// NewMockDB 用 sqlmock 替换全局数据库连接，测试结束后恢复。
func NewMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	sqlxDB := sqlx.NewDb(mockDb, "sqlmock")

	originalDB := database.DB
	database.DB = sqlxDB
	t.Cleanup(func() {
		database.DB = originalDB
		mockDb.Close()
	})
	return sqlxDB, mock
}

// InitTestDB 在临时目录中初始化真实的 SQLite 数据库，测试结束后关闭。
func InitTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clashsub.db")
	if err := database.InitDB(path); err != nil {
		t.Fatalf("init test db: %v", err)
	}
	t.Cleanup(func() {
		_ = database.CloseDB()
	})
	return path
}
