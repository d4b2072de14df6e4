package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/model"
)

// DB 数据库连接
var DB *sqlx.DB

// 共享存储中的配置键名，与隧道扩展进程保持一致。
const (
	KeyLogLevel              = "LOGL_EVEL"
	KeyIPv6Enable            = "IPV6_ENABLE"
	KeyCurrentSubscriptionID = "CURRENT_SUBSCRIPTION_ID"
)

// subscriptionRow 订阅表的一行
type subscriptionRow struct {
	Seq          int64  `db:"seq"`
	ID           string `db:"id"`
	Source       string `db:"source"`
	Alias        string `db:"alias"`
	LeastUpdated int64  `db:"least_updated"` // UnixNano
	RawDocument  []byte `db:"raw_document"`
}

func (r *subscriptionRow) toModel() model.Subscription {
	return model.Subscription{
		ID:     r.ID,
		Source: r.Source,
		Extend: model.SubscriptionExtend{
			Alias:        r.Alias,
			LeastUpdated: fromUnixNano(r.LeastUpdated),
		},
		RawDocument: r.RawDocument,
	}
}

func rowFromModel(sub *model.Subscription) subscriptionRow {
	return subscriptionRow{
		ID:           sub.ID,
		Source:       sub.Source,
		Alias:        sub.Extend.Alias,
		LeastUpdated: toUnixNano(sub.Extend.LeastUpdated),
		RawDocument:  sub.RawDocument,
	}
}

// 零值时间无法用 UnixNano 表示，存为 0
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// NormalizeTime 把时间截断为数据库能精确往返的形式，使内存缓存与数据库保持一致。
func NormalizeTime(t time.Time) time.Time {
	return fromUnixNano(toUnixNano(t))
}

const selectSubscriptionColumns = "SELECT seq, id, source, alias, least_updated, raw_document FROM subscriptions"

// InitDB 初始化 SQLite 数据库，创建必要的表结构。
// 如果数据库文件不存在，会自动创建。如果表已存在，不会重复创建。
// 参数：
//   - dbPath: 数据库文件路径
//
// 返回：错误（如果有）
func InitDB(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("创建数据库目录失败: %w", err)
	}

	// _txlock=immediate: 事务开始即拿写锁，CLI 与 serve 两个进程的读改写不会交错
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	// 进程内所有写操作经过同一个连接，sqlite 不会出现并发写锁冲突
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("数据库连接测试失败: %w", err)
	}
	DB = db

	if err := createTables(); err != nil {
		return fmt.Errorf("创建表失败: %w", err)
	}
	if err := migrateTables(); err != nil {
		return fmt.Errorf("迁移数据库表失败: %w", err)
	}
	return nil
}

// createTables 创建数据库表
func createTables() error {
	createSubscriptionsTable := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		least_updated INTEGER NOT NULL DEFAULT 0,
		raw_document BLOB
	);`

	// 应用配置表（当前订阅、日志级别、IPv6 开关等）
	createAppConfigTable := `
	CREATE TABLE IF NOT EXISTS app_config (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`

	createIndexes := `
	CREATE INDEX IF NOT EXISTS idx_subscriptions_source ON subscriptions(source);
	CREATE INDEX IF NOT EXISTS idx_app_config_key ON app_config(key);
	`

	if _, err := DB.Exec(createSubscriptionsTable); err != nil {
		return fmt.Errorf("创建订阅表失败: %w", err)
	}
	if _, err := DB.Exec(createAppConfigTable); err != nil {
		return fmt.Errorf("创建应用配置表失败: %w", err)
	}
	if _, err := DB.Exec(createIndexes); err != nil {
		return fmt.Errorf("创建索引失败: %w", err)
	}
	return nil
}

// migrateTables 迁移数据库表，添加新字段（如果不存在）
func migrateTables() error {
	migrations := []struct {
		column  string
		colType string
	}{
		{"alias", "TEXT NOT NULL DEFAULT ''"},
		{"least_updated", "INTEGER NOT NULL DEFAULT 0"},
		{"raw_document", "BLOB"},
	}

	rows, err := DB.Queryx("PRAGMA table_info(subscriptions)")
	if err != nil {
		// 表可能不存在，返回 nil（表会在 createTables 中创建）
		return nil
	}
	existingColumns := make(map[string]bool)
	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		existingColumns[name] = true
	}
	rows.Close()

	for _, m := range migrations {
		if existingColumns[m.column] {
			continue
		}
		if _, err := DB.Exec(fmt.Sprintf("ALTER TABLE subscriptions ADD COLUMN %s %s", m.column, m.colType)); err != nil {
			return fmt.Errorf("添加字段 %s 失败: %w", m.column, err)
		}
	}
	return nil
}

// InitDefaultConfig 初始化默认配置到数据库。
// 如果配置已存在则跳过，避免覆盖用户设置。
func InitDefaultConfig(logLevel string, ipv6Enable bool) error {
	defaultConfigs := map[string]string{
		KeyLogLevel:              logLevel,
		KeyIPv6Enable:            fmt.Sprintf("%t", ipv6Enable),
		KeyCurrentSubscriptionID: "",
	}
	for key, defaultValue := range defaultConfigs {
		if _, err := GetAppConfigWithDefault(key, defaultValue); err != nil {
			return fmt.Errorf("初始化配置 %s 失败: %w", key, err)
		}
	}
	return nil
}

// CloseDB 关闭数据库连接。
func CloseDB() error {
	if DB != nil {
		err := DB.Close()
		DB = nil
		return err
	}
	return nil
}

// isUniqueViolation 判断是否为唯一约束冲突
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// InsertSubscription 插入新订阅。
// ID 已存在时返回 DuplicateIdError。
// 返回：写入数据库后的订阅（least_updated 已按存储精度截断）
func InsertSubscription(sub model.Subscription) (model.Subscription, error) {
	tx, err := DB.Beginx()
	if err != nil {
		return model.Subscription{}, apperr.NewStorageError("开启事务失败", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.Get(&count, "SELECT COUNT(1) FROM subscriptions WHERE id = ?", sub.ID); err != nil {
		return model.Subscription{}, apperr.NewStorageError("查询订阅失败", err)
	}
	if count > 0 {
		return model.Subscription{}, apperr.NewDuplicateIDError(sub.ID)
	}

	row := rowFromModel(&sub)
	_, err = tx.NamedExec(
		"INSERT INTO subscriptions (id, source, alias, least_updated, raw_document) VALUES (:id, :source, :alias, :least_updated, :raw_document)",
		&row,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Subscription{}, apperr.NewDuplicateIDError(sub.ID)
		}
		return model.Subscription{}, apperr.NewStorageError("插入订阅失败", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Subscription{}, apperr.NewStorageError("提交事务失败", err)
	}
	return row.toModel(), nil
}

// GetSubscription 根据 ID 获取订阅。
// 返回：订阅实例；不存在时返回 NotFoundError
func GetSubscription(id string) (model.Subscription, error) {
	var row subscriptionRow
	err := DB.Get(&row, selectSubscriptionColumns+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, apperr.NewNotFoundError(id)
	}
	if err != nil {
		return model.Subscription{}, apperr.NewStorageError("查询订阅失败", err)
	}
	return row.toModel(), nil
}

// ListSubscriptions 获取所有订阅列表，按插入顺序排列。
func ListSubscriptions() ([]model.Subscription, error) {
	var rows []subscriptionRow
	if err := DB.Select(&rows, selectSubscriptionColumns+" ORDER BY seq ASC"); err != nil {
		return nil, apperr.NewStorageError("查询订阅列表失败", err)
	}
	subs := make([]model.Subscription, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].toModel())
	}
	return subs, nil
}

// UpdateSubscriptionTx 在一个事务内读取订阅、执行 mutate 并写回。
// mutate 不允许修改 ID；mutate 返回错误时事务回滚，数据库保持原样。
// 返回：写回后的订阅
func UpdateSubscriptionTx(id string, mutate func(*model.Subscription) error) (model.Subscription, error) {
	tx, err := DB.Beginx()
	if err != nil {
		return model.Subscription{}, apperr.NewStorageError("开启事务失败", err)
	}
	defer tx.Rollback()

	var row subscriptionRow
	err = tx.Get(&row, selectSubscriptionColumns+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, apperr.NewNotFoundError(id)
	}
	if err != nil {
		return model.Subscription{}, apperr.NewStorageError("查询订阅失败", err)
	}

	sub := row.toModel()
	if err := mutate(&sub); err != nil {
		return model.Subscription{}, err
	}
	sub.ID = id

	next := rowFromModel(&sub)
	_, err = tx.NamedExec(
		"UPDATE subscriptions SET source = :source, alias = :alias, least_updated = :least_updated, raw_document = :raw_document WHERE id = :id",
		&next,
	)
	if err != nil {
		return model.Subscription{}, apperr.NewStorageError("更新订阅失败", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Subscription{}, apperr.NewStorageError("提交事务失败", err)
	}
	return next.toModel(), nil
}

// DeleteSubscription 删除订阅。
// 不存在时返回 NotFoundError。
func DeleteSubscription(id string) error {
	result, err := DB.Exec("DELETE FROM subscriptions WHERE id = ?", id)
	if err != nil {
		return apperr.NewStorageError("删除订阅失败", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperr.NewStorageError("获取删除结果失败", err)
	}
	if affected == 0 {
		return apperr.NewNotFoundError(id)
	}
	return nil
}

// SetAppConfig 保存应用配置到 app_config 表。
func SetAppConfig(key, value string) error {
	now := time.Now()
	_, err := DB.Exec(
		`INSERT INTO app_config (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now, now,
	)
	if err != nil {
		return apperr.NewStorageError(fmt.Sprintf("保存配置 %s 失败", key), err)
	}
	return nil
}

// GetAppConfig 从 app_config 表获取应用配置。
// 返回：配置值；不存在时返回空字符串和 sql.ErrNoRows
func GetAppConfig(key string) (string, error) {
	var value string
	err := DB.Get(&value, "SELECT value FROM app_config WHERE key = ?", key)
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetAppConfigWithDefault 获取应用配置，如果不存在则写入并返回默认值。
func GetAppConfigWithDefault(key, defaultValue string) (string, error) {
	value, err := GetAppConfig(key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NewStorageError(fmt.Sprintf("查询配置 %s 失败", key), err)
	}
	if err := SetAppConfig(key, defaultValue); err != nil {
		return "", err
	}
	return defaultValue, nil
}
