package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"clashsub.com/p/internal/database"
)

// AppConfigStore 管理 app_config 表中的应用配置。
// 读取总是回到数据库，另一个进程写入的配置（例如 CLI 切换的当前订阅）立即可见；
// 缓存只在数据库不可读时兜底。
type AppConfigStore struct {
	mu sync.RWMutex

	// 配置缓存（key-value）
	config map[string]string

	events *notifier
}

func newAppConfigStore(events *notifier) *AppConfigStore {
	return &AppConfigStore{
		config: make(map[string]string),
		events: events,
	}
}

// Load 从数据库加载已知的配置项。
func (acs *AppConfigStore) Load() error {
	loaded := make(map[string]string)
	for _, key := range []string{
		database.KeyCurrentSubscriptionID,
		database.KeyLogLevel,
		database.KeyIPv6Enable,
	} {
		value, err := database.GetAppConfigWithDefault(key, "")
		if err != nil {
			return fmt.Errorf("应用配置存储: 加载配置 %s 失败: %w", key, err)
		}
		loaded[key] = value
	}

	acs.mu.Lock()
	acs.config = loaded
	acs.mu.Unlock()
	return nil
}

// Get 从数据库读取配置值，不存在的键返回空字符串。
func (acs *AppConfigStore) Get(key string) string {
	value, err := database.GetAppConfig(key)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		value = ""
	default:
		acs.mu.RLock()
		defer acs.mu.RUnlock()
		return acs.config[key]
	}

	acs.mu.Lock()
	acs.config[key] = value
	acs.mu.Unlock()
	return value
}

// GetWithDefault 获取配置值，如果不存在则写入并返回默认值。
func (acs *AppConfigStore) GetWithDefault(key, defaultValue string) (string, error) {
	value, err := database.GetAppConfigWithDefault(key, defaultValue)
	if err != nil {
		return "", fmt.Errorf("应用配置存储: 读取配置失败: %w", err)
	}
	acs.mu.Lock()
	acs.config[key] = value
	acs.mu.Unlock()
	return value, nil
}

// Set 设置配置值，写入数据库成功后才更新缓存。
func (acs *AppConfigStore) Set(key, value string) error {
	if err := database.SetAppConfig(key, value); err != nil {
		return fmt.Errorf("应用配置存储: 保存配置失败: %w", err)
	}
	acs.mu.Lock()
	acs.config[key] = value
	acs.mu.Unlock()
	return nil
}

// CurrentSubscriptionID 返回持久化的当前订阅 ID，空字符串表示没有。
func (acs *AppConfigStore) CurrentSubscriptionID() string {
	return acs.Get(database.KeyCurrentSubscriptionID)
}

// SetCurrentSubscriptionID 持久化当前订阅 ID 并发出 CurrentChanged 事件。
func (acs *AppConfigStore) SetCurrentSubscriptionID(id string) error {
	if err := acs.Set(database.KeyCurrentSubscriptionID, id); err != nil {
		return err
	}
	acs.events.emit(Event{Kind: EventCurrentChanged, ID: id})
	return nil
}

// LogLevel 返回持久化的日志级别。
func (acs *AppConfigStore) LogLevel() string {
	return acs.Get(database.KeyLogLevel)
}

// SetLogLevel 持久化日志级别，供隧道进程读取。
func (acs *AppConfigStore) SetLogLevel(level string) error {
	return acs.Set(database.KeyLogLevel, level)
}

// IPv6Enabled 返回隧道是否启用 IPv6。
func (acs *AppConfigStore) IPv6Enabled() bool {
	enabled, _ := strconv.ParseBool(acs.Get(database.KeyIPv6Enable))
	return enabled
}

// SetIPv6Enabled 持久化 IPv6 开关。
func (acs *AppConfigStore) SetIPv6Enabled(enabled bool) error {
	return acs.Set(database.KeyIPv6Enable, strconv.FormatBool(enabled))
}
