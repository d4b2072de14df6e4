package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// envPrefix 环境变量前缀
const envPrefix = "CLASHSUB_"

// Config 存储应用的配置信息。
// 订阅本身保存在数据库中，此配置只包含运行参数。
type Config struct {
	AppID             string  `json:"appID"`             // 应用 ID，用于拼接共享存储命名空间
	DataDir           string  `json:"dataDir"`           // 数据目录
	LogLevel          string  `json:"logLevel"`          // 日志级别
	LogFile           string  `json:"logFile"`           // 日志文件路径
	IPv6Enable        bool    `json:"ipv6Enable"`        // 隧道是否启用 IPv6
	FetchTimeoutSec   int     `json:"fetchTimeoutSec"`   // 拉取订阅超时（秒）
	UserAgent         string  `json:"userAgent"`         // 拉取订阅使用的 User-Agent
	FetchRatePerSec   float64 `json:"fetchRatePerSec"`   // 拉取限速（次/秒），0 表示不限速
	FetchBurst        int     `json:"fetchBurst"`        // 拉取限速突发数
	FetchProxy        string  `json:"fetchProxy"`        // 通过 SOCKS5 代理拉取订阅（host:port），为空则直连
	FetchProxyUser    string  `json:"fetchProxyUser"`    // SOCKS5 用户名
	FetchProxyPass    string  `json:"fetchProxyPass"`    // SOCKS5 密码
	TunnelPort        int     `json:"tunnelPort"`        // 本地 SOCKS 入站端口
	UpdateIntervalSec int     `json:"updateIntervalSec"` // 自动更新间隔（秒），0 表示关闭
	CheckIntervalSec  int     `json:"checkIntervalSec"`  // 自动更新检查周期（秒）
	UpdateParallelism int     `json:"updateParallelism"` // 批量更新并发数
	APIListen         string  `json:"apiListen"`         // 控制 API 监听地址
}

// DefaultConfig 返回默认的应用配置。
func DefaultConfig() *Config {
	return &Config{
		AppID:             "com.clashsub.app",
		DataDir:           "data",
		LogLevel:          "info",
		LogFile:           "clashsub.log",
		IPv6Enable:        false,
		FetchTimeoutSec:   30,
		UserAgent:         "ClashSub/1.0",
		FetchRatePerSec:   0,
		FetchBurst:        1,
		TunnelPort:        10808,
		UpdateIntervalSec: 0,
		CheckIntervalSec:  60,
		UpdateParallelism: 4,
		APIListen:         "127.0.0.1:18990",
	}
}

// SuiteName 返回共享存储的命名空间，格式为 group.<AppID>。
func (c *Config) SuiteName() string {
	return "group." + c.AppID
}

// DBPath 返回订阅数据库文件路径。
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.SuiteName(), "clashsub.db")
}

// FetchTimeout 拉取超时。
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// UpdateInterval 自动更新间隔。
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSec) * time.Second
}

// CheckInterval 自动更新检查周期。
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// LoadConfig 从指定的 JSON 文件加载配置，并应用环境变量覆盖。
// 如果文件不存在，会创建包含默认配置的新文件。
// 参数：
//   - filePath: 配置文件路径
//
// 返回：配置实例和错误（如果有）
func LoadConfig(filePath string) (*Config, error) {
	cfg, err := readConfigFile(filePath)
	if err != nil {
		return nil, err
	}

	// .env 不存在时忽略
	_ = godotenv.Load()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("应用环境变量失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func readConfigFile(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		defaultConfig := DefaultConfig()
		if err := SaveConfig(defaultConfig, filePath); err != nil {
			return nil, fmt.Errorf("保存默认配置失败: %w", err)
		}
		return defaultConfig, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 先填默认值，文件中缺失的字段保持默认
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// SaveConfig 将配置保存到指定的 JSON 文件。
// 如果目录不存在，会自动创建。
func SaveConfig(config *Config, filePath string) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

// ApplyEnv 使用 CLASHSUB_* 环境变量覆盖配置。
// 不带前缀的 LOG_LEVEL 同样生效，但 CLASHSUB_LOG_LEVEL 优先。
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("APP_ID", &c.AppID)
	str("DATA_DIR", &c.DataDir)
	str("LOG_FILE", &c.LogFile)
	str("USER_AGENT", &c.UserAgent)
	str("FETCH_PROXY", &c.FetchProxy)
	str("FETCH_PROXY_USER", &c.FetchProxyUser)
	str("FETCH_PROXY_PASS", &c.FetchProxyPass)
	str("API_LISTEN", &c.APIListen)
	// 不带前缀的 LOG_LEVEL 兼容旧的部署方式，带前缀的优先
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := os.LookupEnv(envPrefix + "IPV6_ENABLE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sIPV6_ENABLE: %w", envPrefix, err)
		}
		c.IPv6Enable = b
	}
	if v, ok := os.LookupEnv(envPrefix + "FETCH_RATE_PER_SEC"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%sFETCH_RATE_PER_SEC: %w", envPrefix, err)
		}
		c.FetchRatePerSec = f
	}
	for key, dst := range map[string]*int{
		"FETCH_TIMEOUT_SEC":   &c.FetchTimeoutSec,
		"TUNNEL_PORT":         &c.TunnelPort,
		"UPDATE_INTERVAL_SEC": &c.UpdateIntervalSec,
		"CHECK_INTERVAL_SEC":  &c.CheckIntervalSec,
		"UPDATE_PARALLELISM":  &c.UpdateParallelism,
		"FETCH_BURST":         &c.FetchBurst,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate 验证配置的有效性。
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("无效的日志级别: %s", c.LogLevel)
	}
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("appID 不能为空")
	}
	if c.FetchTimeoutSec <= 0 {
		return fmt.Errorf("无效的拉取超时: %d", c.FetchTimeoutSec)
	}
	if c.TunnelPort <= 0 || c.TunnelPort > 65535 {
		return fmt.Errorf("无效的隧道端口: %d", c.TunnelPort)
	}
	if c.UpdateIntervalSec < 0 || c.CheckIntervalSec < 0 {
		return fmt.Errorf("自动更新间隔不能为负数")
	}
	if c.FetchRatePerSec < 0 {
		return fmt.Errorf("无效的拉取限速: %v", c.FetchRatePerSec)
	}
	return nil
}
