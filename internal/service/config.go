package service

import (
	"fmt"
	"strings"

	"clashsub.com/p/internal/store"
)

// 隧道直连列表相关的配置键
const (
	keyDirectRoutes         = "directRoutes"
	keyDirectRoutesUseProxy = "directRoutesUseProxy"
)

// defaultLogLevel 数据库中没有日志级别时使用
const defaultLogLevel = "info"

// 默认的直连路由列表
var defaultDirectRoutes = []string{
	"domain:baidu.com",
	"domain:qq.com",
	"domain:taobao.com",
	"domain:jd.com",
	"domain:aliyun.com",
	"domain:163.com",
	"domain:tmall.com",
	"domain:alicdn.com",
}

// ConfigService 应用配置服务层，为隧道提供日志级别、IPv6 和直连列表等运行参数。
type ConfigService struct {
	store *store.Store
}

// NewConfigService 创建新的配置服务实例。
// 参数：
//   - store: Store 实例，用于数据访问
//
// 返回：初始化后的 ConfigService 实例
func NewConfigService(store *store.Store) *ConfigService {
	return &ConfigService{
		store: store,
	}
}

func (cs *ConfigService) ready() bool {
	return cs.store != nil && cs.store.AppConfig != nil
}

// LogLevel 获取隧道日志级别。
func (cs *ConfigService) LogLevel() string {
	if !cs.ready() {
		return defaultLogLevel
	}
	if level := cs.store.AppConfig.LogLevel(); level != "" {
		return level
	}
	return defaultLogLevel
}

// SetLogLevel 设置隧道日志级别。
func (cs *ConfigService) SetLogLevel(level string) error {
	if !cs.ready() {
		return fmt.Errorf("配置服务: Store 未初始化")
	}
	return cs.store.AppConfig.SetLogLevel(level)
}

// IPv6Enabled 隧道是否启用 IPv6。
func (cs *ConfigService) IPv6Enabled() bool {
	if !cs.ready() {
		return false
	}
	return cs.store.AppConfig.IPv6Enabled()
}

// SetIPv6Enabled 设置隧道 IPv6 开关。
func (cs *ConfigService) SetIPv6Enabled(enabled bool) error {
	if !cs.ready() {
		return fmt.Errorf("配置服务: Store 未初始化")
	}
	return cs.store.AppConfig.SetIPv6Enabled(enabled)
}

// DirectRoutes 获取直连路由列表（域名或 IP/CIDR，对应 xray 规则）。
// 返回：直连地址列表，空切片表示未配置
func (cs *ConfigService) DirectRoutes() []string {
	if !cs.ready() {
		return nil
	}
	raw, err := cs.store.AppConfig.GetWithDefault(keyDirectRoutes, "")
	if err != nil || raw == "" {
		return nil
	}
	return parseDirectRoutes(raw)
}

// SetDirectRoutesFromRaw 从多行字符串保存直连路由（会解析并规范化后存储）。
func (cs *ConfigService) SetDirectRoutesFromRaw(raw string) error {
	return cs.SetDirectRoutes(parseDirectRoutes(raw))
}

// SetDirectRoutes 保存直连路由列表。
// 参数：直连地址列表，会序列化为换行分隔的字符串存储
func (cs *ConfigService) SetDirectRoutes(routes []string) error {
	if !cs.ready() {
		return fmt.Errorf("配置服务: Store 未初始化")
	}
	return cs.store.AppConfig.Set(keyDirectRoutes, formatDirectRoutes(routes))
}

// DirectRoutesUseProxy 直连列表中的地址是否改为走代理。
func (cs *ConfigService) DirectRoutesUseProxy() bool {
	if !cs.ready() {
		return false
	}
	v, _ := cs.store.AppConfig.GetWithDefault(keyDirectRoutesUseProxy, "false")
	return v == "true"
}

// SetDirectRoutesUseProxy 设置直连列表中的地址是否走代理。
func (cs *ConfigService) SetDirectRoutesUseProxy(useProxy bool) error {
	if !cs.ready() {
		return fmt.Errorf("配置服务: Store 未初始化")
	}
	return cs.store.AppConfig.Set(keyDirectRoutesUseProxy, fmt.Sprintf("%t", useProxy))
}

// SaveDefaultDirectRoutes 首次运行时写入默认直连路由，已有配置则不覆盖。
func (cs *ConfigService) SaveDefaultDirectRoutes() error {
	if !cs.ready() {
		return fmt.Errorf("配置服务: Store 未初始化")
	}
	existing, err := cs.store.AppConfig.GetWithDefault(keyDirectRoutes, "")
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}
	return cs.SetDirectRoutes(defaultDirectRoutes)
}

// parseDirectRoutes 从换行分隔的字符串解析直连路由列表。
// 支持 domain:xxx、ip 或 cidr，纯域名会补全为 domain:xxx。
func parseDirectRoutes(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, "domain:") || strings.HasPrefix(s, "geosite:") ||
			strings.HasPrefix(s, "regexp:") || strings.HasPrefix(s, "full:") {
			out = append(out, s)
			continue
		}
		// 含有点且不像 IP，视为域名
		if strings.Contains(s, ".") && !isLikelyIPOrCIDR(s) {
			out = append(out, "domain:"+s)
		} else {
			out = append(out, s)
		}
	}
	return out
}

func isLikelyIPOrCIDR(s string) bool {
	if strings.Contains(s, "/") || strings.Contains(s, ":") {
		return true
	}
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			continue
		}
		return false
	}
	return true
}

func formatDirectRoutes(routes []string) string {
	return strings.TrimSpace(strings.Join(routes, "\n"))
}
