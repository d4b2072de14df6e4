// Package tunnel 把当前订阅应用到本地 xray-core 隧道。
package tunnel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/xray"
)

// DocumentLoader 读取订阅的结构化配置
type DocumentLoader interface {
	Document(id string) (*model.ClashConfig, error)
}

// Settings 隧道运行参数，每次应用配置时读取最新值
type Settings interface {
	LogLevel() string
	IPv6Enabled() bool
	DirectRoutes() []string
	DirectRoutesUseProxy() bool
}

// instance 隧道核心实例，便于测试替换
type instance interface {
	Start() error
	Stop() error
	IsRunning() bool
}

type instanceFactory func(configJSON []byte, logCallback xray.LogCallback) (instance, error)

func newXrayInstance(configJSON []byte, logCallback xray.LogCallback) (instance, error) {
	return xray.NewXrayInstanceFromJSONWithCallback(configJSON, logCallback)
}

// Status 隧道状态
type Status struct {
	Running        bool   `json:"running"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	ProxyName      string `json:"proxyName,omitempty"`
	Port           int    `json:"port"`
}

// XrayTunnel 基于 xray-core 的隧道控制器。
// 同一时刻只有一个实例运行，切换订阅时先停止旧实例再启动新实例。
type XrayTunnel struct {
	mu       sync.Mutex
	loader   DocumentLoader
	settings Settings
	port     int
	log      logrus.FieldLogger
	factory  instanceFactory

	current instance
	status  Status
}

// NewXrayTunnel 创建隧道控制器。
// 参数：
//   - loader: 订阅文档读取器
//   - settings: 日志级别、IPv6、直连列表等设置
//   - port: 本地 SOCKS5 监听端口
//   - log: 日志
func NewXrayTunnel(loader DocumentLoader, settings Settings, port int, log logrus.FieldLogger) *XrayTunnel {
	return &XrayTunnel{
		loader:   loader,
		settings: settings,
		port:     port,
		log:      log,
		factory:  newXrayInstance,
		status:   Status{Port: port},
	}
}

// SetActive 应用指定订阅的配置并重启隧道。
func (t *XrayTunnel) SetActive(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return apperr.NewTunnelError("应用配置已取消", err)
	}

	doc, err := t.loader.Document(id)
	if err != nil {
		return fmt.Errorf("隧道: 读取订阅配置失败: %w", err)
	}
	proxy, err := SelectProxy(doc)
	if err != nil {
		return apperr.NewTunnelError("选择出站节点失败", err)
	}

	opts := xray.ConfigOptions{
		LocalPort:  t.port,
		LogLevel:   t.settings.LogLevel(),
		IPv6Enable: t.settings.IPv6Enabled(),
		Routing: &xray.RoutingOptions{
			Rules:                doc.Rules,
			DirectRoutes:         t.settings.DirectRoutes(),
			DirectRoutesUseProxy: t.settings.DirectRoutesUseProxy(),
		},
	}
	configJSON, err := xray.CreateXrayConfig(proxy, opts)
	if err != nil {
		return apperr.NewTunnelError("创建xray配置失败", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.factory(configJSON, t.forwardLog)
	if err != nil {
		return apperr.NewTunnelError("创建xray实例失败", err)
	}

	// 新旧实例监听同一端口，必须先停止旧实例
	t.stopLocked()

	if err := next.Start(); err != nil {
		return apperr.NewTunnelError("启动xray实例失败", err)
	}
	t.current = next
	t.status = Status{
		Running:        true,
		SubscriptionID: id,
		ProxyName:      proxy.Name,
		Port:           t.port,
	}

	t.log.WithFields(logrus.Fields{
		"subscription": id,
		"proxy":        proxy.Name,
		"server":       proxy.Server,
		"protocol":     proxy.Type,
		"port":         t.port,
	}).Info("xray-core代理已启动")
	return nil
}

// Stop 停止隧道。
func (t *XrayTunnel) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	t.log.Info("正在停止xray-core代理...")
	return t.stopLocked()
}

func (t *XrayTunnel) stopLocked() error {
	var err error
	if t.current != nil && t.current.IsRunning() {
		if err = t.current.Stop(); err != nil {
			t.log.WithError(err).Warn("停止xray代理失败")
		}
	}
	t.current = nil
	t.status = Status{Port: t.port}
	return err
}

// Status 返回隧道当前状态。
func (t *XrayTunnel) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// forwardLog 把 xray 日志转发到应用日志
func (t *XrayTunnel) forwardLog(level, message string) {
	entry := t.log.WithField("source", "xray")
	switch level {
	case "ERROR":
		entry.Error(message)
	case "WARN":
		entry.Warn(message)
	case "DEBUG":
		entry.Debug(message)
	default:
		entry.Info(message)
	}
}

// SelectProxy 选择出站节点：第一个 select 代理组中第一个能解析到节点的成员，
// 成员为代理组时递归解析；没有 select 组时使用第一个节点。
func SelectProxy(cfg *model.ClashConfig) (*model.Proxy, error) {
	if cfg == nil || len(cfg.Proxies) == 0 {
		return nil, fmt.Errorf("配置中没有可用节点")
	}

	for _, g := range cfg.ProxyGroups {
		if !strings.EqualFold(g.Type, "select") {
			continue
		}
		if p := resolveMember(cfg, g.Name, map[string]bool{}); p != nil {
			return p, nil
		}
		break
	}
	return &cfg.Proxies[0], nil
}

func resolveMember(cfg *model.ClashConfig, name string, visited map[string]bool) *model.Proxy {
	if p, ok := cfg.FindProxy(name); ok {
		return p
	}
	g, ok := cfg.FindGroup(name)
	if !ok || visited[name] {
		return nil
	}
	visited[name] = true
	for _, member := range g.Proxies {
		if p := resolveMember(cfg, member, visited); p != nil {
			return p
		}
	}
	return nil
}
