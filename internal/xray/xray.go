package xray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	// 导入所有 xray-core 组件，注册必要的处理器
	_ "github.com/xtls/xray-core/main/distro/all"

	xlog "github.com/xtls/xray-core/common/log"
	"github.com/xtls/xray-core/core"
	"github.com/xtls/xray-core/infra/conf"

	"clashsub.com/p/internal/model"
)

// 出站标签
const (
	TagProxy  = "proxy"
	TagDirect = "direct"
	TagBlock  = "block"
)

// LogCallback 定义日志回调函数类型
// 参数：level (日志级别，如 "INFO", "ERROR"), message (日志消息)
type LogCallback func(level, message string)

// logWriter 是一个自定义的日志写入器，用于拦截 xray 的日志输出
type logWriter struct {
	callback LogCallback
	buffer   []byte
	mu       sync.Mutex
}

// NewLogWriter 创建新的日志写入器
func NewLogWriter(callback LogCallback) *logWriter {
	return &logWriter{
		callback: callback,
		buffer:   make([]byte, 0, 1024),
	}
}

// Write 实现 io.Writer 接口，按行切分后回调
func (lw *logWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.buffer = append(lw.buffer, p...)
	for {
		newlineIndex := bytes.IndexByte(lw.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := string(lw.buffer[:newlineIndex])
		lw.buffer = lw.buffer[newlineIndex+1:]

		if strings.TrimSpace(line) != "" {
			lw.processLogLine(line)
		}
	}
	return len(p), nil
}

// Handle 实现 xray-core 的 log.Handler 接口
func (lw *logWriter) Handle(msg xlog.Message) {
	_, _ = lw.Write([]byte(msg.String() + "\n"))
}

// processLogLine 处理单行日志，解析级别并调用回调
func (lw *logWriter) processLogLine(line string) {
	if lw.callback == nil {
		return
	}

	line = strings.TrimRight(line, "\r\n")
	if lw.shouldFilterLog(line) {
		return
	}

	level := "INFO"
	upperLine := strings.ToUpper(line)
	if strings.Contains(upperLine, "[ERROR]") || strings.Contains(upperLine, " ERROR ") {
		level = "ERROR"
	} else if strings.Contains(upperLine, "[WARNING]") || strings.Contains(upperLine, "[WARN]") || strings.Contains(upperLine, " WARN ") {
		level = "WARN"
	} else if strings.Contains(upperLine, "[DEBUG]") || strings.Contains(upperLine, " DEBUG ") {
		level = "DEBUG"
	}

	lw.callback(level, line)
}

// shouldFilterLog 过滤掉频繁出现且无意义的日志，减少日志噪音
func (lw *logWriter) shouldFilterLog(line string) bool {
	filterPatterns := []string{
		"proxy/socks: Not Socks request, try to parse as HTTP request",
		"proxy/http: request to Method [CONNECT]",
		"app/dispatcher: default route for",
		"transport/internet/tcp: dialing TCP to",
		"transport/internet: dialing to",
	}

	upperLine := strings.ToUpper(line)
	for _, pattern := range filterPatterns {
		if strings.Contains(upperLine, strings.ToUpper(pattern)) {
			return true
		}
	}
	return false
}

// XrayInstance 封装 xray-core 实例
type XrayInstance struct {
	mu        sync.Mutex
	instance  *core.Instance
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool       // 运行状态
	logWriter *logWriter // 日志写入器
}

// NewXrayInstanceFromJSON 从 JSON 配置创建 xray-core 实例
func NewXrayInstanceFromJSON(configJSON []byte) (*XrayInstance, error) {
	return NewXrayInstanceFromJSONWithCallback(configJSON, nil)
}

// NewXrayInstanceFromJSONWithCallback 从 JSON 配置创建 xray-core 实例，并设置日志回调
func NewXrayInstanceFromJSONWithCallback(configJSON []byte, logCallback LogCallback) (*XrayInstance, error) {
	var config conf.Config
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("Xray: 解析配置失败: %w", err)
	}

	pbConfig, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("Xray: 构建配置失败: %w", err)
	}

	instance, err := core.New(pbConfig)
	if err != nil {
		return nil, fmt.Errorf("Xray: 创建实例失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &XrayInstance{
		instance:  instance,
		ctx:       ctx,
		cancel:    cancel,
		logWriter: NewLogWriter(logCallback),
	}, nil
}

// Start 启动 xray-core 实例
func (xi *XrayInstance) Start() error {
	xi.mu.Lock()
	defer xi.mu.Unlock()

	if xi.isRunning {
		return fmt.Errorf("Xray: xray实例已经在运行")
	}
	if err := xi.instance.Start(); err != nil {
		return fmt.Errorf("Xray: 启动失败: %w", err)
	}
	// 日志应用启动时会注册自己的处理器，这里覆盖为转发到应用日志
	xlog.RegisterHandler(xi.logWriter)
	xi.isRunning = true
	return nil
}

// Stop 停止 xray-core 实例
func (xi *XrayInstance) Stop() error {
	xi.mu.Lock()
	defer xi.mu.Unlock()

	if !xi.isRunning {
		return nil
	}
	xi.isRunning = false
	xi.cancel()
	if xi.instance != nil {
		if err := xi.instance.Close(); err != nil {
			return fmt.Errorf("Xray: 停止失败: %w", err)
		}
	}
	return nil
}

// IsRunning 检查 xray 实例是否在运行
func (xi *XrayInstance) IsRunning() bool {
	xi.mu.Lock()
	defer xi.mu.Unlock()
	return xi.isRunning && xi.instance != nil
}

// CreateOutboundFromProxy 根据代理节点创建 xray 出站配置
func CreateOutboundFromProxy(proxy *model.Proxy) (map[string]interface{}, error) {
	var settings map[string]interface{}
	protocol := proxy.Type
	var streamSettings map[string]interface{}

	switch proxy.Type {
	case "socks5", "socks":
		protocol = "socks"
		server := map[string]interface{}{
			"address": proxy.Server,
			"port":    proxy.Port,
		}
		if proxy.Username != "" || proxy.Password != "" {
			server["users"] = []map[string]string{
				{"user": proxy.Username, "pass": proxy.Password},
			}
		}
		settings = map[string]interface{}{"servers": []interface{}{server}}
		if proxy.TLS {
			streamSettings = buildStreamSettings(proxy, true)
		}

	case "http":
		server := map[string]interface{}{
			"address": proxy.Server,
			"port":    proxy.Port,
		}
		if proxy.Username != "" || proxy.Password != "" {
			server["users"] = []map[string]string{
				{"user": proxy.Username, "pass": proxy.Password},
			}
		}
		settings = map[string]interface{}{"servers": []interface{}{server}}
		if proxy.TLS {
			streamSettings = buildStreamSettings(proxy, true)
		}

	case "vmess":
		settings = map[string]interface{}{
			"vnext": []map[string]interface{}{
				{
					"address": proxy.Server,
					"port":    proxy.Port,
					"users": []map[string]interface{}{
						{
							"id":       proxy.UUID,
							"alterId":  proxy.AlterID,
							"security": getVMessSecurity(proxy.Cipher),
						},
					},
				},
			},
		}
		streamSettings = buildStreamSettings(proxy, proxy.TLS)

	case "vless":
		user := map[string]interface{}{
			"id":         proxy.UUID,
			"encryption": "none",
		}
		if proxy.Flow != "" {
			user["flow"] = proxy.Flow
		}
		settings = map[string]interface{}{
			"vnext": []map[string]interface{}{
				{
					"address": proxy.Server,
					"port":    proxy.Port,
					"users":   []map[string]interface{}{user},
				},
			},
		}
		streamSettings = buildStreamSettings(proxy, proxy.TLS)

	case "ss", "shadowsocks":
		protocol = "shadowsocks"
		settings = map[string]interface{}{
			"servers": []map[string]interface{}{
				{
					"address":  proxy.Server,
					"port":     proxy.Port,
					"method":   proxy.Cipher,
					"password": proxy.Password,
				},
			},
		}
		streamSettings = map[string]interface{}{"network": "tcp"}

	case "trojan":
		settings = map[string]interface{}{
			"servers": []map[string]interface{}{
				{
					"address":  proxy.Server,
					"port":     proxy.Port,
					"password": proxy.Password,
				},
			},
		}
		// Trojan 默认使用 TLS
		streamSettings = buildStreamSettings(proxy, true)

	default:
		return nil, fmt.Errorf("Xray: 不支持的协议类型: %s", proxy.Type)
	}

	outbound := map[string]interface{}{
		"tag":      TagProxy,
		"protocol": protocol,
		"settings": settings,
	}
	if streamSettings != nil {
		outbound["streamSettings"] = streamSettings
	}
	return outbound, nil
}

// getVMessSecurity 获取 VMess 加密方式，默认为 "auto"
func getVMessSecurity(security string) string {
	if security == "" {
		return "auto"
	}
	return security
}

// buildStreamSettings 构建传输协议与 TLS 配置
func buildStreamSettings(proxy *model.Proxy, tls bool) map[string]interface{} {
	network := proxy.Network
	if network == "" {
		network = "tcp"
	}
	streamSettings := map[string]interface{}{
		"network": network,
	}

	var wsHost string
	switch network {
	case "ws", "websocket":
		streamSettings["network"] = "ws"
		wsSettings := map[string]interface{}{}
		if proxy.WSOpts != nil {
			if proxy.WSOpts.Path != "" {
				wsSettings["path"] = proxy.WSOpts.Path
			}
			if len(proxy.WSOpts.Headers) > 0 {
				wsSettings["headers"] = proxy.WSOpts.Headers
				wsHost = proxy.WSOpts.Headers["Host"]
			}
		}
		if len(wsSettings) > 0 {
			streamSettings["wsSettings"] = wsSettings
		}

	case "h2", "http":
		streamSettings["network"] = "http"
		h2Settings := map[string]interface{}{}
		if host := proxy.TLSServerName(); host != "" {
			h2Settings["host"] = []string{host}
		}
		if proxy.WSOpts != nil && proxy.WSOpts.Path != "" {
			h2Settings["path"] = proxy.WSOpts.Path
		}
		if len(h2Settings) > 0 {
			streamSettings["httpSettings"] = h2Settings
		}

	case "grpc":
		if proxy.GRPCOpts != nil && proxy.GRPCOpts.ServiceName != "" {
			streamSettings["grpcSettings"] = map[string]interface{}{
				"serviceName": proxy.GRPCOpts.ServiceName,
			}
		}
	}

	if tls {
		tlsSettings := map[string]interface{}{
			"allowInsecure": proxy.SkipCertVerify,
		}
		serverName := proxy.TLSServerName()
		if serverName == "" {
			serverName = wsHost
		}
		if serverName != "" {
			tlsSettings["serverName"] = serverName
		}
		if len(proxy.ALPN) > 0 {
			tlsSettings["alpn"] = proxy.ALPN
		}
		streamSettings["security"] = "tls"
		streamSettings["tlsSettings"] = tlsSettings
	}
	return streamSettings
}

// RoutingOptions 路由相关配置（订阅规则、用户直连列表等）。
type RoutingOptions struct {
	Rules                []string // 订阅中的 Clash 规则
	DirectRoutes         []string // 用户配置的直连列表（domain:xxx 或 ip/cidr）
	DirectRoutesUseProxy bool     // true：直连列表走代理；false：走直连
}

// ConfigOptions 生成 xray 配置的参数
type ConfigOptions struct {
	LocalPort  int    // 本地 SOCKS5 监听端口（默认 10808）
	LogLevel   string // xray 日志级别
	IPv6Enable bool   // 是否允许 IPv6 出站
	Routing    *RoutingOptions
}

// CreateXrayConfig 创建完整的 xray 配置。
// 参数：
//   - proxy: 出站代理节点
//   - opts: 端口、日志、路由等参数
func CreateXrayConfig(proxy *model.Proxy, opts ConfigOptions) ([]byte, error) {
	localPort := opts.LocalPort
	if localPort == 0 {
		localPort = 10808
	}

	inbound := map[string]interface{}{
		"tag":      "socks-in",
		"listen":   "127.0.0.1",
		"port":     localPort,
		"protocol": "socks",
		"settings": map[string]interface{}{
			"auth": "noauth",
			"udp":  true,
		},
	}

	outbound, err := CreateOutboundFromProxy(proxy)
	if err != nil {
		return nil, fmt.Errorf("Xray: 创建出站配置失败: %w", err)
	}

	domainStrategy := "UseIPv4"
	if opts.IPv6Enable {
		domainStrategy = "UseIP"
	}
	directOutbound := map[string]interface{}{
		"tag":      TagDirect,
		"protocol": "freedom",
		"settings": map[string]interface{}{"domainStrategy": domainStrategy},
	}
	blockOutbound := map[string]interface{}{
		"tag":      TagBlock,
		"protocol": "blackhole",
		"settings": map[string]interface{}{},
	}

	config := map[string]interface{}{
		"log": map[string]interface{}{
			"loglevel": xrayLogLevel(opts.LogLevel),
		},
		"inbounds":  []interface{}{inbound},
		"outbounds": []interface{}{outbound, directOutbound, blockOutbound},
		"routing": map[string]interface{}{
			"rules":          buildRoutingRules(opts.Routing),
			"domainStrategy": "AsIs",
		},
	}
	return json.MarshalIndent(config, "", "  ")
}

// xrayLogLevel 把应用日志级别映射为 xray 的级别名称
func xrayLogLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "error", "fatal":
		return "error"
	default:
		return "warning"
	}
}

// buildRoutingRules 构建路由规则。
// 顺序：本地直连 -> 用户直连列表 -> 订阅规则 -> 默认代理。
func buildRoutingRules(routing *RoutingOptions) []interface{} {
	rules := []interface{}{}

	// 1. 本地地址直连
	rules = append(rules, map[string]interface{}{
		"type": "field",
		"ip": []string{
			"127.0.0.0/8",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
			"fc00::/7",
			"fe80::/10",
		},
		"outboundTag": TagDirect,
	})

	if routing == nil {
		routing = &RoutingOptions{}
	}

	// 2. 用户直连列表：走直连或走代理
	if len(routing.DirectRoutes) > 0 {
		domains, ips := splitDirectRoutes(routing.DirectRoutes)
		tag := TagDirect
		if routing.DirectRoutesUseProxy {
			tag = TagProxy
		}
		if len(domains) > 0 {
			rules = append(rules, map[string]interface{}{"type": "field", "domain": domains, "outboundTag": tag})
		}
		if len(ips) > 0 {
			rules = append(rules, map[string]interface{}{"type": "field", "ip": ips, "outboundTag": tag})
		}
	}

	// 3. 订阅规则，遇到 MATCH 即结束
	finalTag := TagProxy
	converted, matchTag, hasMatch := ConvertClashRules(routing.Rules)
	rules = append(rules, converted...)
	if hasMatch {
		finalTag = matchTag
	}

	// 4. 兜底规则（匹配所有剩余流量）
	rules = append(rules, map[string]interface{}{
		"type":        "field",
		"network":     []string{"tcp", "udp"},
		"outboundTag": finalTag,
	})
	return rules
}

// ruleTarget 把 Clash 策略映射为出站标签；代理组和节点都走唯一的代理出站
func ruleTarget(policy string) string {
	switch strings.ToUpper(strings.TrimSpace(policy)) {
	case model.PolicyDirect, model.PolicyCompatible:
		return TagDirect
	case model.PolicyReject, model.PolicyRejectDrop:
		return TagBlock
	default:
		return TagProxy
	}
}

// ConvertClashRules 把 Clash 规则转换为 xray 路由规则。
// 相邻且目标相同的同类规则合并为一条；GEOIP、GEOSITE 等依赖外部数据文件的规则被跳过。
// 返回：转换后的规则、MATCH 规则的出站标签、是否存在 MATCH
func ConvertClashRules(clashRules []string) (rules []interface{}, matchTag string, hasMatch bool) {
	var (
		curKind string
		curTag  string
		values  []string
	)
	flush := func() {
		if len(values) == 0 {
			return
		}
		rules = append(rules, map[string]interface{}{
			"type":        "field",
			curKind:       values,
			"outboundTag": curTag,
		})
		values = nil
	}

	for _, raw := range clashRules {
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		ruleType := strings.ToUpper(parts[0])

		if ruleType == "MATCH" || ruleType == "FINAL" {
			if len(parts) >= 2 {
				flush()
				return rules, ruleTarget(parts[1]), true
			}
			continue
		}
		if len(parts) < 3 {
			continue
		}

		var kind, value string
		switch ruleType {
		case "DOMAIN":
			kind, value = "domain", "full:"+parts[1]
		case "DOMAIN-SUFFIX":
			kind, value = "domain", "domain:"+parts[1]
		case "DOMAIN-KEYWORD":
			kind, value = "domain", parts[1]
		case "IP-CIDR", "IP-CIDR6":
			kind, value = "ip", parts[1]
		default:
			continue
		}

		// PASS 只表示继续匹配后面的规则
		if strings.EqualFold(parts[2], model.PolicyPass) {
			continue
		}
		tag := ruleTarget(parts[2])
		if kind != curKind || tag != curTag {
			flush()
			curKind, curTag = kind, tag
		}
		values = append(values, value)
	}
	flush()
	return rules, "", false
}

// splitDirectRoutes 将直连规则拆分为 domain 与 ip 列表（xray 规则格式）。
func splitDirectRoutes(routes []string) (domains, ips []string) {
	for _, r := range routes {
		s := strings.TrimSpace(r)
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, "domain:") || strings.HasPrefix(s, "geosite:") ||
			strings.HasPrefix(s, "regexp:") || strings.HasPrefix(s, "full:") {
			domains = append(domains, s)
		} else {
			ips = append(ips, s)
		}
	}
	return domains, ips
}
