package model

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// 内置的策略名称，代理组成员可以直接引用。
const (
	PolicyDirect     = "DIRECT"
	PolicyReject     = "REJECT"
	PolicyRejectDrop = "REJECT-DROP"
	PolicyPass       = "PASS"
	PolicyCompatible = "COMPATIBLE"
)

// IsBuiltinPolicy 判断名称是否为内置策略
func IsBuiltinPolicy(name string) bool {
	switch name {
	case PolicyDirect, PolicyReject, PolicyRejectDrop, PolicyPass, PolicyCompatible:
		return true
	}
	return false
}

// ClashConfig 是订阅文档解析后的结构化配置（规则、代理、代理组）。
type ClashConfig struct {
	MixedPort   int          `yaml:"mixed-port,omitempty" json:"mixedPort,omitempty"`
	Mode        string       `yaml:"mode,omitempty" json:"mode,omitempty"`
	LogLevel    string       `yaml:"log-level,omitempty" json:"logLevel,omitempty"`
	IPv6        bool         `yaml:"ipv6,omitempty" json:"ipv6,omitempty"`
	Proxies     []Proxy      `yaml:"proxies" json:"proxies"`
	ProxyGroups []ProxyGroup `yaml:"proxy-groups,omitempty" json:"proxyGroups,omitempty"`
	Rules       []string     `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Proxy 表示一个代理节点的配置信息。
type Proxy struct {
	Name           string   `yaml:"name" json:"name"`
	Type           string   `yaml:"type" json:"type"` // vmess, vless, ss, trojan, socks5, http
	Server         string   `yaml:"server" json:"server"`
	Port           int      `yaml:"port" json:"port"`
	UUID           string   `yaml:"uuid,omitempty" json:"uuid,omitempty"`
	AlterID        int      `yaml:"alterId,omitempty" json:"alterId,omitempty"`
	Cipher         string   `yaml:"cipher,omitempty" json:"cipher,omitempty"`
	Password       string   `yaml:"password,omitempty" json:"password,omitempty"`
	Username       string   `yaml:"username,omitempty" json:"username,omitempty"`
	Flow           string   `yaml:"flow,omitempty" json:"flow,omitempty"`
	Network        string   `yaml:"network,omitempty" json:"network,omitempty"` // tcp, ws, grpc, h2
	TLS            bool     `yaml:"tls,omitempty" json:"tls,omitempty"`
	SNI            string   `yaml:"sni,omitempty" json:"sni,omitempty"`
	ServerName     string   `yaml:"servername,omitempty" json:"servername,omitempty"`
	SkipCertVerify bool     `yaml:"skip-cert-verify,omitempty" json:"skipCertVerify,omitempty"`
	ALPN           []string `yaml:"alpn,omitempty" json:"alpn,omitempty"`
	WSOpts         *WSOpts  `yaml:"ws-opts,omitempty" json:"wsOpts,omitempty"`
	GRPCOpts       *GRPCOpt `yaml:"grpc-opts,omitempty" json:"grpcOpts,omitempty"`
	UDP            bool     `yaml:"udp,omitempty" json:"udp,omitempty"`
}

// quotedIntKeys 部分订阅把数值字段写成字符串，例如 port: "1080"
var quotedIntKeys = map[string]bool{"port": true, "alterId": true}

// UnmarshalYAML 接受加了引号的端口等数值字段，其余按默认规则解码。
func (p *Proxy) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			key, v := value.Content[i], value.Content[i+1]
			if !quotedIntKeys[key.Value] || v.Kind != yaml.ScalarNode {
				continue
			}
			trimmed := strings.TrimSpace(v.Value)
			if _, err := strconv.Atoi(trimmed); err == nil {
				v.Value = trimmed
				v.Tag = "!!int"
				v.Style = 0
			}
		}
	}

	type plain Proxy
	return value.Decode((*plain)(p))
}

// WSOpts websocket 传输参数。
type WSOpts struct {
	Path    string            `yaml:"path,omitempty" json:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// GRPCOpt gRPC 传输参数。
type GRPCOpt struct {
	ServiceName string `yaml:"grpc-service-name,omitempty" json:"serviceName,omitempty"`
}

// TLSServerName 返回 TLS 握手使用的 SNI：优先 sni，其次 servername。
func (p *Proxy) TLSServerName() string {
	if p.SNI != "" {
		return p.SNI
	}
	return p.ServerName
}

// ProxyGroup 表示一个代理组。
type ProxyGroup struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type" json:"type"` // select, url-test, fallback, load-balance
	Proxies  []string `yaml:"proxies,omitempty" json:"proxies,omitempty"`
	URL      string   `yaml:"url,omitempty" json:"url,omitempty"`
	Interval int      `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// FindProxy 根据名称查找代理节点。
func (c *ClashConfig) FindProxy(name string) (*Proxy, bool) {
	for i := range c.Proxies {
		if c.Proxies[i].Name == name {
			return &c.Proxies[i], true
		}
	}
	return nil, false
}

// FindGroup 根据名称查找代理组。
func (c *ClashConfig) FindGroup(name string) (*ProxyGroup, bool) {
	for i := range c.ProxyGroups {
		if c.ProxyGroups[i].Name == name {
			return &c.ProxyGroups[i], true
		}
	}
	return nil, false
}
