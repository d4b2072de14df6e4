package subscription

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/model"
)

// DefaultGroupName 由分享链接列表生成配置时使用的代理组名称
const DefaultGroupName = "PROXY"

var errNoProxies = errors.New("文档中没有 proxies 列表")

// document 兼容旧版 Clash 配置的键名（Proxy / Proxy Group / Rule）
type document struct {
	model.ClashConfig `yaml:",inline"`

	LegacyProxies     []model.Proxy      `yaml:"Proxy,omitempty"`
	LegacyProxyGroups []model.ProxyGroup `yaml:"Proxy Group,omitempty"`
	LegacyRules       []string           `yaml:"Rule,omitempty"`
}

// Parse 把订阅文档解析为结构化配置。
// 优先按 Clash YAML 解析；不是 YAML 或没有 proxies 时，尝试按分享链接列表解析。
// 返回的错误均为 ParseError。
func Parse(data []byte) (*model.ClashConfig, error) {
	cfg, yamlErr := parseYAML(data)
	if yamlErr == nil {
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if proxies := parseURIList(string(data)); len(proxies) > 0 {
		cfg := configFromProxies(proxies)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, apperr.NewParseError("解析订阅文档失败", yamlErr)
}

func parseYAML(data []byte) (*model.ClashConfig, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	cfg := doc.ClashConfig
	if len(cfg.Proxies) == 0 {
		cfg.Proxies = doc.LegacyProxies
	}
	if len(cfg.ProxyGroups) == 0 {
		cfg.ProxyGroups = doc.LegacyProxyGroups
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = doc.LegacyRules
	}
	if len(cfg.Proxies) == 0 {
		return nil, errNoProxies
	}
	return &cfg, nil
}

// configFromProxies 为分享链接列表生成一个 select 代理组和兜底规则
func configFromProxies(proxies []model.Proxy) *model.ClashConfig {
	names := make([]string, 0, len(proxies))
	for _, p := range proxies {
		names = append(names, p.Name)
	}
	return &model.ClashConfig{
		Mode:    "rule",
		Proxies: proxies,
		ProxyGroups: []model.ProxyGroup{
			{Name: DefaultGroupName, Type: "select", Proxies: names},
		},
		Rules: []string{"MATCH," + DefaultGroupName},
	}
}

// Validate 校验结构化配置：代理节点必填字段、名称唯一、代理组成员可解析。
func Validate(cfg *model.ClashConfig) error {
	if cfg == nil || len(cfg.Proxies) == 0 {
		return apperr.NewParseError("配置校验失败", errNoProxies)
	}

	names := make(map[string]bool, len(cfg.Proxies)+len(cfg.ProxyGroups))
	for i, p := range cfg.Proxies {
		switch {
		case strings.TrimSpace(p.Name) == "":
			return apperr.NewParseError(fmt.Sprintf("第 %d 个代理缺少 name", i+1), nil)
		case strings.TrimSpace(p.Type) == "":
			return apperr.NewParseError(fmt.Sprintf("代理 %s 缺少 type", p.Name), nil)
		case strings.TrimSpace(p.Server) == "":
			return apperr.NewParseError(fmt.Sprintf("代理 %s 缺少 server", p.Name), nil)
		case p.Port <= 0 || p.Port > 65535:
			return apperr.NewParseError(fmt.Sprintf("代理 %s 端口无效: %d", p.Name, p.Port), nil)
		}
		if names[p.Name] {
			return apperr.NewParseError(fmt.Sprintf("代理名称重复: %s", p.Name), nil)
		}
		names[p.Name] = true
	}

	for i, g := range cfg.ProxyGroups {
		if strings.TrimSpace(g.Name) == "" {
			return apperr.NewParseError(fmt.Sprintf("第 %d 个代理组缺少 name", i+1), nil)
		}
		if strings.TrimSpace(g.Type) == "" {
			return apperr.NewParseError(fmt.Sprintf("代理组 %s 缺少 type", g.Name), nil)
		}
		if names[g.Name] {
			return apperr.NewParseError(fmt.Sprintf("代理组名称与已有名称重复: %s", g.Name), nil)
		}
		names[g.Name] = true
	}

	// 组成员可以引用后面定义的组，所以名称收集完再检查
	for _, g := range cfg.ProxyGroups {
		for _, member := range g.Proxies {
			if model.IsBuiltinPolicy(member) || names[member] {
				continue
			}
			return apperr.NewParseError(fmt.Sprintf("代理组 %s 引用了不存在的成员: %s", g.Name, member), nil)
		}
	}

	for i, rule := range cfg.Rules {
		if strings.TrimSpace(rule) == "" {
			return apperr.NewParseError(fmt.Sprintf("第 %d 条规则为空", i+1), nil)
		}
	}
	return nil
}
