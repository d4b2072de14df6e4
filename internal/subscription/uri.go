package subscription

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"clashsub.com/p/internal/model"
)

// ServerParser 分享链接解析器接口
type ServerParser interface {
	// Parse 解析单条分享链接，返回代理节点和错误
	Parse(content string) (*model.Proxy, error)
}

// uriParsers 按协议前缀注册的解析器
var uriParsers = map[string]ServerParser{
	"vmess://":  &VMessParser{},
	"vless://":  &VLESSParser{},
	"ss://":     &SSParser{},
	"trojan://": &TrojanParser{},
	"socks5://": &SOCKS5Parser{},
}

// decodeBase64 依次尝试标准、无填充和 URL 安全的 Base64 解码
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		decoded, err := enc.DecodeString(s)
		if err == nil {
			return decoded, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// unescapeRemark 解码 # 后面的备注
func unescapeRemark(remark string) string {
	if decoded, err := url.QueryUnescape(remark); err == nil {
		return decoded
	}
	return remark
}

// VMessParser VMess协议解析器
type VMessParser struct{}

// Parse 解析VMess协议
func (p *VMessParser) Parse(content string) (*model.Proxy, error) {
	decoded, err := decodeBase64(strings.TrimPrefix(content, "vmess://"))
	if err != nil {
		return nil, err
	}

	// 部分订阅把 port/aid 写成数字，部分写成字符串
	var vmessConfig struct {
		Ps   string          `json:"ps"`   // 备注/名称
		Add  string          `json:"add"`  // 地址
		Port json.RawMessage `json:"port"` // 端口
		Id   string          `json:"id"`   // UUID
		Aid  json.RawMessage `json:"aid"`  // AlterID
		Scy  string          `json:"scy"`  // 加密方式
		Net  string          `json:"net"`  // 传输协议: tcp, ws, h2, grpc
		Host string          `json:"host"` // 伪装域名
		Path string          `json:"path"` // 路径
		Tls  string          `json:"tls"`  // TLS: "" 或 "tls"
		Sni  string          `json:"sni"`
	}
	if err := json.Unmarshal(decoded, &vmessConfig); err != nil {
		return nil, err
	}

	port, err := jsonInt(vmessConfig.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid VMess port: %w", err)
	}
	aid, _ := jsonInt(vmessConfig.Aid)

	proxy := &model.Proxy{
		Name:    vmessConfig.Ps,
		Type:    "vmess",
		Server:  vmessConfig.Add,
		Port:    port,
		UUID:    vmessConfig.Id,
		AlterID: aid,
		Cipher:  vmessConfig.Scy,
		Network: vmessConfig.Net,
		TLS:     vmessConfig.Tls == "tls",
		SNI:     vmessConfig.Sni,
	}
	if proxy.Cipher == "" {
		proxy.Cipher = "auto"
	}
	switch vmessConfig.Net {
	case "ws":
		proxy.WSOpts = &model.WSOpts{Path: vmessConfig.Path}
		if vmessConfig.Host != "" {
			proxy.WSOpts.Headers = map[string]string{"Host": vmessConfig.Host}
		}
	case "grpc":
		proxy.GRPCOpts = &model.GRPCOpt{ServiceName: vmessConfig.Path}
	}

	// 如果名称为空，使用地址:端口作为名称
	if proxy.Name == "" {
		proxy.Name = net.JoinHostPort(proxy.Server, strconv.Itoa(proxy.Port))
	}
	return proxy, nil
}

func jsonInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing value")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// VLESSParser VLESS协议解析器
type VLESSParser struct{}

// Parse 解析VLESS协议，格式：vless://uuid@addr:port?security=tls&type=ws&path=/#name
func (p *VLESSParser) Parse(content string) (*model.Proxy, error) {
	u, err := url.Parse(content)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, fmt.Errorf("invalid VLESS port: %w", err)
	}
	q := u.Query()

	proxy := &model.Proxy{
		Name:    u.Fragment,
		Type:    "vless",
		Server:  u.Hostname(),
		Port:    port,
		UUID:    u.User.Username(),
		Flow:    q.Get("flow"),
		Network: q.Get("type"),
		TLS:     q.Get("security") == "tls",
		SNI:     q.Get("sni"),
	}
	if alpn := q.Get("alpn"); alpn != "" {
		proxy.ALPN = strings.Split(alpn, ",")
	}
	switch proxy.Network {
	case "ws":
		proxy.WSOpts = &model.WSOpts{Path: q.Get("path")}
		if host := q.Get("host"); host != "" {
			proxy.WSOpts.Headers = map[string]string{"Host": host}
		}
	case "grpc":
		proxy.GRPCOpts = &model.GRPCOpt{ServiceName: q.Get("serviceName")}
	}

	if proxy.Name == "" {
		proxy.Name = u.Host
	}
	return proxy, nil
}

// SSParser SS协议解析器
type SSParser struct{}

// Parse 解析SS协议，支持 SIP002 和整体 Base64 两种格式
func (p *SSParser) Parse(content string) (*model.Proxy, error) {
	ssData := strings.TrimPrefix(content, "ss://")

	// 处理可能的备注部分
	name := ""
	if before, remark, found := strings.Cut(ssData, "#"); found {
		ssData = before
		name = unescapeRemark(remark)
	}

	// 找到 @ 符号，将字符串分为两部分
	userInfo, addrPortPart, found := strings.Cut(ssData, "@")
	var cipher, password string

	if !found {
		// 没有 @ 符号，整个部分都是 Base64 编码的 cipher:password@addr:port
		decoded, err := decodeBase64(ssData)
		if err != nil {
			return nil, err
		}
		var cipherPasswdPart string
		cipherPasswdPart, addrPortPart, found = strings.Cut(string(decoded), "@")
		if !found {
			return nil, fmt.Errorf("invalid SS format: missing @ separator in decoded string")
		}
		cipher, password, found = strings.Cut(cipherPasswdPart, ":")
		if !found {
			return nil, fmt.Errorf("invalid SS format: missing cipher:password")
		}
	} else {
		// userinfo 可能是 Base64，也可能是 URL 编码的明文
		plain := userInfo
		if decoded, err := decodeBase64(userInfo); err == nil && strings.Contains(string(decoded), ":") {
			plain = string(decoded)
		} else if unescaped, err := url.PathUnescape(userInfo); err == nil {
			plain = unescaped
		}
		cipher, password, found = strings.Cut(plain, ":")
		if !found {
			return nil, fmt.Errorf("invalid SS format: missing cipher:password")
		}
	}

	// 去掉插件参数，只保留地址和端口
	addrPort, _, _ := strings.Cut(addrPortPart, "?")
	addrPort = strings.TrimSuffix(addrPort, "/")
	addr, portStr, err := net.SplitHostPort(addrPort)
	if err != nil {
		return nil, fmt.Errorf("invalid SS format: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SS port: %w", err)
	}

	proxy := &model.Proxy{
		Name:     name,
		Type:     "ss",
		Server:   addr,
		Port:     port,
		Cipher:   cipher,
		Password: password,
	}
	if proxy.Name == "" {
		proxy.Name = addrPort
	}
	return proxy, nil
}

// TrojanParser Trojan协议解析器
type TrojanParser struct{}

// Parse 解析Trojan协议，格式：password@addr:port?param1=value1&param2=value2#name
func (p *TrojanParser) Parse(content string) (*model.Proxy, error) {
	trojanData := strings.TrimPrefix(content, "trojan://")

	name := ""
	if before, remark, found := strings.Cut(trojanData, "#"); found {
		trojanData = before
		name = unescapeRemark(remark)
	}

	passwordAddrPart, paramPart, _ := strings.Cut(trojanData, "?")

	password, addrPort, found := strings.Cut(passwordAddrPart, "@")
	if !found {
		return nil, fmt.Errorf("invalid Trojan format: missing @ separator")
	}
	addrPort = strings.TrimSuffix(addrPort, "/")
	addr, portStr, err := net.SplitHostPort(addrPort)
	if err != nil {
		return nil, fmt.Errorf("invalid Trojan format: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid Trojan port: %w", err)
	}
	if unescaped, err := url.PathUnescape(password); err == nil {
		password = unescaped
	}

	proxy := &model.Proxy{
		Name:     name,
		Type:     "trojan",
		Server:   addr,
		Port:     port,
		Password: password,
		TLS:      true,
	}

	// 解析参数部分
	params, _ := url.ParseQuery(paramPart)
	proxy.SNI = params.Get("sni")
	if alpn := params.Get("alpn"); alpn != "" {
		proxy.ALPN = strings.Split(alpn, ",")
	}
	insecure := params.Get("allowInsecure")
	proxy.SkipCertVerify = insecure == "1" || strings.EqualFold(insecure, "true")
	if network := params.Get("type"); network == "ws" {
		proxy.Network = "ws"
		proxy.WSOpts = &model.WSOpts{Path: params.Get("path")}
	}

	// 如果名称为空，使用地址:端口作为名称
	if proxy.Name == "" {
		proxy.Name = addrPort
	}
	return proxy, nil
}

var socks5Regex = regexp.MustCompile(`^socks5://(?:([^:]+):([^@]+)@)?([^:/#]+):(\d+)/?(?:#(.*))?$`)

// SOCKS5Parser SOCKS5协议解析器
type SOCKS5Parser struct{}

// Parse 解析SOCKS5协议
func (p *SOCKS5Parser) Parse(content string) (*model.Proxy, error) {
	matches := socks5Regex.FindStringSubmatch(content)
	if matches == nil {
		return nil, fmt.Errorf("invalid SOCKS5 format")
	}

	port, err := strconv.Atoi(matches[4])
	if err != nil {
		return nil, fmt.Errorf("invalid SOCKS5 port: %w", err)
	}

	proxy := &model.Proxy{
		Name:     unescapeRemark(matches[5]),
		Type:     "socks5",
		Server:   matches[3],
		Port:     port,
		Username: matches[1],
		Password: matches[2],
	}
	if proxy.Name == "" {
		proxy.Name = net.JoinHostPort(proxy.Server, matches[4])
	}
	return proxy, nil
}

// parseURIList 把分享链接列表（可整体 Base64 编码）解析为代理节点。
// 无法识别的行被忽略；同名节点自动追加序号。
func parseURIList(content string) []model.Proxy {
	content = strings.TrimSpace(content)
	if !strings.Contains(content, "://") {
		if decoded, err := decodeBase64(strings.Join(strings.Fields(content), "")); err == nil {
			content = string(decoded)
		}
	}

	var proxies []model.Proxy
	names := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, "://")
		if idx == -1 {
			continue
		}
		parser, ok := uriParsers[line[:idx+3]]
		if !ok {
			continue
		}
		proxy, err := parser.Parse(line)
		if err != nil || proxy == nil || proxy.Server == "" || proxy.Port <= 0 {
			continue
		}

		base := proxy.Name
		for n := 2; names[proxy.Name]; n++ {
			proxy.Name = fmt.Sprintf("%s (%d)", base, n)
		}
		names[proxy.Name] = true
		proxies = append(proxies, *proxy)
	}
	return proxies
}
