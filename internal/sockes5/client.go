package sockes5

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// SOCKS5Client SOCKS5 客户端，用于经由本地隧道拉取订阅
type SOCKS5Client struct {
	ProxyAddr string // SOCKS5 代理服务器地址 (e.g., "127.0.0.1:1080")
	Username  string // 认证用户名 (如果需要)
	Password  string // 认证密码 (如果需要)
}

// SOCKS5 协议常量
const (
	Version      = 0x05 // SOCKS5 版本号
	AuthNoAuth   = 0x00 // 无需认证
	AuthUserPass = 0x02 // 用户名/密码认证

	CmdConnect = 0x01 // CONNECT 命令
	ATypIPv4   = 0x01 // 地址类型：IPv4
	ATypDomain = 0x03 // 地址类型：域名
	ATypIPv6   = 0x04 // 地址类型：IPv6

	ReplySuccess = 0x00 // 响应：成功
)

// handshakeTimeout ctx 没有截止时间时握手的最长时间
const handshakeTimeout = 15 * time.Second

// Dial 负责连接 SOCKS5 服务器并完成协商和认证
func (c *SOCKS5Client) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, addr)
}

// DialContext 与 Dial 相同，但连接和握手受 ctx 控制。
// 签名与 http.Transport.DialContext 一致。
func (c *SOCKS5Client) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("SOCKS5 不支持的网络类型: %s", network)
	}

	// 1. 连接 SOCKS5 代理服务器
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("连接代理服务器失败: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	_ = conn.SetDeadline(deadline)

	// ctx 取消时中断握手
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := c.handshake(conn, addr); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	// 握手完成，清除截止时间，交给调用方
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (c *SOCKS5Client) handshake(conn net.Conn, addr string) error {
	// --- 阶段 1: 协商 ---
	method, err := c.negotiate(conn)
	if err != nil {
		return fmt.Errorf("SOCKS5 协商失败: %w", err)
	}

	// --- 阶段 2: 认证 (服务器要求时) ---
	if method == AuthUserPass {
		if err := c.authenticate(conn); err != nil {
			return fmt.Errorf("SOCKS5 认证失败: %w", err)
		}
	}

	// --- 阶段 3 & 4: 请求并获取响应 ---
	if err := c.sendRequest(conn, CmdConnect, addr); err != nil {
		return fmt.Errorf("SOCKS5 请求失败: %w", err)
	}
	return nil
}

// 阶段 1: 协商，返回服务器选择的认证方法
func (c *SOCKS5Client) negotiate(conn net.Conn) (byte, error) {
	// 客户端发送: VER (1) + NMETHODS (1) + METHODS (N)
	methods := []byte{AuthNoAuth}
	if c.Username != "" || c.Password != "" {
		methods = append(methods, AuthUserPass)
	}

	buf := []byte{Version, byte(len(methods))}
	buf = append(buf, methods...)
	if _, err := conn.Write(buf); err != nil {
		return 0, err
	}

	// 服务器接收: VER (1) + METHOD (1)
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return 0, err
	}
	if reply[0] != Version {
		return 0, fmt.Errorf("SOCKS 版本不匹配: %d", reply[0])
	}

	switch reply[1] {
	case AuthNoAuth:
		return AuthNoAuth, nil
	case AuthUserPass:
		if c.Username == "" && c.Password == "" {
			return 0, fmt.Errorf("服务器要求用户名密码认证")
		}
		return AuthUserPass, nil
	default:
		return 0, fmt.Errorf("服务器选择了不支持的认证方法: %d", reply[1])
	}
}

// 阶段 2: 用户名/密码认证 (RFC 1929)
func (c *SOCKS5Client) authenticate(conn net.Conn) error {
	if len(c.Username) > 255 || len(c.Password) > 255 {
		return fmt.Errorf("用户名或密码过长")
	}

	// 客户端发送: U_VER (1) + ULEN (1) + UNAME (ULEN) + PLEN (1) + PASSWD (PLEN)
	authReq := []byte{0x01}
	authReq = append(authReq, byte(len(c.Username)))
	authReq = append(authReq, []byte(c.Username)...)
	authReq = append(authReq, byte(len(c.Password)))
	authReq = append(authReq, []byte(c.Password)...)

	if _, err := conn.Write(authReq); err != nil {
		return err
	}

	// 服务器接收: U_VER (1) + STATUS (1)
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	if reply[0] != 0x01 {
		return fmt.Errorf("认证响应版本错误: %d", reply[0])
	}
	if reply[1] != ReplySuccess {
		return fmt.Errorf("认证失败，状态码: %d", reply[1])
	}
	return nil
}

// 阶段 3 & 4: 发送连接请求，并解析响应
func (c *SOCKS5Client) sendRequest(conn net.Conn, cmd byte, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("地址格式错误: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("端口格式错误: %s", portStr)
	}

	// 构建请求包: VER (1) + CMD (1) + RSV (1) + ATYP (1) + DST.ADDR (N) + DST.PORT (2)
	req := []byte{Version, cmd, 0x00}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, ATypIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, ATypIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return fmt.Errorf("域名过长: %s", host)
		}
		req = append(req, ATypDomain, byte(len(host)))
		req = append(req, []byte(host)...)
	}
	// 端口 (使用大端序)
	req = append(req, byte(port>>8), byte(port&0xff))

	if _, err := conn.Write(req); err != nil {
		return err
	}

	// 解析响应: VER (1) + REP (1) + RSV (1) + ATYP (1) + BND.ADDR (N) + BND.PORT (2)
	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	if reply[0] != Version {
		return fmt.Errorf("SOCKS 版本不匹配: %d", reply[0])
	}
	if reply[1] != ReplySuccess {
		return fmt.Errorf("代理请求被拒绝，状态码: %d", reply[1])
	}

	var addrLen int
	switch reply[3] {
	case ATypIPv4:
		addrLen = 4
	case ATypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return err
		}
		addrLen = int(lenBuf[0])
	case ATypIPv6:
		addrLen = 16
	default:
		return fmt.Errorf("不支持的地址类型: %d", reply[3])
	}

	// 丢弃 BND.ADDR + BND.PORT
	if _, err := io.ReadFull(conn, make([]byte, addrLen+2)); err != nil {
		return err
	}
	return nil
}
