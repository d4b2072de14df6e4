package utils

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"clashsub.com/p/internal/model"
)

// Ping 延迟测试工具。
// 负责测试代理节点的 TCP 连接延迟，不涉及数据更新操作。
type Ping struct {
	Timeout     time.Duration // 单个节点超时
	Parallelism int           // 并发测试数量
}

// NewPing 创建新的延迟测试工具实例。
// 返回：初始化后的 Ping 实例
func NewPing() *Ping {
	return &Ping{Timeout: 5 * time.Second, Parallelism: 16}
}

// TestProxyDelay 测试单个代理节点延迟。
// 参数：
//   - ctx: 取消测试
//   - proxy: 代理节点
//
// 返回：延迟值（毫秒）和错误（如果有）
func (p *Ping) TestProxyDelay(ctx context.Context, proxy model.Proxy) (int, error) {
	addr := net.JoinHostPort(proxy.Server, strconv.Itoa(proxy.Port))
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("连接服务器失败: %w", err)
	}
	defer conn.Close()

	return int(time.Since(start).Milliseconds()), nil
}

// TestAllProxiesDelay 并发测试多个代理节点延迟。
// 返回：节点名称到延迟值的映射（-1表示测试失败）
func (p *Ping) TestAllProxiesDelay(ctx context.Context, proxies []model.Proxy) map[string]int {
	results := make(map[string]int, len(proxies))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if p.Parallelism > 0 {
		g.SetLimit(p.Parallelism)
	}
	for _, proxy := range proxies {
		g.Go(func() error {
			delay, err := p.TestProxyDelay(ctx, proxy)
			mu.Lock()
			if err != nil {
				results[proxy.Name] = -1
			} else {
				results[proxy.Name] = delay
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
