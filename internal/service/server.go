package service

import (
	"context"
	"fmt"

	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/utils"
)

// DocumentSource 读取订阅解析后的配置
type DocumentSource interface {
	Document(id string) (*model.ClashConfig, error)
}

// ServerService 服务器（代理节点）服务层：列出订阅中的节点并测试延迟。
// 节点只存在于订阅文档中，不单独持久化。
type ServerService struct {
	docs DocumentSource
	ping *utils.Ping
}

// NewServerService 创建新的服务器服务实例。
// 参数：
//   - docs: 订阅配置来源
//   - ping: 延迟测试工具，为 nil 时使用默认参数
func NewServerService(docs DocumentSource, ping *utils.Ping) *ServerService {
	if ping == nil {
		ping = utils.NewPing()
	}
	return &ServerService{docs: docs, ping: ping}
}

// ListServers 返回订阅中的所有节点。
func (ss *ServerService) ListServers(subscriptionID string) ([]model.Proxy, error) {
	doc, err := ss.docs.Document(subscriptionID)
	if err != nil {
		return nil, err
	}
	return doc.Proxies, nil
}

// TestDelays 测试订阅中所有节点的 TCP 连接延迟。
// 返回：节点名称到延迟（毫秒）的映射，-1 表示不可达
func (ss *ServerService) TestDelays(ctx context.Context, subscriptionID string) (map[string]int, error) {
	proxies, err := ss.ListServers(subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("服务器服务: 读取节点失败: %w", err)
	}
	return ss.ping.TestAllProxiesDelay(ctx, proxies), nil
}
