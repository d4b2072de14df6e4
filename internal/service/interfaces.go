package service

import (
	"context"
)

// TunnelController 把订阅配置应用到隧道，由 tunnel.XrayTunnel 实现
type TunnelController interface {
	SetActive(ctx context.Context, id string) error
}

// tunnelStopper 可选接口：当前订阅被删除时停止隧道
type tunnelStopper interface {
	Stop() error
}

// CurrentStore 持久化当前订阅 ID，由 store.AppConfigStore 实现
type CurrentStore interface {
	CurrentSubscriptionID() string
	SetCurrentSubscriptionID(id string) error
}

// SubscriptionLookup 判断订阅是否存在，由 store.SubscriptionsStore 实现
type SubscriptionLookup interface {
	Exists(id string) bool
}
