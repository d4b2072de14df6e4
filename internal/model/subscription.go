package model

import "time"

// Subscription 表示一个远程订阅，包含来源地址、扩展信息和最近一次成功拉取的原始配置文档。
type Subscription struct {
	ID          string             `json:"id"`     // 唯一标识，创建后不可变
	Source      string             `json:"source"` // 订阅来源 URL
	Extend      SubscriptionExtend `json:"extend"`
	RawDocument []byte             `json:"-"` // 最近一次成功拉取并解析的配置
}

// SubscriptionExtend 订阅的扩展信息（显示名称与更新时间）。
type SubscriptionExtend struct {
	Alias        string    `json:"alias"`        // 显示名称
	LeastUpdated time.Time `json:"leastUpdated"` // 最近一次成功拉取的时间
}

// Clone 返回订阅的深拷贝，调用方可以安全修改而不影响存储中的数据。
func (s Subscription) Clone() Subscription {
	c := s
	if s.RawDocument != nil {
		c.RawDocument = append([]byte(nil), s.RawDocument...)
	}
	return c
}
