package subscription

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/utils"
)

// Store 订阅持久化接口，由 store.SubscriptionsStore 实现
type Store interface {
	Get(id string) (model.Subscription, error)
	Insert(sub model.Subscription) (model.Subscription, error)
	Update(id string, mutator func(*model.Subscription) error) (model.Subscription, error)
	Delete(id string) error
}

// SubscriptionManager 订阅管理器：下载、更新、重命名、删除。
// 每个操作要么完全成功，要么不留下任何修改。
type SubscriptionManager struct {
	fetcher Fetcher
	store   Store
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewSubscriptionManager 创建新的订阅管理器
func NewSubscriptionManager(fetcher Fetcher, store Store, log logrus.FieldLogger) *SubscriptionManager {
	return &SubscriptionManager{
		fetcher: fetcher,
		store:   store,
		log:     log,
		now:     time.Now,
	}
}

// validateSource 只接受带主机名的 http/https 地址
func validateSource(source string) (string, error) {
	source = strings.TrimSpace(source)
	u, err := url.Parse(source)
	if err != nil {
		return "", apperr.NewNetworkError("无效的订阅地址", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.NewNetworkError(fmt.Sprintf("无效的订阅地址: %s", source), nil)
	}
	return source, nil
}

// fetchDocument 拉取并校验文档，返回原始内容
func (sm *SubscriptionManager) fetchDocument(ctx context.Context, source string) ([]byte, *model.ClashConfig, error) {
	data, err := sm.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return data, cfg, nil
}

// Download 下载新订阅并保存。
// 拉取或解析失败时不修改存储。
// 参数：
//   - ctx: 控制网络请求
//   - source: 订阅地址
//
// 返回：新订阅和错误（如果有）
func (sm *SubscriptionManager) Download(ctx context.Context, source string) (model.Subscription, error) {
	source, err := validateSource(source)
	if err != nil {
		return model.Subscription{}, err
	}

	data, cfg, err := sm.fetchDocument(ctx, source)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("订阅管理器: 下载订阅失败: %w", err)
	}

	sub := model.Subscription{
		ID:     utils.GenerateSubscriptionID(),
		Source: source,
		Extend: model.SubscriptionExtend{
			Alias:        utils.DefaultAlias(source),
			LeastUpdated: sm.now(),
		},
		RawDocument: data,
	}
	// 返回存储截断精度后的副本，与之后 Get 读到的完全一致
	stored, err := sm.store.Insert(sub)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("订阅管理器: 保存订阅失败: %w", err)
	}

	sm.log.WithFields(logrus.Fields{
		"id":      stored.ID,
		"alias":   stored.Extend.Alias,
		"proxies": len(cfg.Proxies),
	}).Info("订阅已下载")
	return stored, nil
}

// Update 按保存的来源重新拉取订阅。
// 失败时原有文档和更新时间保持不变。
func (sm *SubscriptionManager) Update(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	stored, err := sm.store.Get(sub.ID)
	if err != nil {
		return model.Subscription{}, err
	}

	data, cfg, err := sm.fetchDocument(ctx, stored.Source)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("订阅管理器: 更新订阅失败: %w", err)
	}

	now := sm.now()
	updated, err := sm.store.Update(stored.ID, func(s *model.Subscription) error {
		s.RawDocument = data
		s.Extend.LeastUpdated = now
		return nil
	})
	if err != nil {
		return model.Subscription{}, fmt.Errorf("订阅管理器: 保存订阅失败: %w", err)
	}

	sm.log.WithFields(logrus.Fields{
		"id":      updated.ID,
		"proxies": len(cfg.Proxies),
	}).Info("订阅已更新")
	return updated, nil
}

// Rename 修改订阅显示名称。
// 名称去除首尾空白后为空，或与当前名称相同，返回 InvalidNameError。
func (sm *SubscriptionManager) Rename(sub model.Subscription, name string) (model.Subscription, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Subscription{}, apperr.NewInvalidNameError(name)
	}

	// 在事务内与最新名称比较，避免并发重命名时误判
	updated, err := sm.store.Update(sub.ID, func(s *model.Subscription) error {
		if s.Extend.Alias == name {
			return apperr.NewInvalidNameError(name)
		}
		s.Extend.Alias = name
		return nil
	})
	if err != nil {
		return model.Subscription{}, err
	}
	return updated, nil
}

// Delete 删除订阅。已不存在时返回 NotFoundError。
func (sm *SubscriptionManager) Delete(sub model.Subscription) error {
	if err := sm.store.Delete(sub.ID); err != nil {
		return err
	}
	sm.log.WithField("id", sub.ID).Info("订阅已删除")
	return nil
}

// Document 解析已保存的订阅文档。
func (sm *SubscriptionManager) Document(id string) (*model.ClashConfig, error) {
	sub, err := sm.store.Get(id)
	if err != nil {
		return nil, err
	}
	return Parse(sub.RawDocument)
}
