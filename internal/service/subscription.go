package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/store"
	"clashsub.com/p/internal/subscription"
)

// defaultUpdateParallelism 批量更新的默认并发数
const defaultUpdateParallelism = 4

// Result 异步操作结果
type Result struct {
	Subscription model.Subscription
	Err          error
}

// SubscriptionService 订阅服务层，协调订阅管理器和当前订阅选择器。
type SubscriptionService struct {
	store               *store.Store
	subscriptionManager *subscription.SubscriptionManager
	selector            *ActiveSubscriptionSelector
	log                 logrus.FieldLogger

	// Parallelism UpdateAll 的并发上限
	Parallelism int
}

// NewSubscriptionService 创建新的订阅服务实例。
// 参数：
//   - store: Store 实例，用于数据访问
//   - subscriptionManager: 订阅管理器，用于下载、更新、重命名、删除
//   - selector: 当前订阅选择器
//   - log: 日志
//
// 返回：初始化后的 SubscriptionService 实例
func NewSubscriptionService(store *store.Store, subscriptionManager *subscription.SubscriptionManager, selector *ActiveSubscriptionSelector, log logrus.FieldLogger) *SubscriptionService {
	return &SubscriptionService{
		store:               store,
		subscriptionManager: subscriptionManager,
		selector:            selector,
		log:                 log,
		Parallelism:         defaultUpdateParallelism,
	}
}

// List 返回所有订阅，按添加顺序排列。
func (ss *SubscriptionService) List() []model.Subscription {
	return ss.store.Subscriptions.List()
}

// Get 根据 ID 获取订阅。
func (ss *SubscriptionService) Get(id string) (model.Subscription, error) {
	return ss.store.Subscriptions.Get(id)
}

// Document 返回订阅解析后的配置。
func (ss *SubscriptionService) Document(id string) (*model.ClashConfig, error) {
	return ss.subscriptionManager.Document(id)
}

// Current 返回当前订阅 ID，空字符串表示没有。
func (ss *SubscriptionService) Current() string {
	return ss.selector.Current()
}

// Download 下载新订阅。
func (ss *SubscriptionService) Download(ctx context.Context, source string) (model.Subscription, error) {
	return ss.subscriptionManager.Download(ctx, source)
}

// Update 重新拉取订阅；成功且是当前订阅时，在写入提交后通知隧道重载。
// 重载在后台进行，返回时隧道可能还在重载。
func (ss *SubscriptionService) Update(ctx context.Context, id string) (model.Subscription, error) {
	sub, err := ss.store.Subscriptions.Get(id)
	if err != nil {
		return model.Subscription{}, err
	}
	updated, err := ss.subscriptionManager.Update(ctx, sub)
	if err != nil {
		return model.Subscription{}, err
	}
	ss.selector.NotifyUpdated(ctx, id)
	return updated, nil
}

// Rename 修改订阅显示名称。
func (ss *SubscriptionService) Rename(id, name string) (model.Subscription, error) {
	sub, err := ss.store.Subscriptions.Get(id)
	if err != nil {
		return model.Subscription{}, err
	}
	return ss.subscriptionManager.Rename(sub, name)
}

// Delete 删除订阅；删除的是当前订阅时清除当前订阅。
func (ss *SubscriptionService) Delete(id string) error {
	sub, err := ss.store.Subscriptions.Get(id)
	if err != nil {
		return err
	}
	if err := ss.subscriptionManager.Delete(sub); err != nil {
		return err
	}
	// 订阅已删除，清除失败时下次启动会忽略不存在的当前订阅
	if _, err := ss.selector.ClearIfCurrent(id); err != nil {
		ss.log.WithError(err).WithField("id", id).Warn("清除当前订阅失败")
	}
	return nil
}

// Select 把订阅设为当前订阅。
func (ss *SubscriptionService) Select(ctx context.Context, id string) error {
	return ss.selector.SetCurrent(ctx, id)
}

// SyncCurrent 让隧道跟上持久化的当前订阅，其他进程做出的切换由此生效。
func (ss *SubscriptionService) SyncCurrent(ctx context.Context) error {
	return ss.selector.Sync(ctx)
}

// WaitReloads 等待更新触发的后台隧道重载结束。
func (ss *SubscriptionService) WaitReloads() {
	ss.selector.Wait()
}

// async 在独立的 goroutine 中执行操作，调用方放弃读取结果不会中断操作
func async(ctx context.Context, fn func(ctx context.Context) (model.Subscription, error)) <-chan Result {
	ch := make(chan Result, 1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		sub, err := fn(ctx)
		ch <- Result{Subscription: sub, Err: err}
	}()
	return ch
}

// DownloadAsync 异步下载订阅。
func (ss *SubscriptionService) DownloadAsync(ctx context.Context, source string) <-chan Result {
	return async(ctx, func(ctx context.Context) (model.Subscription, error) {
		return ss.Download(ctx, source)
	})
}

// UpdateAsync 异步更新订阅。
func (ss *SubscriptionService) UpdateAsync(ctx context.Context, id string) <-chan Result {
	return async(ctx, func(ctx context.Context) (model.Subscription, error) {
		return ss.Update(ctx, id)
	})
}

// RenameAsync 异步重命名订阅。
func (ss *SubscriptionService) RenameAsync(ctx context.Context, id, name string) <-chan Result {
	return async(ctx, func(context.Context) (model.Subscription, error) {
		return ss.Rename(id, name)
	})
}

// DeleteAsync 异步删除订阅，结果中的 Subscription 为空。
func (ss *SubscriptionService) DeleteAsync(ctx context.Context, id string) <-chan Result {
	return async(ctx, func(context.Context) (model.Subscription, error) {
		return model.Subscription{}, ss.Delete(id)
	})
}

// UpdateAll 并发更新所有订阅。
// 返回：订阅 ID 到错误的映射，成功的订阅值为 nil
func (ss *SubscriptionService) UpdateAll(ctx context.Context) map[string]error {
	subs := ss.List()
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	return ss.UpdateIDs(ctx, ids)
}

// UpdateIDs 并发更新指定订阅，单个失败不影响其他订阅。
func (ss *SubscriptionService) UpdateIDs(ctx context.Context, ids []string) map[string]error {
	results := make(map[string]error, len(ids))
	var mu sync.Mutex

	var g errgroup.Group
	if ss.Parallelism > 0 {
		g.SetLimit(ss.Parallelism)
	}
	for _, id := range ids {
		g.Go(func() error {
			_, err := ss.Update(ctx, id)
			if err != nil {
				err = fmt.Errorf("更新订阅 %s 失败: %w", id, err)
			}
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	ss.log.WithFields(logrus.Fields{
		"total":  len(ids),
		"failed": failed,
	}).Info("批量更新订阅完成")
	return results
}
