package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	apperr "clashsub.com/p/internal/error"
)

// ActiveSubscriptionSelector 维护当前生效的订阅，并在切换或更新时通知隧道。
// 当前订阅以持久化配置为准，CLI 在另一个进程里切换后这里立即可见。
type ActiveSubscriptionSelector struct {
	// switchMu 串行化切换、重载和同步，保证隧道收到通知的顺序与当前订阅的变化顺序一致
	switchMu sync.Mutex

	// applied 最近一次通知给隧道的订阅，由 switchMu 保护
	applied string

	// reloads 跟踪后台重载
	reloads sync.WaitGroup

	config CurrentStore
	subs   SubscriptionLookup
	tunnel TunnelController
	log    logrus.FieldLogger
}

// NewActiveSubscriptionSelector 创建选择器。
// 持久化的 ID 对应的订阅已不存在时视为没有当前订阅。
// 参数：
//   - config: 当前订阅 ID 的持久化
//   - subs: 订阅存在性查询
//   - tunnel: 隧道控制器，可以为 nil
//   - log: 日志
func NewActiveSubscriptionSelector(config CurrentStore, subs SubscriptionLookup, tunnel TunnelController, log logrus.FieldLogger) *ActiveSubscriptionSelector {
	if id := config.CurrentSubscriptionID(); id != "" && !subs.Exists(id) {
		log.WithField("id", id).Warn("已保存的当前订阅不存在，忽略")
	}
	return &ActiveSubscriptionSelector{
		config: config,
		subs:   subs,
		tunnel: tunnel,
		log:    log,
	}
}

// Current 返回当前订阅 ID，空字符串表示没有。
func (s *ActiveSubscriptionSelector) Current() string {
	id := s.config.CurrentSubscriptionID()
	if id == "" || !s.subs.Exists(id) {
		return ""
	}
	return id
}

// SetCurrent 切换当前订阅。与当前相同且隧道已经在用它时什么也不做。
// 持久化成功后通知隧道一次；隧道失败时切换仍然生效，错误返回给调用方。
func (s *ActiveSubscriptionSelector) SetCurrent(ctx context.Context, id string) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	current := s.Current()
	if id == current && (s.tunnel == nil || id == s.applied) {
		return nil
	}
	if !s.subs.Exists(id) {
		return apperr.NewNotFoundError(id)
	}
	if id != current {
		if err := s.config.SetCurrentSubscriptionID(id); err != nil {
			return fmt.Errorf("选择器: 保存当前订阅失败: %w", err)
		}
		s.log.WithField("id", id).Info("当前订阅已切换")
	}
	return s.apply(ctx, id)
}

// apply 调用方需持有 switchMu
func (s *ActiveSubscriptionSelector) apply(ctx context.Context, id string) error {
	if s.tunnel == nil {
		return nil
	}
	s.applied = id
	if err := s.tunnel.SetActive(ctx, id); err != nil {
		return fmt.Errorf("选择器: 通知隧道失败: %w", err)
	}
	return nil
}

// stop 调用方需持有 switchMu
func (s *ActiveSubscriptionSelector) stop() {
	s.applied = ""
	if stopper, ok := s.tunnel.(tunnelStopper); ok {
		if err := stopper.Stop(); err != nil {
			s.log.WithError(err).Warn("停止隧道失败")
		}
	}
}

// ClearIfCurrent 删除流程调用：id 是持久化的当前订阅时清空并停止隧道。
// 返回是否清空了当前订阅。
func (s *ActiveSubscriptionSelector) ClearIfCurrent(id string) (bool, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if id == "" || id != s.config.CurrentSubscriptionID() {
		return false, nil
	}
	if err := s.config.SetCurrentSubscriptionID(""); err != nil {
		return false, fmt.Errorf("选择器: 清除当前订阅失败: %w", err)
	}
	s.log.WithField("id", id).Info("当前订阅已清除")

	if s.tunnel != nil {
		s.stop()
	}
	return true, nil
}

// Sync 让隧道跟上持久化的当前订阅。
// 其他进程（CLI）切换或删除当前订阅后，serve 通过周期性调用 Sync 感知变化。
func (s *ActiveSubscriptionSelector) Sync(ctx context.Context) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if s.tunnel == nil {
		return nil
	}
	current := s.Current()
	if current == s.applied {
		return nil
	}
	if current == "" {
		s.log.WithField("id", s.applied).Info("当前订阅已被清除，停止隧道")
		s.stop()
		return nil
	}
	s.log.WithField("id", current).Info("隧道切换到持久化的当前订阅")
	return s.apply(ctx, current)
}

// NotifyUpdated 更新成功后调用：只有当前订阅需要重载隧道。
// 重载在后台进行，不阻塞更新流程；重载前在 switchMu 下重新确认 id 仍是当前订阅，
// 所以与之交错的切换不会被过期的重载覆盖。重载结果只记录日志。
// 返回的 channel 在重载结束后收到是否通知了隧道。
func (s *ActiveSubscriptionSelector) NotifyUpdated(ctx context.Context, id string) <-chan bool {
	done := make(chan bool, 1)
	if s.tunnel == nil || id == "" {
		done <- false
		return done
	}

	ctx = context.WithoutCancel(ctx)
	s.reloads.Add(1)
	go func() {
		defer s.reloads.Done()
		done <- s.reload(ctx, id)
	}()
	return done
}

func (s *ActiveSubscriptionSelector) reload(ctx context.Context, id string) bool {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if id != s.Current() {
		return false
	}
	if err := s.apply(ctx, id); err != nil {
		s.log.WithError(err).WithField("id", id).Warn("更新后重载隧道失败")
	} else {
		s.log.WithField("id", id).Info("隧道已按更新后的订阅重载")
	}
	return true
}

// Wait 等待所有后台重载结束。
func (s *ActiveSubscriptionSelector) Wait() {
	s.reloads.Wait()
}
