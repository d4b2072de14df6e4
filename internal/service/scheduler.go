package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler 定时更新过期的订阅。
type Scheduler struct {
	subs     *SubscriptionService
	interval time.Duration
	check    time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	mu sync.Mutex
	// 最近一次尝试时间，失败的订阅 LeastUpdated 不变，避免每个周期都重试
	lastAttempt map[string]time.Time
}

// NewScheduler 创建自动更新调度器。
// 参数：
//   - subs: 订阅服务
//   - interval: 订阅多久没有更新视为过期，0 表示关闭自动更新
//   - check: 检查周期
//   - log: 日志
func NewScheduler(subs *SubscriptionService, interval, check time.Duration, log logrus.FieldLogger) *Scheduler {
	if check <= 0 {
		check = time.Minute
	}
	return &Scheduler{
		subs:        subs,
		interval:    interval,
		check:       check,
		log:         log,
		now:         time.Now,
		lastAttempt: make(map[string]time.Time),
	}
}

// Run 阻塞运行调度循环，ctx 取消后返回。
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("自动更新已关闭")
		return
	}
	s.log.WithFields(logrus.Fields{
		"interval": s.interval,
		"check":    s.check,
	}).Info("自动更新已启动")

	ticker := time.NewTicker(s.check)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一次检查，更新所有过期的订阅。
// 返回：本次尝试更新的订阅 ID
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	due := s.dueIDs(now)
	if len(due) == 0 {
		return nil
	}

	for id, err := range s.subs.UpdateIDs(ctx, due) {
		if err != nil {
			s.log.WithError(err).WithField("id", id).Warn("自动更新订阅失败")
		}
	}
	return due
}

func (s *Scheduler) dueIDs(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs.List()
	seen := make(map[string]bool, len(subs))
	var due []string
	for _, sub := range subs {
		seen[sub.ID] = true
		last := sub.Extend.LeastUpdated
		if attempt, ok := s.lastAttempt[sub.ID]; ok && attempt.After(last) {
			last = attempt
		}
		if last.IsZero() || now.Sub(last) >= s.interval {
			due = append(due, sub.ID)
			s.lastAttempt[sub.ID] = now
		}
	}
	// 已删除的订阅不再记录
	for id := range s.lastAttempt {
		if !seen[id] {
			delete(s.lastAttempt, id)
		}
	}
	return due
}
