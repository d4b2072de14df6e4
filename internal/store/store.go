package store

import (
	"fmt"
	"sync"

	"clashsub.com/p/internal/database"
	"clashsub.com/p/internal/model"
)

// Store 是数据层的核心，管理所有订阅数据和应用配置。
// 它封装了所有数据库操作，并提供统一的数据访问接口。
type Store struct {
	// 初始化状态
	initialized bool

	// 订阅数据管理
	Subscriptions *SubscriptionsStore

	// 应用配置管理
	AppConfig *AppConfigStore

	// 变更通知，订阅与配置共用
	events *notifier
}

// NewStore 创建新的 Store 实例并初始化所有子 Store。
// 注意：不会自动加载数据，需要在数据库初始化后调用 LoadAll()。
func NewStore() *Store {
	events := newNotifier()
	return &Store{
		Subscriptions: newSubscriptionsStore(events),
		AppConfig:     newAppConfigStore(events),
		events:        events,
	}
}

// LoadAll 从数据库加载所有数据到 Store。
func (s *Store) LoadAll() error {
	if err := s.Subscriptions.Load(); err != nil {
		return err
	}
	if err := s.AppConfig.Load(); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

// IsInitialized 检查 Store 是否已初始化。
func (s *Store) IsInitialized() bool {
	return s.initialized
}

// Subscribe 注册变更监听器，返回取消函数。
// 监听器在变更提交到数据库之后同步调用，不能在监听器内再修改 Store。
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	return s.events.subscribe(fn)
}

// SubscriptionsStore 管理订阅数据。
// 数据库是唯一的事实来源：CLI 与 serve 可能同时打开同一个数据库文件，
// 所以读操作总是回到数据库，内存中只保留最近一次成功读取的快照。
type SubscriptionsStore struct {
	// 写锁，串行化本进程内的修改操作；跨进程由 sqlite 的写事务串行化
	writeMu sync.Mutex

	// 读写锁，保护快照
	mu sync.RWMutex

	// 最近一次从数据库读到的订阅列表（按插入顺序），数据库不可读时作为 List 的兜底
	snapshot []model.Subscription

	events *notifier
}

func newSubscriptionsStore(events *notifier) *SubscriptionsStore {
	return &SubscriptionsStore{
		snapshot: make([]model.Subscription, 0),
		events:   events,
	}
}

// Load 从数据库加载所有订阅，数据库不可读时返回错误。
func (ss *SubscriptionsStore) Load() error {
	if _, err := ss.refresh(); err != nil {
		return fmt.Errorf("订阅存储: 加载订阅列表失败: %w", err)
	}
	return nil
}

func (ss *SubscriptionsStore) refresh() ([]model.Subscription, error) {
	subscriptions, err := database.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	ss.mu.Lock()
	ss.snapshot = subscriptions
	ss.mu.Unlock()
	return subscriptions, nil
}

// List 返回所有订阅的副本，按插入顺序排列。
// 包括其他进程写入的订阅；数据库读取失败时返回最近一次的快照。
func (ss *SubscriptionsStore) List() []model.Subscription {
	_, _ = ss.refresh()
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return cloneAll(ss.snapshot)
}

func cloneAll(subs []model.Subscription) []model.Subscription {
	result := make([]model.Subscription, len(subs))
	for i := range subs {
		result[i] = subs[i].Clone()
	}
	return result
}

// Get 根据 ID 从数据库读取订阅。不存在时返回 NotFoundError。
func (ss *SubscriptionsStore) Get(id string) (model.Subscription, error) {
	return database.GetSubscription(id)
}

// Exists 判断订阅是否存在。
func (ss *SubscriptionsStore) Exists(id string) bool {
	_, err := ss.Get(id)
	return err == nil
}

// replace 用写入后的结果更新快照，del 为 true 时删除。
func (ss *SubscriptionsStore) replace(sub model.Subscription, del bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for i := range ss.snapshot {
		if ss.snapshot[i].ID != sub.ID {
			continue
		}
		if del {
			ss.snapshot = append(ss.snapshot[:i], ss.snapshot[i+1:]...)
		} else {
			ss.snapshot[i] = sub
		}
		return
	}
	if !del {
		ss.snapshot = append(ss.snapshot, sub)
	}
}

// Insert 插入新订阅。ID 已存在时返回 DuplicateIdError。
// 返回：写入数据库后的订阅副本（least_updated 已按存储精度截断），与之后 Get 读到的一致
func (ss *SubscriptionsStore) Insert(sub model.Subscription) (model.Subscription, error) {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	stored, err := database.InsertSubscription(sub.Clone())
	if err != nil {
		return model.Subscription{}, fmt.Errorf("订阅存储: 插入订阅失败: %w", err)
	}
	ss.replace(stored.Clone(), false)

	ss.events.emit(Event{Kind: EventInserted, ID: stored.ID})
	return stored, nil
}

// Update 对订阅副本执行 mutator 并在一个事务内写回。
// mutator 返回错误时不做任何写入；订阅不存在时返回 NotFoundError。
// 参数：
//   - id: 订阅 ID
//   - mutator: 修改函数，不能修改 ID
//
// 返回：更新后的订阅和错误（如果有）
func (ss *SubscriptionsStore) Update(id string, mutator func(*model.Subscription) error) (model.Subscription, error) {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	updated, err := database.UpdateSubscriptionTx(id, mutator)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("订阅存储: 更新订阅失败: %w", err)
	}
	ss.replace(updated.Clone(), false)

	ss.events.emit(Event{Kind: EventUpdated, ID: id})
	return updated, nil
}

// Delete 删除订阅。不存在时返回 NotFoundError。
func (ss *SubscriptionsStore) Delete(id string) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	if err := database.DeleteSubscription(id); err != nil {
		return fmt.Errorf("订阅存储: 删除订阅失败: %w", err)
	}
	ss.replace(model.Subscription{ID: id}, true)

	ss.events.emit(Event{Kind: EventDeleted, ID: id})
	return nil
}
