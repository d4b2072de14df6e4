package store

import "sync"

// EventKind 变更类型
type EventKind int

const (
	EventInserted EventKind = iota
	EventUpdated
	EventDeleted
	EventCurrentChanged
)

func (k EventKind) String() string {
	switch k {
	case EventInserted:
		return "inserted"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	case EventCurrentChanged:
		return "current_changed"
	default:
		return "unknown"
	}
}

// Event 变更事件。CurrentChanged 事件的 ID 为新的当前订阅，空字符串表示已清空。
type Event struct {
	Kind EventKind
	ID   string
}

// Listener 变更监听器
type Listener func(Event)

type notifier struct {
	mu        sync.Mutex
	next      int
	listeners map[int]Listener
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[int]Listener)}
}

func (n *notifier) subscribe(fn Listener) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// emit 在锁外调用监听器，监听器可以安全地取消自身
func (n *notifier) emit(ev Event) {
	n.mu.Lock()
	fns := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
