package bus

import (
	"sync"

	"PClient/logger"
	"PClient/module/chat/model"
)

// 事件总线：由组合根持有、显式注入到各组件，不走全局单例。
// 订阅者各拿一条有界通道；发布不阻塞，塞不进去就丢并记日志。

type EventType string

const (
	EventConnectionStateChanged EventType = "connection.state"
	EventConversationUpdated    EventType = "conversation.updated"
	EventUnreadCountChanged     EventType = "unread.changed"
	EventCallStateChanged       EventType = "call.state"
	EventKnockedOff             EventType = "session.knocked_off"
	EventUnauthorized           EventType = "session.unauthorized"
	EventSyncGapRecovered       EventType = "sync.gap_recovered"
	EventSyncBackfillFailed     EventType = "sync.backfill_failed"
)

// ConnState 连接状态
type ConnState string

const (
	ConnStateConnected     ConnState = "connected"
	ConnStateDisconnected  ConnState = "disconnected"
	ConnStateReconnecting  ConnState = "reconnecting"
	ConnStateDisconnPermnt ConnState = "disconnected_permanently"
)

type Event struct {
	Type EventType

	ConnState    ConnState           // EventConnectionStateChanged
	Conversation *model.Conversation // EventConversationUpdated
	Unread       int64               // EventUnreadCountChanged 全局未读角标
	CallID       string              // EventCallStateChanged
	CallState    string
	CallPeer     string
	Detail       string
}

type subscriber struct {
	id int64
	ch chan Event
}

type Bus struct {
	mu   sync.RWMutex
	subs []*subscriber
	next int64
	size int
}

func New() *Bus {
	return NewWithSize(64)
}

func NewWithSize(size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{size: size}
}

// Subscribe 返回接收通道和退订函数。退订后通道被关闭。
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	s := &subscriber{id: b.next, ch: make(chan Event, b.size)}
	b.subs = append(b.subs, s)

	id := s.id
	return s.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish 广播事件。订阅者通道满时丢弃该订阅者的这一条。
// 读锁持到发完为止：Close/退订在写锁里关通道，发送不会撞上已关闭的通道。
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			logger.Warnf("[bus] subscriber %d full, drop %s", s.id, ev.Type)
		}
	}
}

// Close 关闭所有订阅通道。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
