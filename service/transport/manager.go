package transport

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"PClient/logger"
	"PClient/service/bus"
	errs "PClient/tools/errs"
	"PClient/tools/safe"
	"PClient/tools/security"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Manager 持有到网关的唯一连接。
// 连接路径 {gw}/{sendId}/conn/{token}/{account}/{platform}，二进制帧收发。
// 读循环单线程把帧交给 handler，处理完一帧才读下一帧，天然背压。

type FrameHandler func(*Frame)

type Dialer func(ctx context.Context, urlStr string) (*websocket.Conn, error)

type Options struct {
	GatewayURL string
	AccountID  string
	Token      string
	Platform   int

	ReconnectBase time.Duration // 第 n 次重试等 base*n
	MaxReconnect  int           // 超过后进入 disconnected_permanently

	Dial  Dialer           // 可注入，测试用
	Clock func() time.Time // 可注入，测试用
}

func (o *Options) norm() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 2 * time.Second
	}
	if o.MaxReconnect <= 0 {
		o.MaxReconnect = 5
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
			return c, err
		}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Manager struct {
	opt Options
	bus *bus.Bus

	mu         sync.Mutex
	conn       *websocket.Conn
	gen        int64 // 连接代数，旧读循环的收尾不碰新连接
	connecting bool
	attempt    int
	retryTimer *time.Timer
	done       bool // Cleanup 或终止性关闭之后为真
	state      bus.ConnState

	writeMu sync.Mutex // gorilla 同连接只允许一个写者

	handler     FrameHandler
	onConnected func() // 每次连接建立后回调，离线同步挂这里
}

func NewManager(opt Options, b *bus.Bus) *Manager {
	opt.norm()
	return &Manager{opt: opt, bus: b, state: bus.ConnStateDisconnected}
}

// SetHandler 必须在 Connect 前设置。
func (m *Manager) SetHandler(h FrameHandler) { m.handler = h }

// SetOnConnected 连接建立（含重连成功）后的回调。
func (m *Manager) SetOnConnected(fn func()) { m.onConnected = fn }

// State 当前连接状态快照。
func (m *Manager) State() bus.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) connURL() string {
	base := strings.TrimRight(m.opt.GatewayURL, "/")
	return base + "/" + url.PathEscape(m.opt.AccountID) +
		"/conn/" + url.PathEscape(m.opt.Token) +
		"/" + url.PathEscape(m.opt.AccountID) +
		"/" + strconv.Itoa(m.opt.Platform)
}

// Connect 建立连接。已连接或正在连接时直接返回 nil。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return errs.ErrNotConnected.WrapMsg("transport closed")
	}
	if m.conn != nil || m.connecting {
		m.mu.Unlock()
		return nil
	}
	// 死令牌不拨号，省一次 4002
	if security.IsExpired(m.opt.Token, m.opt.Clock()) {
		m.done = true
		m.mu.Unlock()
		m.setState(bus.ConnStateDisconnected)
		m.bus.Publish(bus.Event{Type: bus.EventUnauthorized, Detail: "token expired"})
		return errs.ErrUnauthorized.WrapMsg("token expired", "token", security.HashToken(m.opt.Token))
	}
	m.connecting = true
	m.mu.Unlock()

	c, err := m.opt.Dial(ctx, m.connURL())
	if err != nil {
		logger.Warnf("[transport] dial failed: %v", err)
		m.mu.Lock()
		m.connecting = false
		m.retryLocked()
		return errs.ErrNotConnected.WrapMsg("dial", "gateway", m.opt.GatewayURL)
	}

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		_ = c.Close()
		return errs.ErrNotConnected.WrapMsg("transport closed")
	}
	m.gen++
	gen := m.gen
	m.conn = c
	m.connecting = false
	m.attempt = 0
	m.mu.Unlock()

	m.setState(bus.ConnStateConnected)
	logger.Infof("[transport] connected account=%s platform=%d", m.opt.AccountID, m.opt.Platform)

	safe.SafeGo(func() { m.readLoop(gen, c) })
	if m.onConnected != nil {
		safe.SafeGo(m.onConnected)
	}
	return nil
}

func (m *Manager) readLoop(gen int64, c *websocket.Conn) {
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := DecodeFrame(data)
		if err != nil {
			// 坏帧丢弃，连接保留
			logger.Warnf("[transport] drop frame: %v", err)
			continue
		}
		if m.handler != nil {
			safe.Call(func() { m.handler(f) })
		}
	}
}

func (m *Manager) handleDisconnect(gen int64, err error) {
	m.mu.Lock()
	if m.done || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseCodeReplaced:
			m.done = true
			m.mu.Unlock()
			logger.Warnf("[transport] replaced by another session")
			m.setState(bus.ConnStateDisconnected)
			m.bus.Publish(bus.Event{Type: bus.EventKnockedOff, Detail: ce.Text})
			return
		case CloseCodeUnauthorized:
			m.done = true
			m.mu.Unlock()
			logger.Warnf("[transport] token rejected by gateway")
			m.setState(bus.ConnStateDisconnected)
			m.bus.Publish(bus.Event{Type: bus.EventUnauthorized, Detail: ce.Text})
			return
		}
	}

	logger.Warnf("[transport] connection lost: %v", err)
	// 先让订阅方看到掉线，再排重试
	m.state = bus.ConnStateDisconnected
	m.mu.Unlock()
	m.bus.Publish(bus.Event{Type: bus.EventConnectionStateChanged, ConnState: bus.ConnStateDisconnected})

	m.mu.Lock()
	m.retryLocked()
}

// retryLocked 排一次重试。调用方持锁，函数内释放后再发事件。
func (m *Manager) retryLocked() {
	if m.done {
		// 发掉线事件的锁缝里被 Cleanup 抢了先
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	if attempt > m.opt.MaxReconnect {
		m.done = true
		m.state = bus.ConnStateDisconnPermnt
		m.mu.Unlock()
		logger.Errorf("[transport] gave up after %d attempts", m.opt.MaxReconnect)
		m.bus.Publish(bus.Event{Type: bus.EventConnectionStateChanged, ConnState: bus.ConnStateDisconnPermnt})
		return
	}
	delay := m.opt.ReconnectBase * time.Duration(attempt)
	m.state = bus.ConnStateReconnecting
	m.retryTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background()); err != nil {
			logger.Debugf("[transport] retry %d: %v", attempt, err)
		}
	})
	m.mu.Unlock()
	logger.Infof("[transport] retry %d/%d in %s", attempt, m.opt.MaxReconnect, delay)
	m.bus.Publish(bus.Event{Type: bus.EventConnectionStateChanged, ConnState: bus.ConnStateReconnecting})
}

// Send 编码并写出一帧。未连接时返回 ErrNotConnected。
func (m *Manager) Send(f *Frame) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return errs.ErrNotConnected.WrapMsg("send", "kind", f.Kind)
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = c.SetWriteDeadline(m.opt.Clock().Add(10 * time.Second))
	if err := c.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errs.ErrSendFailed.WrapMsg("write", "kind", f.Kind)
	}
	return nil
}

// Cleanup 主动下线。幂等，之后不再自动重连。
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.done && m.conn == nil && m.retryTimer == nil {
		m.mu.Unlock()
		return
	}
	m.done = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	if c != nil {
		m.writeMu.Lock()
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			m.opt.Clock().Add(time.Second))
		m.writeMu.Unlock()
		_ = c.Close()
	}
	m.setState(bus.ConnStateDisconnected)
	logger.Infof("[transport] cleaned up account=%s", m.opt.AccountID)
}

func (m *Manager) setState(st bus.ConnState) {
	m.mu.Lock()
	m.setStateLocked(st)
	m.mu.Unlock()
	m.bus.Publish(bus.Event{Type: bus.EventConnectionStateChanged, ConnState: st})
}

// setStateLocked 只更新快照不发事件，发事件的路径自己负责。
func (m *Manager) setStateLocked(st bus.ConnState) {
	m.state = st
}
