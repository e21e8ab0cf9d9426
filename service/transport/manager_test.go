package transport

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"PClient/service/bus"
	errs "PClient/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{"exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// 起一个假网关，handler 拿到升级后的连接
func fakeGateway(t *testing.T, handle func(c *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		handle(c)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestConnectIsIdempotentAndDeliversFrames(t *testing.T) {
	frameSent, _ := EncodeFrame(&Frame{Kind: FrameKindSingleMsg, Seq: 1})
	srv := fakeGateway(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.BinaryMessage, frameSent)
		// 挂住连接直到测试结束
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	b := bus.New()
	m := NewManager(Options{GatewayURL: wsURL(srv), AccountID: "u1", Token: "tk", Platform: 5}, b)

	var got atomic.Int64
	m.SetHandler(func(f *Frame) { got.Add(1) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// 已连接时再调直接返回
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return got.Load() == 1 })
	if m.State() != bus.ConnStateConnected {
		t.Fatalf("state = %s", m.State())
	}
	m.Cleanup()
}

func TestSendBeforeConnectFails(t *testing.T) {
	m := NewManager(Options{GatewayURL: "ws://127.0.0.1:1", AccountID: "u1", Token: "tk"}, bus.New())
	err := m.Send(&Frame{Kind: FrameKindSingleMsg})
	if !errs.IsCode(err, errs.TransportNotConnectedError) {
		t.Fatalf("want not-connected, got %v", err)
	}
}

func TestKnockedOffIsTerminal(t *testing.T) {
	srv := fakeGateway(t, func(c *websocket.Conn) {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCodeReplaced, "replaced"),
			time.Now().Add(time.Second))
		_ = c.Close()
	})
	defer srv.Close()

	b := bus.New()
	ch, cancel := b.Subscribe()
	defer cancel()

	var dials atomic.Int64
	m := NewManager(Options{
		GatewayURL: wsURL(srv), AccountID: "u1", Token: "tk",
		ReconnectBase: time.Millisecond,
		Dial: func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
			dials.Add(1)
			c, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
			return c, err
		},
	}, b)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == bus.EventKnockedOff {
				goto done
			}
		case <-deadline:
			t.Fatal("no knocked-off event")
		}
	}
done:
	// 挤下线后绝不重连
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestUnauthorizedCloseIsTerminal(t *testing.T) {
	srv := fakeGateway(t, func(c *websocket.Conn) {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCodeUnauthorized, "bad token"),
			time.Now().Add(time.Second))
		_ = c.Close()
	})
	defer srv.Close()

	b := bus.New()
	ch, cancel := b.Subscribe()
	defer cancel()

	m := NewManager(Options{GatewayURL: wsURL(srv), AccountID: "u1", Token: "tk"}, b)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == bus.EventUnauthorized {
				return
			}
		case <-deadline:
			t.Fatal("no unauthorized event")
		}
	}
}

func TestDropPublishesDisconnectedBeforeReconnecting(t *testing.T) {
	srv := fakeGateway(t, func(c *websocket.Conn) {
		// 建连后立刻断开，制造一次非终止性掉线
		_ = c.Close()
	})
	defer srv.Close()

	b := bus.New()
	ch, cancel := b.Subscribe()
	defer cancel()

	m := NewManager(Options{
		GatewayURL: wsURL(srv), AccountID: "u1", Token: "tk",
		ReconnectBase: 50 * time.Millisecond,
	}, b)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Cleanup()

	var states []bus.ConnState
	deadline := time.After(2 * time.Second)
	for len(states) < 3 {
		select {
		case ev := <-ch:
			if ev.Type == bus.EventConnectionStateChanged {
				states = append(states, ev.ConnState)
			}
		case <-deadline:
			t.Fatalf("states = %v", states)
		}
	}
	// 掉线先广播 disconnected，再广播 reconnecting
	want := []bus.ConnState{bus.ConnStateConnected, bus.ConnStateDisconnected, bus.ConnStateReconnecting}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	b := bus.New()
	var dials atomic.Int64
	m := NewManager(Options{
		GatewayURL:    "ws://example.invalid",
		AccountID:     "u1",
		Token:         "tk",
		ReconnectBase: time.Millisecond,
		MaxReconnect:  2,
		Dial: func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
			dials.Add(1)
			return nil, stderrors.New("refused")
		},
	}, b)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("want dial error")
	}
	waitFor(t, 2*time.Second, func() bool { return m.State() == bus.ConnStateDisconnPermnt })
	// 首连 + 两次重试
	if n := dials.Load(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
	// 放弃之后 Connect 不再生效
	if err := m.Connect(context.Background()); !errs.IsCode(err, errs.TransportNotConnectedError) {
		t.Fatalf("want not-connected after giving up, got %v", err)
	}
}

func TestExpiredTokenRefusesToDial(t *testing.T) {
	// exp=2000-01-01 的假 JWT
	expired := makeJWT(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))

	b := bus.New()
	ch, cancel := b.Subscribe()
	defer cancel()

	var dials atomic.Int64
	m := NewManager(Options{
		GatewayURL: "ws://example.invalid", AccountID: "u1", Token: expired,
		Dial: func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
			dials.Add(1)
			return nil, stderrors.New("should not dial")
		},
	}, b)

	err := m.Connect(context.Background())
	if !errs.IsCode(err, errs.SessionUnauthorizedError) {
		t.Fatalf("want unauthorized, got %v", err)
	}
	if dials.Load() != 0 {
		t.Fatal("dialed with expired token")
	}
	select {
	case ev := <-ch:
		if ev.Type != bus.EventConnectionStateChanged && ev.Type != bus.EventUnauthorized {
			t.Fatalf("unexpected event %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	srv := fakeGateway(t, func(c *websocket.Conn) {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	m := NewManager(Options{GatewayURL: wsURL(srv), AccountID: "u1", Token: "tk"}, bus.New())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Cleanup()
	m.Cleanup()
	if m.State() != bus.ConnStateDisconnected {
		t.Fatalf("state = %s", m.State())
	}
	if err := m.Send(&Frame{Kind: FrameKindSingleMsg}); !errs.IsCode(err, errs.TransportNotConnectedError) {
		t.Fatalf("want not-connected after cleanup, got %v", err)
	}
}
