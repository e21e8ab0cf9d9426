package conversation

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"PClient/module/chat/model"
	"PClient/service/bus"
	"PClient/service/storage"
	"PClient/service/transport"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []*transport.Frame
	err    error
}

func (s *fakeSender) Send(f *transport.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) sent() []*transport.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Frame(nil), s.frames...)
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	name  string
}

func (r *fakeResolver) Resolve(ctx context.Context, peerID string, ct model.ConvType) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &Profile{Name: r.name, Avatar: "http://a/" + peerID}, nil
}

func newEngine(t *testing.T) (*Engine, *storage.MemoryStore, *fakeSender, *fakeResolver) {
	t.Helper()
	store := storage.NewMemoryStore()
	sender := &fakeSender{}
	resolver := &fakeResolver{name: "张三"}
	e := NewEngine("me", store.Messages(), store.Conversations(), sender, resolver, bus.New())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e, store, sender, resolver
}

func inboundFrame(t *testing.T, localID, from string, sendTime int64) *transport.Frame {
	t.Helper()
	raw, err := json.Marshal(&transport.MessagePayload{
		LocalID: localID, SendID: from, RecvID: "me",
		ContentType: model.ContentTypeText, Content: "hello",
		CreateTime: sendTime, SendTime: sendTime, Seq: sendTime / 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &transport.Frame{Kind: transport.FrameKindSingleMsg, Seq: sendTime / 100, From: from, To: "me", Ts: sendTime, Payload: raw}
}

func waitCond(t *testing.T, d time.Duration, cond func() bool) {
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

func TestInboundMessageCreatesConversation(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	if err := e.Apply(ctx, inboundFrame(t, "m1", "alice", 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	conv, err := store.GetConversation(ctx, "alice")
	if err != nil || conv == nil {
		t.Fatalf("conversation missing: %v", err)
	}
	if conv.UnreadCount != 1 || conv.LastMsg != "hello" {
		t.Fatalf("conv = %+v", conv)
	}
	if e.TotalUnread() != 1 {
		t.Fatalf("total = %d", e.TotalUnread())
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	f := inboundFrame(t, "m1", "alice", 100)
	_ = e.Apply(ctx, f)
	_ = e.Apply(ctx, f)
	_ = e.Apply(ctx, f)

	conv, _ := store.GetConversation(ctx, "alice")
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", conv.UnreadCount)
	}
	if e.TotalUnread() != 1 {
		t.Fatalf("total = %d, want 1", e.TotalUnread())
	}
}

func TestMoveToFrontOrdering(t *testing.T) {
	e, _, _, _ := newEngine(t)
	ctx := context.Background()

	_ = e.Apply(ctx, inboundFrame(t, "a1", "alice", 100))
	_ = e.Apply(ctx, inboundFrame(t, "b1", "bob", 200))
	list, _ := e.Conversations(ctx)
	if list[0].FriendID != "bob" {
		t.Fatalf("front = %s, want bob", list[0].FriendID)
	}

	_ = e.Apply(ctx, inboundFrame(t, "a2", "alice", 300))
	list, _ = e.Conversations(ctx)
	if list[0].FriendID != "alice" {
		t.Fatalf("front = %s, want alice", list[0].FriendID)
	}
}

func TestBackfilledOldMessageKeepsNewerPreview(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	_ = e.Apply(ctx, inboundFrame(t, "new", "alice", 500))
	// 补拉回流一条更老的
	old := inboundFrame(t, "old", "alice", 100)
	_ = e.Apply(ctx, old)

	conv, _ := store.GetConversation(ctx, "alice")
	if conv.LastMsgTime != 500 {
		t.Fatalf("last_msg_time = %d, want 500", conv.LastMsgTime)
	}
	if conv.UnreadCount != 2 {
		t.Fatalf("unread = %d, want 2", conv.UnreadCount)
	}
}

func TestOpenClearsUnreadAndSendsReadNotice(t *testing.T) {
	e, store, sender, _ := newEngine(t)
	ctx := context.Background()

	_ = e.Apply(ctx, inboundFrame(t, "m1", "alice", 100))
	_ = e.Apply(ctx, inboundFrame(t, "m2", "alice", 200))
	if e.TotalUnread() != 2 {
		t.Fatalf("total = %d", e.TotalUnread())
	}

	if err := e.Open(ctx, "alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	conv, _ := store.GetConversation(ctx, "alice")
	if conv.UnreadCount != 0 || e.TotalUnread() != 0 {
		t.Fatalf("unread = %d total = %d", conv.UnreadCount, e.TotalUnread())
	}

	var notice *transport.Frame
	for _, f := range sender.sent() {
		if f.Kind == transport.FrameKindReadNotice {
			notice = f
		}
	}
	if notice == nil || notice.To != "alice" {
		t.Fatal("read notice not sent")
	}

	// 打开期间的新消息不计未读
	_ = e.Apply(ctx, inboundFrame(t, "m3", "alice", 300))
	conv, _ = store.GetConversation(ctx, "alice")
	if conv.UnreadCount != 0 || e.TotalUnread() != 0 {
		t.Fatal("open conversation must not accumulate unread")
	}
	m, _ := store.GetByLocalID(ctx, "m3")
	if !m.IsRead {
		t.Fatal("message in open conversation must be read")
	}

	e.Close("alice")
	_ = e.Apply(ctx, inboundFrame(t, "m4", "alice", 400))
	if e.TotalUnread() != 1 {
		t.Fatalf("total after close = %d, want 1", e.TotalUnread())
	}
}

func TestMutedConversationExcludedFromBadge(t *testing.T) {
	e, _, _, _ := newEngine(t)
	ctx := context.Background()

	_ = e.Apply(ctx, inboundFrame(t, "m1", "alice", 100))
	_ = e.Apply(ctx, inboundFrame(t, "b1", "bob", 100))
	if e.TotalUnread() != 2 {
		t.Fatalf("total = %d", e.TotalUnread())
	}

	if err := e.SetMuted(ctx, "alice", true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if e.TotalUnread() != 1 {
		t.Fatalf("total after mute = %d, want 1", e.TotalUnread())
	}

	// 静音会话的未读还在涨，只是不进角标
	_ = e.Apply(ctx, inboundFrame(t, "m2", "alice", 200))
	if e.TotalUnread() != 1 {
		t.Fatalf("total = %d, want 1", e.TotalUnread())
	}

	if err := e.SetMuted(ctx, "alice", false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if e.TotalUnread() != 3 {
		t.Fatalf("total after unmute = %d, want 3", e.TotalUnread())
	}
}

func TestSendMessageOptimisticPipeline(t *testing.T) {
	e, store, sender, _ := newEngine(t)
	ctx := context.Background()

	m, err := e.SendMessage(ctx, "alice", model.ConvTypeFriend, model.ContentTypeText, "hi", 100)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.SendStatus != model.SendStatusSending {
		t.Fatalf("status = %d", m.SendStatus)
	}
	if len(sender.sent()) != 1 {
		t.Fatal("frame not sent")
	}
	conv, _ := store.GetConversation(ctx, "alice")
	if conv == nil || conv.LastMsg != "hi" || conv.UnreadCount != 0 {
		t.Fatalf("conv = %+v", conv)
	}

	// 回执翻 Success 并补 server_id/seq
	raw, _ := json.Marshal(&transport.AckPayload{LocalID: m.LocalID, ServerID: "s1", Seq: 9})
	_ = e.Apply(ctx, &transport.Frame{Kind: transport.FrameKindAck, Payload: raw})
	got, _ := store.GetByLocalID(ctx, m.LocalID)
	if got.SendStatus != model.SendStatusSuccess || got.ServerID != "s1" || got.Seq != 9 {
		t.Fatalf("after ack = %+v", got)
	}
}

func TestSendFailureMarksMessageFailed(t *testing.T) {
	e, store, sender, _ := newEngine(t)
	sender.err = stderrors.New("socket gone")
	ctx := context.Background()

	m, err := e.SendMessage(ctx, "alice", model.ConvTypeFriend, model.ContentTypeText, "hi", 100)
	if err == nil {
		t.Fatal("want send error")
	}
	got, _ := store.GetByLocalID(ctx, m.LocalID)
	if got.SendStatus != model.SendStatusFailed {
		t.Fatalf("status = %d, want failed", got.SendStatus)
	}
}

func TestFirstContactResolvesProfileAgainstCurrentState(t *testing.T) {
	e, store, _, resolver := newEngine(t)
	ctx := context.Background()

	_ = e.Apply(ctx, inboundFrame(t, "m1", "alice", 100))
	waitCond(t, 2*time.Second, func() bool {
		conv, _ := store.GetConversation(ctx, "alice")
		return conv != nil && conv.Name == "张三"
	})
	conv, _ := store.GetConversation(ctx, "alice")
	if conv.Avatar == "" {
		t.Fatal("avatar not resolved")
	}
	// 补全期间到的消息不能被档案回写顶掉
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d", conv.UnreadCount)
	}

	// 已有名字的会话不再触发补全
	_ = e.Apply(ctx, inboundFrame(t, "m2", "alice", 200))
	time.Sleep(20 * time.Millisecond)
	resolver.mu.Lock()
	calls := resolver.calls
	resolver.mu.Unlock()
	if calls != 1 {
		t.Fatalf("resolver calls = %d, want 1", calls)
	}
}

func TestFriendEventPatchesWithoutClobbering(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	raw, _ := json.Marshal(&transport.FriendEventPayload{UserID: "carol", Name: "卡罗", Action: "request"})
	_ = e.Apply(ctx, &transport.Frame{Kind: transport.FrameKindFriendEvent, Ts: 100, Payload: raw})

	conv, _ := store.GetConversation(ctx, "carol")
	if conv == nil || conv.Name != "卡罗" || conv.LastMsgType != model.ContentTypeFriend {
		t.Fatalf("conv = %+v", conv)
	}

	// 名字为空的补丁不覆盖已有名字
	raw2, _ := json.Marshal(&transport.FriendEventPayload{UserID: "carol", Action: "accept"})
	_ = e.Apply(ctx, &transport.Frame{Kind: transport.FrameKindFriendEvent, Ts: 200, Payload: raw2})
	conv, _ = store.GetConversation(ctx, "carol")
	if conv.Name != "卡罗" {
		t.Fatalf("name clobbered: %q", conv.Name)
	}
}

func TestGroupDismissKeepsConversationSummary(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	// 群消息建会话并攒未读
	raw, _ := json.Marshal(&transport.MessagePayload{
		LocalID: "g1", SendID: "dave", RecvID: "group1",
		ContentType: model.ContentTypeText, Content: "hey", SendTime: 100,
	})
	_ = e.Apply(ctx, &transport.Frame{Kind: transport.FrameKindGroupMsg, Seq: 1, Payload: raw})
	if e.TotalUnread() != 1 {
		t.Fatalf("total = %d", e.TotalUnread())
	}

	raw2, _ := json.Marshal(&transport.GroupEventPayload{GroupID: "group1"})
	_ = e.Apply(ctx, &transport.Frame{
		Kind: transport.FrameKindGroupEvent, SubKind: transport.GroupEventDismiss, Ts: 200, Payload: raw2,
	})
	// 解散后会话留着，摘要换成解散提示并顶到队首
	conv, _ := store.GetConversation(ctx, "group1")
	if conv == nil {
		t.Fatal("conversation must survive dismiss")
	}
	if conv.LastMsg != "群已解散" || conv.LastMsgTime != 200 || conv.LastMsgType != model.ContentTypeGroupOp {
		t.Fatalf("conv = %+v", conv)
	}
	// 管理事件不动未读账本
	if e.TotalUnread() != 1 {
		t.Fatalf("total = %d, want 1", e.TotalUnread())
	}
}

func TestRemoveConversationClearsBadge(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	_ = e.Apply(ctx, inboundFrame(t, "m1", "alice", 100))
	_ = e.Apply(ctx, inboundFrame(t, "m2", "alice", 200))
	if e.TotalUnread() != 2 {
		t.Fatalf("total = %d", e.TotalUnread())
	}

	if err := e.Remove(ctx, "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	conv, _ := store.GetConversation(ctx, "alice")
	if conv != nil {
		t.Fatal("conversation not removed")
	}
	if e.TotalUnread() != 0 {
		t.Fatalf("total = %d, want 0", e.TotalUnread())
	}
	// 消息记录保留
	if m, _ := store.GetByLocalID(ctx, "m1"); m == nil {
		t.Fatal("messages must survive conversation removal")
	}
}

func TestReadNoticeMarksOutboundRead(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	m, _ := e.SendMessage(ctx, "alice", model.ConvTypeFriend, model.ContentTypeText, "hi", 100)
	raw, _ := json.Marshal(&transport.AckPayload{LocalID: m.LocalID, ServerID: "s1", Seq: 3})
	_ = e.Apply(ctx, &transport.Frame{Kind: transport.FrameKindAck, Payload: raw})

	// 手动翻回未读再验证通知
	stored, _ := store.GetByLocalID(ctx, m.LocalID)
	stored.IsRead = false
	_ = store.Put(ctx, stored)

	raw2, _ := json.Marshal(&transport.ReadNoticePayload{PeerID: "alice", UpToSeq: 3})
	_ = e.Apply(ctx, &transport.Frame{Kind: transport.FrameKindReadNotice, Payload: raw2})

	got, _ := store.GetByLocalID(ctx, m.LocalID)
	if !got.IsRead {
		t.Fatal("outbound message not marked read")
	}
}

func TestReadNoticeFromOwnDeviceClearsUnread(t *testing.T) {
	e, store, _, _ := newEngine(t)
	ctx := context.Background()

	_ = e.Apply(ctx, inboundFrame(t, "m1", "alice", 100))
	_ = e.Apply(ctx, inboundFrame(t, "m2", "alice", 200))
	if e.TotalUnread() != 2 {
		t.Fatalf("total = %d", e.TotalUnread())
	}

	// 自己在另一端读了 alice 的会话
	raw, _ := json.Marshal(&transport.ReadNoticePayload{PeerID: "alice"})
	_ = e.Apply(ctx, &transport.Frame{Kind: transport.FrameKindReadNotice, From: "me", Payload: raw})

	conv, _ := store.GetConversation(ctx, "alice")
	if conv.UnreadCount != 0 || e.TotalUnread() != 0 {
		t.Fatalf("unread = %d total = %d", conv.UnreadCount, e.TotalUnread())
	}
}
