package conversation

import (
	"context"
	"sync"

	"PClient/logger"
	"PClient/module/chat/model"
	"PClient/service/bus"
	"PClient/service/storage"
	"PClient/service/transport"
	"PClient/tools/decode"
	errs "PClient/tools/errs"
	"PClient/tools/ids"
	"PClient/tools/safe"
)

// Engine 会话合并引擎：把下行帧和本地发送合并成会话列表 + 未读账本。
//
// 不变量：
//   - 每个对端至多一条会话，消息按 LocalID 幂等落库
//   - 全局角标 = 所有未静音会话未读之和，增量维护
//   - 已有会话的 name/avatar/mute 只被非零补丁覆盖
//   - 当前打开的会话不计未读
//
// 所有入口共用一把锁，下游看到的永远是整帧结果。
type Engine struct {
	accountID string

	msgs     storage.MessageRepo
	convs    storage.ConversationRepo
	b        *bus.Bus
	sender   Sender
	resolver ProfileResolver
	relay    CallRelay

	mu          sync.Mutex
	currentOpen string // 正在看的会话，空串表示没有
	totalUnread int64
}

// Sender 上行帧出口，传输层实现。
type Sender interface {
	Send(f *transport.Frame) error
}

// CallRelay 呼叫信令旁路，引擎不解释信令内容。
type CallRelay interface {
	OnSignal(ctx context.Context, f *transport.Frame)
}

func NewEngine(accountID string, msgs storage.MessageRepo, convs storage.ConversationRepo,
	sender Sender, resolver ProfileResolver, b *bus.Bus) *Engine {
	return &Engine{
		accountID: accountID,
		msgs:      msgs,
		convs:     convs,
		sender:    sender,
		resolver:  resolver,
		b:         b,
	}
}

// SetCallRelay 组合根注入，可空。
func (e *Engine) SetCallRelay(r CallRelay) { e.relay = r }

// Start 从存量会话恢复全局未读。
func (e *Engine) Start(ctx context.Context) error {
	list, err := e.convs.ListByActivity(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, c := range list {
		if !c.Mute {
			total += c.UnreadCount
		}
	}
	e.mu.Lock()
	e.totalUnread = total
	e.mu.Unlock()
	logger.Infof("[conv] restored %d conversations, unread=%d", len(list), total)
	return nil
}

// Apply 对账器的下游入口。
func (e *Engine) Apply(ctx context.Context, f *transport.Frame) error {
	switch f.Kind {
	case transport.FrameKindSingleMsg:
		return e.applyMessage(ctx, f, model.ConvTypeFriend)
	case transport.FrameKindGroupMsg:
		return e.applyMessage(ctx, f, model.ConvTypeGroup)
	case transport.FrameKindAck:
		return e.applyAck(ctx, f)
	case transport.FrameKindReadNotice:
		return e.applyReadNotice(ctx, f)
	case transport.FrameKindFriendEvent:
		return e.applyFriendEvent(ctx, f)
	case transport.FrameKindGroupEvent:
		return e.applyGroupEvent(ctx, f)
	case transport.FrameKindCallSignal:
		if e.relay != nil {
			e.relay.OnSignal(ctx, f)
		}
		return nil
	case transport.FrameKindSyncMarker:
		// 水位帧在对账层消费，这里只兜底
		return nil
	default:
		logger.Warnf("[conv] drop frame with kind=%d", f.Kind)
		return nil
	}
}

// ===== 消息合并 =====

func (e *Engine) applyMessage(ctx context.Context, f *transport.Frame, ct model.ConvType) error {
	mp, err := decode.DecodeRaw[transport.MessagePayload](f.Payload)
	if err != nil {
		return errs.ErrDecodeFailed.WrapMsg("message payload", "seq", f.Seq)
	}

	m := &model.Message{
		LocalID:     mp.LocalID,
		ServerID:    mp.ServerID,
		SendID:      mp.SendID,
		ContentType: mp.ContentType,
		Content:     mp.Content,
		CreateTime:  mp.CreateTime,
		SendTime:    mp.SendTime,
		SendStatus:  model.SendStatusSuccess,
		Seq:         mp.Seq,
	}
	if mp.SendID == e.accountID {
		// 多端同步下来的自己发的消息
		m.Direction = model.DirectionOutbound
		m.PeerID = mp.RecvID
		m.IsRead = true
	} else {
		m.Direction = model.DirectionInbound
		if ct == model.ConvTypeGroup {
			m.PeerID = mp.RecvID // 群聊会话键是群ID
		} else {
			m.PeerID = mp.SendID
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mergeLocked(ctx, m, ct)
}

// mergeLocked 落消息 + 更新会话。重放安全：已存在的 LocalID 不再动未读和队首。
func (e *Engine) mergeLocked(ctx context.Context, m *model.Message, ct model.ConvType) error {
	existing, err := e.msgs.GetByLocalID(ctx, m.LocalID)
	if err != nil {
		return err
	}
	seen := existing != nil

	opened := e.currentOpen != "" && e.currentOpen == m.PeerID
	if opened && m.Direction == model.DirectionInbound {
		m.IsRead = true
	}
	if err := e.msgs.Put(ctx, m); err != nil {
		return err
	}
	if seen {
		return nil
	}

	conv, err := e.convs.Get(ctx, m.PeerID)
	if err != nil {
		return err
	}
	created := conv == nil
	if created {
		conv = &model.Conversation{FriendID: m.PeerID, ConvType: ct}
	}

	// 旧消息（补拉回流）不顶掉更新的队首摘要
	if m.SendTime >= conv.LastMsgTime {
		conv.LastMsg = previewOf(m.ContentType, m.Content)
		conv.LastMsgTime = m.SendTime
		conv.LastMsgType = m.ContentType
	}

	if m.Direction == model.DirectionInbound && !opened {
		conv.UnreadCount++
		if !conv.Mute {
			e.bumpUnreadLocked(1)
		}
	}

	if err := e.convs.Put(ctx, conv); err != nil {
		return err
	}
	e.b.Publish(bus.Event{Type: bus.EventConversationUpdated, Conversation: conv.Clone()})

	if created && conv.Name == "" {
		e.resolveProfileAsync(m.PeerID, ct)
	}
	return nil
}

// resolveProfileAsync 首次联系的档案补全。完成后重读当前会话再打补丁，
// 不回写发起时的快照。
func (e *Engine) resolveProfileAsync(peerID string, ct model.ConvType) {
	if e.resolver == nil {
		return
	}
	safe.SafeGo(func() {
		ctx := context.Background()
		p, err := e.resolver.Resolve(ctx, peerID, ct)
		if err != nil {
			logger.Warnf("[conv] resolve profile %s: %v", peerID, err)
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		conv, err := e.convs.Get(ctx, peerID)
		if err != nil || conv == nil {
			return
		}
		changed := false
		if p.Name != "" && conv.Name != p.Name {
			conv.Name = p.Name
			changed = true
		}
		if p.Avatar != "" && conv.Avatar != p.Avatar {
			conv.Avatar = p.Avatar
			changed = true
		}
		if !changed {
			return
		}
		if err := e.convs.Put(ctx, conv); err != nil {
			logger.Warnf("[conv] persist profile %s: %v", peerID, err)
			return
		}
		e.b.Publish(bus.Event{Type: bus.EventConversationUpdated, Conversation: conv.Clone()})
	})
}

// ===== 回执与已读 =====

func (e *Engine) applyAck(ctx context.Context, f *transport.Frame) error {
	ap, err := decode.DecodeRaw[transport.AckPayload](f.Payload)
	if err != nil {
		return errs.ErrDecodeFailed.WrapMsg("ack payload")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.msgs.GetByLocalID(ctx, ap.LocalID)
	if err != nil || m == nil {
		return err
	}
	m.ServerID = ap.ServerID
	m.Seq = ap.Seq
	m.SendStatus = model.SendStatusSuccess
	return e.msgs.Put(ctx, m)
}

func (e *Engine) applyReadNotice(ctx context.Context, f *transport.Frame) error {
	rp, err := decode.DecodeRaw[transport.ReadNoticePayload](f.Payload)
	if err != nil {
		return errs.ErrDecodeFailed.WrapMsg("read notice payload")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// 自己另一端读过了：本端把该会话未读清零
	if f.From == e.accountID {
		conv, err := e.convs.Get(ctx, rp.PeerID)
		if err != nil || conv == nil || conv.UnreadCount == 0 {
			return err
		}
		if !conv.Mute {
			e.bumpUnreadLocked(-conv.UnreadCount)
		}
		conv.UnreadCount = 0
		if err := e.convs.Put(ctx, conv); err != nil {
			return err
		}
		e.b.Publish(bus.Event{Type: bus.EventConversationUpdated, Conversation: conv.Clone()})
		return nil
	}

	// 对端读到了哪：把发给它的消息翻成已读
	msgs, err := e.msgs.ListByPeer(ctx, rp.PeerID, 0)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Direction != model.DirectionOutbound || m.IsRead {
			continue
		}
		if rp.UpToSeq > 0 && m.Seq > rp.UpToSeq {
			continue
		}
		m.IsRead = true
		if err := e.msgs.Put(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// ===== 关系与群事件 =====

func (e *Engine) applyFriendEvent(ctx context.Context, f *transport.Frame) error {
	fp, err := decode.DecodeRaw[transport.FriendEventPayload](f.Payload)
	if err != nil {
		return errs.ErrDecodeFailed.WrapMsg("friend event payload")
	}

	var text string
	switch fp.Action {
	case "request":
		text = "请求添加你为好友"
	case "accept":
		text = "我们已经是好友了，开始聊天吧"
	default:
		text = "好友关系变更"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patchLocked(ctx, fp.UserID, model.ConvTypeFriend, convPatch{
		Name:        fp.Name,
		Avatar:      fp.Avatar,
		LastMsg:     text,
		LastMsgTime: f.Ts,
		LastMsgType: model.ContentTypeFriend,
	})
}

func (e *Engine) applyGroupEvent(ctx context.Context, f *transport.Frame) error {
	gp, err := decode.DecodeRaw[transport.GroupEventPayload](f.Payload)
	if err != nil {
		return errs.ErrDecodeFailed.WrapMsg("group event payload")
	}

	// 解散/退群也是管理事件：会话留着，给一条摘要，照常顶到队首
	text := gp.Text
	if text == "" {
		switch f.SubKind {
		case transport.GroupEventDismiss:
			text = "群已解散"
		case transport.GroupEventExit:
			text = "有成员退出群聊"
		default:
			text = "群信息更新"
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patchLocked(ctx, gp.GroupID, model.ConvTypeGroup, convPatch{
		Name:        gp.Name,
		Avatar:      gp.Avatar,
		LastMsg:     text,
		LastMsgTime: f.Ts,
		LastMsgType: model.ContentTypeGroupOp,
	})
}

// convPatch 增量补丁，零值字段不覆盖已有内容。
type convPatch struct {
	Name        string
	Avatar      string
	LastMsg     string
	LastMsgTime int64
	LastMsgType int32
}

func (e *Engine) patchLocked(ctx context.Context, peerID string, ct model.ConvType, p convPatch) error {
	conv, err := e.convs.Get(ctx, peerID)
	if err != nil {
		return err
	}
	if conv == nil {
		conv = &model.Conversation{FriendID: peerID, ConvType: ct}
	}
	if p.Name != "" {
		conv.Name = p.Name
	}
	if p.Avatar != "" {
		conv.Avatar = p.Avatar
	}
	if p.LastMsg != "" && p.LastMsgTime >= conv.LastMsgTime {
		conv.LastMsg = p.LastMsg
		conv.LastMsgTime = p.LastMsgTime
		conv.LastMsgType = p.LastMsgType
	}
	if err := e.convs.Put(ctx, conv); err != nil {
		return err
	}
	e.b.Publish(bus.Event{Type: bus.EventConversationUpdated, Conversation: conv.Clone()})
	return nil
}

// ===== 本地操作 =====

// SendMessage 乐观发送：先落库进列表，状态 Sending，回执到了翻 Success。
func (e *Engine) SendMessage(ctx context.Context, peerID string, ct model.ConvType, contentType int32, content string, now int64) (*model.Message, error) {
	m := &model.Message{
		LocalID:     ids.GenerateString(),
		SendID:      e.accountID,
		PeerID:      peerID,
		Direction:   model.DirectionOutbound,
		ContentType: contentType,
		Content:     content,
		CreateTime:  now,
		SendTime:    now,
		SendStatus:  model.SendStatusSending,
		IsRead:      true,
	}

	e.mu.Lock()
	if err := e.mergeLocked(ctx, m, ct); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	f, err := outboundFrame(m, ct)
	if err == nil {
		err = e.sender.Send(f)
	}
	if err != nil {
		logger.Warnf("[conv] send local_id=%s: %v", m.LocalID, err)
		e.mu.Lock()
		m.SendStatus = model.SendStatusFailed
		if perr := e.msgs.Put(ctx, m); perr != nil {
			logger.Errorf("[conv] mark failed local_id=%s: %v", m.LocalID, perr)
		}
		e.mu.Unlock()
		return m, err
	}
	return m, nil
}

func outboundFrame(m *model.Message, ct model.ConvType) (*transport.Frame, error) {
	kind := transport.FrameKindSingleMsg
	if ct == model.ConvTypeGroup {
		kind = transport.FrameKindGroupMsg
	}
	raw, err := encodePayload(&transport.MessagePayload{
		LocalID:     m.LocalID,
		SendID:      m.SendID,
		RecvID:      m.PeerID,
		ContentType: m.ContentType,
		Content:     m.Content,
		CreateTime:  m.CreateTime,
		SendTime:    m.SendTime,
	})
	if err != nil {
		return nil, err
	}
	return &transport.Frame{Kind: kind, From: m.SendID, To: m.PeerID, Ts: m.SendTime, Payload: raw}, nil
}

// Open 打开会话：未读清零并通知对端已读。
func (e *Engine) Open(ctx context.Context, peerID string) error {
	e.mu.Lock()
	e.currentOpen = peerID

	conv, err := e.convs.Get(ctx, peerID)
	if err != nil || conv == nil {
		e.mu.Unlock()
		return err
	}
	var maxSeq int64
	if conv.UnreadCount > 0 {
		if !conv.Mute {
			e.bumpUnreadLocked(-conv.UnreadCount)
		}
		conv.UnreadCount = 0
		if err := e.convs.Put(ctx, conv); err != nil {
			e.mu.Unlock()
			return err
		}
		msgs, err := e.msgs.ListByPeer(ctx, peerID, 0)
		if err == nil {
			for _, m := range msgs {
				if m.Direction == model.DirectionInbound && !m.IsRead {
					m.IsRead = true
					_ = e.msgs.Put(ctx, m)
				}
				if m.Seq > maxSeq {
					maxSeq = m.Seq
				}
			}
		}
		e.b.Publish(bus.Event{Type: bus.EventConversationUpdated, Conversation: conv.Clone()})
	}
	e.mu.Unlock()

	if maxSeq > 0 {
		raw, err := encodePayload(&transport.ReadNoticePayload{PeerID: e.accountID, UpToSeq: maxSeq})
		if err == nil {
			if serr := e.sender.Send(&transport.Frame{Kind: transport.FrameKindReadNotice, From: e.accountID, To: peerID, Payload: raw}); serr != nil {
				logger.Debugf("[conv] read notice to %s: %v", peerID, serr)
			}
		}
	}
	return nil
}

// Close 离开会话页。
func (e *Engine) Close(peerID string) {
	e.mu.Lock()
	if e.currentOpen == peerID {
		e.currentOpen = ""
	}
	e.mu.Unlock()
}

// Remove 本地删除会话，消息记录保留。该会话的未读从角标里扣掉。
func (e *Engine) Remove(ctx context.Context, peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, err := e.convs.Get(ctx, peerID)
	if err != nil || conv == nil {
		return err
	}
	if conv.UnreadCount > 0 && !conv.Mute {
		e.bumpUnreadLocked(-conv.UnreadCount)
	}
	if e.currentOpen == peerID {
		e.currentOpen = ""
	}
	if err := e.convs.Delete(ctx, peerID); err != nil {
		return err
	}
	e.b.Publish(bus.Event{Type: bus.EventConversationUpdated,
		Conversation: &model.Conversation{FriendID: peerID, ConvType: conv.ConvType}})
	return nil
}

// SetMuted 静音开关只影响全局角标，不清未读。
func (e *Engine) SetMuted(ctx context.Context, peerID string, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, err := e.convs.Get(ctx, peerID)
	if err != nil || conv == nil {
		return err
	}
	if conv.Mute == muted {
		return nil
	}
	conv.Mute = muted
	if conv.UnreadCount > 0 {
		if muted {
			e.bumpUnreadLocked(-conv.UnreadCount)
		} else {
			e.bumpUnreadLocked(conv.UnreadCount)
		}
	}
	if err := e.convs.Put(ctx, conv); err != nil {
		return err
	}
	e.b.Publish(bus.Event{Type: bus.EventConversationUpdated, Conversation: conv.Clone()})
	return nil
}

// Conversations 按活跃降序的会话列表。
func (e *Engine) Conversations(ctx context.Context) ([]*model.Conversation, error) {
	return e.convs.ListByActivity(ctx)
}

// Messages 某会话的消息，按发送时间升序。
func (e *Engine) Messages(ctx context.Context, peerID string, limit int) ([]*model.Message, error) {
	return e.msgs.ListByPeer(ctx, peerID, limit)
}

// TotalUnread 全局角标。
func (e *Engine) TotalUnread() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalUnread
}

func (e *Engine) bumpUnreadLocked(delta int64) {
	e.totalUnread += delta
	if e.totalUnread < 0 {
		e.totalUnread = 0
	}
	e.b.Publish(bus.Event{Type: bus.EventUnreadCountChanged, Unread: e.totalUnread})
}

// previewOf 会话列表里的末条摘要。
func previewOf(contentType int32, content string) string {
	switch contentType {
	case model.ContentTypeText:
		return content
	case model.ContentTypeImage:
		return "[图片]"
	case model.ContentTypeFile:
		return "[文件]"
	case model.ContentTypeCall:
		return "[通话]"
	default:
		return content
	}
}
