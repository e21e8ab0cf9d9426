package call

import (
	"context"
	"sync"
	"time"

	"PClient/logger"
	"PClient/module/chat/model"
	"PClient/service/bus"
	"PClient/service/transport"
	"PClient/tools/decode"
	errs "PClient/tools/errs"
	"PClient/tools/ids"
	"PClient/tools/safe"
)

// 呼叫信令状态机。同一时刻至多一通呼叫：
//
//	idle -> inviting    (主叫 Dial)
//	idle -> invited     (被叫收到 invite)
//	inviting/invited -> negotiating -> connected -> (ended)
//
// 任何一条退出路径都走 finishLocked：停振铃定时器、关对等连接、
// 停采集流、把结果投影成一条会话消息。不存在"挂了但摄像头还亮着"。

type State string

const (
	StateIdle        State = "idle"
	StateInviting    State = "inviting"
	StateInvited     State = "invited"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
)

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeDeclined    Outcome = "declined"
	OutcomeNotAnswered Outcome = "not_answered"
	OutcomeFailed      Outcome = "failed"
)

// Sender 上行信令出口。
type Sender interface {
	Send(f *transport.Frame) error
}

// OutcomeSink 呼叫结束后的结果投影，会话引擎实现。
type OutcomeSink interface {
	OnCallEnded(ctx context.Context, peerID string, kind model.CallKind, outcome Outcome, duration time.Duration)
}

type session struct {
	callID    string
	peer      string
	kind      model.CallKind
	role      model.CallRole
	state     State
	pc        PeerConnection
	media     MediaStream
	ringTimer *time.Timer
	connected time.Time
	// pc 建立前到达的候选先攒着
	pendingCand []string
}

type Manager struct {
	accountID   string
	capab       Capability
	sender      Sender
	sink        OutcomeSink
	b           *bus.Bus
	ringTimeout time.Duration
	clock       func() time.Time

	mu sync.Mutex
	s  *session
}

func NewManager(accountID string, capab Capability, sender Sender, sink OutcomeSink, b *bus.Bus, ringTimeout time.Duration) *Manager {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Manager{
		accountID:   accountID,
		capab:       capab,
		sender:      sender,
		sink:        sink,
		b:           b,
		ringTimeout: ringTimeout,
		clock:       time.Now,
	}
}

// SetClock 测试注入。
func (m *Manager) SetClock(fn func() time.Time) { m.clock = fn }

// State 当前状态快照。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return StateIdle
	}
	return m.s.state
}

// CurrentCallID 进行中的呼叫 ID，空串表示没有。
func (m *Manager) CurrentCallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return ""
	}
	return m.s.callID
}

// ===== 本地动作 =====

// Dial 发起呼叫。已有呼叫时返回错误。
func (m *Manager) Dial(ctx context.Context, peerID string, kind model.CallKind) (string, error) {
	m.mu.Lock()
	if m.s != nil {
		m.mu.Unlock()
		return "", errs.ErrNegotiationFailed.WrapMsg("call in progress", "peer", m.describePeer())
	}
	callID := ids.GenerateString()
	s := &session{
		callID: callID,
		peer:   peerID,
		kind:   kind,
		role:   model.CallRoleCaller,
		state:  StateInviting,
	}
	m.s = s
	s.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(callID) })
	m.mu.Unlock()

	if err := m.sendSignal(transport.CallSignalInvite, &transport.CallSignalPayload{
		CallID: callID, Caller: m.accountID, Callee: peerID, CallKind: int32(kind),
	}, peerID); err != nil {
		m.mu.Lock()
		m.finishLocked(OutcomeFailed, 0)
		m.mu.Unlock()
		return "", err
	}
	m.publishState(callID, string(StateInviting), peerID)
	logger.Infof("[call] dialing %s kind=%s call=%s", peerID, kind, callID)
	return callID, nil
}

// Accept 被叫接听。
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	s := m.s
	if s == nil || s.state != StateInvited {
		m.mu.Unlock()
		return errs.ErrNegotiationFailed.WrapMsg("nothing to accept")
	}
	s.stopRing()
	s.state = StateNegotiating
	callID, peer := s.callID, s.peer
	m.mu.Unlock()

	if err := m.sendSignal(transport.CallSignalAccept, &transport.CallSignalPayload{
		CallID: callID, Caller: peer, Callee: m.accountID,
	}, peer); err != nil {
		m.failCall(callID, err)
		return err
	}
	m.publishState(callID, string(StateNegotiating), peer)
	return nil
}

// Decline 被叫拒接。
func (m *Manager) Decline(ctx context.Context) error {
	m.mu.Lock()
	s := m.s
	if s == nil || s.state != StateInvited {
		m.mu.Unlock()
		return errs.ErrNegotiationFailed.WrapMsg("nothing to decline")
	}
	callID, peer := s.callID, s.peer
	m.finishLocked(OutcomeDeclined, 0)
	m.mu.Unlock()

	_ = m.sendSignal(transport.CallSignalDecline, &transport.CallSignalPayload{
		CallID: callID, Caller: peer, Callee: m.accountID,
	}, peer)
	return nil
}

// Hangup 主动挂断。振铃中的主叫等于取消。
func (m *Manager) Hangup(ctx context.Context) error {
	m.mu.Lock()
	s := m.s
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	callID, peer := s.callID, s.peer
	var sub int32
	var outcome Outcome
	switch s.state {
	case StateInviting:
		sub, outcome = transport.CallSignalCancel, OutcomeCanceled
	case StateInvited:
		m.mu.Unlock()
		return m.Decline(ctx)
	default:
		sub, outcome = transport.CallSignalHangup, OutcomeCompleted
	}
	var dur time.Duration
	if !s.connected.IsZero() {
		dur = m.clock().Sub(s.connected)
	}
	m.finishLocked(outcome, dur)
	m.mu.Unlock()

	_ = m.sendSignal(sub, &transport.CallSignalPayload{CallID: callID}, peer)
	return nil
}

// ===== 信令入口（conversation.CallRelay）=====

func (m *Manager) OnSignal(ctx context.Context, f *transport.Frame) {
	p, err := decode.DecodeRaw[transport.CallSignalPayload](f.Payload)
	if err != nil {
		logger.Warnf("[call] drop signal sub=%d: %v", f.SubKind, err)
		return
	}
	switch f.SubKind {
	case transport.CallSignalInvite:
		m.onInvite(ctx, p)
	case transport.CallSignalAccept:
		m.onAccept(ctx, p)
	case transport.CallSignalOffer:
		m.onOffer(ctx, p)
	case transport.CallSignalAnswer:
		m.onAnswer(ctx, p)
	case transport.CallSignalCandidate:
		m.onCandidate(p)
	case transport.CallSignalCancel:
		m.onPeerEnded(p, OutcomeCanceled)
	case transport.CallSignalDecline:
		m.onPeerEnded(p, OutcomeDeclined)
	case transport.CallSignalNoAnswer:
		m.onPeerEnded(p, OutcomeNotAnswered)
	case transport.CallSignalHangup:
		m.onPeerEnded(p, OutcomeCompleted)
	default:
		logger.Warnf("[call] unknown signal sub=%d call=%s", f.SubKind, p.CallID)
	}
}

func (m *Manager) onInvite(ctx context.Context, p *transport.CallSignalPayload) {
	m.mu.Lock()
	if s := m.s; s != nil {
		// 双方同时拨号：账号字典序小的一方保持主叫，大的一方回滚
		if s.state == StateInviting && s.peer == p.Caller {
			if m.accountID < p.Caller {
				m.mu.Unlock()
				logger.Infof("[call] glare, keep caller role call=%s", s.callID)
				return
			}
			logger.Infof("[call] glare, rollback local invite call=%s", s.callID)
			m.releaseLocked(s)
			m.s = nil
		} else {
			callID, caller := p.CallID, p.Caller
			m.mu.Unlock()
			logger.Infof("[call] busy, auto decline call=%s from=%s", callID, caller)
			_ = m.sendSignal(transport.CallSignalDecline, &transport.CallSignalPayload{CallID: callID}, caller)
			return
		}
	}

	s := &session{
		callID: p.CallID,
		peer:   p.Caller,
		kind:   model.CallKind(p.CallKind),
		role:   model.CallRoleCallee,
		state:  StateInvited,
	}
	m.s = s
	callID := s.callID
	s.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(callID) })
	m.mu.Unlock()

	m.publishState(p.CallID, string(StateInvited), p.Caller)
	logger.Infof("[call] ringing from %s kind=%s call=%s", p.Caller, s.kind, p.CallID)
}

// onAccept 主叫收到接听，开始协商：起媒体、建连接、发 offer。
func (m *Manager) onAccept(ctx context.Context, p *transport.CallSignalPayload) {
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != p.CallID || s.state != StateInviting {
		m.mu.Unlock()
		return
	}
	s.stopRing()
	s.state = StateNegotiating
	m.mu.Unlock()
	m.publishState(s.callID, string(StateNegotiating), s.peer)

	offer, err := m.setupMedia(ctx, s, "")
	if err != nil {
		m.failCall(p.CallID, err)
		return
	}
	if err := m.sendSignal(transport.CallSignalOffer, &transport.CallSignalPayload{
		CallID: s.callID, SDP: offer,
	}, s.peer); err != nil {
		m.failCall(p.CallID, err)
	}
}

// onOffer 被叫收到 offer：起媒体、建连接、回 answer，进入 connected。
func (m *Manager) onOffer(ctx context.Context, p *transport.CallSignalPayload) {
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != p.CallID || s.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	answer, err := m.setupMedia(ctx, s, p.SDP)
	if err != nil {
		m.failCall(p.CallID, err)
		return
	}
	if err := m.sendSignal(transport.CallSignalAnswer, &transport.CallSignalPayload{
		CallID: s.callID, SDP: answer,
	}, s.peer); err != nil {
		m.failCall(p.CallID, err)
		return
	}
	m.markConnected(p.CallID)
}

// onAnswer 主叫收到 answer，协商完成。
func (m *Manager) onAnswer(ctx context.Context, p *transport.CallSignalPayload) {
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != p.CallID || s.state != StateNegotiating || s.pc == nil {
		m.mu.Unlock()
		return
	}
	pc := s.pc
	m.mu.Unlock()

	if err := pc.SetRemoteAnswer(ctx, p.SDP); err != nil {
		m.failCall(p.CallID, errs.ErrNegotiationFailed.WrapMsg("set remote answer", "call", p.CallID))
		return
	}
	m.markConnected(p.CallID)
}

func (m *Manager) onCandidate(p *transport.CallSignalPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.s
	if s == nil || s.callID != p.CallID {
		return
	}
	if s.pc == nil {
		s.pendingCand = append(s.pendingCand, p.Candidate)
		return
	}
	if err := s.pc.AddCandidate(p.Candidate); err != nil {
		logger.Warnf("[call] add candidate call=%s: %v", p.CallID, err)
	}
}

func (m *Manager) onPeerEnded(p *transport.CallSignalPayload, outcome Outcome) {
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != p.CallID {
		m.mu.Unlock()
		return
	}
	var dur time.Duration
	if !s.connected.IsZero() {
		dur = m.clock().Sub(s.connected)
	}
	m.finishLocked(outcome, dur)
	m.mu.Unlock()
}

// ===== 内部 =====

// setupMedia 起采集流和对等连接。remoteOffer 非空时走被叫路径回 answer，
// 否则走主叫路径出 offer。
func (m *Manager) setupMedia(ctx context.Context, s *session, remoteOffer string) (string, error) {
	media, err := m.capab.OpenMedia(s.kind)
	if err != nil {
		return "", errs.ErrPeerConnection.WrapMsg("open media", "kind", s.kind)
	}
	pc, err := m.capab.NewPeerConnection()
	if err != nil {
		media.Stop()
		return "", errs.ErrPeerConnection.WrapMsg("new peer connection")
	}

	callID, peer := s.callID, s.peer
	pc.OnCandidate(func(cand string) {
		_ = m.sendSignal(transport.CallSignalCandidate, &transport.CallSignalPayload{
			CallID: callID, Candidate: cand,
		}, peer)
	})
	pc.OnStateChange(func(st PeerState) {
		if st != PeerStateFailed && st != PeerStateClosed {
			return
		}
		// 回调可能来自 pc 内部线程，也可能由自己收尾的 Close 触发，
		// 丢给 onLinkDown 在锁外判定
		safe.SafeGo(func() { m.onLinkDown(callID, st) })
	})

	var sdp string
	if remoteOffer == "" {
		sdp, err = pc.CreateOffer(ctx)
	} else {
		sdp, err = pc.CreateAnswer(ctx, remoteOffer)
	}
	if err != nil {
		pc.Close()
		media.Stop()
		return "", errs.ErrNegotiationFailed.WrapMsg("create sdp", "call", callID)
	}

	m.mu.Lock()
	if m.s != s {
		// 协商期间呼叫已被结束
		m.mu.Unlock()
		pc.Close()
		media.Stop()
		return "", errs.ErrNegotiationFailed.WrapMsg("call gone", "call", callID)
	}
	s.pc = pc
	s.media = media
	for _, cand := range s.pendingCand {
		if err := pc.AddCandidate(cand); err != nil {
			logger.Warnf("[call] flush candidate call=%s: %v", callID, err)
		}
	}
	s.pendingCand = nil
	m.mu.Unlock()
	return sdp, nil
}

func (m *Manager) markConnected(callID string) {
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != callID {
		m.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.connected = m.clock()
	peer := s.peer
	m.mu.Unlock()
	m.publishState(callID, string(StateConnected), peer)
	logger.Infof("[call] connected call=%s peer=%s", callID, peer)
}

func (m *Manager) onRingTimeout(callID string) {
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != callID || (s.state != StateInviting && s.state != StateInvited) {
		m.mu.Unlock()
		return
	}
	role, peer := s.role, s.peer
	m.finishLocked(OutcomeNotAnswered, 0)
	m.mu.Unlock()

	logger.Infof("[call] ring timeout call=%s", callID)
	if role == model.CallRoleCaller {
		_ = m.sendSignal(transport.CallSignalNoAnswer, &transport.CallSignalPayload{CallID: callID}, peer)
	}
}

// onLinkDown ICE/信令层报告链路死亡。呼叫还在才算故障，
// 收尾自己关连接触发的 closed 被失会话守卫拦掉。
func (m *Manager) onLinkDown(callID string, st PeerState) {
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != callID {
		m.mu.Unlock()
		return
	}
	peer := s.peer
	m.finishLocked(OutcomeFailed, 0)
	m.mu.Unlock()

	logger.Warnf("[call] link %s, call=%s ended", st, callID)
	_ = m.sendSignal(transport.CallSignalHangup, &transport.CallSignalPayload{CallID: callID}, peer)
}

func (m *Manager) failCall(callID string, err error) {
	logger.Errorf("[call] call=%s failed: %v", callID, err)
	m.mu.Lock()
	s := m.s
	if s == nil || s.callID != callID {
		m.mu.Unlock()
		return
	}
	peer := s.peer
	m.finishLocked(OutcomeFailed, 0)
	m.mu.Unlock()
	_ = m.sendSignal(transport.CallSignalHangup, &transport.CallSignalPayload{CallID: callID}, peer)
}

// finishLocked 统一收尾：释放资源、清会话、发状态事件、投影结果。
// 调用方持锁。
func (m *Manager) finishLocked(outcome Outcome, dur time.Duration) {
	s := m.s
	if s == nil {
		return
	}
	m.releaseLocked(s)
	m.s = nil

	callID, peer, kind := s.callID, s.peer, s.kind
	m.b.Publish(bus.Event{
		Type: bus.EventCallStateChanged, CallID: callID,
		CallState: string(outcome), CallPeer: peer,
	})
	if m.sink != nil {
		m.sink.OnCallEnded(context.Background(), peer, kind, outcome, dur)
	}
	logger.Infof("[call] ended call=%s outcome=%s dur=%s", callID, outcome, dur)
}

// releaseLocked 停定时器、关连接、停采集。幂等。
func (m *Manager) releaseLocked(s *session) {
	s.stopRing()
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}
	if s.media != nil {
		s.media.Stop()
		s.media = nil
	}
	s.pendingCand = nil
}

func (s *session) stopRing() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (m *Manager) sendSignal(sub int32, p *transport.CallSignalPayload, to string) error {
	raw, err := encodeSignal(p)
	if err != nil {
		return err
	}
	return m.sender.Send(&transport.Frame{
		Kind:    transport.FrameKindCallSignal,
		SubKind: sub,
		From:    m.accountID,
		To:      to,
		Ts:      m.clock().UnixMilli(),
		Payload: raw,
	})
}

func (m *Manager) publishState(callID, state, peer string) {
	m.b.Publish(bus.Event{Type: bus.EventCallStateChanged, CallID: callID, CallState: state, CallPeer: peer})
}

func (m *Manager) describePeer() string {
	if m.s == nil {
		return ""
	}
	return m.s.peer
}
