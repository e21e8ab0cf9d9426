package transport

import (
	"encoding/binary"
	"encoding/json"

	errs "PClient/tools/errs"
)

// 线协议：4字节大端长度前缀 + JSON 信封。
// 服务端下行的所有东西都是不可信输入，解不开就丢帧记日志，绝不拆连接。

type FrameKind int32

const (
	FrameKindSingleMsg   FrameKind = 1 // 单聊消息
	FrameKindGroupMsg    FrameKind = 2 // 群聊消息
	FrameKindCallSignal  FrameKind = 3 // 呼叫信令，细分见 SubKind
	FrameKindFriendEvent FrameKind = 4 // 好友关系事件
	FrameKindAck         FrameKind = 5 // 投递回执
	FrameKindReadNotice  FrameKind = 6 // 已读通知
	FrameKindSyncMarker  FrameKind = 7 // 离线同步水位
	FrameKindGroupEvent  FrameKind = 8 // 群管理事件
)

// 呼叫信令子类型
const (
	CallSignalInvite    int32 = 1
	CallSignalCancel    int32 = 2
	CallSignalAccept    int32 = 3
	CallSignalDecline   int32 = 4
	CallSignalHangup    int32 = 5
	CallSignalNoAnswer  int32 = 6
	CallSignalOffer     int32 = 7
	CallSignalAnswer    int32 = 8
	CallSignalCandidate int32 = 9
)

// 群管理事件子类型
const (
	GroupEventInvite  int32 = 1
	GroupEventDismiss int32 = 2
	GroupEventExit    int32 = 3
	GroupEventUpdate  int32 = 4
)

// 终止性关闭码，见 §网关协议。其余关闭码都走重连。
const (
	CloseCodeReplaced     = 4001 // 账号在别处登录，挤下线
	CloseCodeUnauthorized = 4002 // 令牌失效
)

// Frame 网关信封。带 Seq 的帧参与序列对账。
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	SubKind int32           `json:"sub_kind,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Ts      int64           `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload 单聊/群聊消息负载。
type MessagePayload struct {
	LocalID     string `json:"local_id"`
	ServerID    string `json:"server_id,omitempty"`
	SendID      string `json:"send_id"`
	RecvID      string `json:"recv_id"`
	ContentType int32  `json:"content_type"`
	Content     string `json:"content"`
	CreateTime  int64  `json:"create_time"`
	SendTime    int64  `json:"send_time"`
	Seq         int64  `json:"seq,omitempty"`
}

// AckPayload 服务端对某条本地消息的投递确认。
type AckPayload struct {
	LocalID  string `json:"local_id"`
	ServerID string `json:"server_id"`
	Seq      int64  `json:"seq"`
}

// ReadNoticePayload 对端读到了哪里。
type ReadNoticePayload struct {
	PeerID  string `json:"peer_id"`
	UpToSeq int64  `json:"up_to_seq"`
}

// FriendEventPayload 好友请求/通过等。
type FriendEventPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Action string `json:"action"` // request / accept
}

// SyncMarkerPayload 服务端当前序列水位。
type SyncMarkerPayload struct {
	MaxSeq int64 `json:"max_seq"`
}

// CallSignalPayload 呼叫信令负载。Candidate/SDP 原样透传给对端能力层。
type CallSignalPayload struct {
	CallID    string `json:"call_id"`
	Caller    string `json:"caller"`
	Callee    string `json:"callee"`
	CallKind  int32  `json:"call_kind,omitempty"` // audio/video
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// GroupEventPayload 群管理事件。
type GroupEventPayload struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
	Actor   string `json:"actor,omitempty"`
	Text    string `json:"text,omitempty"` // 摘要文案，进 last_msg
}

const maxFrameSize = 1 << 20 // 1MB，超过按坏帧处理

// EncodeFrame 序列化并加长度前缀。
func EncodeFrame(f *Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, errs.ErrSendFailed.WrapMsg("marshal frame", "kind", f.Kind)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// DecodeFrame 解析一帧。任何异常返回 ErrDecodeFailed，调用方丢帧即可。
func DecodeFrame(raw []byte) (*Frame, error) {
	if len(raw) < 4 {
		return nil, errs.ErrDecodeFailed.WrapMsg("frame too short", "len", len(raw))
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if n > maxFrameSize {
		return nil, errs.ErrDecodeFailed.WrapMsg("frame oversize", "len", n)
	}
	if int(n) != len(raw)-4 {
		return nil, errs.ErrDecodeFailed.WrapMsg("length mismatch", "header", n, "body", len(raw)-4)
	}
	var f Frame
	if err := json.Unmarshal(raw[4:], &f); err != nil {
		return nil, errs.ErrDecodeFailed.WrapMsg("unmarshal frame", "err", err)
	}
	if f.Kind < FrameKindSingleMsg || f.Kind > FrameKindGroupEvent {
		return nil, errs.ErrDecodeFailed.WrapMsg("unknown kind", "kind", f.Kind)
	}
	return &f, nil
}
