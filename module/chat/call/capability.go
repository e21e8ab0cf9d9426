package call

import (
	"context"

	"PClient/module/chat/model"
)

// 媒体能力抽象。真实实现由宿主注入（WebRTC 绑定层），
// 信令机只负责按状态机编排这些调用，保证每条退出路径都释放干净。

// MediaStream 本地采集流。
type MediaStream interface {
	// Stop 停止采集并释放设备。可重复调用。
	Stop()
}

// PeerState 对等连接的 ICE/信令层链路状态。
type PeerState string

const (
	PeerStateConnecting   PeerState = "connecting"
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateFailed       PeerState = "failed"
	PeerStateClosed       PeerState = "closed"
)

// PeerConnection 一次呼叫的对等连接。
type PeerConnection interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context, remoteOffer string) (sdp string, err error)
	SetRemoteAnswer(ctx context.Context, sdp string) error
	AddCandidate(candidate string) error
	// OnCandidate 注册本地候选回调，信令机负责发给对端。
	OnCandidate(fn func(candidate string))
	// OnStateChange 注册链路状态回调。failed/closed 表示连接已死，
	// 信令机据此结束本通呼叫。
	OnStateChange(fn func(state PeerState))
	// Close 关闭连接并释放所有轨道。可重复调用。
	Close()
}

// Capability 媒体层工厂。
type Capability interface {
	OpenMedia(kind model.CallKind) (MediaStream, error)
	NewPeerConnection() (PeerConnection, error)
}
