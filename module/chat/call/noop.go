package call

import (
	"context"

	"PClient/module/chat/model"
)

// NoMediaCapability 无媒体占位实现。宿主没接 WebRTC 绑定时用它，
// 信令流程完整走通，媒体面为空。

type NoMediaCapability struct{}

func NewNoMediaCapability() NoMediaCapability { return NoMediaCapability{} }

func (NoMediaCapability) OpenMedia(kind model.CallKind) (MediaStream, error) {
	return noopStream{}, nil
}

func (NoMediaCapability) NewPeerConnection() (PeerConnection, error) {
	return &noopPeerConn{}, nil
}

type noopStream struct{}

func (noopStream) Stop() {}

type noopPeerConn struct{}

func (p *noopPeerConn) CreateOffer(ctx context.Context) (string, error) { return "v=0", nil }
func (p *noopPeerConn) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	return "v=0", nil
}
func (p *noopPeerConn) SetRemoteAnswer(ctx context.Context, sdp string) error { return nil }
func (p *noopPeerConn) AddCandidate(candidate string) error                   { return nil }
func (p *noopPeerConn) OnCandidate(fn func(candidate string))                 {}
func (p *noopPeerConn) OnStateChange(fn func(state PeerState))                {}
func (p *noopPeerConn) Close()                                                {}
