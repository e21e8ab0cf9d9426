package conversation

import (
	"context"
	"fmt"
	"time"

	"PClient/logger"
	"PClient/module/chat/call"
	"PClient/module/chat/model"
	"PClient/tools/ids"
)

// OnCallEnded 实现 call.OutcomeSink：呼叫结束后在会话里留一条结果摘要。
func (e *Engine) OnCallEnded(ctx context.Context, peerID string, kind model.CallKind, outcome call.Outcome, dur time.Duration) {
	now := time.Now().UnixMilli()
	m := &model.Message{
		LocalID:     ids.GenerateString(),
		SendID:      e.accountID,
		PeerID:      peerID,
		Direction:   model.DirectionOutbound,
		ContentType: model.ContentTypeCall,
		Content:     callSummary(kind, outcome, dur),
		CreateTime:  now,
		SendTime:    now,
		SendStatus:  model.SendStatusSuccess,
		IsRead:      true,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.mergeLocked(ctx, m, model.ConvTypeFriend); err != nil {
		logger.Errorf("[conv] project call outcome peer=%s: %v", peerID, err)
	}
}

func callSummary(kind model.CallKind, outcome call.Outcome, dur time.Duration) string {
	prefix := "[语音通话]"
	if kind == model.CallKindVideo {
		prefix = "[视频通话]"
	}
	switch outcome {
	case call.OutcomeCompleted:
		sec := int(dur.Seconds())
		return fmt.Sprintf("%s 通话时长 %02d:%02d", prefix, sec/60, sec%60)
	case call.OutcomeCanceled:
		return prefix + " 已取消"
	case call.OutcomeDeclined:
		return prefix + " 已拒绝"
	case call.OutcomeNotAnswered:
		return prefix + " 未接听"
	default:
		return prefix + " 呼叫失败"
	}
}
