package storage

import (
	"context"

	"PClient/module/chat/model"
)

// 持久层契约。核心只要求三件事：
//   1) Put 按身份幂等（同 local_id / friend_id 重放不产生新行）
//   2) 游标写入单调（只增不减）
//   3) 查询不到返回 (nil, nil)，不是错误

type MessageRepo interface {
	// Put upsert by LocalID.
	Put(ctx context.Context, m *model.Message) error
	GetByLocalID(ctx context.Context, localID string) (*model.Message, error)
	// ListByPeer 按发送时间升序返回某对端最近 limit 条。
	ListByPeer(ctx context.Context, peerID string, limit int) ([]*model.Message, error)
}

type ConversationRepo interface {
	// Put upsert by FriendID.
	Put(ctx context.Context, c *model.Conversation) error
	Get(ctx context.Context, friendID string) (*model.Conversation, error)
	// ListByActivity 按 last_msg_time 降序。
	ListByActivity(ctx context.Context) ([]*model.Conversation, error)
	Delete(ctx context.Context, friendID string) error
}

type CursorStore interface {
	// Load 返回已持久化的 local_seq；无记录返回 0。
	Load(ctx context.Context, accountID string) (int64, error)
	// Save 单调推进游标；传入值小于当前值时保持不变，不报错。
	Save(ctx context.Context, accountID string, seq int64) error
}
