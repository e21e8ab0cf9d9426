package model

// 消息方向。不在接收侧原地交换 send_id/friend_id 复用一个结构，
// 用显式 direction + peer_id，省掉“换没换过”的一类bug。
type Direction int32

const (
	DirectionOutbound Direction = 1
	DirectionInbound  Direction = 2
)

type SendStatus int32

const (
	SendStatusSending SendStatus = 1
	SendStatusSuccess SendStatus = 2
	SendStatusFailed  SendStatus = 3
)

// 内容类型
const (
	ContentTypeText    int32 = 101
	ContentTypeImage   int32 = 102
	ContentTypeFile    int32 = 103
	ContentTypeCall    int32 = 110 // 呼叫结果摘要
	ContentTypeFriend  int32 = 120 // 好友事件摘要
	ContentTypeGroupOp int32 = 130 // 群管理事件摘要
)

// Message 本地消息记录。身份是 LocalID；ServerID/Seq 由服务端 ack 异步补齐。
type Message struct {
	LocalID     string     `bson:"local_id" json:"local_id"` // 客户端生成，重试期间稳定
	ServerID    string     `bson:"server_id,omitempty" json:"server_id,omitempty"`
	SendID      string     `bson:"send_id" json:"send_id"` // 发送方账号
	PeerID      string     `bson:"peer_id" json:"peer_id"` // 对端（好友或群）ID，会话键
	Direction   Direction  `bson:"direction" json:"direction"`
	ContentType int32      `bson:"content_type" json:"content_type"`
	Content     string     `bson:"content" json:"content"`
	CreateTime  int64      `bson:"create_time" json:"create_time"` // 毫秒
	SendTime    int64      `bson:"send_time" json:"send_time"`
	SendStatus  SendStatus `bson:"send_status" json:"send_status"`
	IsRead      bool       `bson:"is_read" json:"is_read"`
	Seq         int64      `bson:"seq,omitempty" json:"seq,omitempty"`
}

func (m *Message) IsSelf() bool { return m.Direction == DirectionOutbound }

func (m *Message) GetTableName() string { return "message" }
