package model

type ConvType int32

const (
	ConvTypeFriend ConvType = 1
	ConvTypeGroup  ConvType = 2
)

// Conversation 会话摘要：每个对端（好友/群）至多一条。
// 列表按最近活跃降序维护，任何被接受的更新把它提到队首。
type Conversation struct {
	FriendID    string   `bson:"friend_id" json:"friend_id"` // PK
	Name        string   `bson:"name" json:"name"`
	Avatar      string   `bson:"avatar" json:"avatar"`
	LastMsg     string   `bson:"last_msg" json:"last_msg"`
	LastMsgTime int64    `bson:"last_msg_time" json:"last_msg_time"` // 毫秒
	LastMsgType int32    `bson:"last_msg_type" json:"last_msg_type"`
	ConvType    ConvType `bson:"conv_type" json:"conv_type"`
	UnreadCount int64    `bson:"unread_count" json:"unread_count"`
	Mute        bool     `bson:"mute" json:"mute"`
}

func (c *Conversation) GetTableName() string { return "conversation" }

// Clone 返回值拷贝，防止引擎内部状态被外部改写。
func (c *Conversation) Clone() *Conversation {
	cp := *c
	return &cp
}
