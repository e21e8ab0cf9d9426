package model

// SeqCursor 每账号单实例：本地已连续应用到的最大服务端序列号。
// 单调不减；先落存储再算生效（崩溃后宁可重复补拉，不可静默丢段）。
type SeqCursor struct {
	AccountID string `bson:"account_id" json:"account_id"` // PK
	LocalSeq  int64  `bson:"local_seq" json:"local_seq"`
}

func (c *SeqCursor) GetTableName() string { return "seq_cursor" }
