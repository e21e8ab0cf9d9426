package storage

import (
	"context"

	"PClient/module/chat/model"
	errs "PClient/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo 实现。upsert 全部按身份键过滤，重放天然幂等；
// 游标用 $max 在库端保证单调，客户端不用读改写。

type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) msgColl() *mongo.Collection {
	return s.db.Collection((&model.Message{}).GetTableName())
}

func (s *MongoStore) convColl() *mongo.Collection {
	return s.db.Collection((&model.Conversation{}).GetTableName())
}

func (s *MongoStore) cursorColl() *mongo.Collection {
	return s.db.Collection((&model.SeqCursor{}).GetTableName())
}

// ===== MessageRepo =====

func (s *MongoStore) Put(ctx context.Context, m *model.Message) error {
	_, err := s.msgColl().UpdateOne(ctx,
		bson.M{"local_id": m.LocalID},
		bson.M{
			"$setOnInsert": bson.M{
				"local_id":    m.LocalID,
				"create_time": m.CreateTime,
			},
			"$set": bson.M{
				"server_id":    m.ServerID,
				"send_id":      m.SendID,
				"peer_id":      m.PeerID,
				"direction":    m.Direction,
				"content_type": m.ContentType,
				"content":      m.Content,
				"send_time":    m.SendTime,
				"send_status":  m.SendStatus,
				"is_read":      m.IsRead,
			},
			"$max": bson.M{"seq": m.Seq},
		},
		options.Update().SetUpsert(true),
	)
	return errs.Wrap(err)
}

func (s *MongoStore) GetByLocalID(ctx context.Context, localID string) (*model.Message, error) {
	var out model.Message
	err := s.msgColl().FindOne(ctx, bson.M{"local_id": localID}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &out, nil
}

// ListByPeer 最近 limit 条。库端按时间倒序取一页，出口翻回升序。
func (s *MongoStore) ListByPeer(ctx context.Context, peerID string, limit int) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "send_time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.msgColl().Find(ctx, bson.M{"peer_id": peerID}, opts)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer cur.Close(ctx)
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Wrap(err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ===== ConversationRepo =====

type mongoConvRepo struct{ s *MongoStore }

func (r mongoConvRepo) Put(ctx context.Context, c *model.Conversation) error {
	_, err := r.s.convColl().UpdateOne(ctx,
		bson.M{"friend_id": c.FriendID},
		bson.M{
			"$setOnInsert": bson.M{"friend_id": c.FriendID, "conv_type": c.ConvType},
			"$set": bson.M{
				"name":          c.Name,
				"avatar":        c.Avatar,
				"last_msg":      c.LastMsg,
				"last_msg_time": c.LastMsgTime,
				"last_msg_type": c.LastMsgType,
				"unread_count":  c.UnreadCount,
				"mute":          c.Mute,
			},
		},
		options.Update().SetUpsert(true),
	)
	return errs.Wrap(err)
}

func (r mongoConvRepo) Get(ctx context.Context, friendID string) (*model.Conversation, error) {
	var out model.Conversation
	err := r.s.convColl().FindOne(ctx, bson.M{"friend_id": friendID}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &out, nil
}

func (r mongoConvRepo) ListByActivity(ctx context.Context) ([]*model.Conversation, error) {
	cur, err := r.s.convColl().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "last_msg_time", Value: -1}}))
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer cur.Close(ctx)
	var out []*model.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Wrap(err)
	}
	return out, nil
}

func (r mongoConvRepo) Delete(ctx context.Context, friendID string) error {
	_, err := r.s.convColl().DeleteOne(ctx, bson.M{"friend_id": friendID})
	return errs.Wrap(err)
}

// ===== CursorStore =====

type mongoCursorStore struct{ s *MongoStore }

func (r mongoCursorStore) Load(ctx context.Context, accountID string) (int64, error) {
	var out model.SeqCursor
	err := r.s.cursorColl().FindOne(ctx, bson.M{"account_id": accountID}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrCursorPersist.WrapMsg("mongo load", "account", accountID)
	}
	return out.LocalSeq, nil
}

func (r mongoCursorStore) Save(ctx context.Context, accountID string, seq int64) error {
	_, err := r.s.cursorColl().UpdateOne(ctx,
		bson.M{"account_id": accountID},
		bson.M{
			"$setOnInsert": bson.M{"account_id": accountID},
			"$max":         bson.M{"local_seq": seq}, // 只在变大时更新
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrCursorPersist.WrapMsg("mongo save", "account", accountID, "seq", seq)
	}
	return nil
}

func (s *MongoStore) Messages() MessageRepo           { return s }
func (s *MongoStore) Conversations() ConversationRepo { return mongoConvRepo{s} }
func (s *MongoStore) Cursors() CursorStore            { return mongoCursorStore{s} }
