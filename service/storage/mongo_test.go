package storage

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

// 最近一页语义：库端按 send_time 倒序回包，出口必须翻回升序，
// 和内存实现取尾部的行为一致。
func TestMongoListByPeerReturnsRecentPageAscending(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("newest page ascending", func(mt *mtest.T) {
		ns := mt.DB.Name() + ".message"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "local_id", Value: "m3"}, {Key: "peer_id", Value: "alice"}, {Key: "send_time", Value: int64(300)}},
			bson.D{{Key: "local_id", Value: "m2"}, {Key: "peer_id", Value: "alice"}, {Key: "send_time", Value: int64(200)}},
		))

		s := NewMongoStore(mt.DB)
		out, err := s.ListByPeer(context.Background(), "alice", 2)
		if err != nil {
			mt.Fatalf("list: %v", err)
		}
		if len(out) != 2 {
			mt.Fatalf("len = %d, want 2", len(out))
		}
		if out[0].LocalID != "m2" || out[1].LocalID != "m3" {
			mt.Fatalf("order = [%s %s], want [m2 m3]", out[0].LocalID, out[1].LocalID)
		}
	})
}
