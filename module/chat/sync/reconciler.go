package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"

	"PClient/logger"
	"PClient/service/bus"
	"PClient/service/storage"
	"PClient/service/transport"
	"PClient/tools/decode"
	"PClient/tools/safe"
)

// Reconciler 序列对账器，卡在传输层和合并引擎之间。
// 账号级游标 local_seq 记录连续收到的最大序列号：
//   seq <= local      重复投递，直接放行（下游合并幂等）
//   seq == local+1    正常推进
//   seq >  local+1    出现空洞，乐观推进到 seq，同一区间只补拉一次
// 补拉回来的消息走同一条投递链路重放。
//
// 帧的投递和游标推进都在 mu 里做，保证下游看到的是整帧交错，
// 不存在半帧状态。
type Reconciler struct {
	accountID string
	cursors   storage.CursorStore
	api       BackfillAPI
	sink      Sink
	b         *bus.Bus

	mu       stdsync.Mutex
	localSeq int64
	inflight map[string]struct{} // 进行中的补拉区间
}

// Sink 帧的下游消费方，合并引擎实现它。
type Sink interface {
	Apply(ctx context.Context, f *transport.Frame) error
}

func NewReconciler(accountID string, cursors storage.CursorStore, api BackfillAPI, sink Sink, b *bus.Bus) *Reconciler {
	return &Reconciler{
		accountID: accountID,
		cursors:   cursors,
		api:       api,
		sink:      sink,
		b:         b,
		inflight:  make(map[string]struct{}),
	}
}

// Start 加载已持久化的游标。必须在收帧前调用。
func (r *Reconciler) Start(ctx context.Context) error {
	seq, err := r.cursors.Load(ctx, r.accountID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.localSeq = seq
	r.mu.Unlock()
	logger.Infof("[sync] cursor loaded account=%s seq=%d", r.accountID, seq)
	return nil
}

// LocalSeq 当前游标快照。
func (r *Reconciler) LocalSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localSeq
}

// OnFrame 传输层的帧入口。
func (r *Reconciler) OnFrame(f *transport.Frame) {
	ctx := context.Background()

	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Kind == transport.FrameKindSyncMarker {
		// 服务端主动推的水位，和连接时的 GetCurrentSeq 同一个语义
		mk, err := decode.DecodeRaw[transport.SyncMarkerPayload](f.Payload)
		if err != nil {
			logger.Warnf("[sync] bad sync marker: %v", err)
			return
		}
		if mk.MaxSeq > r.localSeq {
			// 水位本身那条也没收到，右端点要含进去
			old := r.localSeq
			r.advanceLocked(ctx, mk.MaxSeq)
			r.backfillLocked(old, mk.MaxSeq+1)
		}
		return
	}

	if f.Seq <= 0 {
		// 无序列号的帧（信令、回执等）不参与对账
		r.deliverLocked(ctx, f)
		return
	}

	old := r.localSeq
	switch {
	case f.Seq <= old:
		// 重放或补拉回流，幂等放行
		r.deliverLocked(ctx, f)
	case f.Seq == old+1:
		r.advanceLocked(ctx, f.Seq)
		r.deliverLocked(ctx, f)
	default:
		// 空洞 [old, f.Seq)。先把当前帧落下去，游标乐观推进，
		// 缺的那段交给补拉。
		r.advanceLocked(ctx, f.Seq)
		r.deliverLocked(ctx, f)
		r.backfillLocked(old, f.Seq)
	}
}

// OnConnected 连接建立后的离线同步：问服务端水位，差多少补多少。
func (r *Reconciler) OnConnected() {
	ctx := context.Background()
	serverSeq, err := r.api.GetCurrentSeq(ctx, r.accountID)
	if err != nil {
		logger.Warnf("[sync] get current seq: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.localSeq
	if serverSeq <= old {
		return
	}
	r.advanceLocked(ctx, serverSeq)
	r.backfillLocked(old, serverSeq+1)
}

func (r *Reconciler) deliverLocked(ctx context.Context, f *transport.Frame) {
	if err := r.sink.Apply(ctx, f); err != nil {
		logger.Errorf("[sync] apply frame kind=%d seq=%d: %v", f.Kind, f.Seq, err)
	}
}

func (r *Reconciler) advanceLocked(ctx context.Context, seq int64) {
	r.localSeq = seq
	if err := r.cursors.Save(ctx, r.accountID, seq); err != nil {
		// 持久化失败只影响下次启动的补拉量，游标内存值照常推进
		logger.Warnf("[sync] persist cursor seq=%d: %v", seq, err)
	}
}

// backfillLocked 对区间 [from, to) 发起一次补拉。同一区间只发一次。
func (r *Reconciler) backfillLocked(from, to int64) {
	key := fmt.Sprintf("%d-%d", from, to)
	if _, ok := r.inflight[key]; ok {
		return
	}
	r.inflight[key] = struct{}{}

	safe.SafeGo(func() {
		ctx := context.Background()
		msgs, err := r.api.PullOfflineMessages(ctx, r.accountID, from, to)

		r.mu.Lock()
		delete(r.inflight, key)
		if err != nil {
			r.mu.Unlock()
			logger.Errorf("[sync] backfill [%d,%d): %v", from, to, err)
			r.b.Publish(bus.Event{Type: bus.EventSyncBackfillFailed, Detail: key})
			return
		}
		for _, mp := range msgs {
			f, err := frameFromPayload(mp)
			if err != nil {
				logger.Warnf("[sync] skip backfilled msg local_id=%s: %v", mp.LocalID, err)
				continue
			}
			r.deliverLocked(ctx, f)
		}
		r.mu.Unlock()

		logger.Infof("[sync] gap [%d,%d) recovered, %d messages", from, to, len(msgs))
		r.b.Publish(bus.Event{Type: bus.EventSyncGapRecovered, Detail: key})
	})
}

// frameFromPayload 把补拉到的消息还原成下行帧，走正常投递链路。
func frameFromPayload(mp *transport.MessagePayload) (*transport.Frame, error) {
	raw, err := json.Marshal(mp)
	if err != nil {
		return nil, err
	}
	return &transport.Frame{
		Kind:    transport.FrameKindSingleMsg,
		Seq:     mp.Seq,
		From:    mp.SendID,
		To:      mp.RecvID,
		Ts:      mp.SendTime,
		Payload: raw,
	}, nil
}
