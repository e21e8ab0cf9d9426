package storage

import (
	"context"
	"sort"
	"sync"

	"PClient/module/chat/model"
)

// 内存实现：参考存储，也是单测用的假件。
// 幂等语义和真实现完全一致。

type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*model.Message      // local_id -> msg
	convs    map[string]*model.Conversation // friend_id -> conv
	cursors  map[string]int64               // account_id -> local_seq
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*model.Message),
		convs:    make(map[string]*model.Conversation),
		cursors:  make(map[string]int64),
	}
}

// ===== MessageRepo =====

func (s *MemoryStore) Put(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.LocalID] = &cp
	return nil
}

func (s *MemoryStore) GetByLocalID(ctx context.Context, localID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.messages[localID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListByPeer(ctx context.Context, peerID string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.PeerID == peerID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendTime < out[j].SendTime })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ===== ConversationRepo =====

// PutConversation upsert by FriendID.
func (s *MemoryStore) PutConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.FriendID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, friendID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[friendID]; ok {
		return c.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) ListConversationsByActivity(ctx context.Context) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Conversation
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMsgTime > out[j].LastMsgTime })
	return out, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, friendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, friendID)
	return nil
}

// ===== CursorStore =====

func (s *MemoryStore) Load(ctx context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[accountID], nil
}

func (s *MemoryStore) Save(ctx context.Context, accountID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[accountID] {
		s.cursors[accountID] = seq
	}
	return nil
}

// 视图适配：一个 MemoryStore 同时充当三个 repo。

type memoryConvRepo struct{ s *MemoryStore }

func (r memoryConvRepo) Put(ctx context.Context, c *model.Conversation) error {
	return r.s.PutConversation(ctx, c)
}
func (r memoryConvRepo) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return r.s.GetConversation(ctx, id)
}
func (r memoryConvRepo) ListByActivity(ctx context.Context) ([]*model.Conversation, error) {
	return r.s.ListConversationsByActivity(ctx)
}
func (r memoryConvRepo) Delete(ctx context.Context, id string) error {
	return r.s.DeleteConversation(ctx, id)
}

func (s *MemoryStore) Conversations() ConversationRepo { return memoryConvRepo{s} }
func (s *MemoryStore) Messages() MessageRepo           { return s }
func (s *MemoryStore) Cursors() CursorStore            { return s }
