package storage

import (
	"context"
	"strconv"

	errs "PClient/tools/errs"

	"github.com/redis/go-redis/v9"
)

// 游标单调推进：KEYS[1]=key; ARGV[1]=seq
// 只在新值更大时写入，返回写入后的当前值
var luaMaxSet = redis.NewScript(`
  local k = KEYS[1]
  local v = tonumber(ARGV[1])
  local curr = tonumber(redis.call('GET', k) or '0')
  if v > curr then
    redis.call('SET', k, v)
    return v
  end
  return curr
`)

// RedisCursorStore 把账号游标放 Redis。Lua 保证并发重连/补拉下只增不减。
type RedisCursorStore struct {
	Rdb   redis.UniversalClient
	KeyFn func(accountID string) string
}

func NewRedisCursorStore(rdb redis.UniversalClient) *RedisCursorStore {
	return &RedisCursorStore{Rdb: rdb, KeyFn: defaultCursorKey}
}

func defaultCursorKey(account string) string { return "pc:cursor:" + account }

func (s *RedisCursorStore) key(account string) string {
	if s.KeyFn != nil {
		return s.KeyFn(account)
	}
	return defaultCursorKey(account)
}

func (s *RedisCursorStore) Load(ctx context.Context, accountID string) (int64, error) {
	v, err := s.Rdb.Get(ctx, s.key(accountID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrCursorPersist.WrapMsg("redis get", "account", accountID)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.ErrCursorPersist.WrapMsg("bad cursor value", "value", v)
	}
	return n, nil
}

func (s *RedisCursorStore) Save(ctx context.Context, accountID string, seq int64) error {
	if _, err := luaMaxSet.Run(ctx, s.Rdb, []string{s.key(accountID)}, seq).Result(); err != nil {
		return errs.ErrCursorPersist.WrapMsg("redis max-set", "account", accountID, "seq", seq)
	}
	return nil
}
