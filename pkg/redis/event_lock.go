package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkEventOnce 通过 SETNX 锁保证"同一个网关事件只处理一次"。
const luaMarkEventOnce = `
local lockKey = KEYS[1]
local ttlSec = tonumber(ARGV[1])

if redis.call('SETNX', lockKey, '1') == 1 then
  redis.call('EXPIRE', lockKey, ttlSec)
  return 1
end
return 0
`

// EventSeen 判断事件是否已经成功处理过，不产生任何副作用。
func EventSeen(ctx context.Context, rdb *rd.Client, eventID string) (bool, error) {
	n, err := rdb.Exists(ctx, GatewayEventLockKey(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventOnce 标记网关事件已处理：
// - 首次标记返回 true
// - 已有标记返回 false
// 只能在事件成功应用之后调用，失败的投递不许留标记，
// 否则网关的重投会被当成重复直接跳过。
// 这只是快速去重；真正的幂等保证在数据库的 payment_status 条件更新上。
func MarkEventOnce(ctx context.Context, rdb *rd.Client, eventID string) (bool, error) {
	lockKey := GatewayEventLockKey(eventID)
	const lockTTLSeconds = int64((7 * 24 * time.Hour) / time.Second)

	n, err := rdb.Eval(ctx, luaMarkEventOnce, []string{lockKey}, lockTTLSeconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
