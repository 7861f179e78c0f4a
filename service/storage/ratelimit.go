package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	errs "github.com/Blazheiko/partygate/tools/errs"
)

// Window counter: INCR then PEXPIRE on first hit, so concurrent callers for
// the same key share one window. INCR is the store's native atomic; the
// caller never does read-then-write.
//
// KEYS[1] = counter key
// ARGV[1] = window millis
// returns {count, pttl-millis}
const luaWindowIncr = `
local c = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`

var windowIncrScript = redis.NewScript(luaWindowIncr)

func rateKey(identity, routeKey string) string {
	return "ratelimit:" + identity + "|" + routeKey
}

// RateCounter is the redis-backed window counter used by admission control.
type RateCounter struct {
	rdb *redis.Client
}

func NewRateCounter(rdb *redis.Client) *RateCounter {
	return &RateCounter{rdb: rdb}
}

// Incr bumps the (identity, routeKey) counter and reports the current count
// plus the moment the window resets. An expired window restarts at count 1.
func (r *RateCounter) Incr(ctx context.Context, identity, routeKey string, window time.Duration) (int64, time.Time, error) {
	res, err := windowIncrScript.Run(ctx, r.rdb, []string{rateKey(identity, routeKey)}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, time.Time{}, errs.WrapMsg(err, "window incr")
	}
	if len(res) != 2 {
		return 0, time.Time{}, errs.ErrInternal.WithDetail("window incr: bad script reply").Wrap()
	}
	count, _ := res[0].(int64)
	ttlMS, _ := res[1].(int64)
	return count, time.Now().Add(time.Duration(ttlMS) * time.Millisecond), nil
}
