package redis

import "github.com/redis/go-redis/v9"

// Scripts operate on one coupon at a time:
//
//	KEYS[1] used counter
//	KEYS[2] per-customer hash
//	KEYS[3] pending set scored by expiry
//
// Shared arguments:
//
//	ARGV[1] reservation hash prefix
//	ARGV[2] now (unix ms)
//	ARGV[3] retention of terminal records (ms)
//	ARGV[4] reservation index prefix
//	ARGV[5] reservation id
const freeLua = `
local function free(id, status)
  local rk = ARGV[1] .. id
  local customer = redis.call('HGET', rk, 'customer')
  redis.call('HSET', rk, 'status', status, 'updated_at', ARGV[2])
  redis.call('PEXPIRE', rk, ARGV[3])
  redis.call('PEXPIRE', ARGV[4] .. id, ARGV[3])
  redis.call('ZREM', KEYS[3], id)
  redis.call('DECR', KEYS[1])
  if customer then
    if redis.call('HINCRBY', KEYS[2], customer, -1) <= 0 then
      redis.call('HDEL', KEYS[2], customer)
    end
  end
end
`

// reserveScript reclaims expired pending reservations and takes one slot.
// It returns 0 on success, 1 when the global limit is reached and 2 when
// the customer limit is reached.
//
//	ARGV[6] customer, ARGV[7] global limit (-1 unlimited),
//	ARGV[8] per-customer limit, ARGV[9] expires at, ARGV[10] coupon code
var reserveScript = redis.NewScript(freeLua + `
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[2])) do
  free(id, 'expired')
end

local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[7])
if limit >= 0 and used >= limit then
  return 1
end
local customerUsed = tonumber(redis.call('HGET', KEYS[2], ARGV[6]) or '0')
if customerUsed >= tonumber(ARGV[8]) then
  return 2
end

redis.call('INCR', KEYS[1])
redis.call('HINCRBY', KEYS[2], ARGV[6], 1)
redis.call('ZADD', KEYS[3], ARGV[9], ARGV[5])
redis.call('HSET', ARGV[1] .. ARGV[5],
  'customer', ARGV[6], 'status', 'pending',
  'reserved_at', ARGV[2], 'expires_at', ARGV[9], 'updated_at', ARGV[2])
redis.call('SET', ARGV[4] .. ARGV[5], ARGV[10])
return 0
`)

// transitionScript commits or releases one reservation.
//
//	ARGV[6] action (commit or release), ARGV[7] order id
//
// It replies {result, status, customer, reserved_at, expires_at, order_id}
// where result is applied, noop, expired_applied, expired_noop or notfound.
var transitionScript = redis.NewScript(freeLua + `
local rk = ARGV[1] .. ARGV[5]
local r = redis.call('HMGET', rk, 'status', 'customer', 'reserved_at', 'expires_at', 'order_id')
if not r[1] then
  return {'notfound'}
end

local status = r[1]
local order = r[5] or ''
local result = 'noop'
if ARGV[6] == 'commit' then
  if status == 'committed' then
    result = 'noop'
  elseif status ~= 'pending' then
    result = 'expired_noop'
  elseif tonumber(r[4]) < tonumber(ARGV[2]) then
    free(ARGV[5], 'expired')
    status = 'expired'
    result = 'expired_applied'
  else
    redis.call('HSET', rk, 'status', 'committed', 'order_id', ARGV[7], 'updated_at', ARGV[2])
    redis.call('ZREM', KEYS[3], ARGV[5])
    status = 'committed'
    order = ARGV[7]
    result = 'applied'
  end
elseif status == 'pending' then
  free(ARGV[5], 'released')
  status = 'released'
  result = 'applied'
end
return {result, status, r[2], r[3], r[4], order}
`)

// usageScript replies {global used, customer used}, not counting pending
// reservations expired at ARGV[2]. ARGV[3] is the customer id.
var usageScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local customerUsed = tonumber(redis.call('HGET', KEYS[2], ARGV[3]) or '0')
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[2])) do
  used = used - 1
  if redis.call('HGET', ARGV[1] .. id, 'customer') == ARGV[3] then
    customerUsed = customerUsed - 1
  end
end
return {used, customerUsed}
`)
