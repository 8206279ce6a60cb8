package ratelimitstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Outcome is the admit script's result kind (spec.md §4.2).
type Outcome string

const (
	OutcomeAdmit          Outcome = "admit"
	OutcomeRejectedGlobal Outcome = "rejected_global"
	OutcomeRejectedRoute  Outcome = "rejected_route"
	OutcomeNeedGlobal     Outcome = "need_global"
	OutcomeNeedRoute      Outcome = "need_route"
	OutcomeNeedBoth       Outcome = "need_both"
)

// AdmitResult is the decoded return value of the admit script.
type AdmitResult struct {
	Outcome         Outcome
	Limit           int
	ResetAt         int64 // ms, route rejections only
	ResetAfter      int64 // ms, route rejections only
	HoldsGlobalLock bool
	HoldsRouteLock  bool
	LockToken       string
}

// admitScriptSource evaluates the global and route buckets for one request
// in a single atomic pass. KEYS are the seven persistent keys named in
// spec.md §6; ARGV carries the time-slice suffix, disable-global flag, and
// the caller's fresh lock token.
//
// KEYS: 1 global-limit 2 global-lock 3 global-count 4 route-limit
//       5 route-count 6 route-reset_after 7 route-lock
// ARGV: 1 time-slice-suffix 2 disable-global ("1"/"0") 3 lock-token
//       4 lock-ttl-seconds
const admitScriptSource = `
local globalLimitKey, globalLockKey, globalCountKey = KEYS[1], KEYS[2], KEYS[3]
local routeLimitKey, routeCountKey, routeResetAfterKey, routeLockKey = KEYS[4], KEYS[5], KEYS[6], KEYS[7]
local timeSlice = ARGV[1]
local disableGlobal = ARGV[2] == "1"
local lockToken = ARGV[3]
local lockTTL = tonumber(ARGV[4])

local globalLimit = redis.call("GET", globalLimitKey)
local routeLimit = redis.call("GET", routeLimitKey)

local globalIncremented = false
local routeIncremented = false

if not disableGlobal and globalLimit then
  local count = redis.call("INCR", globalCountKey .. timeSlice)
  if count == 1 then
    redis.call("EXPIRE", globalCountKey .. timeSlice, 3)
  end
  globalIncremented = true
  if count > tonumber(globalLimit) then
    redis.call("DECR", globalCountKey .. timeSlice)
    return {"rejected_global", globalLimit, 0, 0, 0, 0, ""}
  end
end

if routeLimit then
  local limit = tonumber(routeLimit)
  local count = redis.call("INCR", routeCountKey)
  routeIncremented = true
  if count > limit then
    redis.call("DECR", routeCountKey)
    local resetAfterPTTL = redis.call("PTTL", routeResetAfterKey)
    if resetAfterPTTL and resetAfterPTTL > 0 then
      local resetAtPTTL = redis.call("PTTL", routeCountKey)
      return {"rejected_route", limit, resetAtPTTL, resetAfterPTTL, 0, 0, ""}
    end
    -- stale reset_after: fall through to discovery below by clearing limit
    routeLimit = false
  end
end

local needGlobal = (not disableGlobal) and (not globalLimit)
local needRoute = not routeLimit

if not needGlobal and not needRoute then
  return {"admit", 0, 0, 0, 0, 0, lockToken}
end

local holdsGlobalLock = false
local holdsRouteLock = false

if needGlobal then
  local acquired = redis.call("SET", globalLockKey, lockToken, "NX", "EX", lockTTL)
  if acquired then holdsGlobalLock = true end
end
if needRoute then
  local acquired = redis.call("SET", routeLockKey, lockToken, "NX", "EX", lockTTL)
  if acquired then holdsRouteLock = true end
end

local stillNeedGlobal = needGlobal and not holdsGlobalLock
local stillNeedRoute = needRoute and not holdsRouteLock

if stillNeedGlobal or stillNeedRoute then
  if globalIncremented then
    local count = redis.call("DECR", globalCountKey .. timeSlice)
    if count <= 0 then redis.call("DEL", globalCountKey .. timeSlice) end
  end
  if routeIncremented then
    local count = redis.call("DECR", routeCountKey)
    if count <= 0 then redis.call("DEL", routeCountKey) end
  end
  if stillNeedGlobal and stillNeedRoute then
    return {"need_both", 0, 0, 0, 0, 0, ""}
  elseif stillNeedGlobal then
    return {"need_global", 0, 0, 0, 0, 0, ""}
  else
    return {"need_route", 0, 0, 0, 0, 0, ""}
  end
end

if needGlobal and not globalIncremented then
  local count = redis.call("INCR", globalCountKey .. timeSlice)
  if count == 1 then redis.call("EXPIRE", globalCountKey .. timeSlice, 3) end
end
if needRoute and not routeIncremented then
  redis.call("INCR", routeCountKey)
end

return {"admit", 0, 0, 0, holdsGlobalLock and 1 or 0, holdsRouteLock and 1 or 0, lockToken}
`

// unlockGlobalScriptSource writes the discovered global limit and releases
// the lock, publishing the unlock so waiters retry immediately.
// KEYS: 1 global-limit 2 global-lock
// ARGV: 1 lock-token 2 discovered-limit 3 ttl-ms ("0" = forever) 4 channel
const unlockGlobalScriptSource = `
local limitKey, lockKey = KEYS[1], KEYS[2]
local token, limit, ttlMs, channel = ARGV[1], ARGV[2], tonumber(ARGV[3]), ARGV[4]

local current = redis.call("GET", lockKey)
if current ~= token then
  return 0
end

if ttlMs > 0 then
  redis.call("SET", limitKey, limit, "PX", ttlMs)
else
  redis.call("SET", limitKey, limit)
end
redis.call("DEL", lockKey)
redis.call("PUBLISH", channel, limitKey)
return 1
`

// unlockRouteScriptSource is the symmetric route-bucket variant, with the
// lockless PEXPIREAT-GT refresh path described in spec.md §4.2/§9 when
// lock-token is empty.
// KEYS: 1 route-limit 2 route-lock 3 route-count 4 route-reset_after
// ARGV: 1 lock-token (may be "") 2 discovered-limit 3 reset-at-ms
//       4 reset-after-ms 5 limit-ttl-ms 6 channel
const unlockRouteScriptSource = `
local limitKey, lockKey, countKey, resetAfterKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local token, limit, resetAt, resetAfter, ttlMs, channel = ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4]), tonumber(ARGV[5]), ARGV[6]

if token ~= "" then
  local current = redis.call("GET", lockKey)
  if current ~= token then
    return 0
  end
  redis.call("SET", limitKey, limit, "PX", ttlMs)
  redis.call("DEL", lockKey)
  redis.call("PEXPIREAT", countKey, resetAt)
  redis.call("SET", resetAfterKey, "1", "PX", resetAfter)
  redis.call("PUBLISH", channel, limitKey)
  return 1
end

-- lockless refresh path: never shorten an existing window. SET has no GT
-- option (unlike PEXPIREAT/PEXPIRE), so create the sentinel with NX (a
-- no-op if it already exists) and let PEXPIRE ... GT own the never-shorten
-- refresh, the same way the PEXPIREAT ... GT call below refreshes countKey.
redis.call("SET", limitKey, limit, "PX", ttlMs)
redis.call("PEXPIREAT", countKey, resetAt, "GT")
redis.call("SET", resetAfterKey, "1", "NX", "PX", resetAfter)
redis.call("PEXPIRE", resetAfterKey, resetAfter, "GT")
redis.call("PUBLISH", channel, limitKey)
return 1
`

// expireCountsScriptSource is called on every admitted response to align
// counter expiry with the upstream's stated window end (spec.md §4.5 step 3).
// KEYS: 1 global-count-with-slice 2 route-count
// ARGV: 1 global-expire-at-ms 2 route-expire-at-ms
const expireCountsScriptSource = `
local globalCountKey, routeCountKey = KEYS[1], KEYS[2]
local globalExpireAt, routeExpireAt = tonumber(ARGV[1]), tonumber(ARGV[2])

if globalExpireAt > 0 then
  redis.call("PEXPIREAT", globalCountKey, globalExpireAt, "LT")
end
if routeExpireAt > 0 then
  redis.call("PEXPIREAT", routeCountKey, routeExpireAt)
end
return 1
`

// Admit runs the admit script for one request.
func (s *Store) Admit(ctx context.Context, identity, routeID, timeSlice string, disableGlobal bool, lockToken string, lockTTLSeconds int) (AdmitResult, error) {
	k := keyLayout{identity: identity, routeID: routeID}
	keys := []string{
		k.globalLimit(), k.globalLock(), k.globalCount(""),
		k.routeLimit(), k.routeCount(), k.routeResetAfter(), k.routeLock(),
	}
	disableFlag := "0"
	if disableGlobal {
		disableFlag = "1"
	}
	res, err := s.admitScript.Run(ctx, s.client, keys, timeSlice, disableFlag, lockToken, lockTTLSeconds).Result()
	if err != nil {
		return AdmitResult{}, err
	}
	return decodeAdmitResult(res)
}

func decodeAdmitResult(res interface{}) (AdmitResult, error) {
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 7 {
		return AdmitResult{}, errUnexpectedScriptResult
	}
	outcome, _ := fields[0].(string)
	return AdmitResult{
		Outcome:         Outcome(outcome),
		Limit:           toInt(fields[1]),
		ResetAt:         toInt64(fields[2]),
		ResetAfter:      toInt64(fields[3]),
		HoldsGlobalLock: toInt(fields[4]) == 1,
		HoldsRouteLock:  toInt(fields[5]) == 1,
		LockToken:       toString(fields[6]),
	}, nil
}

// UnlockGlobal publishes a discovered global limit. ttlMs == 0 means never
// expire (spec.md §4.5 step 1).
func (s *Store) UnlockGlobal(ctx context.Context, identity, lockToken string, limit int, ttlMs int64) (bool, error) {
	k := keyLayout{identity: identity}
	keys := []string{k.globalLimit(), k.globalLock()}
	res, err := s.unlockGlobalScript.Run(ctx, s.client, keys, lockToken, limit, ttlMs, unlockChannel).Result()
	if err != nil {
		return false, err
	}
	return toInt(res) == 1, nil
}

// UnlockRoute publishes a discovered or refreshed route limit. Pass an
// empty lockToken to take the lockless PEXPIREAT-GT refresh path.
func (s *Store) UnlockRoute(ctx context.Context, identity, routeID, lockToken string, limit int, resetAtMs, resetAfterMs, limitTTLMs int64) (bool, error) {
	k := keyLayout{identity: identity, routeID: routeID}
	keys := []string{k.routeLimit(), k.routeLock(), k.routeCount(), k.routeResetAfter()}
	res, err := s.unlockRouteScript.Run(ctx, s.client, keys, lockToken, limit, resetAtMs, resetAfterMs, limitTTLMs, unlockChannel).Result()
	if err != nil {
		return false, err
	}
	return toInt(res) == 1, nil
}

// ExpireCounts aligns both counters' expiry with the upstream's window end.
func (s *Store) ExpireCounts(ctx context.Context, identity, routeID, timeSlice string, globalExpireAtMs, routeExpireAtMs int64) error {
	k := keyLayout{identity: identity, routeID: routeID}
	keys := []string{k.globalCount(timeSlice), k.routeCount()}
	return s.expireCountsScript.Run(ctx, s.client, keys, globalExpireAtMs, routeExpireAtMs).Err()
}

var errUnexpectedScriptResult = errors.New("ratelimitstore: unexpected script result shape")

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
