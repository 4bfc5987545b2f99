package utils

import (
	"hash/fnv"
	"time"
)

// ShardIndex returns the shard a key belongs to.
func ShardIndex(totalShards uint64, key string) uint64 {
	h := fnv.New64a()
	if _, err := h.Write([]byte(key)); err != nil {
		return 0
	}
	return h.Sum64() % totalShards
}

// Clock abstracts time so expiry can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// GetExpirationTime returns the first ttl if given, the default otherwise.
func GetExpirationTime(defaultTime time.Duration, ttl ...time.Duration) time.Duration {
	if len(ttl) > 0 && ttl[0] != 0 {
		return ttl[0]
	}
	return defaultTime
}
