package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShardIndexIsStable(t *testing.T) {
	for _, key := range []string{"", "stars_12", "blog_cache", "valueOf"} {
		first := ShardIndex(16, key)
		assert.Less(t, first, uint64(16))
		assert.Equal(t, first, ShardIndex(16, key))
	}
}

func TestGetExpirationTime(t *testing.T) {
	assert.Equal(t, time.Hour, GetExpirationTime(time.Hour))
	assert.Equal(t, time.Hour, GetExpirationTime(time.Hour, 0))
	assert.Equal(t, time.Minute, GetExpirationTime(time.Hour, time.Minute))
	assert.Equal(t, time.Duration(-1), GetExpirationTime(time.Hour, -1))
}
