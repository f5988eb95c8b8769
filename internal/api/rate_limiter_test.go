package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Window(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute)
	rl.clock = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("stu_1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("stu_1"))
	assert.True(t, rl.Allow("stu_2"), "limits are per key")

	now = now.Add(59 * time.Second)
	assert.False(t, rl.Allow("stu_1"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("stu_1"), "a new window starts a full minute after the first request")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(0, 0)
	rl.clock = func() time.Time { return now }
	assert.Equal(t, DefaultSubmitLimit, rl.limit)

	rl.Allow("stu_1")
	now = now.Add(4 * time.Minute)
	rl.Allow("stu_2")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, rl.Cleanup())
	assert.Equal(t, 1, rl.Len())
}
