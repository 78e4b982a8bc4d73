package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Runs only against a real Redis: TEST_REDIS_ADDR=localhost:6379.
func TestTokenCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	c, err := Connect(ctx, addr, "", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	key := "test:" + t.Name()

	_, _, ok, err := c.GetToken(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	expiresAt := time.Now().Add(time.Minute)
	require.NoError(t, c.SetToken(ctx, key, "abc", expiresAt))

	token, gotExpiry, ok, err := c.GetToken(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
	assert.WithinDuration(t, expiresAt, gotExpiry, 2*time.Second)

	require.NoError(t, c.client.Del(ctx, c.key(key)).Err())
}

func TestSetTokenSkipsExpired(t *testing.T) {
	c := &TokenCache{}
	assert.NoError(t, c.SetToken(context.Background(), "k", "v", time.Now().Add(-time.Second)))
}
