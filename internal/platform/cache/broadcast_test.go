package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterInvalidatesSiblingInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})

	localA := NewLocal()
	localB := NewLocal()
	pubA := NewBroadcaster(clientA, "", nil)
	pubB := NewBroadcaster(clientB, "", nil)
	require.NoError(t, pubA.Listen(ctx, localA))
	require.NoError(t, pubB.Listen(ctx, localB))

	localA.Set("inventory:item:R1", 1, time.Minute)
	localB.Set("inventory:item:R1", 1, time.Minute)

	require.NoError(t, pubA.Publish(ctx, "inventory:item:R1"))

	require.Eventually(t, func() bool {
		_, ok := localB.Get("inventory:item:R1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// The publisher ignores its own announcements.
	_, ok := localA.Get("inventory:item:R1")
	require.True(t, ok)
}

func TestNilBroadcasterIsNoop(t *testing.T) {
	b := NewBroadcaster(nil, "", nil)
	require.Nil(t, b)
	require.NoError(t, b.Publish(context.Background(), "k"))
	require.NoError(t, b.Listen(context.Background(), NewLocal()))
}
