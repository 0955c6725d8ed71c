// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSerialisesSameKey(t *testing.T) {
	l := NewLocal()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "shaman-1")
			require.NoError(t, err)
			defer unlock()

			n := active.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, l.size(), "entries are dropped once idle")
}

func TestLocalDifferentKeysRunInParallel(t *testing.T) {
	l := NewLocal()

	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, l.size())

	unlock, err = l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}

func TestRedisLockIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("set REDIS_ADDR to run redis lock test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	l := NewRedis(client, 5*time.Second)
	key := "test-" + time.Now().Format("150405.000000")

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock, err = l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock()
}

func TestAdvisoryObjectIsStablePerKey(t *testing.T) {
	a := advisoryObject("0x00000000000000000000000000000000000000000000000000000000000000aa")
	b := advisoryObject("0x00000000000000000000000000000000000000000000000000000000000000bb")

	assert.Equal(t, a, advisoryObject("0x00000000000000000000000000000000000000000000000000000000000000aa"))
	assert.NotEqual(t, a, b)
}
