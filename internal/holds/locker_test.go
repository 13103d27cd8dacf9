package holds

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-slot-engine/internal/clock"
	"github.com/wolfman30/clinic-slot-engine/internal/slots"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "slot-x")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxSeen.Load())

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "slot-x")
	require.NoError(t, err)

	other, err := km.Lock(context.Background(), "slot-y")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "slot-x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := km.Lock(context.Background(), "slot-x")
	require.NoError(t, err)
	again()
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLockerBlocksUntilUnlock(t *testing.T) {
	mr, client := newMiniredisClient(t)
	locker := NewRedisLocker(client, time.Second, logging.Discard())

	unlock, err := locker.Lock(context.Background(), "hold:slot:x")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:hold:slot:x"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "hold:slot:x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists("lock:hold:slot:x"))

	unlock2, err := locker.Lock(context.Background(), "hold:slot:x")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLockerDoesNotFreeForeignLock(t *testing.T) {
	mr, client := newMiniredisClient(t)
	locker := NewRedisLocker(client, time.Second, logging.Discard())

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	// Simulate TTL lapse followed by another owner taking the key.
	require.NoError(t, mr.Set("lock:k", "someone-else"))
	unlock()

	got, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestManagerExclusiveWithRedisLocker(t *testing.T) {
	_, client := newMiniredisClient(t)
	catalog := slots.NewMemoryCatalog(slots.Slot{ID: "slot-x", SpecialistID: "dr-ortiz", StartsAt: t0, Duration: time.Hour, Modality: slots.ModalityVideo})
	m := NewManager(NewMemoryStore(), catalog,
		WithLocker(NewRedisLocker(client, time.Second, logging.Discard())),
		WithClock(clock.NewManual(t0)),
		WithLogger(logging.Discard()),
	)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), "slot-x", "patient"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, successes.Load())
}
