package docquery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func sampleProgress() Progress {
	return Progress{
		PatientID:  "p-1",
		FacilityID: "f-1",
		RequestID:  "req-1",
		Status:     StatusProcessing,
		Total:      10,
		Completed:  4,
		Errored:    1,
		StartedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2024, 3, 1, 12, 0, 9, 0, time.UTC),
	}
}

func TestStores_PutGetDelete(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]ProgressStore{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := store.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.False(t, ok)

			want := sampleProgress()
			require.NoError(t, store.Put(ctx, want))

			got, ok, err := store.Get(ctx, "p-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want.Status, got.Status)
			assert.Equal(t, want.Total, got.Total)
			assert.Equal(t, want.Completed, got.Completed)
			assert.Equal(t, want.Errored, got.Errored)
			assert.Equal(t, want.RequestID, got.RequestID)
			assert.True(t, want.StartedAt.Equal(got.StartedAt))
			assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

			require.NoError(t, store.Delete(ctx, "p-1"))
			_, ok, err = store.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := sampleProgress()
	require.NoError(t, store.Put(ctx, p))

	p.Completed = 99
	got, _, _ := store.Get(ctx, "p-1")
	assert.Equal(t, 4, got.Completed, "mutating the caller's value must not affect the store")
}

func TestRedisStore_ExpiresAfterTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, sampleProgress()))

	assert.Equal(t, time.Hour, mr.TTL(progressKey("p-1")))

	mr.FastForward(time.Hour + time.Second)
	_, ok, err := store.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_PutRefreshesTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	p := sampleProgress()
	require.NoError(t, store.Put(ctx, p))

	mr.FastForward(50 * time.Minute)
	p.Completed = 6
	require.NoError(t, store.Put(ctx, p))
	mr.FastForward(50 * time.Minute)

	got, ok, err := store.Get(ctx, "p-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6, got.Completed)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = DialRedis(context.Background(), "not a url")
	assert.Error(t, err)
}
