package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/chatrelay/internal/bus"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, storeBackend string) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	return &config.Config{
		StoreBackend: storeBackend,
		BusBackend:   config.BackendRedis,
		DBPath:       filepath.Join(t.TempDir(), "data", "chat.db"),
		RedisURL:     "redis://" + mr.Addr() + "/0",
		SessionTTL:   time.Hour,
		Gateway:      config.GatewayConfig{ConsumeBlock: 50 * time.Millisecond},
		Worker:       config.WorkerConfig{ClaimMinIdle: time.Minute},
	}
}

func TestOpenSQLiteWithRedisBus(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)

	b, err := Open(context.Background(), cfg, "test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	require.IsType(t, &store.SQLiteStore{}, b.Store)
	require.IsType(t, &bus.RedisBus{}, b.Bus)

	ctx := context.Background()
	session, err := b.Store.CreateSession(ctx, "ada")
	require.NoError(t, err)
	got, err := b.Store.GetSession(ctx, session.Token)
	require.NoError(t, err)
	require.Equal(t, "ada", got.OwnerName)

	_, err = b.Bus.Publish(ctx, "chat:inbound", []byte("x"))
	require.NoError(t, err)
}

func TestOpenRedisStore(t *testing.T) {
	cfg := testConfig(t, config.BackendRedis)

	b, err := Open(context.Background(), cfg, "test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	require.IsType(t, &store.RedisStore{}, b.Store)
	session, err := b.Store.CreateSession(context.Background(), "ada")
	require.NoError(t, err)
	require.Equal(t, cfg.SessionTTL, session.ExpiresAt.Sub(session.CreatedAt))
}

func TestNewRedisClientErrors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	require.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), "redis://"+addr+"/0")
	require.Error(t, err)
}
