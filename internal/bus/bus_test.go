package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/chatrelay/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBus(rdb, RedisOptions{Block: 50 * time.Millisecond}), mr
}

// backends exercises the shared contract on every in-repo implementation.
func backends(t *testing.T) map[string]Bus {
	redisBus, _ := newRedisBus(t)
	return map[string]Bus{
		"memory": NewMemoryBus(nil),
		"redis":  redisBus,
	}
}

// take reads n deliveries from the sequence, failing after timeout.
func take(t *testing.T, b Bus, stream, group, consumer string, n int, ack bool) []*Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []*Delivery
	for d, err := range b.Consume(ctx, stream, group, consumer) {
		require.NoError(t, err)
		if ack {
			require.NoError(t, d.Ack(ctx))
		}
		got = append(got, d)
		if len(got) == n {
			break
		}
	}
	require.Len(t, got, n, "timed out waiting for deliveries")
	return got
}

func TestPublishConsumeInOrder(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.EnsureGroup(ctx, "chat:inbound", "workers"))
			for i := range 3 {
				_, err := b.Publish(ctx, "chat:inbound", []byte(fmt.Sprintf("m%d", i)))
				require.NoError(t, err)
			}

			got := take(t, b, "chat:inbound", "workers", "w1", 3, true)
			for i, d := range got {
				require.Equal(t, fmt.Sprintf("m%d", i), string(d.Payload))
				require.Equal(t, "chat:inbound", d.Stream)
				if i > 0 {
					require.Greater(t, d.Seq, got[i-1].Seq)
				}
			}
		})
	}
}

func TestUnackedEntriesAreReplayed(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stream := "chat:outbound:tok"
			require.NoError(t, b.EnsureGroup(ctx, stream, "gateway"))
			_, err := b.Publish(ctx, stream, []byte("reply"))
			require.NoError(t, err)

			// First connection reads but never acks.
			first := take(t, b, stream, "gateway", "gw-tok", 1, false)

			// A reconnect with the same consumer name sees it again.
			again := take(t, b, stream, "gateway", "gw-tok", 1, true)
			require.Equal(t, first[0].ID, again[0].ID)
			require.Equal(t, "reply", string(again[0].Payload))
		})
	}
}

func TestCompetingConsumersSplitEntries(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.EnsureGroup(ctx, "chat:inbound", "workers"))
			for i := range 2 {
				_, err := b.Publish(ctx, "chat:inbound", []byte(fmt.Sprintf("m%d", i)))
				require.NoError(t, err)
			}

			a := take(t, b, "chat:inbound", "workers", "w1", 1, true)
			c := take(t, b, "chat:inbound", "workers", "w2", 1, true)
			require.NotEqual(t, a[0].ID, c[0].ID)
		})
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				for range b.Consume(ctx, "chat:idle", "g", "c") {
				}
			}()
			time.Sleep(20 * time.Millisecond)
			cancel()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("consume did not stop after cancel")
			}
		})
	}
}

func TestMemoryBusFailPublishes(t *testing.T) {
	b := NewMemoryBus(nil)
	b.FailPublishes(2)

	ctx := context.Background()
	for range 2 {
		_, err := b.Publish(ctx, "s", []byte("x"))
		require.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := b.Publish(ctx, "s", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, 1, b.Len("s"))
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus(nil)
	done := make(chan error, 1)
	go func() {
		for _, err := range b.Consume(context.Background(), "s", "g", "c") {
			if err != nil {
				done <- err
				return
			}
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close")
	}
	_, err := b.Publish(context.Background(), "s", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBusExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := NewMemoryBus(clk)
	ctx := context.Background()

	_, err := b.Publish(ctx, "chat:outbound:tok", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.ExpireAt(ctx, "chat:outbound:tok", clk.Now().Add(time.Minute)))
	require.Equal(t, 1, b.Len("chat:outbound:tok"))

	clk.Advance(time.Minute)
	require.Equal(t, 0, b.Len("chat:outbound:tok"))

	for _, err := range b.Consume(ctx, "chat:outbound:tok", "gateway", "gw-tok") {
		require.True(t, errors.Is(err, ErrStreamGone))
		break
	}
}

func TestRedisBusExpireAt(t *testing.T) {
	b, mr := newRedisBus(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "chat:outbound:tok", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.ExpireAt(ctx, "chat:outbound:tok", time.Now().Add(time.Hour)))
	require.Greater(t, mr.TTL("chat:outbound:tok"), time.Duration(0))
}

func TestRedisBusPublishUnavailable(t *testing.T) {
	b, mr := newRedisBus(t)
	mr.Close()

	_, err := b.Publish(context.Background(), "chat:inbound", []byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisBusReclaimsIdleEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := NewRedisBus(rdb, RedisOptions{Block: 20 * time.Millisecond, ClaimMinIdle: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, "chat:inbound", "workers"))
	_, err := b.Publish(ctx, "chat:inbound", []byte("orphan"))
	require.NoError(t, err)

	// w1 takes the entry and dies without acking.
	take(t, b, "chat:inbound", "workers", "w1", 1, false)
	time.Sleep(30 * time.Millisecond)

	got := take(t, b, "chat:inbound", "workers", "w2", 1, true)
	require.Equal(t, "orphan", string(got[0].Payload))
}

func TestSeqFromStreamID(t *testing.T) {
	require.Less(t, SeqFromStreamID("1700000000000-0"), SeqFromStreamID("1700000000000-1"))
	require.Less(t, SeqFromStreamID("1700000000000-1023"), SeqFromStreamID("1700000000001-0"))
	require.Equal(t, SeqFromStreamID("1700000000000-5000"), SeqFromStreamID("1700000000000-1023"))
	require.Zero(t, SeqFromStreamID("garbage"))
	// Stays exactly representable as a float64 score.
	seq := SeqFromStreamID("4102444800000-1023")*2 + 1
	require.Equal(t, seq, uint64(float64(seq)))
}

func TestJetStreamNaming(t *testing.T) {
	require.Equal(t, "chat.outbound.abc-1", subjectFor("chat:outbound:abc-1"))

	name, subjects, perSession := streamSpec("chat.outbound.abc-1")
	require.Equal(t, "CHAT_OUTBOUND", name)
	require.Equal(t, []string{"chat.outbound.>"}, subjects)
	require.True(t, perSession)

	name, subjects, perSession = streamSpec("chat.inbound")
	require.Equal(t, "CHAT_INBOUND", name)
	require.Equal(t, []string{"chat.inbound"}, subjects)
	require.False(t, perSession)

	require.Equal(t, "WORKERS_CHAT_INBOUND", durableName("workers", "chat.inbound"))
	require.Equal(t, "GATEWAY_CHAT_OUTBOUND_ABC-1", durableName("gateway", "chat.outbound.abc-1"))
}
