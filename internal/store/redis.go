package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Key layout. The turn keys always carry the session key's remaining TTL.
const (
	sessionKeyPrefix = "chat:session:"
	turnsKeyPrefix   = "chat:turns:"  // sorted set: turn id scored by seq
	bodiesKeyPrefix  = "chat:bodies:" // hash: turn id -> JSON turn
)

func sessionKey(token string) string { return sessionKeyPrefix + token }
func turnsKey(token string) string   { return turnsKeyPrefix + token }
func bodiesKey(token string) string  { return bodiesKeyPrefix + token }

// appendScript appends turns only while the session key is alive and copies
// its remaining TTL onto the history keys.
// KEYS: session, turns, bodies. ARGV: repeated (id, seq, json) triples.
var appendScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
	return -1
end
local maxseq = 0
local last = redis.call('ZREVRANGE', KEYS[2], 0, 0, 'WITHSCORES')
if #last > 0 then
	maxseq = tonumber(last[2])
end
local added = 0
for i = 1, #ARGV, 3 do
	local id = ARGV[i]
	local seq = tonumber(ARGV[i + 1])
	if seq == 0 then
		seq = maxseq + 1
	end
	if seq > maxseq then
		maxseq = seq
	end
	if redis.call('HSETNX', KEYS[3], id, ARGV[i + 2]) == 1 then
		redis.call('ZADD', KEYS[2], string.format('%.0f', seq), id)
		added = added + 1
	end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('PEXPIRE', KEYS[2], ttl)
	redis.call('PEXPIRE', KEYS[3], ttl)
end
return added
`)

// RedisStore implements Repository on Redis. The client is owned by the
// caller and may be shared with the Redis bus.
type RedisStore struct {
	rdb  *redis.Client
	opts Options
}

// NewRedis creates a Redis-backed repository.
func NewRedis(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, opts: opts.withDefaults()}
}

type redisTurn struct {
	ID        string        `json:"id"`
	Body      string        `json:"body"`
	Origin    domain.Origin `json:"origin"`
	CreatedAt int64         `json:"created_at"`
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op; the caller closes the shared client.
func (s *RedisStore) Close() error {
	return nil
}

// CreateSession writes the session hash with the configured TTL.
func (s *RedisStore) CreateSession(ctx context.Context, ownerName string) (*domain.Session, error) {
	session := newSession(ownerName, s.opts.Clock.Now(), s.opts.TTL)
	key := sessionKey(session.Token)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"owner_name", session.OwnerName,
			"created_at", session.CreatedAt.UnixMilli(),
			"expires_at", session.ExpiresAt.UnixMilli(),
		)
		pipe.PExpire(ctx, key, s.opts.TTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write session: %w: %w", ErrUnavailable, err)
	}
	return session, nil
}

// GetSession reads the session hash.
func (s *RedisStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	fields, err := s.rdb.HGetAll(ctx, sessionKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session: %w: %w", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	createdAt, err1 := strconv.ParseInt(fields["created_at"], 10, 64)
	expiresAt, err2 := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err1 != nil || err2 != nil {
		slog.Warn("corrupt session hash", "token", token)
		return nil, ErrNotFound
	}

	session := &domain.Session{
		Token:     token,
		OwnerName: fields["owner_name"],
		CreatedAt: time.UnixMilli(createdAt),
		ExpiresAt: time.UnixMilli(expiresAt),
	}
	if session.Expired(s.opts.Clock.Now()) {
		return nil, ErrNotFound
	}
	return session, nil
}

// AppendTurn appends a single turn with a generated ID.
func (s *RedisStore) AppendTurn(ctx context.Context, token string, origin domain.Origin, body string) error {
	return s.AppendTurns(ctx, token, newTurn(origin, body, s.opts.Clock.Now()))
}

// AppendTurns runs the append script for all turns at once.
func (s *RedisStore) AppendTurns(ctx context.Context, token string, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	args := make([]any, 0, len(turns)*3)
	for _, turn := range turns {
		raw, err := json.Marshal(redisTurn{
			ID:        turn.ID,
			Body:      turn.Body,
			Origin:    turn.Origin,
			CreatedAt: turn.CreatedAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		args = append(args, turn.ID, strconv.FormatInt(turn.Seq, 10), string(raw))
	}

	keys := []string{sessionKey(token), turnsKey(token), bodiesKey(token)}
	added, err := appendScript.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("append turns: %w: %w", ErrUnavailable, err)
	}
	if added < 0 {
		slog.Debug("AppendTurns skipped for missing session", "token", token)
	}
	return nil
}

// HasTurn checks the bodies hash, which holds every turn of the session.
func (s *RedisStore) HasTurn(ctx context.Context, token, turnID string) (bool, error) {
	if _, err := s.GetSession(ctx, token); err != nil {
		return false, err
	}
	found, err := s.rdb.HExists(ctx, bodiesKey(token), turnID).Result()
	if err != nil {
		return false, fmt.Errorf("lookup turn: %w: %w", ErrUnavailable, err)
	}
	return found, nil
}

// GetHistory returns up to limit most recent turns, oldest first.
func (s *RedisStore) GetHistory(ctx context.Context, token string, limit int) ([]domain.Turn, error) {
	if _, err := s.GetSession(ctx, token); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	members, err := s.rdb.ZRangeWithScores(ctx, turnsKey(token), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read turn order: %w: %w", ErrUnavailable, err)
	}
	turns := []domain.Turn{}
	if len(members) == 0 {
		return turns, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = fmt.Sprint(m.Member)
	}
	bodies, err := s.rdb.HMGet(ctx, bodiesKey(token), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read turn bodies: %w: %w", ErrUnavailable, err)
	}

	for i, raw := range bodies {
		str, ok := raw.(string)
		if !ok {
			// Keys expired between the two reads.
			continue
		}
		var rt redisTurn
		if err := json.Unmarshal([]byte(str), &rt); err != nil {
			slog.Warn("skipping undecodable turn", "token", token, "turn_id", ids[i], "error", err)
			continue
		}
		turns = append(turns, domain.Turn{
			ID:        rt.ID,
			Body:      rt.Body,
			Origin:    rt.Origin,
			CreatedAt: time.UnixMilli(rt.CreatedAt),
			Seq:       int64(members[i].Score),
		})
	}
	return turns, nil
}

// PurgeExpired is a no-op; Redis expires keys on its own.
func (s *RedisStore) PurgeExpired(context.Context) (int64, error) {
	return 0, nil
}
