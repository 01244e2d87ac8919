package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/domain"
)

// Redis backs Members with one redis set per session. Single-key set
// updates are atomic on the server, which is all the coordinator needs
// beyond its own per-session lock.
type Redis struct {
	rdb *goredis.Client
}

func NewRedis(addr, password string) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}
	log.Info().Str("module", "store.redis").Str("addr", addr).Msg("connected")
	return &Redis{rdb: rdb}, nil
}

func memberKey(sid domain.SessionID) string {
	return "presence:session:" + string(sid) + ":members"
}

func (r *Redis) Add(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	if err := r.rdb.SAdd(ctx, memberKey(sid), int64(uid)).Err(); err != nil {
		return fmt.Errorf("%w: sadd: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	if err := r.rdb.SRem(ctx, memberKey(sid), int64(uid)).Err(); err != nil {
		return fmt.Errorf("%w: srem: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, sid domain.SessionID) ([]domain.UserID, error) {
	raw, err := r.rdb.SMembers(ctx, memberKey(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: smembers: %v", ErrUnavailable, err)
	}
	out := make([]domain.UserID, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			log.Warn().Str("module", "store.redis").Str("value", s).Msg("skipping non-numeric member id")
			continue
		}
		out = append(out, domain.UserID(id))
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
