package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"notify-service/internal/auth"
	"notify-service/internal/database"
	"notify-service/internal/realtime"

	"github.com/redis/go-redis/v9"
)

const (
	onlineUsersKey    = "online_users"
	defaultPresence   = 5 * time.Minute
	presenceOpBudget  = 3 * time.Second
	presenceQueueSize = 1024
)

func userStatusKey(userID string) string {
	return fmt.Sprintf("user:%s:status", userID)
}

func userConnsKey(userID string) string {
	return fmt.Sprintf("user:%s:connections", userID)
}

// Both online_users and user:<id>:connections are sorted sets scored by the
// unix second at which the entry lapses unless refreshed.

// markOffline drops one connection of a user along with any lapsed ones, and
// clears the user's online entry when none remain. Returns the remaining
// connection count.
var markOffline = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
local remaining = redis.call("ZCARD", KEYS[1])
if remaining == 0 then
	redis.call("DEL", KEYS[1])
	redis.call("ZREM", KEYS[2], ARGV[2])
	redis.call("HSET", KEYS[3], "status", "offline", "last_seen", ARGV[3], "updated_at", ARGV[3])
	redis.call("EXPIRE", KEYS[3], 86400)
end
return remaining
`)

type presenceKind int

const (
	presenceOnline presenceKind = iota
	presenceRefresh
	presenceOffline
	presenceBarrier
)

type presenceOp struct {
	kind     presenceKind
	conn     *realtime.Connection
	identity auth.Identity
	done     chan struct{}
}

// RedisService keeps cross-instance presence in Redis and backs the upgrade
// rate limit.
//
// Presence writes go through a single worker so that the writes for one
// connection reach Redis in the order the registry reported them.
type RedisService struct {
	client      *database.RedisClient
	presenceTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time

	ops       chan presenceOp
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewRedisService(client *database.RedisClient, presenceTTL time.Duration, logger *slog.Logger) *RedisService {
	if presenceTTL <= 0 {
		presenceTTL = defaultPresence
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisService{
		client:      client,
		presenceTTL: presenceTTL,
		logger:      logger,
		now:         time.Now,
		ops:         make(chan presenceOp, presenceQueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.presenceLoop()
	return r
}

// Close applies the presence writes already queued and stops the worker.
// Later observer calls are dropped.
func (r *RedisService) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
	<-r.done
}

// =============================================================================
// Presence (realtime.Observer)
// =============================================================================

// OnAuthenticated runs after registry locks are released; the Redis round trip
// happens on the presence worker.
func (r *RedisService) OnAuthenticated(c *realtime.Connection, identity auth.Identity) {
	r.enqueue(presenceOp{kind: presenceOnline, conn: c, identity: identity})
}

func (r *RedisService) OnDisconnected(c *realtime.Connection, identity auth.Identity) {
	r.enqueue(presenceOp{kind: presenceOffline, conn: c, identity: identity})
}

// Heartbeat queues a refresh for every authenticated connection in registry so
// their presence entries do not lapse while the sockets stay open.
func (r *RedisService) Heartbeat(registry *realtime.Registry) {
	for _, c := range registry.Connections() {
		if identity, ok := c.Identity(); ok {
			r.enqueue(presenceOp{kind: presenceRefresh, conn: c, identity: identity})
		}
	}
}

// RunHeartbeat calls Heartbeat three times per presence TTL until ctx is done.
func (r *RedisService) RunHeartbeat(ctx context.Context, registry *realtime.Registry) {
	ticker := time.NewTicker(r.presenceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Heartbeat(registry)
			if err := r.pruneOnlineUsers(ctx); err != nil {
				r.logger.Warn("Failed to prune presence", "error", err)
			}
		}
	}
}

func (r *RedisService) enqueue(op presenceOp) {
	select {
	case <-r.stop:
		r.logger.Debug("Presence worker stopped, dropping update", "connID", op.conn.ID(), "userID", op.identity.SubjectID)
		return
	default:
	}

	select {
	case r.ops <- op:
	case <-r.stop:
		r.logger.Debug("Presence worker stopped, dropping update", "connID", op.conn.ID(), "userID", op.identity.SubjectID)
	}
}

// flush blocks until every update queued before it has been applied.
func (r *RedisService) flush() {
	done := make(chan struct{})
	select {
	case r.ops <- presenceOp{kind: presenceBarrier, done: done}:
	case <-r.stop:
		return
	}
	select {
	case <-done:
	case <-r.done:
	}
}

func (r *RedisService) presenceLoop() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			r.apply(op)
		case <-r.stop:
			for {
				select {
				case op := <-r.ops:
					r.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (r *RedisService) apply(op presenceOp) {
	if op.kind == presenceBarrier {
		close(op.done)
		return
	}

	userID := op.identity.SubjectID
	connID := string(op.conn.ID())
	ctx, cancel := context.WithTimeout(context.Background(), presenceOpBudget)
	defer cancel()

	switch op.kind {
	case presenceOnline, presenceRefresh:
		// The offline update for this connection is queued after it leaves
		// Authenticated, so skipping here never strands an entry.
		if op.conn.State() != realtime.StateAuthenticated {
			return
		}
		if err := r.SetUserOnline(ctx, userID, connID); err != nil {
			r.logger.Warn("Failed to record presence", "userID", userID, "connID", connID, "error", err)
		}
	case presenceOffline:
		if err := r.SetUserOffline(ctx, userID, connID); err != nil {
			r.logger.Warn("Failed to clear presence", "userID", userID, "connID", connID, "error", err)
		}
	}
}

func (r *RedisService) SetUserOnline(ctx context.Context, userID, connID string) error {
	now := r.now()
	expiresAt := float64(now.Add(r.presenceTTL).Unix())
	pipe := r.client.GetClient().TxPipeline()

	pipe.ZAdd(ctx, onlineUsersKey, redis.Z{Score: expiresAt, Member: userID})
	pipe.ZAdd(ctx, userConnsKey(userID), redis.Z{Score: expiresAt, Member: connID})
	pipe.Expire(ctx, userConnsKey(userID), r.presenceTTL)
	pipe.HSet(ctx, userStatusKey(userID), map[string]interface{}{
		"status":     "online",
		"last_seen":  now.Unix(),
		"updated_at": now.Unix(),
	})
	pipe.Expire(ctx, userStatusKey(userID), r.presenceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set user online: %w", err)
	}

	r.logger.Debug("User set to online", "userID", userID, "connID", connID)
	return nil
}

// SetUserOffline removes one connection; the user goes offline with the last.
func (r *RedisService) SetUserOffline(ctx context.Context, userID, connID string) error {
	keys := []string{userConnsKey(userID), onlineUsersKey, userStatusKey(userID)}
	remaining, err := markOffline.Run(ctx, r.client.GetClient(), keys, connID, userID, r.now().Unix()).Int64()
	if err != nil {
		return fmt.Errorf("set user offline: %w", err)
	}

	r.logger.Debug("User connection closed", "userID", userID, "connID", connID, "remaining", remaining)
	return nil
}

func (r *RedisService) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	expiresAt, err := r.client.GetClient().ZScore(ctx, onlineUsersKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expiresAt > float64(r.now().Unix()), nil
}

func (r *RedisService) GetOnlineUsers(ctx context.Context) ([]string, error) {
	return r.client.GetClient().ZRangeByScore(ctx, onlineUsersKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(r.now().Unix(), 10),
		Max: "+inf",
	}).Result()
}

// pruneOnlineUsers drops users whose entry lapsed, e.g. because the instance
// holding their sockets died.
func (r *RedisService) pruneOnlineUsers(ctx context.Context) error {
	return r.client.GetClient().ZRemRangeByScore(ctx, onlineUsersKey, "-inf", strconv.FormatInt(r.now().Unix(), 10)).Err()
}

// =============================================================================
// Rate Limiting
// =============================================================================

// CheckRateLimit records one hit on key and reports whether the caller is still
// under limit hits in the trailing window.
func (r *RedisService) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixNano()

	pipe := r.client.GetClient().TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() < int64(limit), nil
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}
