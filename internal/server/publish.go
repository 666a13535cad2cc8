package server

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/echod/internal/obs"
)

// Publisher ships stats snapshots somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, st Stats) error
	Close() error
}

// RedisPublisher stores each snapshot in a per-instance hash with a TTL and
// keeps the instance listed in a shared set, so several echod instances can
// be watched from one place. Stale instances expire on their own.
type RedisPublisher struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
}

const redisInstancesKey = "echod:instances"

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(addr, password string, db int, ttl time.Duration) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	host, _ := os.Hostname()
	return &RedisPublisher{
		client:     rdb,
		instanceID: fmt.Sprintf("echod-%s-%d", host, time.Now().UnixNano()),
		ttl:        ttl,
	}, nil
}

var _ Publisher = (*RedisPublisher)(nil)

// Key returns the hash key this instance writes to.
func (r *RedisPublisher) Key() string { return "echod:instance:" + r.instanceID }

func (r *RedisPublisher) Publish(ctx context.Context, st Stats) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.Key(), statsFields(st))
	pipe.Expire(ctx, r.Key(), r.ttl)
	pipe.SAdd(ctx, redisInstancesKey, r.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Close removes this instance from the shared set and closes the client.
func (r *RedisPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.SRem(ctx, redisInstancesKey, r.instanceID)
	pipe.Del(ctx, r.Key())
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.close", obs.Fields{"err": err.Error(), "instance": r.instanceID})
	}
	return r.client.Close()
}

func statsFields(st Stats) map[string]any {
	return map[string]any{
		"active":          st.Active,
		"max_connections": st.MaxConnections,
		"accepted":        st.Accepted,
		"rejected":        st.Rejected,
		"datagrams":       st.Datagrams,
		"tcp_bytes":       st.TCPBytes,
		"udp_bytes":       st.UDPBytes,
		"ready":           strconv.FormatBool(st.Ready),
		"updated":         st.Now,
	}
}

// runPublisher publishes a snapshot every PublishInterval and a final one on
// shutdown. Publish errors are logged and never stop the server.
func (s *Server) runPublisher(ctx context.Context) error {
	interval := s.opts.PublishInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	publish := func(pctx context.Context) {
		if err := s.opts.Publisher.Publish(pctx, s.state.Snapshot()); err != nil {
			obs.Error("stats.publish", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("publish").Inc()
		}
	}
	publish(ctx)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			publish(fctx)
			cancel()
			return nil
		case <-t.C:
			publish(ctx)
		}
	}
}
