package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"refdispatch/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel wake-ups travel on.
const DefaultChannel = "refdispatch:wake"

// Redis is a Waker shared by every process subscribed to the same channel.
// Wake publishes; a background subscriber turns each message into a local
// wake.
type Redis struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger

	local *Local
	sub   *redis.PubSub
	done  chan struct{}
}

// RedisOption configures a Redis waker.
type RedisOption func(*Redis)

// WithChannel overrides the pub/sub channel.
func WithChannel(channel string) RedisOption {
	return func(r *Redis) {
		if c := strings.TrimSpace(channel); c != "" {
			r.channel = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) RedisOption {
	return func(r *Redis) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRedis subscribes to the wake channel and starts forwarding messages.
// The subscription is confirmed before NewRedis returns.
func NewRedis(ctx context.Context, rdb *redis.Client, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		rdb:     rdb,
		channel: DefaultChannel,
		log:     zap.NewNop(),
		local:   NewLocal(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.sub = rdb.Subscribe(ctx, r.channel)
	if _, err := r.sub.Receive(ctx); err != nil {
		_ = r.sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go r.forward()
	r.log.Info("wake channel subscribed", zap.String("channel", r.channel))
	return r, nil
}

// Dial connects to Redis from cfg, pings it, and subscribes. It returns nil
// and no error when no address is configured.
func Dial(ctx context.Context, cfg config.NotifyConfig, log *zap.Logger) (*Redis, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err := rdb.Ping(pingCtx).Result()
	cancel()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	r, err := NewRedis(ctx, rdb, WithChannel(cfg.Channel), WithLogger(log))
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) forward() {
	defer close(r.done)
	for msg := range r.sub.Channel() {
		r.log.Debug("wake received", zap.String("payload", msg.Payload))
		_ = r.local.Wake(context.Background())
	}
}

// Wake implements Waker by publishing to the channel. The publisher's own
// subscriber delivers it locally.
func (r *Redis) Wake(ctx context.Context) error {
	if err := r.rdb.Publish(ctx, r.channel, "wake").Err(); err != nil {
		return fmt.Errorf("publish wake: %w", err)
	}
	return nil
}

// Wait implements Waker.
func (r *Redis) Wait() <-chan struct{} {
	return r.local.Wait()
}

// Close stops the subscription and closes the client.
func (r *Redis) Close() error {
	err := r.sub.Close()
	<-r.done
	if cerr := r.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
