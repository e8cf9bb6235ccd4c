package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Invalidation announces that a cached definition is stale. DatasetID zero
// drops every cached definition of the study.
type Invalidation struct {
	Origin    string `json:"origin"`
	StudyID   string `json:"study_id"`
	DatasetID int    `json:"dataset_id"`
}

// InvalidationBus fans definition invalidations out to other replicas.
type InvalidationBus interface {
	Publish(ctx context.Context, msg Invalidation) error
	StartForwarder(ctx context.Context, onMsg func(Invalidation)) error
	Close() error
}

type redisBus struct {
	log     *zap.SugaredLogger
	rdb     *redis.Client
	channel string
}

// NewRedisBus connects to addr and verifies the server with a ping.
func NewRedisBus(ctx context.Context, addr, channel string, log *zap.SugaredLogger) (InvalidationBus, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if channel == "" {
		channel = "studycore:definitions"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisBus{log: log.With("bus", "redis", "channel", channel), rdb: rdb, channel: channel}, nil
}

func (b *redisBus) Publish(ctx context.Context, msg Invalidation) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes and invokes onMsg for each payload until ctx ends.
func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(Invalidation)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg Invalidation
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warnw("bad invalidation payload", "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
