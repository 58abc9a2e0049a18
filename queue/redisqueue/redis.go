// Package redisqueue implements queue.Queue on a Redis stream read through a
// single consumer group.
//
// Pull first reclaims entries another consumer left pending for longer than
// the visibility timeout (XAUTOCLAIM), then reads new entries (XREADGROUP).
// The stream entry id is the delivery token; Ack removes the entry.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/addonrelay/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

type Config struct {
	// Client is the Redis client to use. If nil, one is created from RedisURL.
	Client   redis.UniversalClient
	RedisURL string
	// KeyPrefix is prepended to the stream key. Defaults to "addonrelay:queue:".
	KeyPrefix string
	// Group is the consumer group shared by all distributors.
	Group string
	// Consumer names this process within the group. Defaults to hostname plus
	// a random suffix.
	Consumer          string
	VisibilityTimeout time.Duration
	// MaxLen caps the stream length (approximate trimming). Zero disables it.
	MaxLen int64
}

type Queue struct {
	client     redis.UniversalClient
	ownClient  bool
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	maxLen     int64

	groupMu    sync.Mutex
	groupReady bool
}

func New(cfg Config) (*Queue, error) {
	client := cfg.Client
	own := false
	if client == nil {
		url := cfg.RedisURL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		own = true
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "addonrelay:queue:"
	}
	group := cfg.Group
	if group == "" {
		group = "distributors"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = host + "-" + uuid.NewString()[:8]
	}
	vis := cfg.VisibilityTimeout
	if vis <= 0 {
		vis = queue.DefaultVisibilityTimeout
	}

	return &Queue{
		client:     client,
		ownClient:  own,
		stream:     prefix + "events",
		group:      group,
		consumer:   consumer,
		visibility: vis,
		maxLen:     cfg.MaxLen,
	}, nil
}

func (q *Queue) Close() error {
	if q.ownClient {
		return q.client.Close()
	}
	return nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	q.groupReady = true
	return nil
}

func (q *Queue) Push(ctx context.Context, body []byte) error {
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{bodyField: body},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", q.stream, err)
	}
	return nil
}

func (q *Queue) Pull(ctx context.Context, max int) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	var out []queue.Message

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim from %s: %w", q.stream, err)
	}
	for _, m := range claimed {
		out = append(out, q.toMessage(ctx, m, true))
	}

	if remaining := max - len(out); remaining > 0 {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    int64(remaining),
			Block:    -1, // never block; the ingestor owns the poll interval
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("read from %s: %w", q.stream, err)
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				out = append(out, q.toMessage(ctx, m, false))
			}
		}
	}
	return out, nil
}

func (q *Queue) toMessage(ctx context.Context, m redis.XMessage, reclaimed bool) queue.Message {
	var body []byte
	switch v := m.Values[bodyField].(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	}
	msg := queue.Message{ID: m.ID, Body: body, DeliveryToken: m.ID, Attempts: 1}
	if reclaimed {
		msg.Attempts = q.deliveryCount(ctx, m.ID)
	}
	return msg
}

func (q *Queue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	// A reclaimed entry has been delivered at least twice.
	return max(int(pending[0].RetryCount), 2)
}

func (q *Queue) Ack(ctx context.Context, deliveryToken string) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	var acked *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		acked = p.XAck(ctx, q.stream, q.group, deliveryToken)
		p.XDel(ctx, q.stream, deliveryToken)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", deliveryToken, err)
	}
	if acked.Val() == 0 {
		return queue.ErrUnknownToken
	}
	return nil
}

var _ queue.Queue = (*Queue)(nil)
