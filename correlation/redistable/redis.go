package redistable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/addonrelay/correlation"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "addonrelay:corr:"
	defaultReplyTTL  = time.Minute
	claimTimeout     = 2 * time.Second
)

// Config for the Redis-backed table. Defaults can be loaded via envdecode.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from RedisURL.
	Client redis.UniversalClient `env:"-"`
	// RedisURL like "redis://localhost:6379/0". ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	// KeyPrefix for all keys and the wake-up channel. ENV: CORRELATION_KEY_PREFIX
	KeyPrefix string `env:"CORRELATION_KEY_PREFIX,default=addonrelay:corr:"`
	// ReplyTTL bounds how long an unread response is kept.
	ReplyTTL time.Duration `env:"CORRELATION_REPLY_TTL,default=1m"`
	Logger   *slog.Logger  `env:"-"`
}

// Table implements correlation.Table on Redis.
type Table struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	replyTTL  time.Duration
	log       *slog.Logger

	listenMu sync.Mutex
	pubsub   *redis.PubSub

	mu      sync.Mutex
	waiters map[string]chan struct{} // correlationID -> wake-up signal
}

func New(cfg Config) (*Table, error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if own {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	replyTTL := cfg.ReplyTTL
	if replyTTL <= 0 {
		replyTTL = defaultReplyTTL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Table{
		client:    client,
		ownClient: own,
		keyPrefix: prefix,
		replyTTL:  replyTTL,
		log:       log,
		waiters:   make(map[string]chan struct{}),
	}, nil
}

// NewFromEnv builds a Table using envdecode to populate Config.
func NewFromEnv() (*Table, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close stops the wake-up listener and, if the table created it, the client.
func (t *Table) Close() error {
	t.listenMu.Lock()
	if t.pubsub != nil {
		_ = t.pubsub.Close()
	}
	t.listenMu.Unlock()
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

// --- Key helpers ---

func (t *Table) awaitKey(id string) string { return t.keyPrefix + "await:" + id }
func (t *Table) replyKey(id string) string { return t.keyPrefix + "reply:" + id }
func (t *Table) channel() string           { return t.keyPrefix + "replies" }

// --- Wake-up listener ---

// listen subscribes to the wake-up channel once per table. The subscription is
// confirmed before Begin returns so a Fulfill issued after the request is sent
// is never published into the void. A failed attempt is retried by the next
// Begin.
func (t *Table) listen(ctx context.Context) error {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()
	if t.pubsub != nil {
		return nil
	}
	ps := t.client.Subscribe(context.Background(), t.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", t.channel(), err)
	}
	t.pubsub = ps
	go t.dispatch(ps.Channel())
	return nil
}

func (t *Table) dispatch(ch <-chan *redis.Message) {
	for msg := range ch {
		t.mu.Lock()
		sig, ok := t.waiters[msg.Payload]
		t.mu.Unlock()
		if !ok {
			// Waiter lives on another node.
			continue
		}
		select {
		case sig <- struct{}{}:
		default:
		}
	}
}

func (t *Table) removeWaiter(id string, sig chan struct{}) {
	t.mu.Lock()
	if cur, ok := t.waiters[id]; ok && cur == sig {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
}

// --- Begin / Fulfill ---

func (t *Table) Begin(ctx context.Context, correlationID string, ttl time.Duration) (correlation.Pending, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := t.listen(ctx); err != nil {
		return nil, err
	}

	sig := make(chan struct{}, 1)
	t.mu.Lock()
	if _, exists := t.waiters[correlationID]; exists {
		t.mu.Unlock()
		return nil, correlation.ErrPendingExists
	}
	t.waiters[correlationID] = sig
	t.mu.Unlock()

	ok, err := t.client.SetNX(ctx, t.awaitKey(correlationID), "1", ttl).Result()
	if err != nil {
		t.removeWaiter(correlationID, sig)
		return nil, fmt.Errorf("register await: %w", err)
	}
	if !ok {
		t.removeWaiter(correlationID, sig)
		return nil, correlation.ErrPendingExists
	}
	return &pending{t: t, id: correlationID, sig: sig}, nil
}

// fulfillScript takes completion rights by deleting the await marker; only the
// winner stores the reply and publishes the wake-up.
var fulfillScript = redis.NewScript(`
local await = KEYS[1]
local reply = KEYS[2]
if redis.call('DEL', await) == 1 then
  redis.call('SET', reply, ARGV[1], 'PX', ARGV[2])
  redis.call('PUBLISH', ARGV[3], ARGV[4])
  return 1
end
return 0
`)

func (t *Table) Fulfill(ctx context.Context, correlationID string, data []byte) (bool, error) {
	keys := []string{t.awaitKey(correlationID), t.replyKey(correlationID)}
	res, err := fulfillScript.Run(ctx, t.client, keys, data, t.replyTTL.Milliseconds(), t.channel(), correlationID).Int()
	if err != nil {
		return false, fmt.Errorf("fulfill %s: %w", correlationID, err)
	}
	return res == 1, nil
}

// --- Pending ---

type pending struct {
	t   *Table
	id  string
	sig chan struct{}
}

func (p *pending) Wait(ctx context.Context) ([]byte, error) {
	defer p.t.removeWaiter(p.id, p.sig)

	select {
	case <-p.sig:
		return p.takeReply(context.WithoutCancel(ctx))
	case <-ctx.Done():
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimTimeout)
	defer cancel()
	won, err := p.claim(cctx)
	if err != nil {
		p.t.log.WarnContext(ctx, "redistable.claim.err", slog.String("correlation_id", p.id), slog.String("err", err.Error()))
		return nil, ctx.Err()
	}
	if won {
		return nil, ctx.Err()
	}
	// A response (or the TTL) beat us; a stored reply is ours to return.
	return p.takeReply(cctx)
}

func (p *pending) Cancel(ctx context.Context) error {
	defer p.t.removeWaiter(p.id, p.sig)
	_, err := p.claim(ctx)
	return err
}

func (p *pending) claim(ctx context.Context) (bool, error) {
	n, err := p.t.client.Del(ctx, p.t.awaitKey(p.id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *pending) takeReply(ctx context.Context) ([]byte, error) {
	data, err := p.t.client.GetDel(ctx, p.t.replyKey(p.id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, correlation.ErrPendingCanceled
		}
		return nil, fmt.Errorf("read reply %s: %w", p.id, err)
	}
	return data, nil
}

var _ correlation.Table = (*Table)(nil)
