// ABOUTME: Redis stream mirror of published fragments for cross-process readers
// ABOUTME: XADD with approximate MAXLEN on write, blocking XREAD tail on read

package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/chorus-gateway/internal/conversation"
)

const (
	// KeyPrefix namespaces conversation streams.
	KeyPrefix = "chorus:conv:"

	// DefaultMaxLen bounds each stream; trimming is approximate.
	DefaultMaxLen = 1000

	// DefaultBlock is how long one XREAD waits before re-checking the context.
	DefaultBlock = 5 * time.Second

	fragmentField = "fragment"
	readBatch     = 100
)

// ErrMalformedEntry is yielded by Tail for stream entries it cannot decode.
var ErrMalformedEntry = errors.New("malformed stream entry")

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Options configures a RedisMirror.
type Options struct {
	MaxLen int64         // per-stream entry bound, 0 for DefaultMaxLen
	TTL    time.Duration // key expiry refreshed on every write, 0 disables
	Block  time.Duration // XREAD block, 0 for DefaultBlock
	Logger *slog.Logger
}

// RedisMirror implements conversation.Mirror on Redis streams.
type RedisMirror struct {
	client Client
	maxLen int64
	ttl    time.Duration
	block  time.Duration
	logger *slog.Logger
}

var _ conversation.Mirror = (*RedisMirror)(nil)

// Entry is one mirrored fragment together with its Redis stream id.
type Entry struct {
	StreamID string
	Fragment conversation.Fragment
}

// NewRedisMirror wraps client.
func NewRedisMirror(client Client, opts Options) *RedisMirror {
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	if opts.Block <= 0 {
		opts.Block = DefaultBlock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisMirror{
		client: client,
		maxLen: opts.MaxLen,
		ttl:    opts.TTL,
		block:  opts.Block,
		logger: opts.Logger.With("component", "fanout"),
	}
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

// StreamKey returns the Redis key holding a conversation's fragments.
func StreamKey(conversationID string) string {
	return KeyPrefix + conversationID
}

// Mirror appends f to its conversation stream.
func (m *RedisMirror) Mirror(ctx context.Context, f conversation.Fragment) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding fragment: %w", err)
	}

	key := StreamKey(f.ConversationID)
	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]any{fragmentField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}

	if m.ttl > 0 {
		if err := m.client.Expire(ctx, key, m.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// Tail yields mirrored fragments of a conversation after the stream id
// lastID ("" or "0" replays the retained stream). The sequence ends silently
// when ctx is done; Redis errors are yielded and end it.
func (m *RedisMirror) Tail(ctx context.Context, conversationID, lastID string) iter.Seq2[Entry, error] {
	if lastID == "" {
		lastID = "0"
	}
	key := StreamKey(conversationID)

	return func(yield func(Entry, error) bool) {
		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := m.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   readBatch,
				Block:   m.block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(Entry{}, fmt.Errorf("xread %s: %w", key, err))
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					entry, err := decodeEntry(msg)
					if err != nil {
						m.logger.Warn("skipping stream entry", "stream", key, "id", msg.ID, "error", err)
						if !yield(Entry{StreamID: msg.ID}, err) {
							return
						}
						continue
					}
					if !yield(entry, nil) {
						return
					}
				}
			}
		}
	}
}

func decodeEntry(msg redis.XMessage) (Entry, error) {
	raw, ok := msg.Values[fragmentField].(string)
	if !ok {
		return Entry{}, fmt.Errorf("%w: missing %s field", ErrMalformedEntry, fragmentField)
	}
	var f conversation.Fragment
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return Entry{StreamID: msg.ID, Fragment: f}, nil
}
