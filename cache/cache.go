// Package cache implements a two-tier TTL cache for chat lists and
// messages: an in-memory map that is the sole source of truth for hits,
// plus an optional durable mirror that lets chat state survive restarts.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"

	"github.com/meridianhq/relay/pkg/slogx"
)

// Well-known key classes. KeyAllChats is matched literally; chat message
// keys are matched by prefix. Only these two classes are mirrored durably.
const (
	KeyAllChats        = "chats"
	PrefixChatMessages = "chat_messages_"
)

// Per-class time-to-live values.
const (
	TTLAllChats     = 30 * time.Minute
	TTLChatMessages = 10 * time.Minute
	TTLDefault      = 5 * time.Minute
)

// Entry is one cached value with its lifetime.
type Entry struct {
	Data       []byte    `json:"data"`
	InsertedAt time.Time `json:"insertedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Mirror is the durable backing for the mirrored key classes. Any key-value
// store with these operations suffices. The mirror is never consulted on a
// live Get; it is read exactly once, at Open.
type Mirror interface {
	ReadAll(ctx context.Context, prefix string) (map[string]Entry, error)
	Write(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Clock abstracts time for tests.
type Clock func() time.Time

// Cache is safe for concurrent use. Eviction is lazy: expired entries die
// on the Get that finds them, there is no background sweeper.
type Cache struct {
	entries *haxmap.Map[string, Entry]
	mirror  Mirror
	clock   Clock
	log     *slog.Logger
}

var (
	// WithMirror attaches a durable mirror.
	WithMirror = opts.ForName[Cache, Mirror]("mirror")
	// WithClock overrides the time source.
	WithClock = opts.ForName[Cache, Clock]("clock")
	// WithLogger sets the logging sink for mirror failures.
	WithLogger = opts.ForName[Cache, *slog.Logger]("log")
)

// New builds a cache. Call Open before use and Close when done.
func New(options ...opts.Option[Cache]) *Cache {
	c := &Cache{
		entries: haxmap.New[string, Entry](),
		clock:   time.Now,
		log:     slog.Default(),
	}
	if err := opts.Apply(c, options); err != nil {
		panic(err)
	}
	return c
}

func classTTL(key string) time.Duration {
	switch {
	case key == KeyAllChats:
		return TTLAllChats
	case strings.HasPrefix(key, PrefixChatMessages):
		return TTLChatMessages
	default:
		return TTLDefault
	}
}

func mirrored(key string) bool {
	return key == KeyAllChats || strings.HasPrefix(key, PrefixChatMessages)
}

// Open rehydrates live mirrored entries into memory and purges the dead
// ones from durable storage. Without a mirror it is a no-op.
func (c *Cache) Open(ctx context.Context) error {
	if c.mirror == nil {
		return nil
	}

	rows, err := c.mirror.ReadAll(ctx, "")
	if err != nil {
		return err
	}

	now := c.clock()
	for key, entry := range rows {
		if now.After(entry.ExpiresAt) {
			if err := c.mirror.Delete(ctx, key); err != nil {
				c.log.Warn("failed to purge expired mirror entry", slogx.Error(err), slog.String("key", key))
			}
			continue
		}
		c.entries.Set(key, entry)
	}
	return nil
}

// Close releases the mirror. The in-memory tier needs no teardown.
func (c *Cache) Close() error {
	if c.mirror == nil {
		return nil
	}
	return c.mirror.Close()
}

// Set stores value under key. A zero ttl means the key class default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = classTTL(key)
	}
	now := c.clock()
	entry := Entry{Data: value, InsertedAt: now, ExpiresAt: now.Add(ttl)}
	c.entries.Set(key, entry)

	if c.mirror != nil && mirrored(key) {
		if err := c.mirror.Write(ctx, key, entry); err != nil {
			c.log.Warn("failed to mirror cache entry", slogx.Error(err), slog.String("key", key))
		}
	}
}

// Get returns the cached value. An entry past its expiry is a miss: it is
// removed from memory and, for mirrored classes, from durable storage.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if c.clock().After(entry.ExpiresAt) {
		c.entries.Del(key)
		if c.mirror != nil && mirrored(key) {
			if err := c.mirror.Delete(ctx, key); err != nil {
				c.log.Warn("failed to delete expired mirror entry", slogx.Error(err), slog.String("key", key))
			}
		}
		return nil, false
	}
	return entry.Data, true
}

// Invalidate removes one key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.entries.Del(key)
	if c.mirror != nil && mirrored(key) {
		if err := c.mirror.Delete(ctx, key); err != nil {
			c.log.Warn("failed to delete mirror entry", slogx.Error(err), slog.String("key", key))
		}
	}
}

// InvalidateByPrefix removes every key with the given prefix from both
// tiers and no others.
func (c *Cache) InvalidateByPrefix(ctx context.Context, prefix string) {
	var matched []string
	c.entries.ForEach(func(key string, _ Entry) bool {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
		return true
	})
	for _, key := range matched {
		c.Invalidate(ctx, key)
	}
}

// Len reports the number of live in-memory entries, expired or not.
func (c *Cache) Len() int {
	return int(c.entries.Len())
}
