// Package resultset caches the lists shown to each user so a follow-up turn
// can reference entries by ordinal ("удали вторую"). Sets expire after a TTL
// of inactivity and the per-user cache is bounded, evicting the oldest set
// first.
package resultset

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/initio/assistant/internal/models"
)

// Defaults for cache construction.
const (
	DefaultCapacity = 64
	DefaultTTL      = time.Hour
)

// Kind classifies the entities held in a set.
type Kind string

const (
	KindGoal  Kind = "goal"
	KindStep  Kind = "step"
	KindEvent Kind = "event"
)

// Item is one entry of a displayed list.
type Item struct {
	Kind Kind
	ID   int64
}

type entry struct {
	id       string
	items    []Item
	lastUsed time.Time
}

type userSets struct {
	sets   []*entry // oldest first
	latest string
}

// Cache stores displayed result sets per user.
type Cache struct {
	mu       sync.Mutex
	users    map[string]*userSets
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// Opts holds configuration for cache construction.
type Opts struct {
	Capacity int
	TTL      time.Duration
}

// Option configures cache construction.
type Option func(*Opts)

// WithCapacity bounds the number of sets kept per user.
func WithCapacity(n int) Option {
	return func(o *Opts) { o.Capacity = n }
}

// WithTTL sets the lifetime of a set.
func WithTTL(d time.Duration) Option {
	return func(o *Opts) { o.TTL = d }
}

// New creates a result-set cache based on provided options.
func New(opts ...Option) *Cache {
	cfg := Opts{Capacity: DefaultCapacity, TTL: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache{
		users:    make(map[string]*userSets),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		now:      time.Now,
	}
}

// Put records a displayed list and returns its set id.
func (c *Cache) Put(userID string, items []Item) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	us, ok := c.users[userID]
	if !ok {
		us = &userSets{}
		c.users[userID] = us
	}
	e := &entry{id: uuid.NewString(), items: items, lastUsed: c.now()}
	us.sets = append(us.sets, e)
	us.latest = e.id
	if len(us.sets) > c.capacity {
		us.sets = us.sets[len(us.sets)-c.capacity:]
	}
	slog.Debug("ResultSet stored", "userID", userID, "setID", e.id, "items", len(items))
	return e.id
}

// Latest returns the id of the most recently stored live set for the user.
// A hit counts as activity and extends the set's lifetime.
func (c *Cache) Latest(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	us, ok := c.users[userID]
	if !ok || us.latest == "" {
		return "", false
	}
	e := c.findLocked(us, us.latest)
	if e == nil || c.expired(e) {
		return "", false
	}
	e.lastUsed = c.now()
	return us.latest, true
}

// Resolve maps a 1-based ordinal in a set to the stored item. Unknown,
// expired or out-of-range references return models.ErrUnknownEntity. A hit
// counts as activity and extends the set's lifetime.
func (c *Cache) Resolve(userID, setID string, ordinal int) (Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	us, ok := c.users[userID]
	if !ok {
		return Item{}, fmt.Errorf("%w: no result sets for user", models.ErrUnknownEntity)
	}
	e := c.findLocked(us, setID)
	if e == nil {
		return Item{}, fmt.Errorf("%w: unknown set %s", models.ErrUnknownEntity, setID)
	}
	if c.expired(e) {
		return Item{}, fmt.Errorf("%w: set %s expired", models.ErrUnknownEntity, setID)
	}
	if ordinal < 1 || ordinal > len(e.items) {
		return Item{}, fmt.Errorf("%w: ordinal %d out of range 1..%d", models.ErrUnknownEntity, ordinal, len(e.items))
	}
	e.lastUsed = c.now()
	return e.items[ordinal-1], nil
}

func (c *Cache) findLocked(us *userSets, setID string) *entry {
	for _, e := range us.sets {
		if e.id == setID {
			return e
		}
	}
	return nil
}

func (c *Cache) expired(e *entry) bool {
	return c.now().Sub(e.lastUsed) > c.ttl
}
