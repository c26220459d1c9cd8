package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	BanStatusTTL = 2 * time.Minute

	// Short on purpose: propagation correctness depends on freshness.
	ListStatusTTL = 20 * time.Second

	NamesTTL = 5 * time.Minute

	// Staff identities change rarely and are looked up often.
	StaffNamesTTL = time.Hour

	defaultSize = 8192
)

type (
	// Status is a TTL-bounded lookup cache for per-user boolean-ish status
	// checks (ban reason, denylist flag). Values are never shared across
	// keys and are only refreshed lazily on miss.
	Status[V any] struct {
		lru *expirable.LRU[int64, V]
	}

	// Name is the resolved identity behind a public username.
	Name struct {
		ID       int64
		Name     string
		Username string
	}

	// Names caches username resolution, which costs a platform round trip
	// per miss and changes rarely. Staff entries live in their own tier
	// with a longer TTL.
	Names struct {
		users *expirable.LRU[string, Name]
		staff *expirable.LRU[string, Name]
	}
)

func NewStatus[V any](ttl time.Duration) *Status[V] {
	return &Status[V]{lru: expirable.NewLRU[int64, V](defaultSize, nil, ttl)}
}

func (c *Status[V]) Get(userID int64) (V, bool) {
	return c.lru.Get(userID)
}

func (c *Status[V]) Set(userID int64, v V) {
	c.lru.Add(userID, v)
}

// Invalidate drops the cached value after a state-changing operation that is
// known to make it stale, so readers do not wait out the TTL.
func (c *Status[V]) Invalidate(userID int64) {
	c.lru.Remove(userID)
}

func NewNames() *Names {
	return &Names{
		users: expirable.NewLRU[string, Name](defaultSize, nil, NamesTTL),
		staff: expirable.NewLRU[string, Name](256, nil, StaffNamesTTL),
	}
}

func (c *Names) Get(username string) (Name, bool) {
	key := nameKey(username)
	if n, ok := c.staff.Get(key); ok {
		return n, true
	}
	return c.users.Get(key)
}

func (c *Names) Set(username string, isStaff bool, n Name) {
	if isStaff {
		c.staff.Add(nameKey(username), n)
		return
	}
	c.users.Add(nameKey(username), n)
}

func nameKey(username string) string {
	return strings.ToLower(strings.TrimPrefix(username, "@"))
}
