package tenant

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyKey     = errors.New("tenant: empty key")
	ErrDuplicateKey = errors.New("tenant: duplicate key")
	ErrUnknown      = errors.New("tenant: unknown tenant")
)

// Key is the partition key for all per-tenant state. It is immutable once a
// tenant exists.
type Key string

func (k Key) String() string { return string(k) }

// KeyFromNames derives the legacy key "first_last" (trimmed, lower-case).
// Two tenants sharing both names collide; prefer an explicit id.
func KeyFromNames(first, last string) Key {
	f := strings.ToLower(strings.TrimSpace(first))
	l := strings.ToLower(strings.TrimSpace(last))
	if f == "" && l == "" {
		return ""
	}
	return Key(f + "_" + l)
}

type Tenant struct {
	Key       Key
	FirstName string
	LastName  string

	// Channels lists the delivery channel names enabled for this tenant.
	Channels       []string
	TelegramChatID int64
}

func (t Tenant) DisplayName() string {
	name := strings.TrimSpace(t.FirstName + " " + t.LastName)
	if name == "" {
		return string(t.Key)
	}
	return name
}

// Registry is an immutable set of tenants indexed by key.
type Registry struct {
	byKey map[Key]Tenant
	keys  []Key
}

// NewRegistry validates and indexes tenants. A tenant without an explicit key
// gets one derived from its names. Duplicate keys are a configuration error.
func NewRegistry(tenants []Tenant) (*Registry, error) {
	r := &Registry{byKey: make(map[Key]Tenant, len(tenants))}
	for i, t := range tenants {
		if t.Key == "" {
			t.Key = KeyFromNames(t.FirstName, t.LastName)
		}
		if t.Key == "" {
			return nil, fmt.Errorf("tenants[%d]: %w", i, ErrEmptyKey)
		}
		if _, dup := r.byKey[t.Key]; dup {
			return nil, fmt.Errorf("tenants[%d] %q: %w", i, t.Key, ErrDuplicateKey)
		}
		t.Channels = append([]string(nil), t.Channels...)
		r.byKey[t.Key] = t
		r.keys = append(r.keys, t.Key)
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })
	return r, nil
}

func (r *Registry) Get(k Key) (Tenant, bool) {
	if r == nil {
		return Tenant{}, false
	}
	t, ok := r.byKey[k]
	return t, ok
}

// Lookup is Get returning ErrUnknown for a missing tenant.
func (r *Registry) Lookup(k Key) (Tenant, error) {
	t, ok := r.Get(k)
	if !ok {
		return Tenant{}, fmt.Errorf("%w: %q", ErrUnknown, k)
	}
	return t, nil
}

// Keys returns tenant keys in sorted order.
func (r *Registry) Keys() []Key {
	if r == nil {
		return nil
	}
	return append([]Key(nil), r.keys...)
}

// All returns tenants sorted by key.
func (r *Registry) All() []Tenant {
	if r == nil {
		return nil
	}
	out := make([]Tenant, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.byKey[k])
	}
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}
