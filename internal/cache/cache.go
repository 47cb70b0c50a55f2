// Package cache provides the hybrid request cache used by the census fetch
// layer and the geocoder. Values are opaque bytes; keys are deterministic
// hashes of request parameters.
package cache

import (
	"crypto/md5" //nolint:gosec // non-cryptographic request fingerprint
	"encoding/hex"
	"encoding/json"
	"time"
)

// Entry is a cached value with its lifetime bounds.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed. Entries with no
// expiry never expire.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Provider is the cache contract shared by all variants.
type Provider interface {
	// Get returns the entry for key, or false on miss or expiry.
	Get(key string) (*Entry, bool)
	// Set stores value under key. A zero ttl means no expiry.
	Set(key string, value []byte, ttl time.Duration)
	// Delete removes the entry for key.
	Delete(key string)
	// Clear removes all entries.
	Clear()
}

// Key returns the MD5 hex of the canonical JSON encoding of params.
// encoding/json sorts map keys, so equal parameter sets hash equally
// regardless of insertion order.
func Key(params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Marshal of plain maps/strings/numbers cannot fail; fall back to
		// an empty fingerprint rather than panicking on exotic values.
		data = nil
	}
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Strategy names accepted by New.
const (
	StrategyMemory = "memory"
	StrategyFile   = "file"
	StrategyHybrid = "hybrid"
	StrategyNone   = "none"
)

// Options sizes the cache variants.
type Options struct {
	Dir      string
	MaxSize  int
	MaxFiles int
}

// New constructs the provider variant named by strategy.
func New(strategy string, opts Options) Provider {
	switch strategy {
	case StrategyMemory:
		return NewMemory(opts.MaxSize)
	case StrategyFile:
		return NewFile(opts.Dir, opts.MaxFiles)
	case StrategyHybrid:
		return NewHybrid(NewMemory(opts.MaxSize), NewFile(opts.Dir, opts.MaxFiles))
	default:
		return Noop{}
	}
}

// Noop always misses.
type Noop struct{}

// Get implements Provider.
func (Noop) Get(string) (*Entry, bool) { return nil, false }

// Set implements Provider.
func (Noop) Set(string, []byte, time.Duration) {}

// Delete implements Provider.
func (Noop) Delete(string) {}

// Clear implements Provider.
func (Noop) Clear() {}
