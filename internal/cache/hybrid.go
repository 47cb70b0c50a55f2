package cache

import "time"

// Hybrid fronts a persistent cache with an in-memory one. Reads that miss
// memory but hit the file layer repopulate memory.
type Hybrid struct {
	front *Memory
	back  Provider
}

// NewHybrid creates a Hybrid cache from a memory front and a persistent back.
func NewHybrid(front *Memory, back Provider) *Hybrid {
	return &Hybrid{front: front, back: back}
}

// Get implements Provider.
func (h *Hybrid) Get(key string) (*Entry, bool) {
	if entry, ok := h.front.Get(key); ok {
		return entry, true
	}
	entry, ok := h.back.Get(key)
	if !ok {
		return nil, false
	}
	ttl := time.Duration(0)
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return nil, false
		}
	}
	h.front.Set(key, entry.Value, ttl)
	return entry, true
}

// Set implements Provider.
func (h *Hybrid) Set(key string, value []byte, ttl time.Duration) {
	h.front.Set(key, value, ttl)
	h.back.Set(key, value, ttl)
}

// Delete implements Provider.
func (h *Hybrid) Delete(key string) {
	h.front.Delete(key)
	h.back.Delete(key)
}

// Clear implements Provider.
func (h *Hybrid) Clear() {
	h.front.Clear()
	h.back.Clear()
}
