package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key(map[string]any{"op": "acs", "year": 2023, "vars": "B01003_001E"})
	b := Key(map[string]any{"vars": "B01003_001E", "op": "acs", "year": 2023})
	assert.Equal(t, a, b, "insertion order must not matter")
	assert.Len(t, a, 32)

	c := Key(map[string]any{"op": "acs", "year": 2022, "vars": "B01003_001E"})
	assert.NotEqual(t, a, c)
}

func TestMemoryLRUEviction(t *testing.T) {
	m := NewMemory(2)
	m.Set("a", []byte("1"), 0)
	m.Set("b", []byte("2"), 0)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := m.Get("a")
	require.True(t, ok)

	m.Set("c", []byte("3"), 0)
	assert.Equal(t, 2, m.Len())

	_, ok = m.Get("b")
	assert.False(t, ok, "least recently used entry is gone")
	_, ok = m.Get("a")
	assert.True(t, ok)
	_, ok = m.Get("c")
	assert.True(t, ok)
}

func TestMemoryTTL(t *testing.T) {
	m := NewMemory(10)
	m.Set("k", []byte("v"), time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok := m.Get("k")
	assert.False(t, ok)

	m.Set("forever", []byte("v"), 0)
	entry, ok := m.Get("forever")
	require.True(t, ok)
	assert.True(t, entry.ExpiresAt.IsZero())
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	m := NewMemory(10)
	m.Set("k", []byte("old"), 0)
	m.Set("k", []byte("new"), 0)
	assert.Equal(t, 1, m.Len())

	entry, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), entry.Value)

	m.Delete("k")
	_, ok = m.Get("k")
	assert.False(t, ok)

	m.Set("a", nil, 0)
	m.Clear()
	assert.Zero(t, m.Len())
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, 100)

	key := Key(map[string]any{"test": "round-trip"})
	f.Set(key, []byte("payload"), time.Hour)

	entry, ok := f.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), entry.Value)

	// The entry survives a new cache instance over the same directory.
	f2 := NewFile(dir, 100)
	entry, ok = f2.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), entry.Value)
}

func TestFileCorruptEntryRemoved(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, 100)

	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, ok := f.Get("bad")
	assert.False(t, ok)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt file is removed on read")
}

func TestFileExpiry(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, 100)

	f.Set("k", []byte("v"), time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok := f.Get("k")
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(dir, "k.json"))
	assert.True(t, os.IsNotExist(err), "expired file is removed")
}

func TestFileEviction(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, 3)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		f.Set(k, []byte(k), 0)
		// Distinct mtimes so eviction order is stable.
		time.Sleep(5 * time.Millisecond)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	_, ok := f.Get("a")
	assert.False(t, ok)
	_, ok = f.Get("e")
	assert.True(t, ok)
}

func TestFileNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, 100)
	f.Set("k", []byte("v"), 0)

	tmp, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestHybridPromotion(t *testing.T) {
	dir := t.TempDir()
	back := NewFile(dir, 100)
	front := NewMemory(10)
	h := NewHybrid(front, back)

	// Seed only the back layer.
	back.Set("k", []byte("v"), time.Hour)
	_, ok := front.Get("k")
	require.False(t, ok)

	entry, ok := h.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), entry.Value)

	// The hit promoted the entry into memory.
	_, ok = front.Get("k")
	assert.True(t, ok)
}

func TestHybridWritesBothLayers(t *testing.T) {
	back := NewFile(t.TempDir(), 100)
	front := NewMemory(10)
	h := NewHybrid(front, back)

	h.Set("k", []byte("v"), 0)
	_, ok := front.Get("k")
	assert.True(t, ok)
	_, ok = back.Get("k")
	assert.True(t, ok)

	h.Delete("k")
	_, ok = h.Get("k")
	assert.False(t, ok)
}

func TestNewStrategies(t *testing.T) {
	assert.IsType(t, &Memory{}, New(StrategyMemory, Options{}))
	assert.IsType(t, &File{}, New(StrategyFile, Options{Dir: t.TempDir()}))
	assert.IsType(t, &Hybrid{}, New(StrategyHybrid, Options{Dir: t.TempDir()}))
	assert.IsType(t, Noop{}, New("none", Options{}))
	assert.IsType(t, Noop{}, New("unknown", Options{}))
}

func TestNoop(t *testing.T) {
	var n Noop
	n.Set("k", []byte("v"), 0)
	_, ok := n.Get("k")
	assert.False(t, ok)
}
