package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// File is a persistent content-addressed cache under a directory. Each entry
// is a JSON file named by its key; writes go through a temp file and atomic
// rename. When the file count exceeds maxFiles, the oldest files by mtime
// are evicted.
type File struct {
	mu       sync.Mutex
	dir      string
	maxFiles int
}

// NewFile creates a File cache rooted at dir.
func NewFile(dir string, maxFiles int) *File {
	if dir == "" {
		dir = ".socialmapper/census_cache"
	}
	if maxFiles <= 0 {
		maxFiles = 10000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		zap.L().Warn("cache: create dir", zap.String("dir", dir), zap.Error(err))
	}
	return &File{dir: dir, maxFiles: maxFiles}
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

// Get implements Provider.
func (f *File) Get(key string) (*Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		zap.L().Debug("cache: corrupt entry, removing", zap.String("key", key), zap.Error(err))
		_ = os.Remove(f.path(key))
		return nil, false
	}
	if entry.Expired(time.Now()) {
		_ = os.Remove(f.path(key))
		return nil, false
	}
	return &entry, true
}

// Set implements Provider.
func (f *File) Set(key string, value []byte, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := Entry{Key: key, Value: value, CreatedAt: time.Now()}
	if ttl > 0 {
		entry.ExpiresAt = entry.CreatedAt.Add(ttl)
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		zap.L().Warn("cache: marshal entry", zap.String("key", key), zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(f.dir, "entry-*.tmp")
	if err != nil {
		zap.L().Warn("cache: create temp", zap.Error(err))
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		zap.L().Warn("cache: write temp", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		zap.L().Warn("cache: rename entry", zap.String("key", key), zap.Error(err))
		return
	}

	f.evictLocked()
}

// evictLocked removes the oldest files by mtime until the count is within
// the cap. Caller holds the mutex.
func (f *File) evictLocked() {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil || len(matches) <= f.maxFiles {
		return
	}

	type aged struct {
		path  string
		mtime time.Time
	}
	files := make([]aged, 0, len(matches))
	for _, p := range matches {
		info, statErr := os.Stat(p)
		if statErr != nil {
			continue
		}
		files = append(files, aged{path: p, mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	for i := 0; i < len(files)-f.maxFiles; i++ {
		_ = os.Remove(files[i].path)
	}
}

// Delete implements Provider.
func (f *File) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = os.Remove(f.path(key))
}

// Clear implements Provider.
func (f *File) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return
	}
	for _, p := range matches {
		_ = os.Remove(p)
	}
}
