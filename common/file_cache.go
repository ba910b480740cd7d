package common

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var _ CacheRepository = (*fileCache)(nil)

type fileEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// fileCache keeps every entry in one JSON document. Each write rewrites the
// whole file through a temp file + rename, so a crash never leaves it half written.
type fileCache struct {
	mu   sync.Mutex
	path string
	log  Logger
	now  func() time.Time
}

// NewFileCache returns a CacheRepository persisted at path (mode 0600).
func NewFileCache(path string, log Logger) CacheRepository {
	if log == nil {
		log = NopLogger{}
	}
	return &fileCache{path: path, log: log, now: time.Now}
}

func (c *fileCache) load() map[string]fileEntry {
	entries := map[string]fileEntry{}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warnf("read cache file %s: %v", c.path, err)
		}
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		c.log.Warnf("corrupt cache file %s, starting empty: %v", c.path, err)
		return map[string]fileEntry{}
	}
	return entries
}

func (c *fileCache) save(entries map[string]fileEntry) {
	data, err := json.Marshal(entries)
	if err != nil {
		c.log.Errorf("encode cache file: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		c.log.Errorf("create cache dir: %v", err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*")
	if err != nil {
		c.log.Errorf("create temp cache file: %v", err)
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		c.log.Errorf("write cache file: %v", err)
		return
	}
	if err := tmp.Chmod(0o600); err != nil {
		c.log.Warnf("chmod cache file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		c.log.Errorf("close cache file: %v", err)
		return
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		c.log.Errorf("replace cache file: %v", err)
	}
}

func (c *fileCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.load()[key]
	if !ok {
		return nil, false
	}
	if !e.ExpiresAt.IsZero() && c.now().After(e.ExpiresAt) {
		return nil, false
	}
	return e.Value, true
}

func (c *fileCache) Set(key string, value []byte, expiration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load()
	e := fileEntry{Value: value}
	if expiration > 0 {
		e.ExpiresAt = c.now().Add(expiration)
	}
	entries[key] = e
	c.save(entries)
}

func (c *fileCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load()
	if _, ok := entries[key]; !ok {
		return
	}
	delete(entries, key)
	c.save(entries)
}
