package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/sap-alerte/fieldsync/internal/events"
)

const entryExt = ".json"

// Cache is a named set of stored responses keyed by request.
type Cache struct {
	name   string
	dir    string
	logger *events.Logger

	mu           sync.RWMutex
	deleted      bool
	maxEntrySize int64
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Key returns the lookup key of a request: method and request URI.
// HEAD shares the GET entry.
func Key(req *http.Request) string {
	method := req.Method
	if method == http.MethodHead || method == "" {
		method = http.MethodGet
	}
	return method + " " + req.URL.RequestURI()
}

// Match returns the stored response for req, or nil on a miss.
func (c *Cache) Match(req *http.Request) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.deleted {
		return nil, nil
	}

	data, err := os.ReadFile(c.entryPath(Key(req)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}

	return &entry, nil
}

// Put stores a response for req, replacing any previous one.
func (c *Cache) Put(req *http.Request, status int, header http.Header, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleted {
		return fmt.Errorf("put into %s: %w", c.name, ErrCacheDeleted)
	}

	if int64(len(body)) > c.maxEntrySize {
		return fmt.Errorf("entry too large: %d bytes (max: %d)", len(body), c.maxEntrySize)
	}

	key := Key(req)
	entry := Entry{
		Method:   strings.SplitN(key, " ", 2)[0],
		URL:      req.URL.RequestURI(),
		Status:   status,
		Header:   storableHeader(header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"url":  entry.URL,
		"size": len(body),
	}).Debug("Storing response")

	return writeAtomic(c.entryPath(key), data)
}

// Keys returns the request URIs of stored entries in lexical order.
func (c *Cache) Keys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.deleted {
		return nil, nil
	}

	files, err := c.entryFiles()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.WithError(err).WithField("file", filepath.Base(f)).Warn("Skipping unreadable entry")
			continue
		}
		keys = append(keys, entry.URL)
	}
	sort.Strings(keys)

	return keys, nil
}

// Len returns the number of stored entries.
func (c *Cache) Len() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.deleted {
		return 0, nil
	}

	files, err := c.entryFiles()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

func (c *Cache) markDeleted() {
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
}

func (c *Cache) entryFiles() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache %s: %w", c.name, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != entryExt {
			continue
		}
		files = append(files, filepath.Join(c.dir, entry.Name()))
	}
	return files, nil
}

func (c *Cache) entryPath(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entryExt)
}

// storableHeader drops hop-by-hop and per-response headers.
func storableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Set-Cookie", "Date", "Content-Length":
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// writeAtomic writes data to a temp file, syncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	tempPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
