package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sap-alerte/fieldsync/internal/events"
)

// Storage keeps one directory per named cache under a base directory.
type Storage struct {
	baseDir string
	logger  *events.Logger

	mu     sync.Mutex
	caches map[string]*Cache

	maxEntrySize int64
}

// NewStorage creates a cache storage rooted at baseDir.
func NewStorage(baseDir string, logger *events.Logger) (*Storage, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &Storage{
		baseDir:      absPath,
		logger:       logger.WithField("component", "cache_storage"),
		caches:       make(map[string]*Cache),
		maxEntrySize: 10 * 1024 * 1024,
	}, nil
}

// SetMaxEntrySize sets the largest body a cache accepts.
func (s *Storage) SetMaxEntrySize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxEntrySize = size
	for _, c := range s.caches {
		c.maxEntrySize = size
	}
}

// Open returns the named cache, creating its directory when missing.
func (s *Storage) Open(name string) (*Cache, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[name]; ok {
		return c, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}

	c := &Cache{
		name:         name,
		dir:          dir,
		logger:       s.logger.WithField("cache", name),
		maxEntrySize: s.maxEntrySize,
	}
	s.caches[name] = c

	return c, nil
}

// Delete removes the named cache. Handles returned by earlier Open calls
// stop matching and refuse writes.
func (s *Storage) Delete(name string) (bool, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existed := true
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		existed = false
	}

	if c, ok := s.caches[name]; ok {
		c.markDeleted()
		delete(s.caches, name)
	}

	if !existed {
		return false, nil
	}

	s.logger.WithField("cache", name).Debug("Deleting cache")

	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("delete cache %s: %w", name, err)
	}

	return true, nil
}

// Names lists existing caches in lexical order.
func (s *Storage) Names() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	return names, nil
}

// Has reports whether the named cache exists.
func (s *Storage) Has(name string) (bool, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(dir)
	if err == nil {
		return info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// cacheDir validates a cache name and returns its directory.
func (s *Storage) cacheDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.baseDir, name), nil
}
