package cache

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrCacheDeleted is returned by writes to a cache whose storage was deleted.
	ErrCacheDeleted = errors.New("cache deleted")
	// ErrInvalidName is returned for cache names that are not a single path element.
	ErrInvalidName = errors.New("invalid cache name")
)

// Store manages named response caches.
type Store interface {
	// Open returns the named cache, creating it when missing.
	Open(name string) (*Cache, error)

	// Delete removes the named cache and every entry in it. It reports
	// whether the cache existed.
	Delete(name string) (bool, error)

	// Names lists existing caches.
	Names() ([]string, error)

	// Has reports whether the named cache exists.
	Has(name string) (bool, error)
}

// Entry is one stored response.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Serve writes the stored response. Body is omitted for HEAD requests.
func (e *Entry) Serve(w http.ResponseWriter, head bool) {
	for k, vs := range e.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(e.Status)
	if !head {
		_, _ = w.Write(e.Body)
	}
}
