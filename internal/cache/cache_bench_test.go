package cache_test

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sap-alerte/fieldsync/internal/cache"
	"github.com/sap-alerte/fieldsync/internal/events"
)

func BenchmarkCachePut(b *testing.B) {
	storage, err := cache.NewStorage(b.TempDir(), events.NewNopLogger())
	if err != nil {
		b.Fatal(err)
	}
	c, err := storage.Open("bench")
	if err != nil {
		b.Fatal(err)
	}

	sizes := []int{
		1024,    // 1KB
		102400,  // 100KB
		1048576, // 1MB
	}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%dKB", size/1024), func(b *testing.B) {
			data := make([]byte, size)
			_, _ = rand.Read(data)
			header := http.Header{"Content-Type": []string{"application/octet-stream"}}

			b.ReportAllocs()
			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/assets/%d.bin", i), nil)
				if err := c.Put(req, http.StatusOK, header, data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkCacheMatch(b *testing.B) {
	storage, err := cache.NewStorage(b.TempDir(), events.NewNopLogger())
	if err != nil {
		b.Fatal(err)
	}
	c, err := storage.Open("bench")
	if err != nil {
		b.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	data := make([]byte, 10240)
	_, _ = rand.Read(data)
	if err := c.Put(req, http.StatusOK, http.Header{}, data); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		entry, err := c.Match(req)
		if err != nil || entry == nil {
			b.Fatal("expected hit")
		}
	}
}
