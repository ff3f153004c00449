package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sap-alerte/fieldsync/internal/cache"
	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/metrics"
	"github.com/sap-alerte/fieldsync/internal/models"
)

// OfflineMessage is returned to pages for mutations accepted while offline.
const OfflineMessage = "Données sauvegardées localement, seront synchronisées plus tard"

const (
	modeOnline  = "online"
	modeOffline = "offline"
)

// Options configures an Interceptor.
type Options struct {
	Upstream         *url.URL
	StaticCacheName  string
	RuntimeCacheName string
	StaticAssets     []string
	ShellPath        string

	// FetchThroughTimeout bounds the network attempt on an offline cache
	// miss. Zero disables it.
	FetchThroughTimeout time.Duration

	Transport http.RoundTripper
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Interceptor sits between pages and the application origin. Online it
// proxies untouched; offline it answers from caches and accepts mutations
// locally.
type Interceptor struct {
	opts    Options
	storage cache.Store
	logger  *events.Logger

	proxy   *httputil.ReverseProxy
	forward *httputil.ReverseProxy
	client  *http.Client

	// switchMu serializes mode changes with runtime cache writes.
	// generation counts mode changes so a fetch that spans one can tell.
	switchMu      sync.Mutex
	online        atomic.Bool
	runtimeUsable atomic.Bool
	generation    atomic.Uint64

	outbound *events.Bus[models.Message]
}

// New creates an interceptor in optimistic online mode.
func New(opts Options, storage cache.Store, logger *events.Logger) (*Interceptor, error) {
	if opts.Upstream == nil || opts.Upstream.Host == "" {
		return nil, fmt.Errorf("%w: interceptor needs an upstream origin", models.ErrInvalidConfig)
	}
	if opts.StaticCacheName == "" {
		opts.StaticCacheName = "sap-v2"
	}
	if opts.RuntimeCacheName == "" {
		opts.RuntimeCacheName = "sap-runtime-v2"
	}
	if opts.ShellPath == "" {
		opts.ShellPath = "/index.html"
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = logger.WithField("component", "interceptor")

	i := &Interceptor{
		opts:     opts,
		storage:  storage,
		logger:   logger,
		client:   &http.Client{Transport: opts.Transport, Timeout: 30 * time.Second},
		outbound: events.NewBus[models.Message]("interceptor", logger),
	}
	i.online.Store(true)
	i.runtimeUsable.Store(true)

	upstream := opts.Upstream
	i.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: opts.Transport,
		ModifyResponse: func(*http.Response) error {
			opts.Metrics.ObserveIntercept(modeOnline, "proxied")
			return nil
		},
		ErrorHandler: i.onlineFailure,
	}
	i.forward = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = pr.In.URL
			pr.Out.Host = pr.In.URL.Host
		},
		Transport: opts.Transport,
	}

	return i, nil
}

// Subscribe registers a handler for interceptor-to-page messages.
func (i *Interceptor) Subscribe(fn func(models.Message)) func() {
	return i.outbound.Subscribe(fn)
}

// Online returns the current mode.
func (i *Interceptor) Online() bool {
	return i.online.Load()
}

// RuntimeClean reports whether the last runtime cache purge succeeded.
func (i *Interceptor) RuntimeClean() bool {
	return i.runtimeUsable.Load()
}

// RuntimeCacheLen returns the number of runtime cache entries.
func (i *Interceptor) RuntimeCacheLen() (int, error) {
	has, err := i.storage.Has(i.opts.RuntimeCacheName)
	if err != nil || !has {
		return 0, err
	}
	c, err := i.storage.Open(i.opts.RuntimeCacheName)
	if err != nil {
		return 0, err
	}
	return c.Len()
}

// Install fetches the static assets into the static cache. Individual
// failures are logged and skipped.
func (i *Interceptor) Install(ctx context.Context) error {
	static, err := i.storage.Open(i.opts.StaticCacheName)
	if err != nil {
		return fmt.Errorf("open static cache: %w", err)
	}

	i.logger.WithField("assets", len(i.opts.StaticAssets)).Info("Caching static assets")

	stored := 0
	for _, asset := range i.opts.StaticAssets {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.upstreamURL(asset), nil)
		if err != nil {
			i.logger.WithError(err).WithField("asset", asset).Warn("Skipping asset")
			continue
		}

		resp, err := i.client.Do(req)
		if err != nil {
			i.logger.WithError(err).WithField("asset", asset).Warn("Asset not cached")
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			i.logger.WithFields(map[string]interface{}{
				"asset":  asset,
				"status": resp.StatusCode,
			}).Warn("Asset not cached")
			continue
		}

		if err := static.Put(req, resp.StatusCode, resp.Header, body); err != nil {
			i.logger.WithError(err).WithField("asset", asset).Warn("Asset not cached")
			continue
		}
		stored++
	}

	i.logger.WithFields(map[string]interface{}{
		"stored": stored,
		"total":  len(i.opts.StaticAssets),
	}).Info("Install complete")

	return nil
}

// Activate deletes every cache other than the static and runtime caches.
func (i *Interceptor) Activate(ctx context.Context) error {
	names, err := i.storage.Names()
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	for _, name := range names {
		if name == i.opts.StaticCacheName || name == i.opts.RuntimeCacheName {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		i.logger.WithField("cache", name).Info("Deleting old cache")
		if _, err := i.storage.Delete(name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
	}

	return nil
}

// HandleMessage applies a page message.
func (i *Interceptor) HandleMessage(ctx context.Context, msg models.Message) {
	data, err := models.ParseMessageData(&msg)
	if err != nil {
		i.logger.WithError(err).WithField("type", string(msg.Type)).Warn("Ignoring message")
		return
	}

	switch msg.Type {
	case models.MsgNetworkStatus:
		i.SetOnline(data.(*models.NetworkStatus).IsOnline)

	case models.MsgSkipWaiting:
		if err := i.Activate(ctx); err != nil {
			i.logger.WithError(err).Error("Activation failed")
		}

	default:
		i.logger.WithField("type", string(msg.Type)).Debug("Message not for interceptor")
	}
}

// SetOnline switches mode. On a return online the runtime cache is purged
// before the mode flips, once per transition.
func (i *Interceptor) SetOnline(online bool) {
	i.switchMu.Lock()
	defer i.switchMu.Unlock()

	was := i.online.Load()
	if was == online {
		return
	}

	i.generation.Add(1)
	if online {
		i.purgeRuntime()
	}
	i.online.Store(online)

	i.logger.WithFields(map[string]interface{}{
		"from": modeName(was),
		"to":   modeName(online),
	}).Info("Network status updated")
}

func (i *Interceptor) purgeRuntime() {
	existed, err := i.storage.Delete(i.opts.RuntimeCacheName)
	if err != nil {
		i.runtimeUsable.Store(false)
		i.logger.WithError(err).Error("Runtime cache purge failed")
		return
	}

	i.runtimeUsable.Store(true)
	i.opts.Metrics.ObserveRuntimePurge()
	i.logger.WithField("existed", existed).Info("Runtime cache purged")
}

// TriggerBackgroundSync asks pages and the coordinator to drain.
func (i *Interceptor) TriggerBackgroundSync(tag string) {
	msg, err := models.NewMessage(models.MsgTriggerSync, models.TriggerSync{Tag: tag})
	if err != nil {
		i.logger.WithError(err).Error("Build trigger message")
		return
	}
	i.logger.WithField("tag", tag).Debug("Background sync")
	i.outbound.Publish(msg)
}

// ServeHTTP routes a page request according to the current mode.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if i.foreign(r) {
		i.opts.Metrics.ObserveIntercept(modeName(i.Online()), "passthrough")
		i.forward.ServeHTTP(w, r)
		return
	}

	if i.Online() {
		i.proxy.ServeHTTP(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		i.acceptOffline(w, r)
	default:
		i.serveOffline(w, r)
	}
}

// foreign reports requests for another origin that are not API calls.
func (i *Interceptor) foreign(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return false
	}
	if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return true
	}
	return r.URL.Host != i.opts.Upstream.Host && !isAPI(r)
}

// onlineFailure serves a cached copy when the network fails while online.
func (i *Interceptor) onlineFailure(w http.ResponseWriter, r *http.Request, err error) {
	logger := i.logger.WithError(err).WithField("url", r.URL.RequestURI())
	logger.Warn("Network request failed")

	if entry := i.match(r, i.opts.StaticCacheName); entry != nil {
		i.opts.Metrics.ObserveIntercept(modeOnline, "fallback")
		logger.Info("Network failed, serving from cache")
		entry.Serve(w, r.Method == http.MethodHead)
		return
	}
	if i.runtimeUsable.Load() {
		if entry := i.match(r, i.opts.RuntimeCacheName); entry != nil {
			i.opts.Metrics.ObserveIntercept(modeOnline, "fallback")
			logger.Info("Network failed, serving from cache")
			entry.Serve(w, r.Method == http.MethodHead)
			return
		}
	}

	i.opts.Metrics.ObserveIntercept(modeOnline, "bad_gateway")
	w.WriteHeader(http.StatusBadGateway)
}

// acceptOffline answers a mutation locally and notifies pages.
func (i *Interceptor) acceptOffline(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"offline": true,
		"message": OfflineMessage,
	}, map[string]string{"X-Offline": "true"})

	i.opts.Metrics.ObserveIntercept(modeOffline, "queued")

	notice := models.OfflineRequestNotice{
		Method:    r.Method,
		URL:       i.upstreamURL(r.URL.RequestURI()),
		Timestamp: i.opts.Now().UnixMilli(),
	}
	msg, err := models.NewMessage(models.MsgOfflineRequest, notice)
	if err != nil {
		i.logger.WithError(err).Error("Build offline request message")
		return
	}

	i.logger.WithFields(map[string]interface{}{
		"method": notice.Method,
		"url":    notice.URL,
	}).Info("Request accepted offline")

	i.outbound.Publish(msg)
}

// serveOffline answers reads from the caches.
func (i *Interceptor) serveOffline(w http.ResponseWriter, r *http.Request) {
	head := r.Method == http.MethodHead

	for _, name := range []string{i.opts.StaticCacheName, i.opts.RuntimeCacheName} {
		if entry := i.match(r, name); entry != nil {
			i.opts.Metrics.ObserveIntercept(modeOffline, "cache_hit")
			i.logger.WithField("url", r.URL.RequestURI()).Debug("Serving from cache (offline)")
			entry.Serve(w, head)
			return
		}
	}

	if (r.Method == http.MethodGet || head) && i.fetchThrough(w, r) {
		i.opts.Metrics.ObserveIntercept(modeOffline, "fetched")
		return
	}

	i.logger.WithField("url", r.URL.RequestURI()).Debug("Not in cache (offline)")

	if isAPI(r) {
		i.opts.Metrics.ObserveIntercept(modeOffline, "unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "offline",
			"message": "Pas de connexion Internet",
		}, nil)
		return
	}

	if isNavigation(r) {
		for _, shell := range []string{i.opts.ShellPath, "/"} {
			shellReq, _ := http.NewRequestWithContext(r.Context(), http.MethodGet, shell, nil)
			if entry := i.match(shellReq, i.opts.StaticCacheName); entry != nil {
				i.opts.Metrics.ObserveIntercept(modeOffline, "shell")
				entry.Serve(w, head)
				return
			}
		}
	}

	i.opts.Metrics.ObserveIntercept(modeOffline, "unavailable")
	http.Error(w, "Application not available offline", http.StatusServiceUnavailable)
}

// fetchThrough tries the network once on an offline miss. A 2xx answer is
// stored in the runtime cache and served.
func (i *Interceptor) fetchThrough(w http.ResponseWriter, r *http.Request) bool {
	if i.opts.FetchThroughTimeout <= 0 {
		return false
	}

	gen := i.generation.Load()

	ctx, cancel := context.WithTimeout(r.Context(), i.opts.FetchThroughTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.upstreamURL(r.URL.RequestURI()), nil)
	if err != nil {
		return false
	}
	for _, h := range []string{"Accept", "Accept-Language", "Authorization", "Cookie"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}

	i.storeRuntime(gen, r, resp.StatusCode, resp.Header, body)

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, bytes.NewReader(body))
	}

	return true
}

// storeRuntime caches a fetched response, unless the mode changed after
// the fetch began. A response that lands after a return online would
// otherwise refill the runtime cache the switch just purged.
func (i *Interceptor) storeRuntime(gen uint64, r *http.Request, status int, header http.Header, body []byte) {
	i.switchMu.Lock()
	defer i.switchMu.Unlock()

	if i.online.Load() || i.generation.Load() != gen {
		i.logger.WithField("url", r.URL.RequestURI()).Debug("Mode changed during fetch, response not cached")
		return
	}

	runtime, err := i.storage.Open(i.opts.RuntimeCacheName)
	if err != nil {
		i.logger.WithError(err).Warn("Open runtime cache")
		return
	}
	if err := runtime.Put(r, status, header, body); err != nil {
		i.logger.WithError(err).Warn("Store runtime response")
	}
}

// match looks req up in the named cache. Errors count as misses.
func (i *Interceptor) match(req *http.Request, name string) *cache.Entry {
	has, err := i.storage.Has(name)
	if err != nil || !has {
		return nil
	}
	c, err := i.storage.Open(name)
	if err != nil {
		i.logger.WithError(err).WithField("cache", name).Debug("Cache unavailable")
		return nil
	}
	entry, err := c.Match(req)
	if err != nil {
		i.logger.WithError(err).WithField("cache", name).Debug("Cache lookup failed")
		return nil
	}
	return entry
}

func (i *Interceptor) upstreamURL(requestURI string) string {
	u := *i.opts.Upstream
	u.Path = ""
	u.RawPath = ""
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/") + requestURI
}

func isAPI(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func modeName(online bool) string {
	if online {
		return modeOnline
	}
	return modeOffline
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, val := range headers {
		w.Header().Set(k, val)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
