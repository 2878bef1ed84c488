// Package jwks implements C3: a per-issuer cache of JSON Web Key Sets with
// single-flight refresh, per spec §4.1 and the single-flight design note in
// §9. Concurrent callers during a refresh share the in-flight fetch; a
// populated cache entry survives a failed refresh and keeps serving stale
// keys until the next successful one.
package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/telemetry"
)

// KeySet maps a key id (kid) to its decoded public key.
type KeySet map[string]crypto.PublicKey

type entry struct {
	mu         sync.RWMutex
	keys       KeySet
	fetchedAt  time.Time
	everFetched bool
}

// Cache fetches, caches and refreshes key sets keyed by issuer URL.
type Cache struct {
	httpClient   *http.Client
	pollInterval time.Duration

	// Metrics records cache hit/fetch counters and fetch latency (C7, per
	// spec §2's component table). New sets it to a no-op recorder; callers
	// may replace it directly after construction.
	Metrics telemetry.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
}

// New constructs a Cache. pollInterval of zero means "fetch once, never
// refresh" per spec §4.1.
func New(httpClient *http.Client, pollInterval time.Duration) *Cache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Cache{
		httpClient:   httpClient,
		pollInterval: pollInterval,
		entries:      make(map[string]*entry),
		Metrics:      telemetry.NewNoopMetrics(),
	}
}

// Get returns the key set for jwksURL, fetching it on first use and
// refreshing it on the first call after pollInterval elapses. The refresh
// runs inside that call, shared by concurrent callers through single-flight.
func (c *Cache) Get(ctx context.Context, jwksURL string) (KeySet, error) {
	c.mu.Lock()
	e, ok := c.entries[jwksURL]
	if !ok {
		e = &entry{}
		c.entries[jwksURL] = e
	}
	c.mu.Unlock()

	e.mu.RLock()
	fresh := e.everFetched && (c.pollInterval <= 0 || time.Since(e.fetchedAt) < c.pollInterval)
	keys := e.keys
	e.mu.RUnlock()

	if fresh {
		c.Metrics.IncCounter("jwks_cache_requests_total", 1, "result", "hit")
		return keys, nil
	}

	start := time.Now()
	result, err, _ := c.group.Do(jwksURL, func() (any, error) {
		fetched, ferr := c.fetch(ctx, jwksURL)
		e.mu.Lock()
		defer e.mu.Unlock()
		if ferr != nil {
			if e.everFetched {
				// Refresh failure on a populated entry: log-and-swallow is
				// the caller's job (it has the logger); we just keep serving
				// stale keys.
				return e.keys, nil
			}
			return nil, gwerrors.Wrap(gwerrors.InternalError, ferr)
		}
		e.keys = fetched
		e.fetchedAt = time.Now()
		e.everFetched = true
		return fetched, nil
	})
	c.Metrics.RecordTimer("jwks_fetch_duration", time.Since(start))
	if err != nil {
		c.Metrics.IncCounter("jwks_cache_requests_total", 1, "result", "error")
		return nil, err
	}
	c.Metrics.IncCounter("jwks_cache_requests_total", 1, "result", "miss")
	return result.(KeySet), nil
}

func (c *Cache) fetch(ctx context.Context, jwksURL string) (KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var set josejwk.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(KeySet, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	return keys, nil
}
