package vireo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// cacheEntry is one TTL-bounded cached response body.
type cacheEntry struct {
	body    []byte
	expires time.Time
}

// RestClient is the per-node request/response transport (§4.1). It owns
// retries with exponential backoff and jitter, per-request timeouts,
// bounded TTL caches for GET responses and track loads, and in-flight
// deduplication via singleflight — mandatory because Player may batch-flush
// from multiple code paths concurrently.
type RestClient struct {
	cfg       *RestConfig
	node      *NodeConfig
	http      *http.Client
	log       *clog.Logger
	sessionID string

	group singleflight.Group

	mu         sync.Mutex
	getCache   map[string]cacheEntry
	trackCache map[string]cacheEntry
}

// NewRestClient builds a RestClient bound to one node. sessionID may be
// empty initially and set later via SetSessionID once the node's Ready
// message arrives.
func NewRestClient(node *NodeConfig, cfg *RestConfig, log *clog.Logger) *RestClient {
	if cfg == nil {
		cfg = NewRestConfig()
	}
	if log == nil {
		log = clog.Default()
	}
	return &RestClient{
		cfg:        cfg,
		node:       node,
		http:       &http.Client{},
		log:        log.With("component", "restclient", "node", node.Name),
		getCache:   map[string]cacheEntry{},
		trackCache: map[string]cacheEntry{},
	}
}

// SetSessionID records the node session id once NodeClient reaches Ready.
func (c *RestClient) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *RestClient) getSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ClearCaches empties both caches on demand (§4.1 "must be clearable").
func (c *RestClient) ClearCaches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCache = map[string]cacheEntry{}
	c.trackCache = map[string]cacheEntry{}
}

func retriable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoff computes the exponential-with-jitter delay for attempt n (0-indexed).
func backoff(n int, base, capDur, jitter time.Duration) time.Duration {
	d := base << n
	if d <= 0 || d > capDur {
		d = capDur
	}
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}

// request performs method against path with an optional JSON body, applying
// retry/backoff/timeout per §4.1. GET and PATCH are retried on network error
// or 429/5xx; any other non-retriable 4xx fails immediately.
func (c *RestClient) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, New(KindProtocol, "RestClient.request", err)
		}
		bodyBytes = b
	}

	reqID := uuid.NewString()
	retryable := method == http.MethodGet || method == http.MethodPatch

	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		status, respBody, err := c.doOnce(reqCtx, method, path, bodyBytes, reqID)
		cancel()
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		if verr, ok := err.(*Error); ok && verr.Kind == KindContract {
			break
		}
		if status != 0 && !retriable(status) {
			break
		}
		if attempt == attempts-1 {
			break
		}
		delay := backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap, c.cfg.BackoffJitter)
		c.log.Debug("retrying request", "request_id", reqID, "path", path, "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, New(KindTransientNetwork, "RestClient.request", ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *RestClient) doOnce(ctx context.Context, method, path string, body []byte, reqID string) (int, []byte, error) {
	url := c.node.httpEndpoint() + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, New(KindProtocol, "RestClient.doOnce", err)
	}
	httpReq.Header.Set("Authorization", c.node.Authorization)
	httpReq.Header.Set("X-Request-Id", reqID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.node.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.node.UserAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, New(KindTransientNetwork, "RestClient.doOnce", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, New(KindTransientNetwork, "RestClient.doOnce", err)
	}

	if resp.StatusCode >= 400 {
		kind := KindContract
		if retriable(resp.StatusCode) {
			kind = KindTransientNetwork
		}
		return resp.StatusCode, respBody, New(kind, "RestClient.doOnce",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	return resp.StatusCode, respBody, nil
}

// dedupKey identifies a request for in-flight sharing and GET caching.
func dedupKey(method, path string, body interface{}) string {
	b, _ := json.Marshal(body)
	return method + ":" + path + ":" + string(b)
}

// cachedGet performs a GET with both TTL caching and in-flight dedup.
func (c *RestClient) cachedGet(ctx context.Context, path string, ttl time.Duration, cache map[string]cacheEntry) ([]byte, error) {
	key := dedupKey(http.MethodGet, path, nil)

	c.mu.Lock()
	if entry, ok := cache[key]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.body, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.request(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, err
	}
	body := v.([]byte)

	c.mu.Lock()
	cache[key] = cacheEntry{body: body, expires: time.Now().Add(ttl)}
	c.mu.Unlock()

	return body, nil
}

// UpdatePlayer issues a PATCH to /v4/sessions/{sessionId}/players/{guildId}
// with a partial body (§4.1, §6).
func (c *RestClient) UpdatePlayer(ctx context.Context, guildID string, body updatePlayerBody) ([]byte, error) {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", c.getSessionID(), guildID)
	key := dedupKey(http.MethodPatch, path, body)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.request(ctx, http.MethodPatch, path, body)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// DestroyPlayer issues DELETE /v4/sessions/{sessionId}/players/{guildId}.
func (c *RestClient) DestroyPlayer(ctx context.Context, guildID string) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", c.getSessionID(), guildID)
	_, err := c.request(ctx, http.MethodDelete, path, nil)
	return err
}

// LoadTracks issues GET /v4/loadtracks?identifier=... with the longer
// track-cache TTL (§4.1 "~5 minutes, keyed by identifier").
func (c *RestClient) LoadTracks(ctx context.Context, identifier string) (*loadTracksResponse, error) {
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	c.mu.Lock()
	cache := c.trackCache
	c.mu.Unlock()
	body, err := c.cachedGet(ctx, path, c.cfg.TrackCacheTTL, cache)
	if err != nil {
		return nil, err
	}
	var out loadTracksResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, New(KindProtocol, "RestClient.LoadTracks", err)
	}
	return &out, nil
}

// DecodeTrack issues GET /v4/decodetrack?encodedTrack=...
func (c *RestClient) DecodeTrack(ctx context.Context, encoded string) (*Track, error) {
	path := "/v4/decodetrack?encodedTrack=" + url.QueryEscape(encoded)
	c.mu.Lock()
	cache := c.getCache
	c.mu.Unlock()
	body, err := c.cachedGet(ctx, path, c.cfg.GETCacheTTL, cache)
	if err != nil {
		return nil, err
	}
	var t Track
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, New(KindProtocol, "RestClient.DecodeTrack", err)
	}
	return &t, nil
}

// DecodeTracks issues POST /v4/decodetracks with a batch of encoded blobs.
func (c *RestClient) DecodeTracks(ctx context.Context, encoded []string) ([]*Track, error) {
	body, err := c.request(ctx, http.MethodPost, "/v4/decodetracks", encoded)
	if err != nil {
		return nil, err
	}
	var out []*Track
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, New(KindProtocol, "RestClient.DecodeTracks", err)
	}
	return out, nil
}

// GetStats issues GET /v4/stats.
func (c *RestClient) GetStats(ctx context.Context) (*statsPayload, error) {
	body, err := c.request(ctx, http.MethodGet, "/v4/stats", nil)
	if err != nil {
		return nil, err
	}
	var s statsPayload
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, New(KindProtocol, "RestClient.GetStats", err)
	}
	return &s, nil
}

// GetInfo issues GET /v4/info.
func (c *RestClient) GetInfo(ctx context.Context) (*nodeInfoResponse, error) {
	body, err := c.request(ctx, http.MethodGet, "/v4/info", nil)
	if err != nil {
		return nil, err
	}
	var info nodeInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, New(KindProtocol, "RestClient.GetInfo", err)
	}
	return &info, nil
}

// ConfigureResume issues PATCH /v4/sessions/{sessionId} to enable or disable
// session resume (§4.2 "send a resume-configure request").
func (c *RestClient) ConfigureResume(ctx context.Context, resuming bool, timeoutSeconds int) error {
	path := fmt.Sprintf("/v4/sessions/%s", c.getSessionID())
	_, err := c.request(ctx, http.MethodPatch, path, sessionUpdateBody{Resuming: resuming, Timeout: timeoutSeconds})
	return err
}

// SetSponsorBlockCategories issues PUT .../sponsorblock/categories (§6).
func (c *RestClient) SetSponsorBlockCategories(ctx context.Context, guildID string, categories []string) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s/sponsorblock/categories", c.getSessionID(), guildID)
	_, err := c.request(ctx, http.MethodPut, path, sponsorBlockCategories(categories))
	return err
}

// GetSponsorBlockCategories issues GET .../sponsorblock/categories (§6).
func (c *RestClient) GetSponsorBlockCategories(ctx context.Context, guildID string) ([]string, error) {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s/sponsorblock/categories", c.getSessionID(), guildID)
	body, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var cats []string
	if err := json.Unmarshal(body, &cats); err != nil {
		return nil, New(KindProtocol, "RestClient.GetSponsorBlockCategories", err)
	}
	return cats, nil
}

// ClearSponsorBlockCategories issues DELETE .../sponsorblock/categories (§6).
func (c *RestClient) ClearSponsorBlockCategories(ctx context.Context, guildID string) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s/sponsorblock/categories", c.getSessionID(), guildID)
	_, err := c.request(ctx, http.MethodDelete, path, nil)
	return err
}
