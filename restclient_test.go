package vireo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

type testURL struct {
	hostname string
	port     int
}

func parseTestURL(raw string) (testURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return testURL{}, err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return testURL{}, err
	}
	return testURL{hostname: u.Hostname(), port: port}, nil
}

func newTestNode(t *testing.T, handler http.HandlerFunc) (*NodeConfig, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	u, err := parseTestURL(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return &NodeConfig{Name: "test", Hostname: u.hostname, Port: u.port, Authorization: "pw"}, srv.Close
}

func TestBackoffCapsAndGrows(t *testing.T) {
	base := 10 * time.Millisecond
	cap := 100 * time.Millisecond
	d0 := backoff(0, base, cap, 0)
	d4 := backoff(4, base, cap, 0)
	if d0 != base {
		t.Errorf("backoff(0) = %v, want %v", d0, base)
	}
	if d4 != cap {
		t.Errorf("backoff(4) = %v, want capped at %v", d4, cap)
	}
}

func TestRetriableStatus(t *testing.T) {
	cases := map[int]bool{200: false, 400: false, 404: false, 429: true, 500: true, 503: true}
	for status, want := range cases {
		if got := retriable(status); got != want {
			t.Errorf("retriable(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestRestClientRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	cfg, closeSrv := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"loadType":"empty","data":null}`))
	})
	defer closeSrv()

	restCfg := NewRestConfig()
	restCfg.BackoffBase = time.Millisecond
	restCfg.BackoffCap = 5 * time.Millisecond
	restCfg.BackoffJitter = 0
	rc := NewRestClient(cfg, restCfg, nil)
	rc.SetSessionID("sess")

	resp, err := rc.LoadTracks(context.Background(), "ytsearch:test")
	if err != nil {
		t.Fatalf("LoadTracks after retries: %v", err)
	}
	if resp.LoadType != "empty" {
		t.Errorf("LoadType = %q, want empty", resp.LoadType)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRestClientDoesNotRetry4xx(t *testing.T) {
	var attempts int32
	cfg, closeSrv := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	defer closeSrv()

	rc := NewRestClient(cfg, NewRestConfig(), nil)
	rc.SetSessionID("sess")
	_, err := rc.LoadTracks(context.Background(), "ytsearch:test")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !Is(err, KindContract) {
		t.Errorf("error kind = %v, want KindContract", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", attempts)
	}
}

func TestRestClientGETCacheServesStaleWithinTTL(t *testing.T) {
	var hits int32
	cfg, closeSrv := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"encoded":"x","info":{}}`))
	})
	defer closeSrv()

	restCfg := NewRestConfig()
	restCfg.GETCacheTTL = time.Minute
	rc := NewRestClient(cfg, restCfg, nil)
	rc.SetSessionID("sess")

	for i := 0; i < 5; i++ {
		if _, err := rc.DecodeTrack(context.Background(), "QAAA"); err != nil {
			t.Fatalf("DecodeTrack: %v", err)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("origin hits = %d, want 1 (cache should absorb repeat GETs)", hits)
	}
}

func TestRestClientClearCachesForcesRefetch(t *testing.T) {
	var hits int32
	cfg, closeSrv := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"encoded":"x","info":{}}`))
	})
	defer closeSrv()

	rc := NewRestClient(cfg, NewRestConfig(), nil)
	rc.SetSessionID("sess")
	rc.DecodeTrack(context.Background(), "QAAA")
	rc.ClearCaches()
	rc.DecodeTrack(context.Background(), "QAAA")
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("origin hits = %d, want 2 after ClearCaches", hits)
	}
}

func TestRestClientUpdatePlayerSendsAuthHeader(t *testing.T) {
	var gotAuth, gotReqID string
	cfg, closeSrv := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	defer closeSrv()

	rc := NewRestClient(cfg, NewRestConfig(), nil)
	rc.SetSessionID("sess")
	vol := 50
	_, err := rc.UpdatePlayer(context.Background(), "guild1", updatePlayerBody{Volume: &vol})
	if err != nil {
		t.Fatalf("UpdatePlayer: %v", err)
	}
	if gotAuth != "pw" {
		t.Errorf("Authorization header = %q, want pw", gotAuth)
	}
	if gotReqID == "" {
		t.Error("X-Request-Id header should be set")
	}
}
