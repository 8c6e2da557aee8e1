package vireo

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

func newTestPlayer(t *testing.T, handler http.HandlerFunc) (*Player, func()) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		}
	}
	cfg, closeSrv := newTestNode(t, handler)
	node := NewNodeClient(context.Background(), cfg, "bot1", nil)
	pcfg := NewPlayerConfig()
	pcfg.BatchDelay = 5 * time.Millisecond
	p := NewPlayer(context.Background(), "guild1", node, pcfg, nil, nil)
	return p, closeSrv
}

// connectTestPlayer drives the two-half voice handshake so p.Connected()
// reports true, mirroring what Orchestrator.RouteGatewayPacket does in
// production.
func connectTestPlayer(p *Player) {
	p.HandleVoiceServerUpdate("us-east.example:443", "tok")
	p.HandleVoiceStateUpdate("sess1", "vc1")
}

func TestPlayerPlayRejectsNilAndErrorsWithoutResolver(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()

	if err := p.Play(nil, PlayOptions{}); err == nil {
		t.Error("Play(nil) should error")
	}
	unresolved := &Track{Info: TrackInfo{SourceName: "yt", Identifier: "x"}}
	if err := p.Play(unresolved, PlayOptions{}); err == nil {
		t.Error("Play of an unresolved track with no resolver installed should error")
	}
}

func TestPlayerPlayResolvesUnresolvedTrackViaInjectedResolver(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()

	resolved := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "x", Title: "resolved"}}
	p.SetTrackResolver(&fakeResolver{track: resolved})

	unresolved := &Track{Info: TrackInfo{SourceName: "yt", Identifier: "x"}}
	if err := p.Play(unresolved, PlayOptions{}); err != nil {
		t.Fatalf("Play of an unresolved track should resolve then play: %v", err)
	}
	if p.Current() == nil || p.Current().Encoded != "enc1" {
		t.Error("Play should have adopted the resolver's returned track")
	}
}

func TestPlayerPlayErrorsWhenResolverReturnsStillUnresolved(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()

	p.SetTrackResolver(&fakeResolver{track: &Track{Info: TrackInfo{SourceName: "yt", Identifier: "x"}}})
	unresolved := &Track{Info: TrackInfo{SourceName: "yt", Identifier: "x"}}
	if err := p.Play(unresolved, PlayOptions{}); err == nil {
		t.Error("Play should error when the resolver fails to actually resolve the track")
	}
}

func TestPlayerPlayHonorsNoReplace(t *testing.T) {
	var updates int32
	var mu sync.Mutex
	p, closeSrv := newTestPlayer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		updates++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	defer closeSrv()

	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	if err := p.Play(track, PlayOptions{}); err != nil {
		t.Fatalf("first Play: %v", err)
	}
	track2 := &Track{Encoded: "enc2", Info: TrackInfo{SourceName: "yt", Identifier: "b"}}
	if err := p.Play(track2, PlayOptions{NoReplace: true}); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	if p.Current().Info.Identifier != "a" {
		t.Errorf("NoReplace should keep the first track playing, got %q", p.Current().Info.Identifier)
	}
}

func TestPlayerStopPushesExplicitNull(t *testing.T) {
	var gotBody []byte
	var mu sync.Mutex
	p, closeSrv := newTestPlayer(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		mu.Lock()
		gotBody = buf
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	defer closeSrv()

	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Playing() {
		t.Error("Playing() should be false after Stop")
	}
	mu.Lock()
	body := string(gotBody)
	mu.Unlock()
	if body == "" || !contains(body, `"encoded":null`) {
		t.Errorf("Stop should push an explicit null encoded track, got %s", body)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestPlayerSkipDequeuesNext(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()

	p.Play(&Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}, PlayOptions{})
	p.Queue.Append(&Track{Encoded: "enc2", Info: TrackInfo{SourceName: "yt", Identifier: "b"}})

	if err := p.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if p.Current().Info.Identifier != "b" {
		t.Errorf("Skip should play the queued track, got %q", p.Current().Info.Identifier)
	}
}

func TestPlayerSkipWithEmptyQueueStops(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	p.Play(&Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}, PlayOptions{})
	if err := p.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if p.Playing() {
		t.Error("Skip with an empty queue should stop playback")
	}
}

func TestPlayerSeekRejectsBeyondTrackLength(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	p.Play(&Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a", Length: 1000}}, PlayOptions{})
	if err := p.Seek(5000); err == nil {
		t.Error("Seek past track length should error")
	}
	if err := p.Seek(500); err != nil {
		t.Errorf("Seek within bounds should succeed, got %v", err)
	}
}

func TestPlayerSetVolumeValidatesRange(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	if err := p.SetVolume(-1); err == nil {
		t.Error("negative volume should be rejected")
	}
	if err := p.SetVolume(1001); err == nil {
		t.Error("volume over 1000 should be rejected")
	}
	if err := p.SetVolume(50); err != nil {
		t.Errorf("valid volume should succeed, got %v", err)
	}
	if p.Volume() != 50 {
		t.Errorf("Volume() = %d, want 50", p.Volume())
	}
}

func TestPlayerOnTrackEndFinishedWithLoopTrackReplays(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	connectTestPlayer(p)
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})
	p.SetLoop(LoopTrack)

	p.onTrackEnd(nil, ReasonFinished)
	time.Sleep(20 * time.Millisecond)

	if !p.Playing() {
		t.Error("loop=track should keep playing")
	}
	if p.Current() == nil || p.Current().Info.Identifier != "a" {
		t.Error("loop=track should replay the same track")
	}
}

func TestPlayerOnTrackEndFinishedWithLoopQueueRecycles(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	connectTestPlayer(p)
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})
	p.SetLoop(LoopQueue)

	p.onTrackEnd(nil, ReasonFinished)
	time.Sleep(20 * time.Millisecond)

	if p.Current() == nil || p.Current().Info.Identifier != "a" {
		t.Error("loop=queue should replay the recycled track once the queue is otherwise empty")
	}
	if p.Queue.Len() != 0 {
		t.Errorf("after replay the recycled copy should have been dequeued, Len() = %d", p.Queue.Len())
	}
}

func TestPlayerOnTrackEndStoppedGoesIdleWhenQueueEmpty(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	connectTestPlayer(p)
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})
	p.onTrackEnd(nil, ReasonStopped)
	if p.Playing() || p.Current() != nil {
		t.Error("ReasonStopped with an empty queue should go idle, not keep the finished track current")
	}
}

func TestPlayerOnTrackEndStoppedAdvancesQueuedTrack(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	connectTestPlayer(p)
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})
	next := &Track{Encoded: "enc2", Info: TrackInfo{SourceName: "yt", Identifier: "b"}}
	p.Queue.Append(next)

	p.onTrackEnd(nil, ReasonStopped)
	time.Sleep(20 * time.Millisecond)

	if p.Current() == nil || p.Current().Info.Identifier != "b" {
		t.Error("ReasonStopped should still advance to a queued track (e.g. Skip's mechanism), only loop replay/recycle is suppressed")
	}
}

func TestPlayerOnTrackEndNotConnectedStopsWithoutAdvancing(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})
	next := &Track{Encoded: "enc2", Info: TrackInfo{SourceName: "yt", Identifier: "b"}}
	p.Queue.Append(next)

	p.onTrackEnd(nil, ReasonFinished)

	if p.Playing() || p.Current() != nil {
		t.Error("not connected should go idle rather than advancing to the queued track")
	}
	if p.Queue.Len() != 1 {
		t.Error("not connected should leave the queue untouched")
	}
}

func TestPlayerOnTrackEndCleanupResetsState(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})
	p.onTrackEnd(nil, ReasonCleanup)
	if p.Playing() || p.Current() != nil {
		t.Error("ReasonCleanup should reset playing and current")
	}
}

type fakeResolver struct {
	track *Track
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, seed *Track) (*Track, error) {
	return f.track, f.err
}

func TestPlayerAutoplayResolvesWhenQueueEmpty(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	connectTestPlayer(p)
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{})
	next := &Track{Encoded: "enc2", Info: TrackInfo{SourceName: "yt", Identifier: "b"}}
	p.SetAutoplay(true, &fakeResolver{track: next})

	p.onTrackEnd(nil, ReasonFinished)
	time.Sleep(50 * time.Millisecond)

	if p.Current() == nil || p.Current().Info.Identifier != "b" {
		t.Error("autoplay should resolve and play the follow-up track")
	}
}

func TestPlayerBatchedUpdatesCoalesce(t *testing.T) {
	var updates int32
	var mu sync.Mutex
	p, closeSrv := newTestPlayer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		updates++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	defer closeSrv()

	p.Pause(true)
	p.SetVolume(10)
	p.SetVolume(20)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	got := updates
	mu.Unlock()
	if got != 1 {
		t.Errorf("batched Pause+SetVolume should produce 1 PATCH, got %d", got)
	}
}

func TestPlayerSnapshotRestoreRoundTrip(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	track := &Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}
	p.Play(track, PlayOptions{StartMs: 500})
	p.SetLoop(LoopQueue)
	p.Queue.Append(&Track{Encoded: "enc2", Info: TrackInfo{SourceName: "yt", Identifier: "b"}})
	snap := p.Snapshot()

	p2, closeSrv2 := newTestPlayer(t, nil)
	defer closeSrv2()
	p2.Restore(snap)

	if p2.Current() == nil || p2.Current().Info.Identifier != "a" {
		t.Error("Restore should repopulate the current track")
	}
	if p2.Loop() != LoopQueue {
		t.Error("Restore should repopulate loop mode")
	}
	if p2.Queue.Len() != 1 {
		t.Errorf("Restore should repopulate the queue, Len() = %d", p2.Queue.Len())
	}
}

func TestPlayerDestroyIsIdempotent(t *testing.T) {
	p, closeSrv := newTestPlayer(t, nil)
	defer closeSrv()
	var destroyedCalls int32
	p.OnDestroyed(func() { destroyedCalls++ })

	if err := p.Destroy(false); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := p.Destroy(false); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if destroyedCalls != 1 {
		t.Errorf("onDestroyed should fire once, got %d", destroyedCalls)
	}
}

func TestPlayerRecoverableCloseCode(t *testing.T) {
	if recoverableCloseCode(4004) {
		t.Error("4004 (authentication failed) should be unrecoverable")
	}
	if recoverableCloseCode(4014) {
		t.Error("4014 (disconnected) should be unrecoverable")
	}
	if !recoverableCloseCode(4006) {
		t.Error("4006 (session invalid) should be recoverable")
	}
}
