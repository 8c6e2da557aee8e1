package vireo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func newTestOrchestrator(t *testing.T, sender GatewaySender) (*Orchestrator, *NodeClient, func()) {
	t.Helper()
	o := NewOrchestrator(context.Background(), "bot1", sender, NewPoolConfig(), NewPlayerConfig(), nil)
	cfg, closeSrv := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	node := o.AddNode(cfg)
	forceReady(node, NodeStats{Cores: 4})
	return o, node, closeSrv
}

func TestOrchestratorConnectPicksLeastUsedAndSendsJoin(t *testing.T) {
	var joined []string
	sender := func(payload VoiceJoinPayload) error {
		joined = append(joined, payload.D.GuildID)
		return nil
	}
	o, _, closeSrv := newTestOrchestrator(t, sender)
	defer closeSrv()
	defer o.Close()

	p, err := o.Connect("guild1", "chan1", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p == nil {
		t.Fatal("Connect should return a player")
	}
	if len(joined) != 1 || joined[0] != "guild1" {
		t.Errorf("sender should be invoked once for guild1, got %v", joined)
	}
}

func TestOrchestratorConnectIsIdempotent(t *testing.T) {
	var calls int
	sender := func(payload VoiceJoinPayload) error { calls++; return nil }
	o, _, closeSrv := newTestOrchestrator(t, sender)
	defer closeSrv()
	defer o.Close()

	p1, err := o.Connect("guild1", "chan1", "")
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	p2, err := o.Connect("guild1", "chan2", "")
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if p1 != p2 {
		t.Error("calling Connect again for the same guild should return the existing player")
	}
	if calls != 2 {
		t.Errorf("sender should still be invoked on repeat Connect calls, got %d", calls)
	}
}

func TestOrchestratorConnectRollsBackOnSendFailure(t *testing.T) {
	sender := func(payload VoiceJoinPayload) error { return errors.New("gateway unavailable") }
	o, _, closeSrv := newTestOrchestrator(t, sender)
	defer closeSrv()
	defer o.Close()

	_, err := o.Connect("guild1", "chan1", "")
	if err == nil {
		t.Fatal("Connect should surface the sender error")
	}
	if _, ok := o.Player("guild1"); ok {
		t.Error("a failed Connect should not leave a registered player behind")
	}
}

func TestOrchestratorConnectErrorsWithNoNodes(t *testing.T) {
	o := NewOrchestrator(context.Background(), "bot1", nil, NewPoolConfig(), NewPlayerConfig(), nil)
	defer o.Close()
	_, err := o.Connect("guild1", "chan1", "")
	if err == nil {
		t.Fatal("Connect with no connected nodes should error")
	}
	if !Is(err, KindFatal) {
		t.Errorf("error kind = %v, want KindFatal", err)
	}
}

func TestOrchestratorRouteGatewayPacketDropsOtherUsers(t *testing.T) {
	o, _, closeSrv := newTestOrchestrator(t, nil)
	defer closeSrv()
	defer o.Close()
	o.Connect("guild1", "chan1", "")

	vs := VoiceStateUpdate{UserID: "someone-else", GuildID: "guild1", ChannelID: "chan1", SessionID: "sess"}
	data, _ := json.Marshal(vs)
	err := o.RouteGatewayPacket(GatewayPacket{Type: PacketVoiceStateUpdate, Data: data})
	if err != nil {
		t.Fatalf("RouteGatewayPacket: %v", err)
	}

	p, _ := o.Player("guild1")
	if p.Connected() {
		t.Error("a voice state update for a different user should be dropped, not applied")
	}
}

func TestOrchestratorRouteGatewayPacketAppliesBotVoiceState(t *testing.T) {
	o, _, closeSrv := newTestOrchestrator(t, nil)
	defer closeSrv()
	defer o.Close()
	o.Connect("guild1", "chan1", "")

	vs := VoiceStateUpdate{UserID: "bot1", GuildID: "guild1", ChannelID: "chan1", SessionID: "sess1"}
	data, _ := json.Marshal(vs)
	if err := o.RouteGatewayPacket(GatewayPacket{Type: PacketVoiceStateUpdate, Data: data}); err != nil {
		t.Fatalf("RouteGatewayPacket: %v", err)
	}

	vsrv := VoiceServerUpdate{GuildID: "guild1", Endpoint: "us-east.discord.media:443", Token: "tok"}
	data2, _ := json.Marshal(vsrv)
	if err := o.RouteGatewayPacket(GatewayPacket{Type: PacketVoiceServerUpdate, Data: data2}); err != nil {
		t.Fatalf("RouteGatewayPacket: %v", err)
	}

	p, _ := o.Player("guild1")
	if !p.Connected() {
		t.Error("applying both halves of the bot's own voice handshake should complete the connection")
	}
}

func TestOrchestratorIsDirectURIAndFallbackIdentifier(t *testing.T) {
	if !isDirectURI("https://example.com/track.mp3") {
		t.Error("a URI with a scheme should be treated as direct")
	}
	if isDirectURI("never gonna give you up") {
		t.Error("a plain search query is not a direct URI")
	}
	if _, ok := fallbackIdentifier("https://example.com/track.mp3"); ok {
		t.Error("an ordinary URL has no recognized fallback")
	}
	id, ok := fallbackIdentifier("https://open.spotify.com/track/abc")
	if !ok || id != "ytsearch:https://open.spotify.com/track/abc" {
		t.Errorf("fallbackIdentifier(spotify) = %q, %v, want ytsearch: prefix", id, ok)
	}
}

func TestOrchestratorSavePlayersStateAtomicRoundTrip(t *testing.T) {
	o, _, closeSrv := newTestOrchestrator(t, nil)
	defer closeSrv()
	defer o.Close()
	p, err := o.Connect("guild1", "chan1", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.Play(&Track{Encoded: "enc1", Info: TrackInfo{SourceName: "yt", Identifier: "a"}}, PlayOptions{})

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := o.SavePlayersState(path); err != nil {
		t.Fatalf("SavePlayersState: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Errorf("temp file %q should have been renamed away, leaving only state.json", e.Name())
		}
	}

	snaps, err := o.LoadPlayersState(path)
	if err != nil {
		t.Fatalf("LoadPlayersState: %v", err)
	}
	if len(snaps) != 1 || snaps[0].GuildID != "guild1" {
		t.Fatalf("snaps = %+v, want one entry for guild1", snaps)
	}
	if snaps[0].Current == nil || snaps[0].Current.Info.Identifier != "a" {
		t.Error("saved snapshot should capture the currently playing track")
	}
}

func TestOrchestratorRestorePlayerPrefersOriginalNode(t *testing.T) {
	o, node, closeSrv := newTestOrchestrator(t, nil)
	defer closeSrv()
	defer o.Close()

	snap := PlayerSnapshot{
		GuildID:        "guild2",
		VoiceChannelID: "chan2",
		NodeName:       node.Name(),
		Volume:         100,
	}
	p, err := o.RestorePlayer(snap)
	if err != nil {
		t.Fatalf("RestorePlayer: %v", err)
	}
	if p.currentNode() != node {
		t.Error("RestorePlayer should prefer the node named in the snapshot when still connected")
	}
}
