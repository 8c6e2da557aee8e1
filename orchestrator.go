package vireo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	clog "github.com/charmbracelet/log"
)

// Orchestrator is the top-level facade (§4.8): it owns the node Pool, every
// guild's Player, and the dependency-inverted link to the host's gateway
// session. It is the only type most host applications need to import.
type Orchestrator struct {
	mu        sync.RWMutex
	pool      *Pool
	players   map[string]*Player
	botUserID string
	sender    GatewaySender
	playerCfg *PlayerConfig
	log       *clog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator builds an Orchestrator. botUserID filters gateway voice
// state updates down to the bot's own account (§3 invariant, §6). sender is
// the host's outbound gateway callback; it may be nil, in which case no
// gateway join or leave payload is sent.
func NewOrchestrator(ctx context.Context, botUserID string, sender GatewaySender, poolCfg *PoolConfig, playerCfg *PlayerConfig, log *clog.Logger) *Orchestrator {
	if log == nil {
		log = clog.Default()
	}
	if playerCfg == nil {
		playerCfg = NewPlayerConfig()
	}
	cctx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		pool:      NewPool(cctx, poolCfg, log),
		players:   map[string]*Player{},
		botUserID: botUserID,
		sender:    sender,
		playerCfg: playerCfg,
		log:       log.With("component", "orchestrator"),
		ctx:       cctx,
		cancel:    cancel,
	}
	o.pool.OnAllDisconnected(func() {
		o.log.Error("all nodes disconnected")
	})
	o.pool.RunRebalanceLoop(o.playersSnapshot)
	return o
}

// AddNode builds and registers a node from config, starting its connection
// loop immediately.
func (o *Orchestrator) AddNode(cfg *NodeConfig) *NodeClient {
	node := NewNodeClient(o.ctx, cfg, o.botUserID, o.log)
	o.pool.AddNode(node)
	return node
}

// Pool exposes the underlying node pool for direct inspection (health,
// region membership) without duplicating its API on Orchestrator.
func (o *Orchestrator) Pool() *Pool { return o.pool }

func (o *Orchestrator) playersSnapshot() map[string]*Player {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]*Player, len(o.players))
	for k, v := range o.players {
		out[k] = v
	}
	return out
}

// Player returns the player bound to guildID, if any.
func (o *Orchestrator) Player(guildID string) (*Player, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.players[guildID]
	return p, ok
}

func (o *Orchestrator) playerOrNil(guildID string) *Player {
	p, _ := o.Player(guildID)
	return p
}

// Players returns a snapshot of every active player.
func (o *Orchestrator) Players() []*Player {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Player, 0, len(o.players))
	for _, p := range o.players {
		out = append(out, p)
	}
	return out
}

func (o *Orchestrator) removePlayer(guildID string) {
	o.mu.Lock()
	delete(o.players, guildID)
	o.mu.Unlock()
}

// Connect binds a guild to a Player and asks the host's gateway to join the
// given voice channel. preferredRegion, if non-empty, is used to pick the
// node via Pool.forRegion; otherwise the least-loaded node is used. Calling
// Connect again for a guild that already has a player just re-issues the
// gateway join (§4.8, §8 idempotence).
func (o *Orchestrator) Connect(guildID, channelID, preferredRegion string) (*Player, error) {
	if p := o.playerOrNil(guildID); p != nil {
		if o.sender != nil && channelID != "" {
			if err := o.sender(NewVoiceJoin(guildID, channelID, false, false)); err != nil {
				return p, New(KindTransientNetwork, "Orchestrator.Connect", err)
			}
		}
		return p, nil
	}

	var node *NodeClient
	if preferredRegion != "" {
		node = o.pool.forRegion(preferredRegion)
	} else {
		node = o.pool.leastUsed()
	}
	if node == nil {
		return nil, New(KindFatal, "Orchestrator.Connect", errors.New("no connected nodes available"))
	}

	p := NewPlayer(o.ctx, guildID, node, o.playerCfg, o.sender, o.log)
	p.SetTrackResolver(&playerTrackResolver{o: o, p: p})
	p.OnDestroyed(func() { o.removePlayer(guildID) })

	o.mu.Lock()
	o.players[guildID] = p
	o.mu.Unlock()

	if o.sender != nil {
		if err := o.sender(NewVoiceJoin(guildID, channelID, false, false)); err != nil {
			o.removePlayer(guildID)
			p.Destroy(false)
			return nil, New(KindTransientNetwork, "Orchestrator.Connect", err)
		}
	}
	return p, nil
}

// Disconnect destroys the guild's player and leaves voice.
func (o *Orchestrator) Disconnect(guildID string) error {
	p := o.playerOrNil(guildID)
	if p == nil {
		return nil
	}
	return p.Destroy(true)
}

// RouteGatewayPacket feeds one inbound gateway packet to the matching
// player's Connection. Voice state updates for any user other than the bot
// are dropped, since the gateway fans those out to every listener (§3, §6).
func (o *Orchestrator) RouteGatewayPacket(pk GatewayPacket) error {
	switch pk.Type {
	case PacketVoiceStateUpdate:
		var vs VoiceStateUpdate
		if err := json.Unmarshal(pk.Data, &vs); err != nil {
			return New(KindProtocol, "Orchestrator.RouteGatewayPacket", err)
		}
		if vs.UserID != o.botUserID {
			return nil
		}
		p := o.playerOrNil(vs.GuildID)
		if p == nil {
			return nil
		}
		p.HandleVoiceStateUpdate(vs.SessionID, vs.ChannelID)
	case PacketVoiceServerUpdate:
		var vsrv VoiceServerUpdate
		if err := json.Unmarshal(pk.Data, &vsrv); err != nil {
			return New(KindProtocol, "Orchestrator.RouteGatewayPacket", err)
		}
		p := o.playerOrNil(vsrv.GuildID)
		if p == nil {
			return nil
		}
		p.HandleVoiceServerUpdate(vsrv.Endpoint, vsrv.Token)
	}
	return nil
}

func isDirectURI(query string) bool {
	return strings.Contains(query, "://")
}

// fallbackIdentifier recognizes queries a node can't load directly (a
// Spotify or YouTube Music track page it has no plugin for) and converts
// them into a plain search, the last rung of the resolve ladder (§4.8, §8
// S6).
func fallbackIdentifier(query string) (string, bool) {
	if strings.Contains(query, "open.spotify.com") || strings.Contains(query, "music.youtube.com") {
		return "ytsearch:" + query, true
	}
	return "", false
}

// Resolve loads tracks for query against node (or the least-loaded
// connected node if nil). Direct URIs are passed through unchanged;
// everything else is prefixed with source's search scheme. An empty or
// errored result for a known unsupported URL shape falls back to a plain
// YouTube search before giving up (§4.8, §8 S6).
func (o *Orchestrator) Resolve(ctx context.Context, query string, source SearchSource, node *NodeClient) (ResolvedTracks, error) {
	if node == nil {
		node = o.pool.leastUsed()
	}
	if node == nil {
		return ResolvedTracks{}, New(KindFatal, "Orchestrator.Resolve", errors.New("no connected nodes available"))
	}

	identifier := query
	if !isDirectURI(query) {
		identifier = source.prefix() + query
	}

	resp, err := node.Rest.LoadTracks(ctx, identifier)
	if err == nil {
		if result, perr := parseLoadTracks(resp); perr == nil && len(result.Tracks) > 0 {
			return result, nil
		}
	}

	fallback, ok := fallbackIdentifier(query)
	if !ok {
		if err != nil {
			return ResolvedTracks{}, err
		}
		return parseLoadTracks(resp)
	}

	resp2, err2 := node.Rest.LoadTracks(ctx, fallback)
	if err2 != nil {
		return ResolvedTracks{}, err2
	}
	return parseLoadTracks(resp2)
}

// playerTrackResolver adapts Orchestrator.Resolve to the Player-level
// TrackResolver capability (§3, §4.6: "resolves it if unresolved, via
// orchestrator search"). It always queries against the player's current
// node, preferring the seed's own URI when present and otherwise rebuilding
// a search query from its source metadata.
type playerTrackResolver struct {
	o *Orchestrator
	p *Player
}

func (r *playerTrackResolver) Resolve(ctx context.Context, seed *Track) (*Track, error) {
	query := seed.Info.URI
	source := SourceDirect
	if query == "" {
		query = strings.TrimSpace(seed.Info.Author + " " + seed.Info.Title)
		if query == "" {
			query = seed.Info.Identifier
		}
		source = searchSourceFromName(seed.Info.SourceName)
	}

	result, err := r.o.Resolve(ctx, query, source, r.p.currentNode())
	if err != nil {
		return nil, err
	}
	if len(result.Tracks) == 0 {
		return nil, New(KindContract, "playerTrackResolver.Resolve", fmt.Errorf("no tracks resolved for %q", seed.Qualifier()))
	}
	return result.Tracks[0], nil
}

// stateFile is the on-disk shape written by SavePlayersState (§6).
type stateFile struct {
	Players []PlayerSnapshot `json:"players"`
}

// SavePlayersState writes every active player's snapshot to path atomically
// (write to a temp file in the same directory, then rename), so a crash
// mid-write never corrupts the previous file (§6).
func (o *Orchestrator) SavePlayersState(path string) error {
	o.mu.RLock()
	snaps := make([]PlayerSnapshot, 0, len(o.players))
	for _, p := range o.players {
		snaps = append(snaps, p.Snapshot())
	}
	o.mu.RUnlock()

	data, err := json.MarshalIndent(stateFile{Players: snaps}, "", "  ")
	if err != nil {
		return New(KindProtocol, "Orchestrator.SavePlayersState", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vireo-state-*.tmp")
	if err != nil {
		return New(KindFatal, "Orchestrator.SavePlayersState", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return New(KindFatal, "Orchestrator.SavePlayersState", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return New(KindFatal, "Orchestrator.SavePlayersState", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return New(KindFatal, "Orchestrator.SavePlayersState", err)
	}
	return nil
}

// LoadPlayersState reads a file written by SavePlayersState. It does not
// rebuild players itself, since rejoining voice requires a round trip
// through the host's gateway session first; call RestorePlayer per entry
// once the host is ready to reconnect.
func (o *Orchestrator) LoadPlayersState(path string) ([]PlayerSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, New(KindFatal, "Orchestrator.LoadPlayersState", err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, New(KindProtocol, "Orchestrator.LoadPlayersState", err)
	}
	return sf.Players, nil
}

// RestorePlayer rebuilds a single player from a snapshot, preferring the
// node it was last bound to if that node is still connected, and re-issues
// the gateway join for its voice channel (§4.8, §6).
func (o *Orchestrator) RestorePlayer(snap PlayerSnapshot) (*Player, error) {
	node, ok := o.pool.Node(snap.NodeName)
	if !ok || !node.Connected() {
		node = o.pool.leastUsed()
	}
	if node == nil {
		return nil, New(KindFatal, "Orchestrator.RestorePlayer", errors.New("no connected nodes available"))
	}

	p := NewPlayer(o.ctx, snap.GuildID, node, o.playerCfg, o.sender, o.log)
	p.SetTrackResolver(&playerTrackResolver{o: o, p: p})
	p.OnDestroyed(func() { o.removePlayer(snap.GuildID) })
	p.Restore(snap)

	o.mu.Lock()
	o.players[snap.GuildID] = p
	o.mu.Unlock()

	if snap.VoiceChannelID != "" && o.sender != nil {
		if err := o.sender(NewVoiceJoin(snap.GuildID, snap.VoiceChannelID, false, false)); err != nil {
			return p, New(KindTransientNetwork, "Orchestrator.RestorePlayer", err)
		}
	}
	return p, nil
}

// Close tears down every player and node and stops background loops.
func (o *Orchestrator) Close() {
	for _, p := range o.Players() {
		_ = p.Destroy(true)
	}
	o.pool.Close()
	o.cancel()
}
