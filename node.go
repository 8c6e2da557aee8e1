package vireo

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
)

// NodeState is the NodeClient connection lifecycle (§4.2).
type NodeState byte

const (
	NodeDisconnected NodeState = iota
	NodeConnecting
	NodeOpen
	NodeReady
)

func (s NodeState) String() string {
	switch s {
	case NodeDisconnected:
		return "disconnected"
	case NodeConnecting:
		return "connecting"
	case NodeOpen:
		return "open"
	case NodeReady:
		return "ready"
	default:
		return "unknown"
	}
}

// NodeStats is a sliding snapshot of a node's reported load (§3).
type NodeStats struct {
	Connected      bool
	Players        int
	PlayingPlayers int
	UptimeMs       int64
	MemUsed        int64
	MemAllocated   int64
	SystemLoad     float64
	Cores          int
	LavalinkLoad   float64
	FramesSent     int
	FramesNulled   int
	FrameDeficit   int
	LastPingMs     int64
	PingWindow     []int64
	UpdatedAt      time.Time
}

const maxPingSamples = 10

// HealthScore is the composite, lower-is-better scalar derived from
// NodeStats (§3).
type HealthScore struct {
	Penalties float64
	Score     float64
}

func computeHealthScore(s NodeStats) HealthScore {
	cores := s.Cores
	if cores <= 0 {
		cores = 1
	}
	deficitPenalty := 0.0
	if s.FrameDeficit > 0 {
		deficitPenalty = float64(s.FrameDeficit) * 2.5
	}
	penalties := float64(s.PlayingPlayers)*1 +
		(s.SystemLoad/float64(cores))*10 +
		deficitPenalty +
		float64(s.Players)

	score := penalties*10 +
		s.LavalinkLoad*100 +
		memUsageRatio(s)*0.5 +
		float64(s.LastPingMs)*0.1 +
		float64(s.Players)*2 +
		float64(s.PlayingPlayers)*5

	return HealthScore{Penalties: penalties, Score: score}
}

func memUsageRatio(s NodeStats) float64 {
	if s.MemAllocated <= 0 {
		return 0
	}
	return float64(s.MemUsed) / float64(s.MemAllocated) * 100
}

// playerEventSink is the demultiplex target for per-guild node events.
// Player implements this; NodeClient holds only this narrow interface so it
// never reaches into Player internals (§9 "Back-references... non-owning").
type playerEventSink interface {
	guildID() string
	onPlayerUpdate(state playerStatePayload)
	onTrackStart(raw json.RawMessage)
	onTrackEnd(raw json.RawMessage, reason TrackEndReason)
	onTrackException(raw json.RawMessage, exc exceptionInfo)
	onTrackStuck(raw json.RawMessage, thresholdMs int64)
	onWebSocketClosed(code int, reason string, byRemote bool)
	currentNode() *NodeClient
	restart()
}

// NodeClient owns one persistent event-stream connection and one RestClient
// to a single audio node (§4.2).
type NodeClient struct {
	cfg  *NodeConfig
	sock *socket
	Rest *RestClient
	log  *clog.Logger

	botUserID string

	mu                sync.RWMutex
	state             NodeState
	sessionID         string
	reconnectAttempts int
	stats             NodeStats
	info              *nodeInfoResponse
	players           map[string]playerEventSink

	ctx    context.Context
	cancel context.CancelFunc

	onReady   func(sessionID string, resumed bool)
	onStats   func(NodeStats)
	onDropped func(err error)
}

// NewNodeClient constructs a NodeClient for one node config. botUserID is
// the chat platform's bot account id, sent as the User-Id handshake header.
func NewNodeClient(ctx context.Context, cfg *NodeConfig, botUserID string, log *clog.Logger) *NodeClient {
	if log == nil {
		log = clog.Default()
	}
	cctx, cancel := context.WithCancel(ctx)
	nc := &NodeClient{
		cfg:       cfg,
		sock:      newSocket(cfg),
		Rest:      NewRestClient(cfg, NewRestConfig(), log),
		log:       log.With("component", "node", "node", cfg.Name),
		botUserID: botUserID,
		players:   map[string]playerEventSink{},
		ctx:       cctx,
		cancel:    cancel,
		onReady:   func(string, bool) {},
		onStats:   func(NodeStats) {},
		onDropped: func(error) {},
	}
	nc.sock.onMessage = nc.dataReceived
	return nc
}

// OnReady registers a callback invoked every time this node reaches Ready.
func (n *NodeClient) OnReady(fn func(sessionID string, resumed bool)) { n.onReady = fn }

// OnStats registers a callback invoked on every stats event.
func (n *NodeClient) OnStats(fn func(NodeStats)) { n.onStats = fn }

// OnDropped registers a callback invoked when the node exhausts its
// reconnect attempts (§7 contributes to "all nodes disconnected" -> Fatal).
func (n *NodeClient) OnDropped(fn func(error)) { n.onDropped = fn }

// State returns the current lifecycle state.
func (n *NodeClient) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Connected reports whether the node has completed the Ready handshake.
func (n *NodeClient) Connected() bool {
	return n.State() == NodeReady
}

// SessionID returns the node-issued session id, empty before Ready.
func (n *NodeClient) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Name returns the node's configured name.
func (n *NodeClient) Name() string { return n.cfg.Name }

// Regions returns the node's configured region list.
func (n *NodeClient) Regions() []string { return n.cfg.Regions }

// Stats returns the latest stats snapshot.
func (n *NodeClient) Stats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// Health computes the current HealthScore from the latest stats snapshot.
func (n *NodeClient) Health() HealthScore {
	return computeHealthScore(n.Stats())
}

// RegisterPlayer attaches a player so NodeClient can demultiplex events to
// it by guild id.
func (n *NodeClient) RegisterPlayer(sink playerEventSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.players[sink.guildID()] = sink
}

// UnregisterPlayer detaches a player. Safe to call on an already-removed id.
func (n *NodeClient) UnregisterPlayer(guildID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.players, guildID)
}

// Connect dials the node and runs the reconnect loop until ctx is cancelled
// or the reconnect budget is exhausted (§4.2, §5).
func (n *NodeClient) Connect() {
	go n.connectLoop()
}

func (n *NodeClient) connectLoop() {
	for {
		n.mu.Lock()
		n.state = NodeConnecting
		n.mu.Unlock()

		headers := http.Header{}
		headers.Set("Authorization", n.cfg.Authorization)
		headers.Set("User-Id", n.botUserID)
		headers.Set("Client-Name", n.cfg.ClientName)
		if n.cfg.UserAgent != "" {
			headers.Set("User-Agent", n.cfg.UserAgent)
		}
		if n.cfg.EnableResume {
			if sid := n.SessionID(); sid != "" {
				headers.Set("Session-Id", sid)
			}
		}

		n.mu.Lock()
		n.state = NodeOpen
		n.mu.Unlock()
		go n.fetchInfo()

		err := n.sock.connect(n.ctx, headers)

		n.mu.Lock()
		n.state = NodeDisconnected
		n.mu.Unlock()

		select {
		case <-n.ctx.Done():
			return
		default:
		}

		n.mu.Lock()
		n.reconnectAttempts++
		attempts := n.reconnectAttempts
		n.mu.Unlock()

		if attempts > n.cfg.ReconnectTries {
			n.onDropped(New(KindFatal, "NodeClient.connectLoop", err))
			return
		}

		delay := backoff(attempts-1, n.cfg.ReconnectTimeout, 30*time.Second, 250*time.Millisecond)
		n.log.Warn("node connection lost, reconnecting", "attempt", attempts, "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *NodeClient) fetchInfo() {
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	info, err := n.Rest.GetInfo(ctx)
	if err != nil {
		n.log.Debug("node info fetch failed, continuing", "err", err)
		return
	}
	n.mu.Lock()
	n.info = info
	n.mu.Unlock()
}

// SupportsFilter reports whether the node advertises support for filterName,
// and returns true while no /v4/info response has been fetched. Nothing in
// this package calls it; filter commands are never blocked or logged on it.
func (n *NodeClient) SupportsFilter(filterName string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.info == nil {
		return true
	}
	for _, f := range n.info.Filters {
		if f == filterName {
			return true
		}
	}
	return false
}

// Close tears down the node connection and cancels all per-node work (§5).
func (n *NodeClient) Close() {
	n.cancel()
	n.sock.close()
}

// dataReceived parses one inbound message and dispatches it (§4.2, §6).
func (n *NodeClient) dataReceived(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.log.Debug("dropping malformed message", "err", err)
		return
	}
	switch env.Op {
	case opReady:
		n.handleReady(data)
	case opStats:
		n.handleStats(data)
	case opPlayerUpdate:
		n.handlePlayerUpdate(env.GuildID, data)
	case opEvent:
		n.handleEvent(env.GuildID, env.Type, data)
	default:
		n.log.Debug("unknown op", "op", env.Op)
	}
}

func (n *NodeClient) handleReady(data []byte) {
	var rp readyPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		n.log.Debug("malformed ready payload", "err", err)
		return
	}
	n.mu.Lock()
	wasSame := n.sessionID == rp.SessionID && n.sessionID != ""
	first := n.sessionID == ""
	n.sessionID = rp.SessionID
	n.state = NodeReady
	n.reconnectAttempts = 0
	players := make([]playerEventSink, 0, len(n.players))
	for _, p := range n.players {
		players = append(players, p)
	}
	n.mu.Unlock()

	n.Rest.SetSessionID(rp.SessionID)

	if first && n.cfg.EnableResume {
		ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		_ = n.Rest.ConfigureResume(ctx, true, n.cfg.ResumeTimeoutSeconds)
		cancel()
	}

	n.onReady(rp.SessionID, rp.Resumed)

	// A reconnect that lands back on the same session id (or the node
	// reports resumed=true) means existing players just need their last
	// known state re-pushed, not a full rebuild (§4.2 session resumption).
	if wasSame || rp.Resumed {
		for _, p := range players {
			p.restart()
		}
	}
}

func (n *NodeClient) handleStats(data []byte) {
	var sp statsPayload
	if err := json.Unmarshal(data, &sp); err != nil {
		n.log.Debug("malformed stats payload", "err", err)
		return
	}
	n.mu.Lock()
	prev := n.stats
	s := NodeStats{
		Connected:      true,
		Players:        sp.Players,
		PlayingPlayers: sp.PlayingPlayers,
		UptimeMs:       sp.Uptime,
		MemUsed:        sp.Memory.Used,
		MemAllocated:   sp.Memory.Allocated,
		SystemLoad:     sp.CPU.SystemLoad,
		Cores:          sp.CPU.Cores,
		LavalinkLoad:   sp.CPU.LavalinkLoad,
		LastPingMs:     prev.LastPingMs,
		PingWindow:     prev.PingWindow,
		UpdatedAt:      time.Now(),
	}
	if sp.Frames != nil {
		s.FramesSent = sp.Frames.Sent
		s.FramesNulled = sp.Frames.Nulled
		s.FrameDeficit = sp.Frames.Deficit
	}
	n.stats = s
	n.mu.Unlock()
	n.onStats(s)
}

// RecordPing appends a ping sample to the rolling window (<=10 samples, §4.2).
func (n *NodeClient) RecordPing(ms int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats.LastPingMs = ms
	n.stats.PingWindow = append(n.stats.PingWindow, ms)
	if len(n.stats.PingWindow) > maxPingSamples {
		n.stats.PingWindow = n.stats.PingWindow[len(n.stats.PingWindow)-maxPingSamples:]
	}
}

func (n *NodeClient) handlePlayerUpdate(guildID string, data []byte) {
	var pu playerUpdatePayload
	if err := json.Unmarshal(data, &pu); err != nil {
		n.log.Debug("malformed playerUpdate", "err", err)
		return
	}
	sink := n.lookup(guildID)
	if sink == nil {
		n.log.Debug("playerUpdate for unknown guild", "guild", guildID)
		return
	}
	if sink.currentNode() != n {
		return // stale event from a node this guild has migrated away from (§5)
	}
	sink.onPlayerUpdate(pu.State)
}

func (n *NodeClient) handleEvent(guildID, evType string, data []byte) {
	sink := n.lookup(guildID)
	if sink == nil {
		n.log.Debug("event for unknown guild", "guild", guildID, "type", evType)
		return
	}
	if sink.currentNode() != n {
		return
	}
	switch evType {
	case eventTrackStart:
		var p trackStartPayload
		if json.Unmarshal(data, &p) == nil {
			sink.onTrackStart(p.Track)
		}
	case eventTrackEnd:
		var p trackEndPayload
		if json.Unmarshal(data, &p) == nil {
			sink.onTrackEnd(p.Track, p.Reason)
		}
	case eventTrackException:
		var p trackExceptionPayload
		if json.Unmarshal(data, &p) == nil {
			sink.onTrackException(p.Track, p.Exception)
		}
	case eventTrackStuck:
		var p trackStuckPayload
		if json.Unmarshal(data, &p) == nil {
			sink.onTrackStuck(p.Track, p.ThresholdMs)
		}
	case eventWebSocketClosed:
		var p webSocketClosedPayload
		if json.Unmarshal(data, &p) == nil {
			sink.onWebSocketClosed(p.Code, p.Reason, p.ByRemote)
		}
	default:
		n.log.Debug("unhandled event type", "type", evType)
	}
}

func (n *NodeClient) lookup(guildID string) playerEventSink {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.players[guildID]
}
