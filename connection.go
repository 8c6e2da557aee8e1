package vireo

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ConnectionState is the voice-binding state machine (§4.3).
type ConnectionState byte

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnDestroyed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// VoiceBinding is the tuple accumulated from two independent gateway
// messages (§3). valid() requires SessionID, Endpoint and Token; Region is
// advisory and is not checked (HandleServerUpdate always fills it in from
// the endpoint).
type VoiceBinding struct {
	SessionID string `json:"sessionId"`
	Endpoint  string `json:"endpoint"`
	Token     string `json:"token"`
	Region    string `json:"region"`
}

func (b VoiceBinding) valid() bool {
	return b.SessionID != "" && b.Endpoint != "" && b.Token != ""
}

// extractRegion parses the leading alphabetic-or-hyphen run of the endpoint
// hostname, falling back to the first dot-segment, falling back to
// "unknown" (§4.3). Advisory only — it never blocks the binding. Per §8 S1,
// "us-east42.example:443" must yield "us-east": the run continues through
// hyphens and stops at the first character that is neither a letter nor a
// hyphen (a digit or a dot, for example).
func extractRegion(endpoint string) string {
	host := endpoint
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return "unknown"
	}
	end := 0
	for end < len(host) && ((host[end] >= 'a' && host[end] <= 'z') || (host[end] >= 'A' && host[end] <= 'Z') || host[end] == '-') {
		end++
	}
	if end > 0 {
		return strings.ToLower(host[:end])
	}
	if i := strings.Index(host, "."); i > 0 {
		return strings.ToLower(host[:i])
	}
	return "unknown"
}

// connObserver receives observable events Connection emits; Player
// implements this to react to moves/disconnects without Connection needing
// to know about Player's internals (§9 "Back-references... non-owning").
type connObserver interface {
	onPlayerMove(channelID string)
	onDisconnected()
	onConnected()
	onConnectionError(err error)
}

// Connection is the per-player voice binding (§4.3): it collates gateway
// state/server updates, detects channel moves and disconnects, and
// batch-flushes voice+volume to the bound node.
type Connection struct {
	mu sync.Mutex

	guildID   string
	channelID string
	binding   VoiceBinding

	state ConnectionState

	rest     *RestClient
	observer connObserver
	cfg      *PlayerConfig

	flushTimer *time.Timer
	volumeFn   func() int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection builds a Connection for one guild, bound to rest, notifying
// observer of state transitions. volumeFn supplies the current player
// volume at flush time so voice and volume can be coalesced per §4.3.
func NewConnection(ctx context.Context, guildID string, rest *RestClient, cfg *PlayerConfig, observer connObserver, volumeFn func() int) *Connection {
	cctx, cancel := context.WithCancel(ctx)
	return &Connection{
		guildID:  guildID,
		rest:     rest,
		observer: observer,
		cfg:      cfg,
		volumeFn: volumeFn,
		ctx:      cctx,
		cancel:   cancel,
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelID returns the voice channel currently bound, if any.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Region returns the advisory region extracted from the current binding.
func (c *Connection) Region() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding.Region
}

// HandleServerUpdate applies the server half of the handshake (endpoint,
// token). The first update of either kind transitions Disconnected ->
// Connecting; completion of the pair transitions to Connected (§4.3).
func (c *Connection) HandleServerUpdate(endpoint, token string) {
	c.mu.Lock()
	if c.state == ConnDestroyed {
		c.mu.Unlock()
		return
	}
	if c.state == ConnDisconnected {
		c.state = ConnConnecting
	}
	c.binding.Endpoint = endpoint
	c.binding.Token = token
	c.binding.Region = extractRegion(endpoint)
	c.maybeCompleteLocked()
	c.mu.Unlock()
}

// HandleStateUpdate applies the state half of the handshake (session,
// channel, deaf/mute). A channel_id of "" signals the bot left voice
// entirely and triggers disconnect (§4.3). A change of channel while
// Connected is a move, not a re-handshake (§4.3).
func (c *Connection) HandleStateUpdate(sessionID, channelID string) {
	c.mu.Lock()
	if c.state == ConnDestroyed {
		c.mu.Unlock()
		return
	}
	if channelID == "" {
		c.state = ConnDisconnected
		c.channelID = ""
		c.binding = VoiceBinding{}
		c.mu.Unlock()
		c.observer.onDisconnected()
		return
	}
	moved := c.state == ConnConnected && c.channelID != "" && c.channelID != channelID
	c.channelID = channelID
	if c.state == ConnDisconnected {
		c.state = ConnConnecting
	}
	c.binding.SessionID = sessionID
	c.maybeCompleteLocked()
	c.mu.Unlock()
	if moved {
		c.observer.onPlayerMove(channelID)
		c.scheduleFlush()
	}
}

// maybeCompleteLocked transitions Connecting -> Connected once the binding
// is valid (session id, endpoint and token present), and schedules the
// first flush. Caller must hold c.mu.
func (c *Connection) maybeCompleteLocked() {
	if c.state != ConnConnecting {
		return
	}
	if !c.binding.valid() {
		return
	}
	c.state = ConnConnected
	go c.observer.onConnected()
	go c.scheduleFlush()
}

// scheduleFlush coalesces multiple mutations into one outbound update within
// VoiceBatchDelay (§4.3 default 50ms).
func (c *Connection) scheduleFlush() {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.mu.Unlock()
		return
	}
	delay := c.cfg.VoiceBatchDelay
	c.flushTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.flushTimer = nil
		c.mu.Unlock()
		c.flush()
	})
	c.mu.Unlock()
}

// flush pushes the current voice+volume payload to the node, retrying up to
// MaxReconnectAttempts with exponential backoff on failure (§4.3). On
// exhaustion it surfaces a connection error but leaves state Connected —
// recovery is the Pool/Player's concern.
func (c *Connection) flush() {
	c.mu.Lock()
	state := c.state
	guildID := c.guildID
	binding := c.binding
	c.mu.Unlock()
	if state != ConnConnected {
		return
	}

	volume := c.volumeFn()
	body := updatePlayerBody{
		Voice: &voicePayload{
			Token:     binding.Token,
			Endpoint:  binding.Endpoint,
			SessionID: binding.SessionID,
		},
		Volume: &volume,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
		_, err := c.rest.UpdatePlayer(ctx, guildID, body)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		select {
		case <-time.After(backoff(attempt, 250*time.Millisecond, 5*time.Second, 100*time.Millisecond)):
		case <-c.ctx.Done():
			return
		}
	}
	c.observer.onConnectionError(New(KindTransientNetwork, "Connection.flush", lastErr))
}

// Rebind points the connection at a different node's RestClient without
// resetting the accumulated voice binding, so a migrated player doesn't have
// to re-run the handshake (§4.7 migration).
func (c *Connection) Rebind(rest *RestClient) {
	c.mu.Lock()
	c.rest = rest
	c.mu.Unlock()
}

// Destroy cancels pending work and marks the connection terminal. Idempotent.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.state == ConnDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = ConnDestroyed
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.mu.Unlock()
	c.cancel()
}
