package vireo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
)

// LoopMode selects how a Player advances once a track ends (§3, §4.6).
type LoopMode byte

const (
	LoopNone LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "none"
	}
}

// AutoplayResolver supplies a follow-up track once the queue runs dry and a
// track finished naturally. Autoplay is a capability the host injects, not
// something the core implements itself (§9).
type AutoplayResolver interface {
	Resolve(ctx context.Context, seed *Track) (*Track, error)
}

// TrackResolver resolves an unresolved Track — one built with only source
// metadata and no Encoded payload — into a playable Track before Play can
// hand it to the node. Installed by the host (normally backed by
// Orchestrator.Resolve), mirroring AutoplayResolver as an injected
// capability rather than something the core implements itself (§3, §4.6,
// §9).
type TrackResolver interface {
	Resolve(ctx context.Context, seed *Track) (*Track, error)
}

// PlayOptions configures a single Play call.
type PlayOptions struct {
	// NoReplace skips this call entirely if a track is already playing.
	NoReplace bool
	// StartMs seeks into the track before playback begins.
	StartMs int64
	// Volume overrides the player's current volume for this and future tracks.
	Volume *int
	// Paused starts the track in a paused state.
	Paused bool
}

// PlayerSnapshot is the persisted-state shape for one player (§4.6, §6).
type PlayerSnapshot struct {
	GuildID        string         `json:"guildId"`
	VoiceChannelID string         `json:"voiceChannelId"`
	TextChannelID  string         `json:"textChannelId"`
	Current        *Track         `json:"current,omitempty"`
	Position       int64          `json:"position"`
	Volume         int            `json:"volume"`
	Paused         bool           `json:"paused"`
	Loop           LoopMode       `json:"loop"`
	Autoplay       bool           `json:"autoplay"`
	Queue          QueueSnapshot  `json:"queue"`
	History        []HistoryEntry `json:"history"`
	Filters        FilterPayload  `json:"filters"`
	SponsorBlock   []string       `json:"sponsorBlockCategories,omitempty"`
	NodeName       string         `json:"nodeName"`
}

// Player is the per-guild state machine (§4.6). It owns a Queue, a
// Connection, Filters, and bounded history, and is the demultiplex target
// for one node's event stream for its guild.
type Player struct {
	mu sync.Mutex

	id             string
	voiceChannelID string
	textChannelID  string

	node    *NodeClient
	conn    *Connection
	Queue   *Queue
	Filters *Filters
	hist    *history
	cfg     *PlayerConfig
	log     *clog.Logger

	current       *Track
	position      int64
	posAt         time.Time
	volume        int
	playing       bool
	paused        bool
	loop          LoopMode
	autoplay      bool
	resolver      AutoplayResolver
	trackResolver TrackResolver

	sponsorBlock []string

	reconnectAttempts int
	sender            GatewaySender

	pending      updatePlayerBody
	pendingTimer *time.Timer

	destroyed bool

	ctx    context.Context
	cancel context.CancelFunc

	onDestroyed func()
	onError     func(*Error)
}

// NewPlayer builds a Player bound to node for guild id. sender is used to
// re-issue voice join requests during voice recovery; it may be nil if the
// host does not want automatic rejoin.
func NewPlayer(ctx context.Context, id string, node *NodeClient, cfg *PlayerConfig, sender GatewaySender, log *clog.Logger) *Player {
	if cfg == nil {
		cfg = NewPlayerConfig()
	}
	if log == nil {
		log = clog.Default()
	}
	cctx, cancel := context.WithCancel(ctx)
	p := &Player{
		id:          id,
		node:        node,
		cfg:         cfg,
		hist:        newHistory(cfg.HistoryLimit),
		log:         log.With("component", "player", "guild", id),
		volume:      100,
		sender:      sender,
		ctx:         cctx,
		cancel:      cancel,
		onDestroyed: func() {},
		onError:     func(*Error) {},
	}
	p.Queue = NewQueue(p, cfg.SmartShuffleWindow)
	p.Filters = NewFilters(p.onFiltersChanged)
	p.conn = NewConnection(cctx, id, node.Rest, cfg, p, p.volumeSnapshot)
	node.RegisterPlayer(p)
	return p
}

// OnDestroyed registers a callback invoked once Destroy completes.
func (p *Player) OnDestroyed(fn func()) { p.onDestroyed = fn }

// OnError registers a callback invoked for non-fatal playback/voice errors
// surfaced asynchronously (track exceptions, stuck tracks, voice drops).
func (p *Player) OnError(fn func(*Error)) { p.onError = fn }

// GuildID returns the guild this player is bound to.
func (p *Player) GuildID() string { return p.id }

func (p *Player) guildID() string { return p.id }

func (p *Player) currentNode() *NodeClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// Connection returns the underlying voice binding state machine.
func (p *Player) Connection() *Connection { return p.conn }

// SetTextChannel records which text channel this player should be addressed
// through, purely informational to the core.
func (p *Player) SetTextChannel(id string) {
	p.mu.Lock()
	p.textChannelID = id
	p.mu.Unlock()
}

// Current returns the currently playing track, or nil.
func (p *Player) Current() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Clone()
}

// Position estimates the current playback position by extrapolating from the
// last reported playerUpdate.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || p.paused {
		return p.position
	}
	return p.position + time.Since(p.posAt).Milliseconds()
}

// Volume returns the current player volume (0-1000).
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Paused reports whether playback is currently paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Playing reports whether a track is loaded, playing or paused.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Loop returns the current loop mode.
func (p *Player) Loop() LoopMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loop
}

// Connected reports whether the voice binding is active.
func (p *Player) Connected() bool {
	return p.conn.State() == ConnConnected
}

func (p *Player) volumeSnapshot() int { return p.Volume() }

// Play loads and starts a track, replacing whatever is currently playing
// unless opts.NoReplace is set and a track is already underway (§4.6).
func (p *Player) Play(track *Track, opts PlayOptions) error {
	if track == nil {
		return New(KindValidation, "Player.Play", errors.New("nil track"))
	}
	if track.Unresolved() {
		p.mu.Lock()
		resolver := p.trackResolver
		p.mu.Unlock()
		if resolver == nil {
			return New(KindValidation, "Player.Play", fmt.Errorf("track %q is unresolved and no resolver is installed", track.Qualifier()))
		}
		resolved, err := resolver.Resolve(p.ctx, track)
		if err != nil {
			return New(KindContract, "Player.Play", err)
		}
		if resolved == nil || resolved.Unresolved() {
			return New(KindContract, "Player.Play", fmt.Errorf("resolver returned an unresolved track for %q", track.Qualifier()))
		}
		track = resolved
	}

	p.mu.Lock()
	if opts.NoReplace && p.playing && !p.paused {
		p.mu.Unlock()
		return nil
	}
	p.current = track
	p.position = opts.StartMs
	p.posAt = time.Now()
	p.playing = true
	p.paused = opts.Paused
	if opts.Volume != nil {
		p.volume = *opts.Volume
	}
	vol := p.volume
	paused := opts.Paused
	p.mu.Unlock()

	encoded := track.Encoded
	body := updatePlayerBody{
		Track:  &updateTrack{Encoded: &encoded},
		Volume: &vol,
		Paused: &paused,
	}
	if opts.StartMs != 0 {
		pos := opts.StartMs
		body.Position = &pos
	}
	return p.pushNow(body)
}

// Pause toggles playback.
func (p *Player) Pause(pause bool) error {
	p.mu.Lock()
	p.paused = pause
	p.mu.Unlock()
	p.queuePending(func(b *updatePlayerBody) { b.Paused = &pause })
	return nil
}

// Seek moves playback to posMs. Rejected if it would exceed the current
// track's known length (§4.6).
func (p *Player) Seek(posMs int64) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return New(KindValidation, "Player.Seek", errors.New("no current track"))
	}
	if p.current.Info.Length > 0 && posMs > p.current.Info.Length {
		p.mu.Unlock()
		return New(KindValidation, "Player.Seek", fmt.Errorf("position %dms exceeds track length %dms", posMs, p.current.Info.Length))
	}
	p.position = posMs
	p.posAt = time.Now()
	p.mu.Unlock()
	p.queuePending(func(b *updatePlayerBody) { pos := posMs; b.Position = &pos })
	return nil
}

// SetVolume sets the player volume, 0-1000 (§3).
func (p *Player) SetVolume(v int) error {
	if v < 0 || v > 1000 {
		return New(KindValidation, "Player.SetVolume", fmt.Errorf("volume %d out of range", v))
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	p.queuePending(func(b *updatePlayerBody) { vol := v; b.Volume = &vol })
	return nil
}

// SetLoop changes the loop mode. Loop state is local only; it is never sent
// to the node (§4.6).
func (p *Player) SetLoop(mode LoopMode) {
	p.mu.Lock()
	p.loop = mode
	p.mu.Unlock()
}

// SetAutoplay enables or disables autoplay and, when enabling, installs the
// resolver used once the queue empties.
func (p *Player) SetAutoplay(enable bool, resolver AutoplayResolver) {
	p.mu.Lock()
	p.autoplay = enable
	if resolver != nil {
		p.resolver = resolver
	}
	p.mu.Unlock()
}

// SetTrackResolver installs the capability Play uses to resolve an
// unresolved track before sending it to the node.
func (p *Player) SetTrackResolver(resolver TrackResolver) {
	p.mu.Lock()
	p.trackResolver = resolver
	p.mu.Unlock()
}

func (p *Player) autoplayEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoplay && p.resolver != nil
}

// Stop halts playback immediately without destroying the player (§4.6).
func (p *Player) Stop() error {
	p.mu.Lock()
	p.playing = false
	p.current = nil
	p.mu.Unlock()
	return p.pushNow(updatePlayerBody{Track: &updateTrack{Encoded: nil}})
}

// Skip dequeues and plays the next track, or stops if the queue is empty.
func (p *Player) Skip() error {
	next := p.Queue.Dequeue()
	if next == nil {
		return p.Stop()
	}
	return p.Play(next, PlayOptions{})
}

// SetSponsorBlockCategories pushes the SponsorBlock category list for this
// guild's player (§6).
func (p *Player) SetSponsorBlockCategories(ctx context.Context, categories []string) error {
	p.mu.Lock()
	p.sponsorBlock = categories
	node := p.node
	p.mu.Unlock()
	return node.Rest.SetSponsorBlockCategories(ctx, p.id, categories)
}

// Destroy tears down the player. When disconnect is true it also asks the
// host's gateway sender to leave the voice channel. Idempotent.
func (p *Player) Destroy(disconnect bool) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	node := p.node
	channelID := p.voiceChannelID
	sender := p.sender
	if p.pendingTimer != nil {
		p.pendingTimer.Stop()
	}
	p.mu.Unlock()

	p.conn.Destroy()
	node.UnregisterPlayer(p.id)
	p.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := node.Rest.DestroyPlayer(ctx, p.id)

	if disconnect && sender != nil && channelID != "" {
		_ = sender(NewVoiceLeave(p.id))
	}

	p.onDestroyed()
	return err
}

// HandleVoiceStateUpdate applies the gateway's state half of the voice
// handshake (§4.3, §6).
func (p *Player) HandleVoiceStateUpdate(sessionID, channelID string) {
	p.mu.Lock()
	p.voiceChannelID = channelID
	p.mu.Unlock()
	p.conn.HandleStateUpdate(sessionID, channelID)
}

// HandleVoiceServerUpdate applies the gateway's server half of the voice
// handshake (§4.3, §6).
func (p *Player) HandleVoiceServerUpdate(endpoint, token string) {
	p.conn.HandleServerUpdate(endpoint, token)
}

// connObserver implementation — Connection's non-owning back-reference.

func (p *Player) onPlayerMove(channelID string) {
	p.mu.Lock()
	p.voiceChannelID = channelID
	p.mu.Unlock()
}

func (p *Player) onConnected() {
	p.mu.Lock()
	p.reconnectAttempts = 0
	p.mu.Unlock()
}

func (p *Player) onDisconnected() {
	if p.Playing() {
		p.onError(New(KindVoiceTimeout, "Player.onDisconnected", errors.New("voice connection dropped")))
	}
}

func (p *Player) onConnectionError(err error) {
	p.onError(New(KindTransientNetwork, "Player.onConnectionError", err))
}

// historyWindow implementation — Queue's non-owning back-reference.

func (p *Player) recentQualifiers(window int) map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]struct{}{}
	for _, e := range p.hist.window(window) {
		out[e.Track.Qualifier()] = struct{}{}
	}
	return out
}

// playerEventSink implementation — NodeClient's demultiplex target.

func (p *Player) onPlayerUpdate(state playerStatePayload) {
	p.mu.Lock()
	p.position = state.Position
	p.posAt = time.Now()
	p.mu.Unlock()
}

func (p *Player) onTrackStart(raw json.RawMessage) {
	var t Track
	if err := json.Unmarshal(raw, &t); err != nil {
		p.log.Debug("malformed track in TrackStartEvent", "err", err)
		return
	}
	p.mu.Lock()
	p.current = &t
	p.position = 0
	p.posAt = time.Now()
	p.playing = true
	p.paused = false
	p.mu.Unlock()
}

// onTrackEnd implements the §4.6 TrackEnd decision tree: history always
// receives whatever was current, regardless of reason, since the track was
// at least partially played. REPLACED is an observation-only no-op (the
// replacing Play call already transitioned state); everything else proceeds
// to advance unless the voice binding has dropped, in which case the player
// just goes idle rather than trying to push a new track to a dead
// connection.
func (p *Player) onTrackEnd(raw json.RawMessage, reason TrackEndReason) {
	var t Track
	_ = json.Unmarshal(raw, &t)

	p.mu.Lock()
	finished := p.current
	if finished != nil {
		p.hist.push(finished)
	}
	p.mu.Unlock()

	if reason == ReasonReplaced {
		return
	}

	if !p.Connected() {
		p.mu.Lock()
		p.playing = false
		p.current = nil
		p.mu.Unlock()
		return
	}

	p.advance(reason, finished)
}

// advance decides what plays next once a track has ended and the binding is
// still live: loop=track replays it, loop=queue recycles it to the tail —
// both skip on an explicit STOPPED so a deliberate stop never resurrects the
// track — otherwise the next queued track plays, falling back to autoplay,
// falling back to idle.
func (p *Player) advance(reason TrackEndReason, finished *Track) {
	loop := p.Loop()

	if loop == LoopTrack && reason != ReasonStopped && finished != nil {
		p.Queue.Unshift(finished)
	} else if loop == LoopQueue && reason != ReasonStopped && finished != nil {
		p.Queue.Append(finished)
	}

	next := p.Queue.Dequeue()
	if next != nil {
		_ = p.Play(next, PlayOptions{})
		return
	}

	if p.autoplayEnabled() && finished != nil {
		p.resolveAutoplay(finished)
		return
	}

	p.mu.Lock()
	p.playing = false
	p.current = nil
	p.mu.Unlock()
}

func (p *Player) resolveAutoplay(seed *Track) {
	p.mu.Lock()
	resolver := p.resolver
	p.mu.Unlock()
	if resolver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
		defer cancel()
		next, err := resolver.Resolve(ctx, seed)
		if err != nil || next == nil {
			p.log.Debug("autoplay resolve produced nothing", "err", err)
			p.mu.Lock()
			p.playing = false
			p.current = nil
			p.mu.Unlock()
			return
		}
		if playErr := p.Play(next, PlayOptions{}); playErr != nil {
			p.onError(New(KindContract, "Player.resolveAutoplay", playErr))
		}
	}()
}

func (p *Player) onTrackException(raw json.RawMessage, exc exceptionInfo) {
	p.log.Warn("track exception", "message", exc.Message, "severity", exc.Severity, "cause", exc.Cause)
	p.onError(New(KindContract, "Player.onTrackException", errors.New(exc.Message)))
}

// onTrackStuck recovers by re-pushing the current track state to the node;
// the most common cause is a node-side decode stall that clears on restart.
func (p *Player) onTrackStuck(raw json.RawMessage, thresholdMs int64) {
	p.log.Warn("track stuck", "threshold_ms", thresholdMs)
	p.onError(New(KindContract, "Player.onTrackStuck", fmt.Errorf("stuck for %dms", thresholdMs)))
	p.restart()
}

func (p *Player) onWebSocketClosed(code int, reason string, byRemote bool) {
	p.log.Warn("voice websocket closed", "code", code, "reason", reason, "by_remote", byRemote)
	if !recoverableCloseCode(code) {
		p.onError(New(KindVoiceTimeout, "Player.onWebSocketClosed", fmt.Errorf("unrecoverable close code %d", code)))
		return
	}
	p.recoverVoice()
}

// recoverableCloseCode distinguishes Discord voice close codes worth
// retrying from ones where rejoining would just fail again immediately.
func recoverableCloseCode(code int) bool {
	switch code {
	case 4004, 4014:
		return false
	default:
		return true
	}
}

func (p *Player) recoverVoice() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.reconnectAttempts++
	attempts := p.reconnectAttempts
	channelID := p.voiceChannelID
	sender := p.sender
	p.mu.Unlock()

	if attempts > p.cfg.MaxReconnectAttempts {
		p.onError(New(KindVoiceTimeout, "Player.recoverVoice", fmt.Errorf("exceeded %d reconnect attempts", p.cfg.MaxReconnectAttempts)))
		return
	}
	if sender == nil || channelID == "" {
		return
	}
	go func() {
		select {
		case <-time.After(p.cfg.ReconnectDelay):
		case <-p.ctx.Done():
			return
		}
		if err := sender(NewVoiceJoin(p.id, channelID, false, false)); err != nil {
			p.log.Warn("voice rejoin failed", "err", err)
		}
	}()
}

// restart re-pushes the full known player state to the node. Called after a
// node session resume lands on the same session id, and after a reported
// stuck track, since both cases mean the node's view may have drifted from
// ours (§4.2, §4.6).
func (p *Player) restart() {
	p.mu.Lock()
	if p.destroyed || p.current == nil {
		p.mu.Unlock()
		return
	}
	encoded := p.current.Encoded
	pos := p.position
	vol := p.volume
	paused := p.paused
	p.mu.Unlock()

	filters := p.Filters.Payload()
	body := updatePlayerBody{
		Track:    &updateTrack{Encoded: &encoded},
		Position: &pos,
		Volume:   &vol,
		Paused:   &paused,
		Filters:  &filters,
	}
	_ = p.pushNow(body)
}

// rebind moves this player onto a different node, re-registering the event
// demux and re-pushing full state (§4.7 migration).
func (p *Player) rebind(node *NodeClient) {
	p.mu.Lock()
	old := p.node
	p.node = node
	p.mu.Unlock()

	p.conn.Rebind(node.Rest)
	if old != nil {
		old.UnregisterPlayer(p.id)
	}
	node.RegisterPlayer(p)
	p.restart()
}

func (p *Player) onFiltersChanged(payload FilterPayload) {
	p.queuePending(func(b *updatePlayerBody) { b.Filters = &payload })
}

// queuePending merges mutate into the batched update body and schedules a
// flush within BatchDelay if one isn't already pending (§4.6).
func (p *Player) queuePending(mutate func(*updatePlayerBody)) {
	p.mu.Lock()
	mutate(&p.pending)
	if p.pendingTimer == nil {
		p.pendingTimer = time.AfterFunc(p.cfg.BatchDelay, p.flushPending)
	}
	p.mu.Unlock()
}

func (p *Player) flushPending() {
	p.mu.Lock()
	body := p.pending
	p.pending = updatePlayerBody{}
	p.pendingTimer = nil
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return
	}
	_ = p.pushNow(body)
}

func (p *Player) pushNow(body updatePlayerBody) error {
	node := p.currentNode()
	ctx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
	defer cancel()
	_, err := node.Rest.UpdatePlayer(ctx, p.id, body)
	if err != nil {
		p.onError(New(KindTransientNetwork, "Player.pushNow", err))
	}
	return err
}

// Snapshot captures the player's full persisted state (§4.6, §6).
func (p *Player) Snapshot() PlayerSnapshot {
	p.mu.Lock()
	nodeName := ""
	if p.node != nil {
		nodeName = p.node.Name()
	}
	snap := PlayerSnapshot{
		GuildID:        p.id,
		VoiceChannelID: p.voiceChannelID,
		TextChannelID:  p.textChannelID,
		Current:        p.current.Clone(),
		Position:       p.position,
		Volume:         p.volume,
		Paused:         p.paused,
		Loop:           p.loop,
		Autoplay:       p.autoplay,
		SponsorBlock:   p.sponsorBlock,
		NodeName:       nodeName,
	}
	p.mu.Unlock()
	snap.Queue = p.Queue.Export()
	snap.History = p.hist.list()
	snap.Filters = p.Filters.Payload()
	return snap
}

// Restore rebuilds a player's in-memory state from a snapshot. It does not
// push anything to the node; callers should follow with restart() once the
// player is bound and connected.
func (p *Player) Restore(snap PlayerSnapshot) {
	p.mu.Lock()
	p.voiceChannelID = snap.VoiceChannelID
	p.textChannelID = snap.TextChannelID
	p.current = snap.Current
	p.position = snap.Position
	p.volume = snap.Volume
	p.paused = snap.Paused
	p.loop = snap.Loop
	p.autoplay = snap.Autoplay
	p.sponsorBlock = snap.SponsorBlock
	p.mu.Unlock()
	p.Queue.Restore(snap.Queue)
	p.hist.restore(snap.History, p.cfg.HistoryLimit)
}
