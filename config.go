package vireo

import (
	"fmt"
	"time"
)

// NodeConfig describes one audio node the Pool can dial.
type NodeConfig struct {
	// Name identifies the node in logs and in forRegion/leastUsed results.
	Name string
	// Authorization is the password sent in the node handshake.
	Authorization string
	// Hostname is the node's IP or DNS name.
	Hostname string
	// Port the node listens on.
	Port int
	// SSL toggles wss:// / https:// vs ws:// / http://.
	SSL bool
	// Regions this node advertises, lower-cased, used by Pool.forRegion.
	Regions []string
	// BufferSize is the websocket read/write buffer size.
	BufferSize int
	// UserAgent is applied to REST and websocket requests if non-empty.
	UserAgent string
	// ClientName identifies this orchestrator to the node (Client-Name header).
	ClientName string

	// EnableResume toggles Lavalink-style session-resume capability.
	EnableResume bool
	// ResumeTimeoutSeconds is the session timeout requested on resume-configure.
	ResumeTimeoutSeconds int

	// ReconnectTries bounds how many times NodeClient retries a dropped socket.
	ReconnectTries int
	// ReconnectTimeout is the base backoff duration for reconnects (capped at 30s, §4.2).
	ReconnectTimeout time.Duration
}

// NewNodeConfig returns a NodeConfig with the defaults the spec calls out:
// v4 node, resume enabled, bounded reconnects.
func NewNodeConfig(name, hostname string, port int) *NodeConfig {
	return &NodeConfig{
		Name:                 name,
		Authorization:        "youshallnotpass",
		Hostname:             hostname,
		Port:                 port,
		SSL:                  false,
		BufferSize:           4096,
		ClientName:           "vireo/1.0",
		EnableResume:         true,
		ResumeTimeoutSeconds: 60,
		ReconnectTries:       10,
		ReconnectTimeout:     2 * time.Second,
	}
}

func (cfg *NodeConfig) socketEndpoint() string {
	scheme := "ws"
	if cfg.SSL {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, cfg.Hostname, cfg.Port)
}

func (cfg *NodeConfig) httpEndpoint() string {
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Hostname, cfg.Port)
}

// RestConfig tunes RestClient retry/timeout/caching behavior (§4.1).
type RestConfig struct {
	MaxRetries     int
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	BackoffJitter  time.Duration
	GETCacheTTL    time.Duration
	TrackCacheTTL  time.Duration
}

func NewRestConfig() *RestConfig {
	return &RestConfig{
		MaxRetries:     3,
		RequestTimeout: 15 * time.Second,
		BackoffBase:    250 * time.Millisecond,
		BackoffCap:     5 * time.Second,
		BackoffJitter:  100 * time.Millisecond,
		GETCacheTTL:    10 * time.Second,
		TrackCacheTTL:  5 * time.Minute,
	}
}

// PlayerConfig tunes Player batching, history, and recovery behavior.
type PlayerConfig struct {
	// BatchDelay coalesces updatePlayer mutations (§4.6, default 25ms).
	BatchDelay time.Duration
	// VoiceBatchDelay coalesces voice+volume pushes (§4.3, default 50ms).
	VoiceBatchDelay time.Duration
	// HistoryLimit bounds Player.history length (§3).
	HistoryLimit int
	// SmartShuffleWindow is how many recent history entries count as "recent" (§4.5).
	SmartShuffleWindow int
	// StuckThreshold (default 30s) is carried in the config but not read:
	// Player does no frozen-position detection on playerUpdate; only a
	// node-reported TrackStuck event triggers restart().
	StuckThreshold time.Duration
	// MaxReconnectAttempts bounds voice-recovery retries (§4.6).
	MaxReconnectAttempts int
	// ReconnectDelay is how long recoverVoice waits before re-issuing the
	// gateway voice join. A join that fails is logged and not retried.
	ReconnectDelay time.Duration
	// VoiceReadyWait is carried in the config but not read: nothing waits
	// for the voice binding to complete.
	VoiceReadyWait time.Duration
	// AutoResumeGrace is carried in the config but not read: a voice
	// WebSocketClosed event goes to recoverVoice, and no restart() is
	// scheduled after a grace period.
	AutoResumeGrace time.Duration
	// PreloadNext is carried in the config but not read: Player does not
	// resolve the next queue head ahead of time.
	PreloadNext bool
	// FadeInMs is carried in the config but not read: Play sends the target
	// volume at once, with no fade-in.
	FadeInMs int
}

func NewPlayerConfig() *PlayerConfig {
	return &PlayerConfig{
		BatchDelay:           25 * time.Millisecond,
		VoiceBatchDelay:      50 * time.Millisecond,
		HistoryLimit:         50,
		SmartShuffleWindow:   5,
		StuckThreshold:       30 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       3 * time.Second,
		VoiceReadyWait:       1 * time.Second,
		AutoResumeGrace:      5 * time.Second,
		PreloadNext:          true,
		FadeInMs:             0,
	}
}

// PoolConfig tunes health caching and rebalancing (§4.7).
type PoolConfig struct {
	HealthCacheTTL     time.Duration
	RebalanceInterval  time.Duration
	MigrationThreshold float64
}

func NewPoolConfig() *PoolConfig {
	return &PoolConfig{
		HealthCacheTTL:     30 * time.Second,
		RebalanceInterval:  30 * time.Second,
		MigrationThreshold: 1.0,
	}
}
