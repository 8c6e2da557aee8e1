package vireo

import "encoding/json"

// Wire-level op/event-type constants for the v4 node protocol (§6).
const (
	opReady         = "ready"
	opStats         = "stats"
	opPlayerUpdate  = "playerUpdate"
	opEvent         = "event"

	eventTrackStart      = "TrackStartEvent"
	eventTrackEnd        = "TrackEndEvent"
	eventTrackException  = "TrackExceptionEvent"
	eventTrackStuck      = "TrackStuckEvent"
	eventWebSocketClosed = "WebSocketClosedEvent"
	eventSegmentsLoaded  = "SegmentsLoaded"
	eventSegmentSkipped  = "SegmentSkipped"
	eventChaptersLoaded  = "ChaptersLoaded"
	eventChapterStarted  = "ChapterStarted"
)

// TrackEndReason enumerates why a track stopped playing (§4.2).
type TrackEndReason string

const (
	ReasonFinished   TrackEndReason = "FINISHED"
	ReasonLoadFailed TrackEndReason = "LOADFAILED"
	ReasonStopped    TrackEndReason = "STOPPED"
	ReasonReplaced   TrackEndReason = "REPLACED"
	ReasonCleanup    TrackEndReason = "CLEANUP"
)

// envelope is the outermost shape of every inbound node message; Op selects
// how the rest of the payload is interpreted.
type envelope struct {
	Op      string          `json:"op"`
	GuildID string          `json:"guildId,omitempty"`
	Type    string          `json:"type,omitempty"`
	raw     json.RawMessage `json:"-"`
}

type readyPayload struct {
	Op        string `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

type playerStatePayload struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

type playerUpdatePayload struct {
	Op      string             `json:"op"`
	GuildID string             `json:"guildId"`
	State   playerStatePayload `json:"state"`
}

type memoryStats struct {
	Free         int64 `json:"free"`
	Used         int64 `json:"used"`
	Allocated    int64 `json:"allocated"`
	Reservable   int64 `json:"reservable"`
}

type cpuStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

type frameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

type statsPayload struct {
	Op             string      `json:"op"`
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         memoryStats `json:"memory"`
	CPU            cpuStats    `json:"cpu"`
	Frames         *frameStats `json:"frameStats,omitempty"`
}

// eventBase carries the fields common to every per-guild event message.
type eventBase struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Type    string `json:"type"`
}

type trackStartPayload struct {
	eventBase
	Track json.RawMessage `json:"track"`
}

type trackEndPayload struct {
	eventBase
	Track  json.RawMessage `json:"track"`
	Reason TrackEndReason  `json:"reason"`
}

type trackExceptionPayload struct {
	eventBase
	Track     json.RawMessage `json:"track"`
	Exception exceptionInfo   `json:"exception"`
}

type trackStuckPayload struct {
	eventBase
	Track       json.RawMessage `json:"track"`
	ThresholdMs int64           `json:"thresholdMs"`
}

type webSocketClosedPayload struct {
	eventBase
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	ByRemote bool   `json:"byRemote"`
}

type exceptionInfo struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause,omitempty"`
}

// voicePayload is the "voice" block of an updatePlayer PATCH body (§3
// VoiceBinding, §6).
type voicePayload struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// updatePlayerBody is the partial PATCH body accepted by
// /v4/sessions/{sessionId}/players/{guildId} (§6). Every field is optional;
// Player's batching layer fills in whichever subset changed.
type updatePlayerBody struct {
	Track    *updateTrack   `json:"track,omitempty"`
	Position *int64         `json:"position,omitempty"`
	Volume   *int           `json:"volume,omitempty"`
	Paused   *bool          `json:"paused,omitempty"`
	Filters  *FilterPayload `json:"filters,omitempty"`
	Voice    *voicePayload  `json:"voice,omitempty"`
}

// updateTrack carries either an encoded blob to play or an explicit null to
// stop playback (§4.6 stop()).
type updateTrack struct {
	Encoded *string `json:"encoded"`
}

// sessionUpdateBody configures session resume (§6 PATCH /v4/sessions/{id}).
type sessionUpdateBody struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// sponsorBlockCategories is the body for the SponsorBlock category endpoints
// named in §6; the editing UX around it is a Non-goal, the wire shape is not.
type sponsorBlockCategories []string

// loadTracksResponse is the v4 /loadtracks response envelope (§6, §4.8).
type loadTracksResponse struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type playlistData struct {
	Info struct {
		Name          string `json:"name"`
		SelectedTrack int    `json:"selectedTrack"`
	} `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	Tracks     []*Track        `json:"tracks"`
}

type loadError struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause,omitempty"`
}

// nodeInfoResponse is the v4 /info response shape (§3 NodeInfo).
type nodeInfoResponse struct {
	Version struct {
		Semver string `json:"semver"`
	} `json:"version"`
	BuildTime      int64    `json:"buildTime"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"plugins"`
}
