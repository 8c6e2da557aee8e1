package vireo

import "encoding/json"

// TrackInfo is the metadata half of a Track, all of which is informational —
// the node only ever consumes Track.Encoded.
type TrackInfo struct {
	Identifier string `json:"identifier,omitempty"`
	Author     string `json:"author,omitempty"`
	Title      string `json:"title,omitempty"`
	IsSeekable bool   `json:"isSeekable,omitempty"`
	Length     int64  `json:"length,omitempty"`
	IsStream   bool   `json:"isStream,omitempty"`
	Position   int64  `json:"position,omitempty"`
	URI        string `json:"uri,omitempty"`
	SourceName string `json:"sourceName,omitempty"`
	ISRC       string `json:"isrc,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	Album      string `json:"albumName,omitempty"`
}

// Track is the immutable-after-construction descriptor produced by a node's
// load-tracks call (§3). Encoded is the only field the node consumes; every
// other field is metadata for the host application.
type Track struct {
	Encoded    string          `json:"encoded,omitempty"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	UserData   json.RawMessage `json:"userData,omitempty"`
	Requester  string          `json:"-"`
}

// Unresolved reports whether this Track still needs to be resolved via the
// orchestrator's search before it can be played (§3: "A track may be
// unresolved").
func (t *Track) Unresolved() bool {
	return t == nil || t.Encoded == ""
}

// Qualifier is the (source, identifier) pair used to de-duplicate
// consecutive history entries and to match tracks against history for Smart
// Shuffle. Source-qualifying avoids collisions between platforms that reuse
// short ids.
func (t *Track) Qualifier() string {
	if t == nil {
		return ""
	}
	return t.Info.SourceName + ":" + t.Info.Identifier
}

// Clone returns a shallow copy safe to hand to a caller without exposing the
// orchestrator's internal pointer.
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
