package vireo

import (
	"encoding/json"
	"errors"
)

// SearchSource selects which node-side search prefix to use when the query
// given to Resolve isn't already a direct URI (§4.8).
type SearchSource byte

const (
	SourceDirect SearchSource = iota
	SourceYouTube
	SourceYouTubeMusic
	SourceSoundCloud
)

func (s SearchSource) prefix() string {
	switch s {
	case SourceYouTube:
		return "ytsearch:"
	case SourceYouTubeMusic:
		return "ytmsearch:"
	case SourceSoundCloud:
		return "scsearch:"
	default:
		return ""
	}
}

// searchSourceFromName maps a Track.Info.SourceName (as reported by a node,
// or set by a caller building an unresolved seed) back to the SearchSource
// used to re-query that same source. Unrecognized names fall back to
// SourceDirect, which treats the query as a literal identifier/URI.
func searchSourceFromName(name string) SearchSource {
	switch name {
	case "youtube", "yt":
		return SourceYouTube
	case "youtube_music", "ytmusic", "ytm":
		return SourceYouTubeMusic
	case "soundcloud", "sc":
		return SourceSoundCloud
	default:
		return SourceDirect
	}
}

// v4 loadtracks loadType values (§6).
const (
	LoadTypeTrack    = "track"
	LoadTypePlaylist = "playlist"
	LoadTypeSearch   = "search"
	LoadTypeEmpty    = "empty"
	LoadTypeError    = "error"
)

// ResolvedTracks is the decoded, loadType-aware form of a loadtracks
// response, used by Orchestrator.Resolve's fallback ladder (§4.8, §8 S6).
type ResolvedTracks struct {
	LoadType      string
	Tracks        []*Track
	PlaylistName  string
	SelectedTrack int
	LoadErr       *loadError
}

func parseLoadTracks(resp *loadTracksResponse) (ResolvedTracks, error) {
	out := ResolvedTracks{LoadType: resp.LoadType}
	switch resp.LoadType {
	case LoadTypeTrack:
		var t Track
		if err := json.Unmarshal(resp.Data, &t); err != nil {
			return out, New(KindProtocol, "parseLoadTracks", err)
		}
		out.Tracks = []*Track{&t}
	case LoadTypeSearch:
		var tracks []*Track
		if err := json.Unmarshal(resp.Data, &tracks); err != nil {
			return out, New(KindProtocol, "parseLoadTracks", err)
		}
		out.Tracks = tracks
	case LoadTypePlaylist:
		var pl playlistData
		if err := json.Unmarshal(resp.Data, &pl); err != nil {
			return out, New(KindProtocol, "parseLoadTracks", err)
		}
		out.Tracks = pl.Tracks
		out.PlaylistName = pl.Info.Name
		out.SelectedTrack = pl.Info.SelectedTrack
	case LoadTypeError:
		var le loadError
		if err := json.Unmarshal(resp.Data, &le); err != nil {
			return out, New(KindProtocol, "parseLoadTracks", err)
		}
		out.LoadErr = &le
		return out, New(KindContract, "parseLoadTracks", errors.New(le.Message))
	case LoadTypeEmpty:
	default:
		return out, New(KindProtocol, "parseLoadTracks", nil)
	}
	return out, nil
}
