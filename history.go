package vireo

import "time"

// HistoryEntry is a Track with the added fields the spec requires for
// playback history (§3).
type HistoryEntry struct {
	Track        *Track `json:"track"`
	PlayedAt     int64  `json:"playedAt"`
	ReplayCount  int    `json:"replayCount"`
}

// history is a bounded, newest-first sequence deduplicated by consecutive
// identifier: a consecutive play of the same identifier increments
// ReplayCount on the head entry instead of prepending a new one (§3, §8
// invariant 3).
type history struct {
	entries []HistoryEntry
	limit   int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 1
	}
	return &history{limit: limit}
}

// nowMillis is a package-level var so tests can pin wall-clock time; the
// snapshot format never relies on its absolute value for correctness, only
// for observability (§9 open question 4).
var nowMillis = func() int64 { return time.Now().UnixMilli() }

func (h *history) push(t *Track) {
	if t == nil {
		return
	}
	ts := nowMillis()
	if len(h.entries) > 0 && h.entries[0].Track.Qualifier() == t.Qualifier() {
		h.entries[0].ReplayCount++
		h.entries[0].PlayedAt = ts
		return
	}
	entry := HistoryEntry{Track: t, PlayedAt: ts, ReplayCount: 1}
	h.entries = append([]HistoryEntry{entry}, h.entries...)
	if len(h.entries) > h.limit {
		h.entries = h.entries[:h.limit]
	}
}

func (h *history) window(n int) []HistoryEntry {
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	return h.entries[:n]
}

func (h *history) containsQualifier(q string, window int) bool {
	for _, e := range h.window(window) {
		if e.Track.Qualifier() == q {
			return true
		}
	}
	return false
}

func (h *history) list() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *history) restore(entries []HistoryEntry, limit int) {
	if limit <= 0 {
		limit = 1
	}
	h.limit = limit
	if len(entries) > limit {
		entries = entries[:limit]
	}
	h.entries = append([]HistoryEntry{}, entries...)
}
