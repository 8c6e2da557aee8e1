package vireo

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/emirpasic/gods/lists/arraylist"
)

// historyWindow is the narrow back-reference Queue needs into its owning
// Player for Smart Shuffle (§4.5, §9 "Back-references"). It is intentionally
// minimal and non-owning: Queue never reaches into Player state beyond this.
type historyWindow interface {
	recentQualifiers(window int) map[string]struct{}
}

// Queue is the per-player ordered sequence of tracks (§3, §4.5). All methods
// are safe for concurrent use; the backing store is emirpasic/gods'
// arraylist, matching the teacher's own choice of list implementation.
type Queue struct {
	mu     sync.RWMutex
	list   *arraylist.List
	hist   historyWindow
	window int
}

// NewQueue builds an empty Queue. hist may be nil, in which case SmartShuffle
// degenerates to a plain Shuffle.
func NewQueue(hist historyWindow, smartShuffleWindow int) *Queue {
	return &Queue{
		list:   arraylist.New(),
		hist:   hist,
		window: smartShuffleWindow,
	}
}

// Len returns the number of queued tracks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.list.Size()
}

// Append adds a track to the tail — O(1) amortized.
func (q *Queue) Append(t *Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Add(t)
}

// AppendMany adds multiple tracks to the tail in order.
func (q *Queue) AppendMany(tracks []*Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tracks {
		q.list.Add(t)
	}
}

// Unshift pushes a track to the head — used by loop=track (§4.6 step 3).
func (q *Queue) Unshift(t *Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Insert(0, t)
}

// InsertAt inserts a track at an arbitrary index, shifting the tail — O(n).
func (q *Queue) InsertAt(index int, t *Track) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index > q.list.Size() {
		return New(KindValidation, "Queue.InsertAt", nil)
	}
	q.list.Insert(index, t)
	return nil
}

// RemoveAt removes and returns the track at index.
func (q *Queue) RemoveAt(index int) (*Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.list.Get(index)
	if !ok {
		return nil, New(KindValidation, "Queue.RemoveAt", nil)
	}
	q.list.Remove(index)
	return v.(*Track), nil
}

// Move removes the track at from and reinserts it so that it ends up at
// index to of the resulting queue — O(n).
func (q *Queue) Move(from, to int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := q.list.Size()
	if from < 0 || from >= size || to < 0 || to >= size {
		return New(KindValidation, "Queue.Move", nil)
	}
	v, _ := q.list.Get(from)
	q.list.Remove(from)
	q.list.Insert(to, v)
	return nil
}

// Swap exchanges the tracks at the two indices.
func (q *Queue) Swap(i, j int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := q.list.Size()
	if i < 0 || i >= size || j < 0 || j >= size {
		return New(KindValidation, "Queue.Swap", nil)
	}
	q.list.Swap(i, j)
	return nil
}

// Dequeue removes and returns the head track, or nil if the queue is empty.
func (q *Queue) Dequeue() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.list.Get(0)
	if !ok {
		return nil
	}
	q.list.Remove(0)
	return v.(*Track)
}

// Peek returns the head track without removing it, or nil if empty.
func (q *Queue) Peek() *Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	v, ok := q.list.Get(0)
	if !ok {
		return nil
	}
	return v.(*Track)
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Clear()
}

// Tracks returns a snapshot slice of the queue, head first.
func (q *Queue) Tracks() []*Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	vals := q.list.Values()
	out := make([]*Track, len(vals))
	for i, v := range vals {
		out[i] = v.(*Track)
	}
	return out
}

// Search returns every track matching pred, preserving order.
func (q *Queue) Search(pred func(*Track) bool) []*Track {
	var out []*Track
	for _, t := range q.Tracks() {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

// SearchTitleAuthor returns tracks whose title or author contains substr
// case-insensitively.
func (q *Queue) SearchTitleAuthor(substr string) []*Track {
	needle := strings.ToLower(substr)
	return q.Search(func(t *Track) bool {
		return strings.Contains(strings.ToLower(t.Info.Title), needle) ||
			strings.Contains(strings.ToLower(t.Info.Author), needle)
	})
}

// GetBySource returns tracks whose SourceName matches source exactly.
func (q *Queue) GetBySource(source string) []*Track {
	return q.Search(func(t *Track) bool { return t.Info.SourceName == source })
}

// GetByArtist returns tracks whose Author matches artist exactly.
func (q *Queue) GetByArtist(artist string) []*Track {
	return q.Search(func(t *Track) bool { return t.Info.Author == artist })
}

// GetByTitle returns tracks whose Title matches title exactly.
func (q *Queue) GetByTitle(title string) []*Track {
	return q.Search(func(t *Track) bool { return t.Info.Title == title })
}

// RemoveMatching removes every track matching pred and returns how many were
// removed.
func (q *Queue) RemoveMatching(pred func(*Track) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for i := 0; i < q.list.Size(); {
		v, _ := q.list.Get(i)
		if pred(v.(*Track)) {
			q.list.Remove(i)
			removed++
			continue
		}
		i++
	}
	return removed
}

// Shuffle performs an in-place Fisher-Yates shuffle. A queue of length <= 1
// is unaffected (§8 idempotence laws).
func (q *Queue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	fisherYates(q.list)
}

// SmartShuffle partitions the queue by whether each track's qualifier
// appears in the owning player's recent-history window; non-recent tracks
// are placed before recent ones, and each partition is shuffled
// independently (§4.5). Without a history back-reference it degenerates to
// a plain Shuffle.
func (q *Queue) SmartShuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.hist == nil || q.list.Size() <= 1 {
		fisherYates(q.list)
		return
	}
	recent := q.hist.recentQualifiers(q.window)
	var fresh, seen []*Track
	for _, v := range q.list.Values() {
		t := v.(*Track)
		if _, ok := recent[t.Qualifier()]; ok {
			seen = append(seen, t)
		} else {
			fresh = append(fresh, t)
		}
	}
	shuffleSlice(fresh)
	shuffleSlice(seen)
	q.list.Clear()
	for _, t := range fresh {
		q.list.Add(t)
	}
	for _, t := range seen {
		q.list.Add(t)
	}
}

func fisherYates(list *arraylist.List) {
	n := list.Size()
	for i := n - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		list.Swap(i, j)
	}
}

func shuffleSlice(s []*Track) {
	for i := len(s) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// Stats summarizes the queue for display (§4.5).
type Stats struct {
	Total          int     `json:"total"`
	UniqueArtists  int     `json:"uniqueArtists"`
	UniqueSources  int     `json:"uniqueSources"`
	AverageLengthMs float64 `json:"averageLengthMs"`
}

// Stats computes totals, unique-artist/source counts, and average duration.
func (q *Queue) Stats() Stats {
	tracks := q.Tracks()
	artists := map[string]struct{}{}
	sources := map[string]struct{}{}
	var totalLen int64
	for _, t := range tracks {
		artists[t.Info.Author] = struct{}{}
		sources[t.Info.SourceName] = struct{}{}
		totalLen += t.Info.Length
	}
	s := Stats{
		Total:         len(tracks),
		UniqueArtists: len(artists),
		UniqueSources: len(sources),
	}
	if len(tracks) > 0 {
		s.AverageLengthMs = float64(totalLen) / float64(len(tracks))
	}
	return s
}

// QueueSnapshot is the plain-data export used by toSnapshot/fromSnapshot (§4.6).
type QueueSnapshot struct {
	Tracks []*Track `json:"tracks"`
}

// Export returns a portable snapshot of the queue contents.
func (q *Queue) Export() QueueSnapshot {
	return QueueSnapshot{Tracks: q.Tracks()}
}

// Restore rebuilds the queue contents from a snapshot, replacing whatever
// was there before.
func (q *Queue) Restore(snap QueueSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Clear()
	for _, t := range snap.Tracks {
		q.list.Add(t)
	}
}
