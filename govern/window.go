package govern

import (
	"encoding/json"
	"sync"
	"time"
)

// windowState holds the sliding-window hit log for one (identifier, rule)
// pair. Hits older than the window are pruned before every count.
type windowState struct {
	mu   sync.Mutex
	hits []time.Time
}

func newWindowState() *windowState {
	return &windowState{}
}

// record prunes expired hits, appends one at now, and returns the hit count
// inside the window including the new hit.
func (w *windowState) record(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, window)
	w.hits = append(w.hits, now)
	return len(w.hits)
}

// tryAdmit prunes, then records a hit only when the window is under limit,
// all under one lock so two concurrent checks cannot both take the last
// slot. Returns the in-window count after the call.
func (w *windowState) tryAdmit(now time.Time, window time.Duration, limit int) (count int, admitted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, window)
	if len(w.hits) >= limit {
		return len(w.hits), false
	}
	w.hits = append(w.hits, now)
	return len(w.hits), true
}

// count prunes expired hits and returns the number remaining in the window.
func (w *windowState) count(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, window)
	return len(w.hits)
}

// oldest returns the oldest in-window hit, or zero time when empty.
func (w *windowState) oldest() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.hits) == 0 {
		return time.Time{}
	}
	return w.hits[0]
}

// prune drops hits older than now-window. Caller holds the lock.
func (w *windowState) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(w.hits) && !w.hits[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.hits = append(w.hits[:0], w.hits[idx:]...)
	}
}

// merge unions another hit log into this one as multisets: hits sharing a
// timestamp are distinct requests, so per timestamp the merged log keeps
// the larger of the two counts. Used to reconcile the mirror with the
// authoritative store.
func (w *windowState) merge(other []time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	overlap := make(map[int64]int, len(w.hits))
	for _, t := range w.hits {
		overlap[t.UnixNano()]++
	}
	for _, t := range other {
		ns := t.UnixNano()
		if overlap[ns] > 0 {
			overlap[ns]--
			continue
		}
		w.hits = append(w.hits, t)
	}
	// Keep chronological order for prune and oldest.
	for i := 1; i < len(w.hits); i++ {
		for j := i; j > 0 && w.hits[j].Before(w.hits[j-1]); j-- {
			w.hits[j], w.hits[j-1] = w.hits[j-1], w.hits[j]
		}
	}
}

// snapshot returns a copy of the current hit log.
func (w *windowState) snapshot() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]time.Time, len(w.hits))
	copy(out, w.hits)
	return out
}

// windowRecord is the KV serialization of a hit log.
type windowRecord struct {
	HitsUnixNano []int64 `json:"hits"`
}

func encodeHits(hits []time.Time) ([]byte, error) {
	rec := windowRecord{HitsUnixNano: make([]int64, len(hits))}
	for i, t := range hits {
		rec.HitsUnixNano[i] = t.UnixNano()
	}
	return json.Marshal(rec)
}

func decodeHits(data []byte) ([]time.Time, error) {
	var rec windowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	hits := make([]time.Time, len(rec.HitsUnixNano))
	for i, ns := range rec.HitsUnixNano {
		hits[i] = time.Unix(0, ns)
	}
	return hits, nil
}
