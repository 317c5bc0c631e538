package rollup

import (
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyrollup/pkg/rules"
	"github.com/nicktill/tinyrollup/pkg/series"
)

// Buffer holds the points of one series inside the current window, ordered
// by timestamp.
type Buffer struct {
	id       series.Identity
	rule     *rules.Rule
	points   []series.Point
	// arrival time of the latest point, not its timestamp
	lastSeen time.Time
}

// Identity returns the series the buffer belongs to.
func (b *Buffer) Identity() series.Identity { return b.id }

// Rule returns the rule the buffer was created with.
func (b *Buffer) Rule() *rules.Rule { return b.rule }

// Points returns the buffered points, oldest first.
func (b *Buffer) Points() []series.Point { return b.points }

// LastSeen returns when the buffer last received a point.
func (b *Buffer) LastSeen() time.Time { return b.lastSeen }

// insert keeps points ordered by timestamp. In-order arrival, the common
// case, appends.
func (b *Buffer) insert(p series.Point) {
	n := len(b.points)
	if n == 0 || !p.Timestamp.Before(b.points[n-1].Timestamp) {
		b.points = append(b.points, p)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return b.points[i].Timestamp.After(p.Timestamp)
	})
	b.points = append(b.points, series.Point{})
	copy(b.points[i+1:], b.points[i:])
	b.points[i] = p
}

// Snapshot is the content of a window taken out for aggregation. The
// window no longer references it.
type Snapshot struct {
	Interval string
	Start    time.Time
	End      time.Time
	Buffers  []*Buffer
}

// Points returns the number of buffered points in the snapshot.
func (s *Snapshot) Points() int {
	n := 0
	for _, b := range s.Buffers {
		n += len(b.points)
	}
	return n
}

// Window tracks the current [start, end) range of one rollup interval and
// the per-series buffers that fall into it.
type Window struct {
	name     string
	interval time.Duration

	mu      sync.Mutex
	start   time.Time
	end     time.Time
	buffers map[string]*Buffer
}

// NewWindow creates a window aligned to the Unix epoch that contains now.
func NewWindow(name string, interval time.Duration, now time.Time) *Window {
	start := alignEpoch(now, interval)
	return &Window{
		name:     name,
		interval: interval,
		start:    start,
		end:      start.Add(interval),
		buffers:  make(map[string]*Buffer),
	}
}

// Name returns the interval name, e.g. "1m".
func (w *Window) Name() string { return w.name }

// Interval returns the window length.
func (w *Window) Interval() time.Duration { return w.interval }

// Bounds returns the current [start, end).
func (w *Window) Bounds() (time.Time, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.start, w.end
}

// Len returns the number of buffered series.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffers)
}

// Ingest adds a point for a series. A point at or past the window end
// first closes the window: the returned snapshot holds everything buffered
// so far and must be aggregated by the caller. Points before the window
// start are rejected. now is the arrival time used for stale detection.
func (w *Window) Ingest(id series.Identity, rule *rules.Rule, p series.Point, now time.Time) (snap *Snapshot, accepted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p.Timestamp.Before(w.start) {
		return nil, false
	}

	if !p.Timestamp.Before(w.end) {
		snap = w.swapLocked()
		w.advanceLocked(p.Timestamp)
	}

	// a buffer keeps the rule it was created with until it is flushed
	b, ok := w.buffers[id.Key()]
	if !ok {
		b = &Buffer{id: id, rule: rule}
		w.buffers[id.Key()] = b
	}
	b.lastSeen = now
	b.insert(p)
	return snap, true
}

// Advance closes the window when now has reached its end. It returns nil
// while the window is still open.
func (w *Window) Advance(now time.Time) *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Before(w.end) {
		return nil
	}
	snap := w.swapLocked()
	w.advanceLocked(now)
	return snap
}

// Drain takes whatever is buffered regardless of window position.
func (w *Window) Drain() *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.swapLocked()
}

// Sweep drops buffers that have received nothing for longer than staleAfter. Buffers
// are normally emptied by every flush, so anything found here was stuck.
func (w *Window) Sweep(now time.Time, staleAfter time.Duration) (buffers, points int) {
	if floor := 2 * w.interval; staleAfter < floor {
		staleAfter = floor
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, b := range w.buffers {
		if now.Sub(b.lastSeen) > staleAfter {
			buffers++
			points += len(b.points)
			delete(w.buffers, key)
		}
	}
	return buffers, points
}

// swapLocked replaces the buffer map and returns the old contents. The
// snapshot is owned by the caller, so aggregation runs without the lock.
func (w *Window) swapLocked() *Snapshot {
	snap := &Snapshot{
		Interval: w.name,
		Start:    w.start,
		End:      w.end,
		Buffers:  make([]*Buffer, 0, len(w.buffers)),
	}
	for _, b := range w.buffers {
		snap.Buffers = append(snap.Buffers, b)
	}
	sort.Slice(snap.Buffers, func(i, j int) bool {
		return snap.Buffers[i].id.Key() < snap.Buffers[j].id.Key()
	})
	w.buffers = make(map[string]*Buffer, len(w.buffers))
	return snap
}

// advanceLocked moves the window forward by whole intervals until it
// contains ts.
func (w *Window) advanceLocked(ts time.Time) {
	if ts.Before(w.end) {
		return
	}
	steps := ts.Sub(w.end)/w.interval + 1
	w.start = w.start.Add(steps * w.interval)
	w.end = w.start.Add(w.interval)
}

func alignEpoch(t time.Time, d time.Duration) time.Time {
	ns := t.UnixNano()
	rem := ns % int64(d)
	if rem < 0 {
		rem += int64(d)
	}
	return time.Unix(0, ns-rem)
}
