package clickhouse

import "time"

// DefaultReorderWindow is how far below the highest seen version a poller
// keeps looking for versions committed late.
const DefaultReorderWindow = 5 * time.Second

type versionKey struct {
	ticker  string
	ts      int64
	version uint64
}

// reorderWindow tracks which row versions in the trailing window were already
// published. Versions are nanosecond timestamps, so a row whose version lies
// within the window of the highest version seen is still picked up when it
// commits after a higher one.
type reorderWindow struct {
	span      uint64
	watermark uint64
	seen      map[versionKey]struct{}
}

func newReorderWindow(span time.Duration, watermark uint64) *reorderWindow {
	return &reorderWindow{
		span:      uint64(span.Nanoseconds()),
		watermark: watermark,
		seen:      make(map[versionKey]struct{}),
	}
}

// floor is the exclusive lower bound of the next poll.
func (w *reorderWindow) floor() uint64 {
	if w.watermark <= w.span {
		return 0
	}
	return w.watermark - w.span
}

// admit records k and reports whether it has not been seen before.
func (w *reorderWindow) admit(k versionKey) bool {
	if k.version <= w.floor() {
		return false
	}
	if _, ok := w.seen[k]; ok {
		return false
	}
	w.seen[k] = struct{}{}
	if k.version > w.watermark {
		w.watermark = k.version
	}
	return true
}

// prune forgets versions that fell out of the window.
func (w *reorderWindow) prune() {
	floor := w.floor()
	for k := range w.seen {
		if k.version <= floor {
			delete(w.seen, k)
		}
	}
}
