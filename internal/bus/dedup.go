package bus

// dedupWindow is a bounded FIFO set of recently seen sourceEventIds. When
// the window is full the oldest id is evicted, after which that id may be
// accepted again.
type dedupWindow struct {
	ids  []string
	set  map[string]struct{}
	head int
	size int
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &dedupWindow{
		ids: make([]string, capacity),
		set: make(map[string]struct{}, capacity),
	}
}

func (w *dedupWindow) seen(id string) bool {
	_, ok := w.set[id]
	return ok
}

func (w *dedupWindow) add(id string) {
	if _, ok := w.set[id]; ok {
		return
	}
	if w.size == len(w.ids) {
		delete(w.set, w.ids[w.head])
	} else {
		w.size++
	}
	w.ids[w.head] = id
	w.set[id] = struct{}{}
	w.head = (w.head + 1) % len(w.ids)
}
