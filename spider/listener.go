package spider

import (
	"image"
	"slices"
)

// Listener observes a coordinator. Callbacks run synchronously on the
// goroutine that produced the event: the control loop, a download job or a
// decode worker. Implementations must not block.
type Listener interface {
	OnPageCount(pages int)
	OnPageProgress(index int, contentLength, received, delta int64)
	OnPageSuccess(index, finished, done, total int)
	OnPageFailure(index int, err string, finished, done, total int)
	// OnQuotaExceeded is called when the site refuses the image of page
	// index because the image quota is used up. OnPageFailure follows.
	OnQuotaExceeded(index int)
	OnAllDone(finished, done, total int)
	OnDecodeSuccess(index int, img image.Image)
	OnDecodeFailure(index int, err string)
}

// NopListener implements Listener with no-ops. Embed it to observe a subset
// of events.
type NopListener struct{}

func (NopListener) OnPageCount(int)                          {}
func (NopListener) OnPageProgress(int, int64, int64, int64)  {}
func (NopListener) OnPageSuccess(int, int, int, int)         {}
func (NopListener) OnPageFailure(int, string, int, int, int) {}
func (NopListener) OnQuotaExceeded(int)                      {}
func (NopListener) OnAllDone(int, int, int)                  {}
func (NopListener) OnDecodeSuccess(int, image.Image)         {}
func (NopListener) OnDecodeFailure(int, string)              {}

type eventKind int

const (
	eventNone eventKind = iota
	eventPageSuccess
	eventPageFailure
)

// pageEvent is a state transition to publish once the state locks are
// released.
type pageEvent struct {
	kind     eventKind
	index    int
	err      string
	finished int
	done     int
	total    int
	allDone  bool
}

// addListener registers l and returns a function that removes it.
func (c *Coordinator) addListener(l Listener) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.listenerSeq++
	id := c.listenerSeq
	c.listeners[id] = l
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) eachListener(fn func(Listener)) {
	c.listenersMu.RLock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	c.listenersMu.RUnlock()

	for _, l := range ls {
		fn(l)
	}
}

func (c *Coordinator) publish(ev pageEvent) {
	switch ev.kind {
	case eventPageSuccess:
		c.eachListener(func(l Listener) { l.OnPageSuccess(ev.index, ev.finished, ev.done, ev.total) })
	case eventPageFailure:
		c.eachListener(func(l Listener) { l.OnPageFailure(ev.index, ev.err, ev.finished, ev.done, ev.total) })
	default:
		return
	}
	if ev.allDone {
		c.eachListener(func(l Listener) { l.OnAllDone(ev.finished, ev.done, ev.total) })
	}
}
