package monitor

import (
	"sync"
	"time"
)

// defaultMediaGroupDebounce is how long an image burst may stay quiet before
// the buffered group flushes.
const defaultMediaGroupDebounce = 800 * time.Millisecond

// mediaGroupBuffer collapses a burst of images from the same sender in the
// same channel into one dispatch: the first event becomes the primary, later
// media URLs accumulate as extras, and every image resets the flush timer.
type mediaGroupBuffer struct {
	mu       sync.Mutex
	debounce time.Duration
	entries  map[string]*mediaGroupEntry
	emit     func(item inboundItem)
	disposed bool
}

type mediaGroupEntry struct {
	primary inboundItem
	extras  []string
	timer   *time.Timer
}

func newMediaGroupBuffer(debounce time.Duration, emit func(item inboundItem)) *mediaGroupBuffer {
	if debounce <= 0 {
		debounce = defaultMediaGroupDebounce
	}
	return &mediaGroupBuffer{
		debounce: debounce,
		entries:  map[string]*mediaGroupEntry{},
		emit:     emit,
	}
}

// TryBuffer offers an event to the buffer. It returns true when the event
// was consumed (buffered as an image burst). A non-image event flushes any
// pending entry for the key and is returned to the caller unconsumed.
func (b *mediaGroupBuffer) TryBuffer(key string, item inboundItem, mediaURL string, isImage bool) bool {
	if !isImage {
		b.Flush(key)
		return false
	}
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return false
	}
	if entry, ok := b.entries[key]; ok {
		if mediaURL != "" {
			entry.extras = append(entry.extras, mediaURL)
		}
		entry.timer.Reset(b.debounce)
		b.mu.Unlock()
		return true
	}
	entry := &mediaGroupEntry{primary: item}
	entry.timer = time.AfterFunc(b.debounce, func() {
		b.Flush(key)
	})
	b.entries[key] = entry
	b.mu.Unlock()
	return true
}

// Flush removes the entry for key, if any, and emits it exactly once.
func (b *mediaGroupBuffer) Flush(key string) {
	b.mu.Lock()
	entry, ok := b.entries[key]
	if ok {
		delete(b.entries, key)
		entry.timer.Stop()
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	item := entry.primary
	item.extraMedia = entry.extras
	b.emit(item)
}

// Dispose cancels every timer and flushes all pending entries.
func (b *mediaGroupBuffer) Dispose() {
	b.mu.Lock()
	b.disposed = true
	pending := make([]*mediaGroupEntry, 0, len(b.entries))
	for key, entry := range b.entries {
		entry.timer.Stop()
		pending = append(pending, entry)
		delete(b.entries, key)
	}
	b.mu.Unlock()
	for _, entry := range pending {
		item := entry.primary
		item.extraMedia = entry.extras
		b.emit(item)
	}
}

// Pending returns the number of buffered groups.
func (b *mediaGroupBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
