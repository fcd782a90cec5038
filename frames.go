package main

import "sync"

// FrameCache holds the most recent JPEG frame received from the source.
// It is process-lifetime shared state: source sessions write it, the MJPEG
// preview endpoint reads it.
type FrameCache struct {
	mu   sync.RWMutex
	jpeg []byte
}

func NewFrameCache() *FrameCache {
	return &FrameCache{}
}

// Update stores a copy of the frame.
func (f *FrameCache) Update(jpeg []byte) {
	if len(jpeg) == 0 {
		return
	}
	buf := make([]byte, len(jpeg))
	copy(buf, jpeg)
	f.mu.Lock()
	f.jpeg = buf
	f.mu.Unlock()
}

// JPEG returns the latest frame, or nil if none has arrived yet. Callers
// must not mutate the returned slice.
func (f *FrameCache) JPEG() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.jpeg
}
