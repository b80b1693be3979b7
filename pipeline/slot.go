package pipeline

import (
	"sync"

	"arbundletracker/trackers"
)

// FrameSlot holds only the most recent captured frame. Writers never block; older
// frames are overwritten.
type FrameSlot struct {
	mu    sync.Mutex
	frame trackers.Frame
	seq   uint64
	full  bool
}

// Put replaces the held frame.
func (s *FrameSlot) Put(f trackers.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = f
	s.seq++
	s.full = true
}

// Latest returns the held frame and its sequence number. The sequence grows with every
// Put, so callers can tell a new frame from one they already processed.
func (s *FrameSlot) Latest() (trackers.Frame, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.seq, s.full
}

// Clear drops the held frame, keeping the sequence monotonic.
func (s *FrameSlot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = trackers.Frame{}
	s.full = false
}
