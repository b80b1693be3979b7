package pipeline

import (
	"context"
	"sync"
	"time"
)

// Publisher carries a processed frame to consumers.
type Publisher interface {
	Publish(ctx context.Context, out Output) error
}

// RecordStore keeps the last published output for pull based consumers such as the
// overlay camera.
type RecordStore struct {
	mu   sync.RWMutex
	last Output
}

func NewRecordStore() *RecordStore {
	return &RecordStore{}
}

func (s *RecordStore) Publish(ctx context.Context, out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = out
	return nil
}

// Latest returns the last published output.
func (s *RecordStore) Latest() Output {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Fresh returns the last records that are still within their lifetime at now.
func (s *RecordStore) Fresh(now time.Time) []VisualizationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VisualizationRecord
	for _, r := range s.last.Records {
		if !now.After(r.Stamp.Add(r.Lifetime)) {
			out = append(out, r)
		}
	}
	return out
}
