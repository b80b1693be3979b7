// Package frames resolves camera frame poses into the configured output frame using
// transforms matched to the capture time of the image.
package frames

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.viam.com/rdk/spatialmath"

	"arbundletracker/utils"
)

const (
	defaultCacheDuration = 10 * time.Second
	maxSamplesPerLink    = 1024
)

// StampedTransform is the pose of Child expressed in Parent at Stamp, translation in
// meters. A zero Stamp marks a static transform valid at every time.
type StampedTransform struct {
	Parent string
	Child  string
	Stamp  time.Time
	Pose   spatialmath.Pose
}

type link struct {
	parent, child string
}

// Buffer is a time indexed transform store. Lookups between two stored samples are
// interpolated; lookups past the newest sample wait for fresher data.
type Buffer struct {
	mu            sync.Mutex
	cacheDuration time.Duration
	static        map[link]spatialmath.Pose
	history       map[link][]StampedTransform
	updated       chan struct{}
}

// NewBuffer keeps cacheDuration of history per link. Zero selects 10s.
func NewBuffer(cacheDuration time.Duration) *Buffer {
	if cacheDuration <= 0 {
		cacheDuration = defaultCacheDuration
	}
	return &Buffer{
		cacheDuration: cacheDuration,
		static:        map[link]spatialmath.Pose{},
		history:       map[link][]StampedTransform{},
		updated:       make(chan struct{}),
	}
}

// Set stores a transform and wakes every waiting lookup.
func (b *Buffer) Set(tf StampedTransform) error {
	if tf.Parent == "" || tf.Child == "" || tf.Parent == tf.Child {
		return fmt.Errorf("invalid transform %q -> %q", tf.Parent, tf.Child)
	}
	if tf.Pose == nil {
		return fmt.Errorf("transform %q -> %q has no pose", tf.Parent, tf.Child)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	key := link{parent: tf.Parent, child: tf.Child}
	if tf.Stamp.IsZero() {
		b.static[key] = tf.Pose
	} else {
		samples := b.history[key]
		idx := sort.Search(len(samples), func(i int) bool { return !samples[i].Stamp.Before(tf.Stamp) })
		if idx < len(samples) && samples[idx].Stamp.Equal(tf.Stamp) {
			samples[idx] = tf
		} else {
			samples = append(samples, StampedTransform{})
			copy(samples[idx+1:], samples[idx:])
			samples[idx] = tf
		}
		b.history[key] = prune(samples, b.cacheDuration)
	}
	close(b.updated)
	b.updated = make(chan struct{})
	return nil
}

func prune(samples []StampedTransform, keep time.Duration) []StampedTransform {
	newest := samples[len(samples)-1].Stamp
	drop := 0
	for drop < len(samples)-1 && newest.Sub(samples[drop].Stamp) > keep {
		drop++
	}
	if over := len(samples) - drop - maxSamplesPerLink; over > 0 {
		drop += over
	}
	if drop == 0 {
		return samples
	}
	return append([]StampedTransform(nil), samples[drop:]...)
}

// Lookup returns the pose of source expressed in target at the given time, waiting up
// to timeout for data covering it. Direct and inverse links are both searched.
func (b *Buffer) Lookup(ctx context.Context, target, source string, at time.Time, timeout time.Duration) (spatialmath.Pose, error) {
	if target == source {
		return spatialmath.NewZeroPose(), nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		pose, wait, err := b.lookupLocked(target, source, at)
		updated := b.updated
		b.mu.Unlock()
		if err == nil {
			return pose, nil
		}
		if !wait {
			return nil, err
		}
		select {
		case <-updated:
		case <-deadline.C:
			return nil, fmt.Errorf("%w: timed out after %v: %v", utils.ErrTransformUnavailable, timeout, err)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", utils.ErrTransformUnavailable, ctx.Err())
		}
	}
}

// lookupLocked reports wait=true when newer data could still satisfy the request.
func (b *Buffer) lookupLocked(target, source string, at time.Time) (spatialmath.Pose, bool, error) {
	if pose, ok := b.static[link{parent: target, child: source}]; ok {
		return pose, false, nil
	}
	if pose, ok := b.static[link{parent: source, child: target}]; ok {
		return spatialmath.PoseInverse(pose), false, nil
	}

	if samples, ok := b.history[link{parent: target, child: source}]; ok {
		return interpolate(samples, target, source, at)
	}
	if samples, ok := b.history[link{parent: source, child: target}]; ok {
		pose, wait, err := interpolate(samples, source, target, at)
		if err != nil {
			return nil, wait, err
		}
		return spatialmath.PoseInverse(pose), false, nil
	}
	return nil, true, fmt.Errorf("%w: no transform between %q and %q", utils.ErrTransformUnavailable, target, source)
}

func interpolate(samples []StampedTransform, parent, child string, at time.Time) (spatialmath.Pose, bool, error) {
	oldest, newest := samples[0], samples[len(samples)-1]
	switch {
	case at.After(newest.Stamp):
		return nil, true, fmt.Errorf("%w: %q -> %q newest data is %v, requested %v",
			utils.ErrTransformUnavailable, parent, child, newest.Stamp, at)
	case at.Before(oldest.Stamp):
		return nil, false, fmt.Errorf("%w: %q -> %q oldest data is %v, requested %v",
			utils.ErrTransformUnavailable, parent, child, oldest.Stamp, at)
	}

	idx := sort.Search(len(samples), func(i int) bool { return !samples[i].Stamp.Before(at) })
	after := samples[idx]
	if after.Stamp.Equal(at) || idx == 0 {
		return after.Pose, false, nil
	}
	before := samples[idx-1]
	span := after.Stamp.Sub(before.Stamp)
	by := float64(at.Sub(before.Stamp)) / float64(span)
	return spatialmath.Interpolate(before.Pose, after.Pose, by), false, nil
}
