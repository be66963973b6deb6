package timeseries

import (
	"time"

	"marketsim/internal/domain/market"
)

const (
	// CompressionStride keeps every Nth minute of an aged bucket
	CompressionStride = 5
)

// Frame is one hour of buckets for every ticker of one instrument class
type Frame[T any] struct {
	Start      time.Time
	Buckets    map[market.Ticker][]T
	Compressed bool
}

// End returns the instant the frame's hour closes
func (f Frame[T]) End() time.Time {
	return f.Start.Add(time.Hour)
}

// BucketView is one frame's contribution to a range query. Each sample
// covers Step of real time; compressed views have Step = 5 minutes.
type BucketView[T any] struct {
	Start      time.Time
	Step       time.Duration
	Compressed bool
	Buckets    map[market.Ticker][]T
}

// Series is a bounded ring of hourly frames for one instrument class.
// It is not safe for concurrent use; the owning engine serializes access.
type Series[T any] struct {
	frames *ring[Frame[T]]
}

// NewSeries creates a series retaining at most retention frames
func NewSeries[T any](retention int) *Series[T] {
	if retention < 1 {
		retention = 1
	}
	return &Series[T]{frames: newRing[Frame[T]](retention)}
}

// Len returns the number of retained frames
func (s *Series[T]) Len() int {
	return s.frames.Len()
}

// Append adds a frame as the newest, evicting the oldest when the
// retention window is full. Returns the number of evicted frames.
func (s *Series[T]) Append(frame Frame[T]) int {
	evicted := 0
	if s.frames.Full() {
		s.EvictOldest()
		evicted++
	}
	s.frames.Push(frame)
	return evicted
}

// EvictOldest drops the oldest frame
func (s *Series[T]) EvictOldest() bool {
	_, ok := s.frames.PopFront()
	return ok
}

// Latest returns the newest frame
func (s *Series[T]) Latest() (Frame[T], bool) {
	if s.frames.Len() == 0 {
		return Frame[T]{}, false
	}
	return s.frames.At(s.frames.Len() - 1), true
}

// Previous returns the frame before the newest
func (s *Series[T]) Previous() (Frame[T], bool) {
	if s.frames.Len() < 2 {
		return Frame[T]{}, false
	}
	return s.frames.At(s.frames.Len() - 2), true
}

// Compress subsamples every raw frame that ended at or before cutoff.
// Returns the number of frames compressed. The newest frame is never
// compressed.
func (s *Series[T]) Compress(cutoff time.Time) int {
	compressed := 0
	for i := 0; i < s.frames.Len()-1; i++ {
		frame := s.frames.At(i)
		if frame.Compressed || frame.End().After(cutoff) {
			continue
		}

		buckets := make(map[market.Ticker][]T, len(frame.Buckets))
		for ticker, samples := range frame.Buckets {
			buckets[ticker] = subsample(samples, CompressionStride)
		}
		frame.Buckets = buckets
		frame.Compressed = true
		s.frames.Set(i, frame)
		compressed++
	}
	return compressed
}

// Query returns views over [now - hoursAgo h - minutesAgo m, now], oldest
// first. A range reaching past the retained window starts at the oldest
// frame. The newest frame only exposes minutes already elapsed at now.
// Tickers absent from a frame are skipped in that view.
func (s *Series[T]) Query(tickers []market.Ticker, hoursAgo, minutesAgo int, now time.Time) []BucketView[T] {
	if s.frames.Len() == 0 {
		return nil
	}

	from := now.Add(-time.Duration(hoursAgo)*time.Hour - time.Duration(minutesAgo)*time.Minute)
	views := make([]BucketView[T], 0)

	for i := 0; i < s.frames.Len(); i++ {
		frame := s.frames.At(i)
		if !frame.End().After(from) || frame.Start.After(now) {
			continue
		}

		step := time.Minute
		if frame.Compressed {
			step = CompressionStride * time.Minute
		}

		// first sample covering from, last sample not after now
		first := 0
		if from.After(frame.Start) {
			first = int(from.Sub(frame.Start) / step)
		}
		last := int(now.Sub(frame.Start)/step) + 1

		view := BucketView[T]{
			Start:      frame.Start.Add(time.Duration(first) * step),
			Step:       step,
			Compressed: frame.Compressed,
			Buckets:    make(map[market.Ticker][]T, len(tickers)),
		}
		for _, ticker := range tickers {
			samples, ok := frame.Buckets[ticker]
			if !ok {
				continue
			}
			hi := min(last, len(samples))
			if first >= hi {
				continue
			}
			view.Buckets[ticker] = samples[first:hi:hi]
		}
		views = append(views, view)
	}

	return views
}

// ValidPrefix returns how many minutes of a frame starting at start have
// elapsed at now, including the current minute.
func ValidPrefix(start, now time.Time) int {
	if now.Before(start) {
		return 0
	}
	return min(int(now.Sub(start)/time.Minute)+1, market.MinutesPerBucket)
}

func subsample[T any](samples []T, stride int) []T {
	out := make([]T, 0, (len(samples)+stride-1)/stride)
	for i := 0; i < len(samples); i += stride {
		out = append(out, samples[i])
	}
	return out
}
