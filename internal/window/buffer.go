// Package window keeps the bounded history of recent AQI samples and derives
// the rolling average and hourly trend from it.
package window

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Sample is one AQI value at the instant it was read
type Sample struct {
	At  time.Time `json:"at"`
	AQI int       `json:"aqi"`
}

// Buffer is a thread-safe FIFO of samples holding at most capacity entries.
// Samples must arrive in strictly increasing time order.
type Buffer struct {
	samples  []Sample
	capacity int
	mutex    sync.RWMutex
	stats    BufferStats
}

// BufferStats tracks buffer usage statistics
type BufferStats struct {
	TotalPushed   int64
	TotalEvicted  int64
	TotalRejected int64
	TotalCleared  int64
	HighWaterMark int
	LastPushTime  time.Time
	LastClearTime time.Time
}

// CapacityFor returns ceil(storage / poll) + 1, the number of samples needed
// to span the storage duration at the given poll interval.
func CapacityFor(storage, poll time.Duration) int {
	if poll <= 0 || storage <= 0 {
		return 1
	}
	return int(math.Ceil(float64(storage)/float64(poll))) + 1
}

// NewBuffer creates an empty buffer. Capacities below one are raised to one.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		samples:  make([]Sample, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a sample, evicting the oldest when full.
// Returns false if the sample is not newer than the newest retained one.
func (b *Buffer) Push(s Sample) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if n := len(b.samples); n > 0 && !s.At.After(b.samples[n-1].At) {
		b.stats.TotalRejected++
		return false
	}

	if len(b.samples) >= b.capacity {
		copy(b.samples, b.samples[1:])
		b.samples = b.samples[:len(b.samples)-1]
		b.stats.TotalEvicted++
	}
	b.samples = append(b.samples, s)
	b.stats.TotalPushed++
	b.stats.LastPushTime = s.At

	if len(b.samples) > b.stats.HighWaterMark {
		b.stats.HighWaterMark = len(b.samples)
	}
	return true
}

// Samples returns a copy of the retained samples, oldest first
func (b *Buffer) Samples() []Sample {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	result := make([]Sample, len(b.samples))
	copy(result, b.samples)
	return result
}

// Values returns the retained AQI values, oldest first
func (b *Buffer) Values() []int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	result := make([]int, len(b.samples))
	for i, s := range b.samples {
		result[i] = s.AQI
	}
	return result
}

// Newest returns the most recent sample
func (b *Buffer) Newest() (Sample, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if len(b.samples) == 0 {
		return Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// Average returns the arithmetic mean of the retained values, or 0 when empty
func (b *Buffer) Average() float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if len(b.samples) == 0 {
		return 0
	}
	var sum int
	for _, s := range b.samples {
		sum += s.AQI
	}
	return float64(sum) / float64(len(b.samples))
}

// Span is the averaging duration covered: (count-1) * poll.
func (b *Buffer) Span(poll time.Duration) time.Duration {
	n := b.Size()
	if n < 2 {
		return 0
	}
	return time.Duration(n-1) * poll
}

// Size returns the current number of samples
func (b *Buffer) Size() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.samples)
}

// IsFull returns true if buffer is at capacity
func (b *Buffer) IsFull() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.samples) >= b.capacity
}

// IsEmpty returns true if buffer has no samples
func (b *Buffer) IsEmpty() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.samples) == 0
}

// Clear drops every sample. Counters are kept.
func (b *Buffer) Clear(at time.Time) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.samples = b.samples[:0]
	b.stats.TotalCleared++
	b.stats.LastClearTime = at
}

// Capacity returns the maximum capacity of the buffer
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Stats returns a copy of current buffer statistics
func (b *Buffer) Stats() BufferStats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.stats
}

// String returns a human-readable representation of buffer state
func (b *Buffer) String() string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return fmt.Sprintf("Window[%d/%d, evicted: %d, rejected: %d]",
		len(b.samples),
		b.capacity,
		b.stats.TotalEvicted,
		b.stats.TotalRejected,
	)
}
