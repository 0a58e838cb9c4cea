package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/aq-notify/internal/models"
)

// MessageBuffer is a thread-safe FIFO of outbound messages kept while the
// dashboard server is unreachable
type MessageBuffer struct {
	messages   []*models.Message
	capacity   int
	dropOldest bool
	mutex      sync.RWMutex
	stats      BufferStats
}

// BufferStats tracks buffer usage statistics
type BufferStats struct {
	TotalPushed   int64
	TotalDropped  int64
	HighWaterMark int
	LastPushTime  time.Time
	LastDropTime  time.Time
}

// NewMessageBuffer creates a buffer holding at most capacity messages
func NewMessageBuffer(capacity int, dropOldest bool) *MessageBuffer {
	return &MessageBuffer{
		messages:   make([]*models.Message, 0, capacity),
		capacity:   capacity,
		dropOldest: dropOldest,
	}
}

// Push appends a message.
// Returns false when the buffer is full and drops the newest message.
func (mb *MessageBuffer) Push(msg *models.Message) bool {
	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	now := time.Now()
	if len(mb.messages) >= mb.capacity {
		mb.stats.TotalDropped++
		mb.stats.LastDropTime = now
		if !mb.dropOldest {
			return false
		}
		mb.messages[0] = nil
		mb.messages = mb.messages[1:]
	}
	mb.messages = append(mb.messages, msg)
	mb.stats.TotalPushed++
	mb.stats.LastPushTime = now

	if len(mb.messages) > mb.stats.HighWaterMark {
		mb.stats.HighWaterMark = len(mb.messages)
	}
	return true
}

// PushFront puts messages back at the head, oldest first, after a failed
// send. Messages that no longer fit are dropped from the tail.
func (mb *MessageBuffer) PushFront(msgs []*models.Message) {
	if len(msgs) == 0 {
		return
	}
	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	merged := make([]*models.Message, 0, len(msgs)+len(mb.messages))
	merged = append(merged, msgs...)
	merged = append(merged, mb.messages...)
	if over := len(merged) - mb.capacity; over > 0 {
		mb.stats.TotalDropped += int64(over)
		mb.stats.LastDropTime = time.Now()
		merged = merged[:mb.capacity]
	}
	mb.messages = merged
}

// PopBatch removes and returns up to n messages, oldest first
func (mb *MessageBuffer) PopBatch(n int) []*models.Message {
	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	count := min(n, len(mb.messages))
	if count <= 0 {
		return nil
	}
	result := make([]*models.Message, count)
	copy(result, mb.messages[:count])
	mb.messages = mb.messages[count:]
	return result
}

// Peek returns up to n messages without removing them
func (mb *MessageBuffer) Peek(n int) []*models.Message {
	mb.mutex.RLock()
	defer mb.mutex.RUnlock()

	count := min(n, len(mb.messages))
	if count <= 0 {
		return nil
	}
	result := make([]*models.Message, count)
	copy(result, mb.messages[:count])
	return result
}

// Size returns the number of buffered messages
func (mb *MessageBuffer) Size() int {
	mb.mutex.RLock()
	defer mb.mutex.RUnlock()
	return len(mb.messages)
}

// IsEmpty returns true if nothing is buffered
func (mb *MessageBuffer) IsEmpty() bool {
	return mb.Size() == 0
}

// Capacity returns the maximum capacity of the buffer
func (mb *MessageBuffer) Capacity() int {
	return mb.capacity
}

// Clear drops every buffered message and resets the statistics
func (mb *MessageBuffer) Clear() {
	mb.mutex.Lock()
	defer mb.mutex.Unlock()
	mb.messages = make([]*models.Message, 0, mb.capacity)
	mb.stats = BufferStats{}
}

// Stats returns a copy of current buffer statistics
func (mb *MessageBuffer) Stats() BufferStats {
	mb.mutex.RLock()
	defer mb.mutex.RUnlock()
	return mb.stats
}

func (mb *MessageBuffer) String() string {
	mb.mutex.RLock()
	defer mb.mutex.RUnlock()

	mode := "drop-newest"
	if mb.dropOldest {
		mode = "drop-oldest"
	}
	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, mode: %s]",
		len(mb.messages),
		mb.capacity,
		mb.stats.TotalDropped,
		mode,
	)
}
