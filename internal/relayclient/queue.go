package relayclient

import "sync"

// queued is one not-yet-sent serialized message with its retry counter.
type queued struct {
	data     []byte
	attempts int
}

// sendQueue is the FIFO pending outbound queue, filled while the socket is
// not open and drained in order right after a connection opens.
type sendQueue struct {
	mu      sync.Mutex
	entries []*queued
	limit   int
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{limit: limit}
}

// push appends an entry, reporting false when the queue is at its limit.
func (q *sendQueue) push(e *queued) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.entries) >= q.limit {
		return false
	}
	q.entries = append(q.entries, e)
	return true
}

// pushFront reinserts an entry at the head, preserving FIFO order for a
// message whose flush attempt failed. Retries bypass the size limit.
func (q *sendQueue) pushFront(e *queued) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]*queued{e}, q.entries...)
}

// pop removes and returns the head entry, or nil when empty.
func (q *sendQueue) pop() *queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
