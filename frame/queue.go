package frame

// Queue is a FIFO of frame buffers.
type Queue struct {
	bufs []*Buffer
}

func (q *Queue) Len() int { return len(q.bufs) }

func (q *Queue) PushBack(b *Buffer) { q.bufs = append(q.bufs, b) }

// PopFront removes and returns the oldest buffer, or nil if q is empty.
func (q *Queue) PopFront() *Buffer {
	if len(q.bufs) == 0 {
		return nil
	}
	b := q.bufs[0]
	q.bufs[0] = nil
	q.bufs = q.bufs[1:]
	if len(q.bufs) == 0 {
		q.bufs = nil
	}
	return b
}

// Last returns the newest buffer, or nil if q is empty.
func (q *Queue) Last() *Buffer {
	if len(q.bufs) == 0 {
		return nil
	}
	return q.bufs[len(q.bufs)-1]
}

// RemoveLast removes and returns the newest buffer.
func (q *Queue) RemoveLast() *Buffer {
	if len(q.bufs) == 0 {
		return nil
	}
	b := q.bufs[len(q.bufs)-1]
	q.bufs[len(q.bufs)-1] = nil
	q.bufs = q.bufs[:len(q.bufs)-1]
	return b
}

// Drain removes every buffer, passes it to fn and returns the count.
func (q *Queue) Drain(fn func(*Buffer)) int {
	n := len(q.bufs)
	for _, b := range q.bufs {
		fn(b)
	}
	q.bufs = nil
	return n
}
