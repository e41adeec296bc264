package history

import (
	"sync"

	"hollow/internal/models"
)

type seq int64

// Ring keeps the most recent messages of one conversation in a bounded ring
// buffer so a screen can re-display instantly without touching the network
// or the disk cache. Sequence numbers are local arrival counters, not server
// message ids.
type Ring struct {
	records  []models.Message
	max      int
	lastIdx  int
	firstSeq seq
	lastSeq  seq

	mux sync.RWMutex
}

func New(max int) *Ring {
	if max <= 0 {
		max = 50
	}
	return &Ring{
		max:      max,
		lastIdx:  -1,
		firstSeq: -1,
		lastSeq:  -1,
	}
}

// Add appends a message, evicting the oldest once the buffer is full.
func (r *Ring) Add(msg models.Message) {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.lastSeq++

	switch {
	case len(r.records) < r.max:
		if r.firstSeq == -1 {
			r.firstSeq = r.lastSeq
		}
		r.records = append(r.records, msg)
		r.lastIdx++
	default:
		r.firstSeq++
		i := (r.lastIdx + 1) % r.max
		r.records[i] = msg
		r.lastIdx = i
	}
}

// Len returns the number of buffered messages.
func (r *Ring) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.records)
}

// Last returns up to count most recent messages, oldest first.
func (r *Ring) Last(count int) []models.Message {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.lastSeq == -1 {
		return []models.Message{}
	}

	total := int(r.lastSeq - r.firstSeq + 1)
	if count > total {
		count = total
	}

	from := r.lastSeq - seq(count) + 1

	result := make([]models.Message, count)

	head := 0
	if len(r.records) == r.max {
		head = (r.lastIdx + 1) % r.max
	}

	offset := int(from - r.firstSeq)
	startIdx := (head + offset) % len(r.records)

	if startIdx+count <= len(r.records) {
		copy(result, r.records[startIdx:startIdx+count])
	} else {
		n1 := len(r.records) - startIdx
		copy(result, r.records[startIdx:])
		copy(result[n1:], r.records[:count-n1])
	}

	return result
}
