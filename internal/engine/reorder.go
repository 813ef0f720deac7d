package engine

import "github.com/loqalabs/loqa-tts/internal/audio"

type outcome struct {
	index   int
	text    string
	samples audio.Samples
	cached  bool
	err     error
}

// reorderBuffer releases outcomes in ordinal order. Slots are dense since
// every request knows its chunk count up front.
type reorderBuffer struct {
	slots  []outcome
	filled []bool
	next   int
}

func newReorderBuffer(n int) *reorderBuffer {
	return &reorderBuffer{slots: make([]outcome, n), filled: make([]bool, n)}
}

// add stores o and returns every outcome that is now deliverable. Indexes
// outside the buffer or already seen are ignored.
func (r *reorderBuffer) add(o outcome) []outcome {
	if o.index < r.next || o.index >= len(r.slots) || r.filled[o.index] {
		return nil
	}
	r.slots[o.index] = o
	r.filled[o.index] = true

	var ready []outcome
	for r.next < len(r.slots) && r.filled[r.next] {
		ready = append(ready, r.slots[r.next])
		// release the samples held by the slot
		r.slots[r.next] = outcome{}
		r.next++
	}
	return ready
}

func (r *reorderBuffer) done() bool { return r.next == len(r.slots) }

func (r *reorderBuffer) pending() int {
	n := 0
	for i := r.next; i < len(r.filled); i++ {
		if r.filled[i] {
			n++
		}
	}
	return n
}
