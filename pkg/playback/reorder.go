package playback

import (
	"container/heap"

	"github.com/MrWong99/murmur/pkg/audio"
)

// slot is the outcome of one synthesis request. A nil buf marks a request that
// produced no audio (aborted, failed, or undecodable) and only advances the
// release cursor.
type slot struct {
	seq uint64
	buf *audio.Buffer
}

// slotHeap implements [container/heap.Interface] as a min-heap ordered by seq.
type slotHeap []slot

func (h slotHeap) Len() int           { return len(h) }
func (h slotHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h slotHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *slotHeap) Push(x any) {
	*h = append(*h, x.(slot))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = slot{}
	*h = old[:n-1]
	return s
}

// reorderBuffer releases request results strictly in the order the requests
// were issued, however they complete. It is not safe for concurrent use.
type reorderBuffer struct {
	next uint64 // seq of the next slot to release
	held slotHeap
}

// complete records the result of request seq and returns every buffer that is
// now releasable, in issue order. Empty slots are consumed silently.
func (r *reorderBuffer) complete(seq uint64, buf *audio.Buffer) []*audio.Buffer {
	heap.Push(&r.held, slot{seq: seq, buf: buf})

	var out []*audio.Buffer
	for len(r.held) > 0 && r.held[0].seq == r.next {
		s := heap.Pop(&r.held).(slot)
		r.next++
		if s.buf != nil {
			out = append(out, s.buf)
		}
	}
	return out
}

// heldAudio reports how many held slots still carry a buffer.
func (r *reorderBuffer) heldAudio() int {
	n := 0
	for _, s := range r.held {
		if s.buf != nil {
			n++
		}
	}
	return n
}

// dropAudio discards the buffers of every held slot while keeping the slots,
// so the release cursor still advances past them. It returns the number of
// buffers dropped.
func (r *reorderBuffer) dropAudio() int {
	n := 0
	for i := range r.held {
		if r.held[i].buf != nil {
			r.held[i].buf = nil
			n++
		}
	}
	return n
}
