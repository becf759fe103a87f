package scheduler

import (
	"time"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// entry is one armed timer.
type entry struct {
	fireAt time.Time
	seq    uint64 // arm order, breaks ties between equal fire times
	jobID  types.JobID
	index  int
}

// timerHeap is a container/heap min-heap ordered by (fireAt, seq).
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
