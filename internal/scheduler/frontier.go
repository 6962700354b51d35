package scheduler

import (
	"container/heap"

	"github.com/vsevolodbreus/vortex/pkg/types"
)

// entry is one queued request with its priority and the insertion
// sequence used as the FIFO tie-break within a priority tier.
type entry struct {
	req      types.Request
	priority int
	seq      uint64
	host     string
}

// Frontier is the pending-request priority queue. Higher priority pops
// first; among equal priorities the earliest-inserted entry wins. The
// frontier is not safe for concurrent use on its own: the scheduler is
// its single point of mutation.
type Frontier struct {
	items frontierHeap
	seq   uint64
}

// NewFrontier creates an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{}
}

// Push inserts a request with the given priority.
func (f *Frontier) Push(req types.Request, priority int) {
	f.seq++
	req.Priority = priority
	heap.Push(&f.items, &entry{
		req:      req,
		priority: priority,
		seq:      f.seq,
		host:     req.Host(),
	})
}

// Pop removes and returns the highest-priority, earliest-inserted
// request.
func (f *Frontier) Pop() (types.Request, bool) {
	if f.items.Len() == 0 {
		return types.Request{}, false
	}
	e := heap.Pop(&f.items).(*entry)
	return e.req, true
}

// Len returns the number of queued requests.
func (f *Frontier) Len() int {
	return f.items.Len()
}

// Penalize lowers the priority of every queued request for a host by
// the given amount, sinking a congested host's entries without
// dropping them.
func (f *Frontier) Penalize(host string, amount int) {
	if amount <= 0 || host == "" {
		return
	}
	touched := false
	for _, e := range f.items {
		if e.host == host {
			e.priority -= amount
			e.req.Priority = e.priority
			touched = true
		}
	}
	if touched {
		heap.Init(&f.items)
	}
}

type frontierHeap []*entry

func (h frontierHeap) Len() int { return len(h) }

func (h frontierHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h frontierHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frontierHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
