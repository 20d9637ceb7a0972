package harvester

import (
	"container/heap"
	"sync"
	"time"

	"github.com/crossretail/harvester/models"
)

// scheduleQueue holds pending requests ordered by earliest eligible dispatch
// time. Scheduled retries live here as plain queue entries with a not-before
// time; there are no per-request timers. The single dispatch loop is the only
// consumer.
type scheduleQueue struct {
	mu   sync.Mutex
	heap requestHeap
	byID map[string]*scheduledItem

	// wake is signalled on Push and Cancel so a sleeping dispatch loop
	// re-evaluates the queue head.
	wake chan struct{}
}

type scheduledItem struct {
	req   *models.HarvestRequest
	index int
}

func newScheduleQueue() *scheduleQueue {
	return &scheduleQueue{
		byID: make(map[string]*scheduledItem),
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues a request and wakes the dispatch loop.
func (q *scheduleQueue) Push(req *models.HarvestRequest) {
	q.mu.Lock()
	item := &scheduledItem{req: req}
	heap.Push(&q.heap, item)
	q.byID[req.ID] = item
	q.mu.Unlock()
	q.signal()
}

// Next pops the head if it is eligible at now. With an ineligible head it
// returns the remaining wait instead; with an empty queue both results are
// zero.
func (q *scheduleQueue) Next(now time.Time) (*models.HarvestRequest, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, 0
	}
	head := q.heap[0]
	if !head.req.Eligible(now) {
		return nil, head.req.NotBefore.Sub(now)
	}
	heap.Pop(&q.heap)
	delete(q.byID, head.req.ID)
	return head.req, 0
}

// Cancel removes a pending request by id before it is dispatched. It reports
// whether the request was still queued.
func (q *scheduleQueue) Cancel(id string) bool {
	q.mu.Lock()
	item, ok := q.byID[id]
	if ok {
		heap.Remove(&q.heap, item.index)
		delete(q.byID, id)
	}
	q.mu.Unlock()
	if ok {
		q.signal()
	}
	return ok
}

// Len returns the number of queued requests.
func (q *scheduleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *scheduleQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// requestHeap is a min-heap on NotBefore; immediately eligible requests
// (zero NotBefore) sort first.
type requestHeap []*scheduledItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	return h[i].req.NotBefore.Before(h[j].req.NotBefore)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	item := x.(*scheduledItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
