package pqueue

// Item is one key waiting for its deadline, in unix milliseconds.
type Item struct {
	key      string
	deadline int64
	index    int
}

func (i *Item) Key() string {
	return i.key
}

// PriorityQueue is a min-heap of items ordered by deadline, for use with container/heap.
type PriorityQueue []*Item

func (pq PriorityQueue) Len() int {
	return len(pq)
}

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].deadline < pq[j].deadline
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

func (pq PriorityQueue) Peek() *Item {
	if len(pq) == 0 {
		return nil
	}
	return pq[0]
}
