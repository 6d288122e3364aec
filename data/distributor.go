package data

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Queue is a bounded sample buffer for one consumer. When full, the oldest
// entry is dropped to make room so the producer never blocks: consumers see
// bounded staleness instead of the control loop seeing backpressure.
type Queue struct {
	mu      sync.Mutex
	name    string
	buf     []Sample
	head    int
	count   int
	dropped int
}

func (q *Queue) push(s Sample) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = s
	q.count++
	return dropped
}

// Poll removes and returns the oldest buffered sample without blocking.
func (q *Queue) Poll() (Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Sample{}, false
	}
	s := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return s, true
}

// Len returns the number of buffered samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns how many samples were discarded to make room.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Name returns the consumer name given at subscription.
func (q *Queue) Name() string {
	return q.name
}

// Distributor fans each published sample out to every subscribed queue.
type Distributor struct {
	mu     sync.Mutex
	queues []*Queue
	logger golog.Logger
}

// NewDistributor returns an empty distributor.
func NewDistributor(logger golog.Logger) *Distributor {
	return &Distributor{logger: logger}
}

// Subscribe registers a consumer queue. Subscriptions happen while the
// experiment is idle; queues live for the lifetime of the distributor.
func (d *Distributor) Subscribe(name string, capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("queue %q needs a positive capacity, got %d", name, capacity)
	}
	q := &Queue{name: name, buf: make([]Sample, capacity)}
	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	return q, nil
}

// Publish pushes the sample to every queue. It never blocks; a slow consumer
// costs only its own oldest samples.
func (d *Distributor) Publish(s Sample) {
	d.mu.Lock()
	queues := d.queues
	d.mu.Unlock()
	for _, q := range queues {
		if q.push(s) {
			d.logger.Debugw("dropped oldest sample for slow consumer", "queue", q.name)
		}
	}
}
