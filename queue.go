package pulsez

// Queue is the bounded intake buffer between producers and the Dispatcher.
// It never blocks a producer: when the buffer is full Enqueue fails fast with
// a *CapacityError, so an overloaded engine is visible to its callers instead
// of hiding behind an ever-growing backlog.
type Queue struct {
	events chan Event
	onFull func(rejected int)
}

// NewQueue creates an intake queue holding at most capacity events.
//
// When to use:
//   - Decoupling HTTP/WebSocket ingestion from window updates
//   - Applying backpressure to producers during bursts
//
// Example:
//
//	queue := pulsez.NewQueue(10000)
//	if err := queue.Enqueue(event); errors.Is(err, pulsez.ErrCapacity) {
//		// ask the producer to back off
//	}
//
// Parameters:
//   - capacity: Maximum number of buffered events (values < 1 are raised to 1)
//
// Returns a new Queue with a single logical consumer reading from C().
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{events: make(chan Event, capacity)}
}

// OnFull sets a callback invoked with the number of events rejected each time
// an enqueue hits capacity.
func (q *Queue) OnFull(fn func(rejected int)) *Queue {
	q.onFull = fn
	return q
}

// Enqueue adds a single event without blocking.
func (q *Queue) Enqueue(event Event) error {
	select {
	case q.events <- event:
		return nil
	default:
		q.full(1)
		return &CapacityError{Capacity: cap(q.events), Rejected: 1}
	}
}

// EnqueueBatch adds events in order until the queue fills. It returns the
// number accepted; when some were rejected the error is a *CapacityError.
// Accepted events are never rolled back.
func (q *Queue) EnqueueBatch(events []Event) (int, error) {
	for i, event := range events {
		select {
		case q.events <- event:
		default:
			rejected := len(events) - i
			q.full(rejected)
			return i, &CapacityError{Capacity: cap(q.events), Accepted: i, Rejected: rejected}
		}
	}
	return len(events), nil
}

// C returns the consumer side of the queue.
func (q *Queue) C() <-chan Event {
	return q.events
}

// Len returns the number of events currently buffered.
func (q *Queue) Len() int {
	return len(q.events)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.events)
}

func (q *Queue) full(rejected int) {
	if q.onFull != nil {
		q.onFull(rejected)
	}
}
