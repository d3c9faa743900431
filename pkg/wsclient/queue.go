package wsclient

import "collabsync/pkg/types"

// eventQueue decouples the read loop from the consumer so a slow consumer
// never stalls ack delivery.
type eventQueue struct {
	in  chan types.Event
	out chan types.Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		in:  make(chan types.Event),
		out: make(chan types.Event),
	}
	go q.run()
	return q
}

func (q *eventQueue) run() {
	var pending []types.Event
	defer close(q.out)
	for {
		var (
			out  chan types.Event
			next types.Event
		)
		if len(pending) > 0 {
			out = q.out
			next = pending[0]
		}
		select {
		case ev, ok := <-q.in:
			if !ok {
				return
			}
			pending = append(pending, ev)
		case out <- next:
			pending[0] = types.Event{}
			pending = pending[1:]
		}
	}
}
