package main

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/sweeney/pulse-meter/internal/logic"
)

const defaultQueueSize = 1024

// fanout publishes every reading to each sink in order. A failing sink
// does not stop the others.
type fanout []logic.Publisher

func (f fanout) Publish(r logic.Reading) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// queue decouples a slow sink from the run loop. Publish never blocks;
// when the queue is full the reading is dropped and counted.
type queue struct {
	name    string
	sink    logic.Publisher
	ch      chan logic.Reading
	dropped atomic.Uint64
}

func newQueue(name string, sink logic.Publisher, size int) *queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &queue{name: name, sink: sink, ch: make(chan logic.Reading, size)}
}

// Publish enqueues r. It reports success even when r is dropped. The first
// drop of a burst is logged; a burst ends once run drains the queue.
func (q *queue) Publish(r logic.Reading) error {
	select {
	case q.ch <- r:
	default:
		if q.dropped.Add(1) == 1 {
			log.Printf("%s: queue full, dropping readings", q.name)
		}
	}
	return nil
}

// run forwards queued readings to the sink until ctx is done.
func (q *queue) run(ctx context.Context) {
	var failing bool
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.ch:
			err := q.sink.Publish(r)
			switch {
			case err != nil && !failing:
				log.Printf("%s publish error: %v", q.name, err)
				failing = true
			case err == nil && failing:
				log.Printf("%s: recovered", q.name)
				failing = false
			}
			if err == nil && len(q.ch) == 0 {
				q.endBurst()
			}
		}
	}
}

// endBurst clears the drop counter so the next overflow is logged again.
func (q *queue) endBurst() {
	if n := q.dropped.Swap(0); n > 0 {
		log.Printf("%s: %d readings were dropped", q.name, n)
	}
}

// Dropped returns the number of readings dropped in the current burst.
func (q *queue) Dropped() uint64 {
	return q.dropped.Load()
}
