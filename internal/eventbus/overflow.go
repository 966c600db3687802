package eventbus

import (
	"sync"
)

// overflowBuffer is a mutex-protected circular buffer of Envelopes backing a
// subscription that runs on its own goroutine. When full it evicts the oldest
// entry so the newest events always get through.
type overflowBuffer struct {
	mu     sync.Mutex
	buf    []Envelope
	head   int // index of oldest item
	count  int
	cap    int
	closed bool
	notify chan struct{} // signalled on push so drainLoop wakes up
	done   chan struct{} // closed when drainLoop exits
}

// newOverflowBuffer creates a ring buffer with the given capacity.
func newOverflowBuffer(maxSize int) *overflowBuffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &overflowBuffer{
		buf:    make([]Envelope, maxSize),
		cap:    maxSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends an envelope to the ring. When the ring is full the oldest
// entry is evicted and returned with ok=true. Pushing to a closed buffer
// returns the envelope itself as evicted.
func (o *overflowBuffer) push(env Envelope) (evicted Envelope, ok bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return env, true
	}
	if o.count >= o.cap {
		evicted = o.buf[o.head]
		o.buf[o.head] = Envelope{}
		o.head = (o.head + 1) % o.cap
		o.count--
		ok = true
	}
	idx := (o.head + o.count) % o.cap
	o.buf[idx] = env
	o.count++
	o.mu.Unlock()

	o.signal()
	return evicted, ok
}

// pop removes and returns the oldest envelope. Returns false if empty.
func (o *overflowBuffer) pop() (Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count == 0 {
		return Envelope{}, false
	}
	env := o.buf[o.head]
	o.buf[o.head] = Envelope{} // allow GC of payload
	o.head = (o.head + 1) % o.cap
	o.count--
	return env, true
}

// len returns the number of items currently buffered.
func (o *overflowBuffer) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// close stops accepting envelopes. With discard set, buffered envelopes are
// thrown away; otherwise drainLoop delivers them before exiting.
func (o *overflowBuffer) close(discard bool) {
	o.mu.Lock()
	o.closed = true
	if discard {
		for i := range o.buf {
			o.buf[i] = Envelope{}
		}
		o.head = 0
		o.count = 0
	}
	o.mu.Unlock()
	o.signal()
}

func (o *overflowBuffer) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// drainLoop hands buffered envelopes to deliver in FIFO order until the
// buffer is closed and empty. It blocks on the notify channel between sweeps.
func (o *overflowBuffer) drainLoop(deliver func(Envelope)) {
	defer close(o.done)
	for {
		for {
			env, ok := o.pop()
			if !ok {
				break
			}
			deliver(env)
		}

		o.mu.Lock()
		finished := o.closed && o.count == 0
		o.mu.Unlock()
		if finished {
			return
		}

		<-o.notify
	}
}
