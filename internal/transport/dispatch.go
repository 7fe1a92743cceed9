package transport

import "sync"

// Dispatcher runs delivery callbacks one at a time in the order they were
// pushed, on its own goroutine. Push never blocks.
type Dispatcher struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewDispatcher starts a Dispatcher. Call Close to stop it.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{notify: make(chan struct{}, 1), done: make(chan struct{})}
	go d.run()
	return d
}

// Push queues fn.
func (d *Dispatcher) Push(fn func()) {
	d.mu.Lock()
	d.items = append(d.items, fn)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		if len(d.items) == 0 {
			d.mu.Unlock()
			select {
			case <-d.notify:
				continue
			case <-d.done:
				return
			}
		}
		fn := d.items[0]
		d.items[0] = nil
		d.items = d.items[1:]
		d.mu.Unlock()
		fn()
	}
}

// Close stops the dispatcher. Queued callbacks that have not started are dropped.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}
