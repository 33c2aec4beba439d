package audio

import "sync"

// dispatcher delivers events to listeners in order on one goroutine.
type dispatcher struct {
	lmu       sync.Mutex
	listeners map[int]func(Event)
	nextID    int

	qmu   sync.Mutex
	queue []dispatch
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

type dispatch struct {
	ev    Event
	flush chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		listeners: make(map[int]func(Event)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) listen(fn func(Event)) (cancel func()) {
	d.lmu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.lmu.Unlock()

	return func() {
		d.lmu.Lock()
		delete(d.listeners, id)
		d.lmu.Unlock()
	}
}

func (d *dispatcher) emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	d.qmu.Lock()
	for _, ev := range evs {
		d.queue = append(d.queue, dispatch{ev: ev})
	}
	d.qmu.Unlock()
	d.signal()
}

// flush must not be called from a listener.
func (d *dispatcher) flush() {
	ch := make(chan struct{})
	d.qmu.Lock()
	d.queue = append(d.queue, dispatch{flush: ch})
	d.qmu.Unlock()
	d.signal()

	select {
	case <-ch:
	case <-d.done:
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.qmu.Lock()
			if len(d.queue) == 0 {
				d.qmu.Unlock()
				break
			}
			item := d.queue[0]
			d.queue = d.queue[1:]
			d.qmu.Unlock()

			if item.flush != nil {
				close(item.flush)
				continue
			}
			d.lmu.Lock()
			fns := make([]func(Event), 0, len(d.listeners))
			for _, fn := range d.listeners {
				fns = append(fns, fn)
			}
			d.lmu.Unlock()
			for _, fn := range fns {
				fn(item.ev)
			}
		}
	}
}
