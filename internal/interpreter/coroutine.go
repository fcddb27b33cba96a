package interpreter

import "runtime"

// coroutine runs a function on its own goroutine but hands control back and
// forth with the driver, so exactly one side runs at any time.
//
// The driver calls step; the coroutine runs until it blocks in waitUntil (or
// returns) and reports whether it made progress since it was resumed.
type coroutine struct {
	fn func()

	resume  chan bool // true asks the coroutine to exit
	yielded chan bool // progress flag
	done    chan struct{}

	started  bool
	finished bool

	// exiting is only touched by the coroutine goroutine.
	exiting bool
}

func newCoroutine(fn func()) *coroutine {
	return &coroutine{
		fn:      fn,
		resume:  make(chan bool),
		yielded: make(chan bool),
		done:    make(chan struct{}),
	}
}

func (c *coroutine) run() {
	defer close(c.done)
	if exit := <-c.resume; exit {
		c.exiting = true
		runtime.Goexit()
	}
	c.fn()
}

// step resumes the coroutine and blocks until it yields or finishes.
func (c *coroutine) step() bool {
	if c.finished {
		return false
	}
	if !c.started {
		c.started = true
		go c.run()
	}
	c.resume <- false
	select {
	case progressed := <-c.yielded:
		return progressed
	case <-c.done:
		c.finished = true
		return true
	}
}

// yield is called on the coroutine goroutine.
func (c *coroutine) yield(progressed bool) {
	if c.exiting {
		runtime.Goexit()
	}
	c.yielded <- progressed
	if exit := <-c.resume; exit {
		c.exiting = true
		runtime.Goexit()
	}
}

// waitUntil parks the coroutine until cond holds. cond is re-checked every
// time the driver resumes the coroutine.
func (c *coroutine) waitUntil(cond func() bool) {
	progressed := true
	for !cond() {
		c.yield(progressed)
		progressed = false
	}
}

// kill unwinds a parked coroutine. Deferred functions of the workflow run.
func (c *coroutine) kill() {
	if !c.started || c.finished {
		c.finished = true
		return
	}
	c.resume <- true
	<-c.done
	c.finished = true
}

// scheduler steps coroutines in creation order.
type scheduler struct {
	coroutines []*coroutine
}

func (s *scheduler) spawn(fn func()) *coroutine {
	co := newCoroutine(fn)
	s.coroutines = append(s.coroutines, co)
	return co
}

// runUntilBlocked steps every live coroutine until a full pass makes no
// progress. stop is checked after every step.
func (s *scheduler) runUntilBlocked(stop func() bool) {
	for {
		progressed := false
		for i := 0; i < len(s.coroutines); i++ {
			co := s.coroutines[i]
			if co.finished {
				continue
			}
			if co.step() {
				progressed = true
			}
			if stop() {
				return
			}
		}
		s.prune()
		if !progressed {
			return
		}
	}
}

func (s *scheduler) prune() {
	live := s.coroutines[:0]
	for _, co := range s.coroutines {
		if !co.finished {
			live = append(live, co)
		}
	}
	for i := len(live); i < len(s.coroutines); i++ {
		s.coroutines[i] = nil
	}
	s.coroutines = live
}

func (s *scheduler) close() {
	for _, co := range s.coroutines {
		co.kill()
	}
	s.coroutines = nil
}
