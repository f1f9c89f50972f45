package pipeline

// Scheduler coalesces render requests. Any number of Schedule calls between
// two Takes collapse into a single pending render.
type Scheduler struct {
	pending chan struct{}
}

// NewScheduler returns a scheduler with nothing pending.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(chan struct{}, 1)}
}

// Schedule marks state dirty. It reports whether this call scheduled a new
// render; false means one was already pending.
func (s *Scheduler) Schedule() bool {
	select {
	case s.pending <- struct{}{}:
		return true
	default:
		return false
	}
}

// Take consumes the pending render, if any.
func (s *Scheduler) Take() bool {
	select {
	case <-s.pending:
		return true
	default:
		return false
	}
}

// Pending is readable while a render is scheduled. Receiving from it takes
// the render.
func (s *Scheduler) Pending() <-chan struct{} {
	return s.pending
}
