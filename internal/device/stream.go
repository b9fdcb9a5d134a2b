package device

import (
	"fmt"
	"sync"
)

const defaultStreamDepth = 256

type streamTask struct {
	name   string
	fn     func()
	always bool
}

// Stream runs submitted work on one goroutine in submission order. After a
// task fails the rest of the queue is skipped until the failure is collected
// by Synchronize.
type Stream struct {
	tasks chan streamTask
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error
}

func NewStream(depth int) *Stream {
	if depth <= 0 {
		depth = defaultStreamDepth
	}
	s := &Stream{
		tasks: make(chan streamTask, depth),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	for t := range s.tasks {
		if t.always {
			t.fn()
		} else if s.failed() == nil {
			if err := Run(t.fn); err != nil {
				s.fail(fmt.Errorf("%s: %w", t.name, err))
			}
		}
		s.wg.Done()
	}
	close(s.done)
}

func (s *Stream) failed() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Submit queues fn. It blocks only when the queue is full.
func (s *Stream) Submit(name string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	s.tasks <- streamTask{name: name, fn: fn}
	return nil
}

// Do runs fn in queue order, even after an uncollected failure, and waits
// for its result. The result is not recorded as a stream failure.
func (s *Stream) Do(name string, fn func() error) error {
	var err error
	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.tasks <- streamTask{name: name, always: true, fn: func() {
		defer close(done)
		if runErr := Run(func() { err = fn() }); runErr != nil {
			err = runErr
		}
	}}
	s.mu.Unlock()
	<-done
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Synchronize waits for the queue to drain and returns (and clears) the
// first failure.
func (s *Stream) Synchronize() error {
	s.wg.Wait()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close drains the queue and stops the worker.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.tasks)
	s.mu.Unlock()
	<-s.done
	return s.failed()
}
