package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// call stopped the timer.
	Stop() bool
}

// Scheduler serializes the work of one room session. Every callback handed to
// a Scheduler runs on the session's single consumer loop, so state owned by the
// session is never touched concurrently.
type Scheduler interface {
	// Post queues f on the loop.
	Post(f func())
	// Async runs work off the loop and queues the continuation it returns,
	// if any, back on the loop.
	Async(work func(ctx context.Context) func())
	// AfterFunc queues f on the loop once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// loopScheduler is the Scheduler backing a live room session.
type loopScheduler struct {
	queue  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newLoopScheduler(ctx context.Context, size int, logger *slog.Logger) *loopScheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &loopScheduler{
		queue:  make(chan func(), size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// run consumes the queue until the scheduler is closed.
func (s *loopScheduler) run() {
	s.logger.Debug("loop started")
	defer s.logger.Debug("loop stopped")
	for {
		select {
		case f := <-s.queue:
			s.exec(f)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *loopScheduler) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("loop handler panic", slog.Any("panic", r))
		}
	}()
	f()
}

func (s *loopScheduler) Post(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- f:
	case <-s.ctx.Done():
	}
}

func (s *loopScheduler) Async(work func(ctx context.Context) func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cont := work(s.ctx)
		if cont != nil {
			s.Post(cont)
		}
	}()
}

func (s *loopScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		s.Post(func() {
			// Stop runs on the loop too, so the flag needs no lock
			if !t.stopped {
				t.stopped = true
				f()
			}
		})
	})
	return t
}

func (s *loopScheduler) Now() time.Time {
	return time.Now()
}

// close stops the loop and waits for in-flight async work to return.
func (s *loopScheduler) close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

type loopTimer struct {
	timer   *time.Timer
	stopped bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
