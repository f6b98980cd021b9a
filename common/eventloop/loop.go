package eventloop

/*
*	A single-threaded cooperative scheduler. Every task runs on the goroutine
*	that drives the loop (Run, RunUntil or Poll); other goroutines may only
*	hand work over through Post.
 */

import (
	"context"
	"sync"

	"github.com/op/go-logging"

	"krypt.co/vatrpc/common/util"
)

type Loop struct {
	//	only touched by the driving goroutine
	queue []func()

	mu       sync.Mutex
	incoming []func()
	wake     chan struct{}

	log *logging.Logger
}

func New(log *logging.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  log,
	}
}

// Post schedules f from any goroutine.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	l.incoming = append(l.incoming, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Defer schedules f behind everything already queued. Only call it from a
// task or from the goroutine driving the loop.
func (l *Loop) Defer(f func()) {
	l.queue = append(l.queue, f)
}

func (l *Loop) drainIncoming() {
	l.mu.Lock()
	if len(l.incoming) > 0 {
		l.queue = append(l.queue, l.incoming...)
		l.incoming = nil
	}
	l.mu.Unlock()
}

// turn runs one task. It reports false when nothing was runnable.
func (l *Loop) turn() bool {
	l.drainIncoming()
	if len(l.queue) == 0 {
		return false
	}
	f := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	util.RecoverToLog(f, l.log)
	return true
}

// Poll runs tasks until none are runnable without waiting.
func (l *Loop) Poll() {
	for l.turn() {
	}
}

// RunUntil runs tasks until done reports true or ctx is done. done is
// checked between tasks.
func (l *Loop) RunUntil(ctx context.Context, done func() bool) error {
	for {
		if done() {
			return nil
		}
		if l.turn() {
			continue
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run drives the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	return l.RunUntil(ctx, func() bool { return false })
}
