// Package promise provides single-fulfillment futures whose continuations
// run on an eventloop.Loop.
package promise

import (
	"context"
	"errors"

	"krypt.co/vatrpc/common/eventloop"
)

var ErrBrokenPromise = errors.New("promise settled with a nil promise")

type state int

const (
	pending state = iota
	fulfilled
	rejected
)

// A Promise is owned by its loop: create, settle and chain it only from the
// goroutine driving that loop.
type Promise[T any] struct {
	loop      *eventloop.Loop
	state     state
	value     T
	err       error
	callbacks []func()
}

func New[T any](loop *eventloop.Loop) *Promise[T] {
	return &Promise[T]{loop: loop}
}

func Resolved[T any](loop *eventloop.Loop, value T) *Promise[T] {
	p := New[T](loop)
	p.Fulfill(value)
	return p
}

func Rejected[T any](loop *eventloop.Loop, err error) *Promise[T] {
	p := New[T](loop)
	p.Reject(err)
	return p
}

func (p *Promise[T]) Loop() *eventloop.Loop {
	return p.loop
}

// Fulfill settles p with value. It returns false if p was already settled.
func (p *Promise[T]) Fulfill(value T) bool {
	if p.state != pending {
		return false
	}
	p.state = fulfilled
	p.value = value
	p.flush()
	return true
}

// Reject settles p with err. It returns false if p was already settled.
func (p *Promise[T]) Reject(err error) bool {
	if p.state != pending {
		return false
	}
	p.state = rejected
	p.err = err
	p.flush()
	return true
}

// Settle fulfills p when err is nil and rejects it otherwise.
func (p *Promise[T]) Settle(value T, err error) bool {
	if err != nil {
		return p.Reject(err)
	}
	return p.Fulfill(value)
}

func (p *Promise[T]) flush() {
	callbacks := p.callbacks
	p.callbacks = nil
	for _, cb := range callbacks {
		p.loop.Defer(cb)
	}
}

func (p *Promise[T]) Settled() bool {
	return p.state != pending
}

// Result returns the settled value. It is the zero value while pending.
func (p *Promise[T]) Result() (T, error) {
	return p.value, p.err
}

// OnSettled registers f to run exactly once after p settles. Callbacks on the
// same promise run in the order they were registered.
func (p *Promise[T]) OnSettled(f func(value T, err error)) {
	cb := func() {
		f(p.value, p.err)
	}
	if p.state == pending {
		p.callbacks = append(p.callbacks, cb)
		return
	}
	p.loop.Defer(cb)
}

// Wait drives the loop until p settles or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (value T, err error) {
	err = p.loop.RunUntil(ctx, p.Settled)
	if err != nil {
		return
	}
	return p.value, p.err
}

// Then chains f onto a successful result. A rejection skips f and is carried
// to the returned promise unchanged.
func Then[T, U any](p *Promise[T], f func(T) (U, error)) *Promise[U] {
	next := New[U](p.loop)
	p.OnSettled(func(value T, err error) {
		if err != nil {
			next.Reject(err)
			return
		}
		next.Settle(f(value))
	})
	return next
}

// ThenPromise is Then for continuations that return another promise; the
// result is flattened.
func ThenPromise[T, U any](p *Promise[T], f func(T) *Promise[U]) *Promise[U] {
	next := New[U](p.loop)
	p.OnSettled(func(value T, err error) {
		if err != nil {
			next.Reject(err)
			return
		}
		inner := f(value)
		if inner == nil {
			next.Reject(ErrBrokenPromise)
			return
		}
		inner.OnSettled(func(value U, err error) {
			next.Settle(value, err)
		})
	})
	return next
}

// Catch lets f replace a rejection. Fulfilled values pass through.
func Catch[T any](p *Promise[T], f func(error) (T, error)) *Promise[T] {
	next := New[T](p.loop)
	p.OnSettled(func(value T, err error) {
		if err == nil {
			next.Fulfill(value)
			return
		}
		next.Settle(f(err))
	})
	return next
}

// Ignore drops the value, keeping only success or failure.
func Ignore[T any](p *Promise[T]) *Promise[struct{}] {
	return Then(p, func(T) (struct{}, error) {
		return struct{}{}, nil
	})
}
