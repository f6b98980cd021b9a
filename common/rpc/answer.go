package rpc

import (
	"context"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"

	"krypt.co/vatrpc/common/eventloop"
	"krypt.co/vatrpc/common/promise"
)

// answerState is the settle-once result of one call, shared by the caller's
// Call handle, pipelined clients waiting on fields of the result, and (on the
// serving side) the peer's outstanding question.
type answerState struct {
	loop    *eventloop.Loop
	promise *promise.Promise[*Response]

	//	holders that can still read the response: Call handles, or the peer
	//	until it sends Finish
	handles int
	waiters []*clientHook

	done bool
	resp *Response
	err  error

	//	set by whoever is carrying the call; nil once settled
	cancel func()
	//	runs synchronously on settlement, before continuations
	onDone func(resp *Response, err error)
}

func newAnswerState(loop *eventloop.Loop) *answerState {
	return &answerState{
		loop:    loop,
		promise: promise.New[*Response](loop),
	}
}

func (a *answerState) resolve(resp *Response, err error) {
	if a.done {
		if resp != nil {
			resp.Release()
		}
		return
	}
	a.done = true
	a.resp = resp
	a.err = err
	a.cancel = nil

	waiters := a.waiters
	a.waiters = nil
	for _, h := range waiters {
		h.owner = nil
		h.resolve(a.targetFor(h.transform))
	}
	if a.onDone != nil {
		a.onDone(resp, err)
	}
	if a.handles <= 0 && resp != nil {
		resp.Release()
	}
	a.promise.Settle(resp, err)
}

// targetFor returns a new ref to the capability at transform in the settled
// result.
func (a *answerState) targetFor(transform []uint16) *clientHook {
	if a.err != nil {
		return newBrokenHook(a.loop, a.err)
	}
	if a.resp == nil || a.resp.released {
		return newBrokenHook(a.loop, malformed("pipelined on a released response"))
	}
	return a.resp.capAt(transform)
}

// pipelineHook returns a hook (one ref) for the capability at transform.
func (a *answerState) pipelineHook(transform []uint16) *clientHook {
	if a.done {
		return a.targetFor(transform)
	}
	h := newPromiseHook(a.loop)
	h.owner = a
	h.transform = transform
	a.waiters = append(a.waiters, h)
	return h
}

func (a *answerState) removeWaiter(h *clientHook) {
	for i, w := range a.waiters {
		if w == h {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			break
		}
	}
	a.maybeCancel()
}

func (a *answerState) dropHandle() {
	a.handles--
	if a.done {
		if a.handles <= 0 && a.resp != nil {
			a.resp.Release()
		}
		return
	}
	a.maybeCancel()
}

// maybeCancel cancels the call once nobody can observe its result.
func (a *answerState) maybeCancel() {
	if a.done || a.handles > 0 || len(a.waiters) > 0 || a.cancel == nil {
		return
	}
	cancel := a.cancel
	a.cancel = nil
	cancel()
}

// Call is the caller's side of one sent request.
type Call struct {
	Promise  *promise.Promise[*Response]
	Pipeline Pipeline

	ans      *answerState
	released bool
}

func newCall(ans *answerState) *Call {
	ans.handles++
	return &Call{
		Promise:  ans.promise,
		Pipeline: Pipeline{ans: ans},
		ans:      ans,
	}
}

// Wait drives the loop until the call settles or ctx is done.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	return c.Promise.Wait(ctx)
}

// Release gives up this handle. If no pipelined client still depends on the
// call and it has not returned, the call is cancelled; a response that already
// arrived is discarded.
func (c *Call) Release() {
	if c.released {
		return
	}
	c.released = true
	c.ans.dropHandle()
}

// Pipeline addresses a capability inside a result that may not exist yet.
type Pipeline struct {
	ans       *answerState
	transform []uint16
}

// Field descends into pointer field i of the struct at p.
func (p Pipeline) Field(i uint16) Pipeline {
	transform := make([]uint16, len(p.transform)+1)
	copy(transform, p.transform)
	transform[len(p.transform)] = i
	return Pipeline{ans: p.ans, transform: transform}
}

// Client returns a promised capability for p. Calls made on it are queued
// until the result arrives and then forwarded; if the call fails they fail
// with the same error.
func (p Pipeline) Client() *Client {
	return newClient(p.ans.loop, p.ans.pipelineHook(p.transform))
}

// Response is a returned result. It holds a ref on every capability in its
// cap table until Release.
type Response struct {
	loop     *eventloop.Loop
	msg      *capnp.Message
	ret      rpccp.Return
	content  capnp.Ptr
	caps     []*clientHook
	released bool
}

func (r *Response) Content() capnp.Ptr {
	return r.content
}

// Struct returns the result struct. A null result reads as all defaults.
func (r *Response) Struct() capnp.Struct {
	return r.content.Struct()
}

// Cap returns a new handle to cap table entry id.
func (r *Response) Cap(id capnp.CapabilityID) *Client {
	loop := r.loop
	if r.released {
		return NewErrorClient(loop, malformed("capability %d read from a released response", id))
	}
	if int(id) >= len(r.caps) || r.caps[id] == nil {
		return NewErrorClient(loop, malformed("capability index %d out of range (%d)", id, len(r.caps)))
	}
	return newClient(loop, r.caps[id].addRef())
}

// capAt walks transform through the result and returns a new ref to the
// capability it lands on. Anything that is not a capability fails closed.
func (r *Response) capAt(transform []uint16) *clientHook {
	loop := r.loop
	ptr := r.content
	for _, field := range transform {
		s := ptr.Struct()
		if !s.IsValid() {
			return newBrokenHook(loop, malformed("pipeline step %d applied to a non-struct", field))
		}
		var err error
		ptr, err = s.Ptr(field)
		if err != nil {
			return newBrokenHook(loop, malformed("pipeline step %d: %v", field, err))
		}
	}
	iface := ptr.Interface()
	if !iface.IsValid() {
		return newBrokenHook(loop, malformed("pipelined field is not a capability"))
	}
	id := iface.Capability()
	if int(id) >= len(r.caps) || r.caps[id] == nil {
		return newBrokenHook(loop, malformed("capability index %d out of range (%d)", id, len(r.caps)))
	}
	return r.caps[id].addRef()
}

// Release drops the response's capability refs. Content stays readable.
func (r *Response) Release() {
	if r.released {
		return
	}
	r.released = true
	caps := r.caps
	for _, h := range caps {
		if h != nil {
			h.release()
		}
	}
}
