package rpc

import (
	"fmt"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"

	"krypt.co/vatrpc/common/eventloop"
	"krypt.co/vatrpc/common/promise"
)

// Server implements a capability hosted in this vat. Call runs on the loop
// goroutine; the returned promise settles once results are filled in.
type Server interface {
	Call(call *ServerCall) *promise.Promise[struct{}]
}

// Shutdowner is implemented by servers that want to know when the last
// reference to them is dropped.
type Shutdowner interface {
	Shutdown()
}

// ServerCall is one invocation delivered to a Server.
type ServerCall struct {
	Method

	loop       *eventloop.Loop
	params     capnp.Struct
	paramCaps  []*clientHook
	msg        *capnp.Message
	ret        rpccp.Return
	seg        *capnp.Segment
	results    capnp.Struct
	resultCaps []*clientHook
	cancelled  bool
}

func (c *ServerCall) Loop() *eventloop.Loop {
	return c.loop
}

func (c *ServerCall) Params() capnp.Struct {
	return c.params
}

// ParamCap returns a new handle to parameter capability id.
func (c *ServerCall) ParamCap(id capnp.CapabilityID) *Client {
	if int(id) >= len(c.paramCaps) || c.paramCaps[id] == nil {
		return NewErrorClient(c.loop, malformed("parameter capability %d out of range (%d)", id, len(c.paramCaps)))
	}
	return newClient(c.loop, c.paramCaps[id].addRef())
}

// AllocResults allocates the result struct inside the outgoing Return.
func (c *ServerCall) AllocResults(size capnp.ObjectSize) (results capnp.Struct, err error) {
	if c.results.IsValid() {
		return c.results, nil
	}
	if c.msg == nil {
		c.msg, c.seg, c.ret, err = newReturnMessage()
		if err != nil {
			return
		}
	}
	payload, err := c.ret.NewResults()
	if err != nil {
		return
	}
	results, err = capnp.NewStruct(c.seg, size)
	if err != nil {
		return
	}
	if err = payload.SetContent(results.ToPtr()); err != nil {
		return
	}
	c.results = results
	return
}

// AddResultCap places a new ref to client in the result cap table.
func (c *ServerCall) AddResultCap(client *Client) capnp.CapabilityID {
	var h *clientHook
	if client != nil && client.hook != nil {
		h = client.hook.addRef()
	}
	c.resultCaps = append(c.resultCaps, h)
	return capnp.CapabilityID(len(c.resultCaps) - 1)
}

// Cancelled reports whether the caller gave up on this call.
func (c *ServerCall) Cancelled() bool {
	return c.cancelled
}

// Return settles the call now: with err if non-nil, otherwise with whatever
// results were allocated.
func (c *ServerCall) Return(err error) *promise.Promise[struct{}] {
	if err != nil {
		return promise.Rejected[struct{}](c.loop, err)
	}
	return promise.Resolved(c.loop, struct{}{})
}

func (c *ServerCall) response() (resp *Response, err error) {
	if !c.results.IsValid() {
		if _, err = c.AllocResults(capnp.ObjectSize{}); err != nil {
			return
		}
	}
	resp = &Response{
		loop:    c.loop,
		msg:     c.msg,
		ret:     c.ret,
		content: c.results.ToPtr(),
		caps:    c.resultCaps,
	}
	c.resultCaps = nil
	return
}

func (c *ServerCall) releaseCaps() {
	for _, h := range c.paramCaps {
		if h != nil {
			h.release()
		}
	}
	c.paramCaps = nil
	for _, h := range c.resultCaps {
		if h != nil {
			h.release()
		}
	}
	c.resultCaps = nil
}

func newReturnMessage() (msg *capnp.Message, seg *capnp.Segment, ret rpccp.Return, err error) {
	msg, seg, err = capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return
	}
	root, err := rpccp.NewRootMessage(seg)
	if err != nil {
		return
	}
	ret, err = root.NewReturn()
	return
}

// callLocal delivers pc to a server in this vat on a later turn.
func callLocal(h *clientHook, pc *pendingCall) {
	sc := &ServerCall{
		Method:    pc.req.Method,
		loop:      h.loop,
		params:    pc.req.params,
		paramCaps: pc.req.caps,
	}
	pc.req.caps = nil
	pc.ans.cancel = func() {
		sc.cancelled = true
		pc.ans.resolve(nil, ErrCallCancelled)
	}
	h.addRef()
	h.loop.Defer(func() {
		defer h.release()
		if sc.cancelled {
			sc.releaseCaps()
			return
		}
		dispatch(h.server, sc).OnSettled(func(_ struct{}, err error) {
			if err != nil {
				sc.releaseCaps()
				pc.ans.resolve(nil, err)
				return
			}
			resp, err := sc.response()
			sc.releaseCaps()
			if err != nil {
				pc.ans.resolve(nil, malformed("allocate results: %v", err))
				return
			}
			pc.ans.resolve(resp, nil)
		})
	})
}

// dispatch turns a panicking or misbehaving server into a failed call.
func dispatch(s Server, sc *ServerCall) (p *promise.Promise[struct{}]) {
	defer func() {
		if x := recover(); x != nil {
			p = promise.Rejected[struct{}](sc.loop, fmt.Errorf("server panicked: %v", x))
		}
	}()
	p = s.Call(sc)
	if p == nil {
		p = promise.Rejected[struct{}](sc.loop, unimplemented("method %d@%#x returned no result", sc.MethodID, sc.InterfaceID))
	}
	return
}
