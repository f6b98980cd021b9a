package rpc

import (
	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"

	"krypt.co/vatrpc/common/eventloop"
)

// Method identifies an interface method on the wire.
type Method struct {
	InterfaceID uint64
	MethodID    uint16
}

// Request is a call under construction. The parameter struct lives inside the
// outgoing Call message so it can be transmitted without copying. A Request
// can be sent once.
type Request struct {
	Method

	loop   *eventloop.Loop
	target *clientHook
	msg    *capnp.Message
	call   rpccp.Call
	params capnp.Struct
	caps   []*clientHook
	err    error
	sent   bool
}

func newCallMessage(m Method, size capnp.ObjectSize) (msg *capnp.Message, call rpccp.Call, params capnp.Struct, err error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return
	}
	root, err := rpccp.NewRootMessage(seg)
	if err != nil {
		return
	}
	call, err = root.NewCall()
	if err != nil {
		return
	}
	call.SetInterfaceId(m.InterfaceID)
	call.SetMethodId(m.MethodID)
	payload, err := call.NewParams()
	if err != nil {
		return
	}
	params, err = capnp.NewStruct(seg, size)
	if err != nil {
		return
	}
	err = payload.SetContent(params.ToPtr())
	return
}

// Params is the parameter struct to fill in before Send.
func (r *Request) Params() capnp.Struct {
	return r.params
}

// AddCap places a new ref to c in the request's cap table and returns its
// index, for use with capnp.NewInterface. A nil c is sent as a null
// capability.
func (r *Request) AddCap(c *Client) capnp.CapabilityID {
	var h *clientHook
	if c != nil && c.hook != nil {
		h = c.hook.addRef()
	}
	r.caps = append(r.caps, h)
	return capnp.CapabilityID(len(r.caps) - 1)
}

// Fail marks the request as unsendable; Send will settle with err.
func (r *Request) Fail(err error) {
	if r.err == nil {
		r.err = &MalformedRequestError{err}
	}
}

func (r *Request) releaseCaps() {
	caps := r.caps
	r.caps = nil
	for _, h := range caps {
		if h != nil {
			h.release()
		}
	}
}

// Send dispatches the request. It never blocks: the result arrives through
// the returned Call's promise.
func (r *Request) Send() *Call {
	ans := newAnswerState(r.loop)
	call := newCall(ans)
	if r.sent {
		ans.resolve(nil, malformed("request for method %d@%#x already sent", r.MethodID, r.InterfaceID))
		return call
	}
	r.sent = true

	pc := &pendingCall{req: r, ans: ans}
	target := r.target
	r.target = nil
	if target == nil || r.err != nil {
		if target != nil {
			target.release()
		}
		err := r.err
		if err == nil {
			err = ErrReleasedClient
		}
		pc.fail(err)
		return call
	}
	target.call(pc)
	target.release()
	return call
}

// pendingCall is a request travelling towards its target together with the
// answer it settles.
type pendingCall struct {
	req *Request
	ans *answerState
}

func (pc *pendingCall) fail(err error) {
	pc.req.releaseCaps()
	pc.ans.resolve(nil, err)
}
