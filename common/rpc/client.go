package rpc

import (
	"capnproto.org/go/capnp/v3"

	"krypt.co/vatrpc/common/eventloop"
)

type hookKind int

const (
	importHook hookKind = iota
	localHook
	promiseHook
	brokenHook
)

// clientHook is the shared, reference-counted target behind Client handles.
// refs counts handles plus internal holders (cap tables, exports, pending
// resolutions).
type clientHook struct {
	loop *eventloop.Loop
	kind hookKind
	refs int

	//	importHook
	sys      *System
	importID importID

	//	localHook
	server Server

	//	brokenHook
	err error

	//	promiseHook
	resolution *clientHook
	queue      []*pendingCall
	owner      *answerState
	transform  []uint16
	onResolve  []func()
}

func newLocalHook(loop *eventloop.Loop, s Server) *clientHook {
	return &clientHook{loop: loop, kind: localHook, refs: 1, server: s}
}

func newBrokenHook(loop *eventloop.Loop, err error) *clientHook {
	return &clientHook{loop: loop, kind: brokenHook, refs: 1, err: err}
}

func newPromiseHook(loop *eventloop.Loop) *clientHook {
	return &clientHook{loop: loop, kind: promiseHook, refs: 1}
}

func (h *clientHook) addRef() *clientHook {
	h.refs++
	return h
}

func (h *clientHook) release() {
	h.refs--
	if h.refs > 0 {
		return
	}
	switch h.kind {
	case importHook:
		h.sys.releaseImport(h)
	case localHook:
		if s, ok := h.server.(Shutdowner); ok {
			s.Shutdown()
		}
	case promiseHook:
		if h.resolution != nil {
			resolution := h.resolution
			h.resolution = nil
			resolution.release()
			return
		}
		queue := h.queue
		h.queue = nil
		for _, pc := range queue {
			pc.fail(ErrCallCancelled)
		}
		if h.owner != nil {
			owner := h.owner
			h.owner = nil
			owner.removeWaiter(h)
		}
	}
}

// shorten follows settled promises to the hook that will take calls.
func (h *clientHook) shorten() *clientHook {
	for h.kind == promiseHook && h.resolution != nil {
		h = h.resolution
	}
	return h
}

// resolve settles a promise hook. It takes ownership of one ref on target.
func (h *clientHook) resolve(target *clientHook) {
	if h.kind != promiseHook || h.resolution != nil || h.refs <= 0 {
		target.release()
		return
	}
	h.resolution = target
	queue := h.queue
	h.queue = nil
	for _, pc := range queue {
		target.call(pc)
	}
	callbacks := h.onResolve
	h.onResolve = nil
	for _, f := range callbacks {
		f()
	}
}

// releaseWhenResolved drops one ref once h stops being an unsettled promise.
func (h *clientHook) releaseWhenResolved() {
	if h.kind == promiseHook && h.resolution == nil {
		h.onResolve = append(h.onResolve, h.release)
		return
	}
	h.release()
}

func (h *clientHook) dequeue(pc *pendingCall) bool {
	for i, queued := range h.queue {
		if queued == pc {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (h *clientHook) call(pc *pendingCall) {
	switch h.kind {
	case importHook:
		h.sys.sendCall(h, pc)
	case localHook:
		callLocal(h, pc)
	case promiseHook:
		if h.resolution != nil {
			h.resolution.call(pc)
			return
		}
		h.queue = append(h.queue, pc)
		pc.ans.cancel = func() {
			if h.dequeue(pc) {
				pc.fail(ErrCallCancelled)
			}
		}
	default:
		pc.fail(h.err)
	}
}

// Client is a handle to a capability: imported from the peer, served
// locally, or promised by an outstanding call. Each handle owns one
// reference; Release it when done.
type Client struct {
	loop *eventloop.Loop
	hook *clientHook
}

func newClient(loop *eventloop.Loop, h *clientHook) *Client {
	return &Client{loop: loop, hook: h}
}

// NewLocalClient exposes s as a capability owned by loop.
func NewLocalClient(loop *eventloop.Loop, s Server) *Client {
	return newClient(loop, newLocalHook(loop, s))
}

// NewErrorClient returns a capability whose calls all fail with err.
func NewErrorClient(loop *eventloop.Loop, err error) *Client {
	return newClient(loop, newBrokenHook(loop, err))
}

func (c *Client) Loop() *eventloop.Loop {
	return c.loop
}

// AddRef returns a new handle to the same capability.
func (c *Client) AddRef() *Client {
	if c.hook == nil {
		return NewErrorClient(c.loop, ErrReleasedClient)
	}
	return newClient(c.loop, c.hook.addRef())
}

// Release drops this handle. Releasing the last handle of an imported
// capability queues a Release message to the peer.
func (c *Client) Release() {
	if c.hook == nil {
		return
	}
	h := c.hook
	c.hook = nil
	h.release()
}

// Resolved reports whether calls on c go straight to a settled target.
func (c *Client) Resolved() bool {
	return c.hook != nil && c.hook.shorten().kind != promiseHook
}

// Err reports why c is unusable, or nil.
func (c *Client) Err() error {
	if c.hook == nil {
		return ErrReleasedClient
	}
	if h := c.hook.shorten(); h.kind == brokenHook {
		return h.err
	}
	return nil
}

// NewRequest starts a call of method methodID on interfaceID with a
// parameter struct of paramsSize.
func (c *Client) NewRequest(interfaceID uint64, methodID uint16, paramsSize capnp.ObjectSize) *Request {
	req := &Request{
		loop:   c.loop,
		Method: Method{InterfaceID: interfaceID, MethodID: methodID},
	}
	if c.hook == nil {
		req.err = ErrReleasedClient
		return req
	}
	req.target = c.hook.addRef()
	req.msg, req.call, req.params, req.err = newCallMessage(req.Method, paramsSize)
	return req
}
