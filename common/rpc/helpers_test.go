package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/op/go-logging"
	"github.com/stretchr/testify/require"

	"krypt.co/vatrpc/common/eventloop"
	"krypt.co/vatrpc/common/promise"
	"krypt.co/vatrpc/common/twoparty"
)

var testLog = logging.MustGetLogger("rpc-test")

const testInterfaceID uint64 = 0xd1c0ffee00000001

const (
	methodDouble uint16 = iota
	methodChild
	methodFail
	methodBlock
	methodNotACap
)

// testServer doubles numbers, hands out child capabilities and can be told to
// fail or never answer.
type testServer struct {
	shutdowns *int
	blocked   []*promise.Promise[struct{}]
}

func (s *testServer) Call(call *ServerCall) *promise.Promise[struct{}] {
	switch call.MethodID {
	case methodDouble:
		res, err := call.AllocResults(capnp.ObjectSize{DataSize: 8})
		if err != nil {
			return call.Return(err)
		}
		res.SetUint64(0, call.Params().Uint64(0)*2)
		return call.Return(nil)
	case methodChild:
		child := NewLocalClient(call.Loop(), &testServer{shutdowns: s.shutdowns})
		defer child.Release()
		res, err := call.AllocResults(capnp.ObjectSize{PointerCount: 1})
		if err != nil {
			return call.Return(err)
		}
		id := call.AddResultCap(child)
		return call.Return(res.SetPtr(0, capnp.NewInterface(res.Segment(), id).ToPtr()))
	case methodFail:
		return call.Return(errors.New("boom"))
	case methodBlock:
		p := promise.New[struct{}](call.Loop())
		s.blocked = append(s.blocked, p)
		return p
	case methodNotACap:
		res, err := call.AllocResults(capnp.ObjectSize{PointerCount: 1})
		if err != nil {
			return call.Return(err)
		}
		inner, err := capnp.NewStruct(res.Segment(), capnp.ObjectSize{DataSize: 8})
		if err != nil {
			return call.Return(err)
		}
		return call.Return(res.SetPtr(0, inner.ToPtr()))
	}
	return nil
}

func (s *testServer) Shutdown() {
	if s.shutdowns != nil {
		*s.shutdowns++
	}
}

var capnpEmpty = capnp.ObjectSize{}

func doubleRequest(c *Client, n uint64) *Request {
	req := c.NewRequest(testInterfaceID, methodDouble, capnp.ObjectSize{DataSize: 8})
	if params := req.Params(); params.IsValid() {
		params.SetUint64(0, n)
	}
	return req
}

func settle[T any](t *testing.T, p *promise.Promise[T]) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	require.True(t, p.Settled(), "promise did not settle: %v", err)
	return v, err
}

func drive(t *testing.T, loop *eventloop.Loop, done func() bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.RunUntil(ctx, done))
}

// newSessionPair connects a client System to a server System serving a
// testServer bootstrap. The server's loop runs on its own goroutine.
func newSessionPair(t *testing.T) (loop *eventloop.Loop, client *System) {
	a, b := net.Pipe()
	serverLoop := eventloop.New(testLog)
	ready := make(chan struct{})
	serverLoop.Post(func() {
		NewSystem(serverLoop, twoparty.NewVatNetwork(b, b, twoparty.SideServer, nil), &testServer{}, testLog)
		close(ready)
	})
	ctx, cancel := context.WithCancel(context.Background())
	go serverLoop.Run(ctx)
	<-ready

	loop = eventloop.New(testLog)
	client = NewSystem(loop, twoparty.NewVatNetwork(a, a, twoparty.SideClient, nil), nil, testLog)
	t.Cleanup(func() {
		client.Close()
		cancel()
	})
	return
}

// fakePeer speaks the wire protocol by hand against a client System.
type fakePeer struct {
	t    *testing.T
	net  *twoparty.VatNetwork
	msgs chan rpccp.Message
}

// newFakePeer starts a System on side with an optional bootstrap; the fake
// peer takes the other side.
func newFakePeer(t *testing.T, side twoparty.Side, bootstrap Server) (peer *fakePeer, loop *eventloop.Loop, sys *System) {
	a, b := net.Pipe()
	loop = eventloop.New(testLog)
	sys = NewSystem(loop, twoparty.NewVatNetwork(a, a, side, nil), bootstrap, testLog)
	peer = &fakePeer{
		t:    t,
		net:  twoparty.NewVatNetwork(b, b, side.Peer(), nil),
		msgs: make(chan rpccp.Message, 64),
	}
	go func() {
		defer close(peer.msgs)
		for {
			msg, _, err := peer.net.Receive()
			if err != nil {
				return
			}
			m, err := rpccp.ReadRootMessage(msg)
			if err != nil {
				return
			}
			peer.msgs <- m
		}
	}()
	t.Cleanup(func() {
		peer.net.Close()
	})
	return
}

// expect runs loop until the peer has received a message.
func (p *fakePeer) expect(loop *eventloop.Loop) rpccp.Message {
	deadline := time.After(5 * time.Second)
	for {
		loop.Poll()
		select {
		case m, ok := <-p.msgs:
			require.True(p.t, ok, "peer connection closed")
			return m
		case <-deadline:
			p.t.Fatal("no message reached the peer")
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *fakePeer) expectNothing(loop *eventloop.Loop) {
	loop.Poll()
	select {
	case m, ok := <-p.msgs:
		if ok {
			p.t.Fatalf("unexpected %v message", m.Which())
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func (p *fakePeer) send(build func(root rpccp.Message, seg *capnp.Segment) error) {
	msg, root, err := newMessage()
	require.NoError(p.t, err)
	seg, err := msg.Segment(0)
	require.NoError(p.t, err)
	require.NoError(p.t, build(root, seg))
	require.NoError(p.t, p.net.Send(msg, p.net.PeerSide()))
}

// returnCap answers question id with a capability the peer hosts as export.
func returnCap(id, export uint32) func(rpccp.Message, *capnp.Segment) error {
	return func(root rpccp.Message, seg *capnp.Segment) error {
		ret, err := root.NewReturn()
		if err != nil {
			return err
		}
		ret.SetAnswerId(id)
		payload, err := ret.NewResults()
		if err != nil {
			return err
		}
		if err := payload.SetContent(capnp.NewInterface(seg, 0).ToPtr()); err != nil {
			return err
		}
		table, err := payload.NewCapTable(1)
		if err != nil {
			return err
		}
		table.At(0).SetSenderHosted(export)
		return nil
	}
}

func returnNumber(id uint32, n uint64) func(rpccp.Message, *capnp.Segment) error {
	return func(root rpccp.Message, seg *capnp.Segment) error {
		ret, err := root.NewReturn()
		if err != nil {
			return err
		}
		ret.SetAnswerId(id)
		payload, err := ret.NewResults()
		if err != nil {
			return err
		}
		res, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: 8})
		if err != nil {
			return err
		}
		res.SetUint64(0, n)
		return payload.SetContent(res.ToPtr())
	}
}

// bootstrapPeer answers the client's bootstrap with export 7.
func bootstrapPeer(t *testing.T) (peer *fakePeer, loop *eventloop.Loop, sys *System, bootstrap *Client) {
	peer, loop, sys = newFakePeer(t, twoparty.SideClient, nil)
	bootstrap = sys.Bootstrap(twoparty.SideServer)
	m := peer.expect(loop)
	require.Equal(t, rpccp.Message_Which_bootstrap, m.Which())
	b, err := m.Bootstrap()
	require.NoError(t, err)
	peer.send(returnCap(b.QuestionId(), 7))
	drive(t, loop, bootstrap.Resolved)
	m = peer.expect(loop)
	require.Equal(t, rpccp.Message_Which_finish, m.Which())
	return
}
