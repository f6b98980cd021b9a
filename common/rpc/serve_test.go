package rpc

import (
	"testing"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/stretchr/testify/require"

	"krypt.co/vatrpc/common/twoparty"
)

func sendBootstrap(id uint32) func(rpccp.Message, *capnp.Segment) error {
	return func(root rpccp.Message, _ *capnp.Segment) error {
		b, err := root.NewBootstrap()
		if err != nil {
			return err
		}
		b.SetQuestionId(id)
		return nil
	}
}

// sendCall calls method with a number param; transform nil targets export
// target, otherwise the answer to question target.
func sendCall(id, target uint32, transform []uint16, method uint16, n uint64) func(rpccp.Message, *capnp.Segment) error {
	return func(root rpccp.Message, seg *capnp.Segment) error {
		call, err := root.NewCall()
		if err != nil {
			return err
		}
		call.SetQuestionId(id)
		call.SetInterfaceId(testInterfaceID)
		call.SetMethodId(method)
		mt, err := call.NewTarget()
		if err != nil {
			return err
		}
		if transform == nil {
			mt.SetImportedCap(target)
		} else {
			pa, err := mt.NewPromisedAnswer()
			if err != nil {
				return err
			}
			pa.SetQuestionId(target)
			ops, err := pa.NewTransform(int32(len(transform)))
			if err != nil {
				return err
			}
			for i, field := range transform {
				ops.At(i).SetGetPointerField(field)
			}
		}
		payload, err := call.NewParams()
		if err != nil {
			return err
		}
		params, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: 8})
		if err != nil {
			return err
		}
		params.SetUint64(0, n)
		return payload.SetContent(params.ToPtr())
	}
}

func sendFinish(id uint32, releaseResultCaps bool) func(rpccp.Message, *capnp.Segment) error {
	return func(root rpccp.Message, _ *capnp.Segment) error {
		f, err := root.NewFinish()
		if err != nil {
			return err
		}
		f.SetQuestionId(id)
		f.SetReleaseResultCaps(releaseResultCaps)
		return nil
	}
}

func returnOf(t *testing.T, m rpccp.Message, id uint32) rpccp.Return {
	require.Equal(t, rpccp.Message_Which_return, m.Which())
	ret, err := m.Return()
	require.NoError(t, err)
	require.Equal(t, id, ret.AnswerId())
	return ret
}

func resultCaps(t *testing.T, ret rpccp.Return) rpccp.CapDescriptor_List {
	require.Equal(t, rpccp.Return_Which_results, ret.Which())
	payload, err := ret.Results()
	require.NoError(t, err)
	table, err := payload.CapTable()
	require.NoError(t, err)
	return table
}

func resultNumber(t *testing.T, ret rpccp.Return) uint64 {
	require.Equal(t, rpccp.Return_Which_results, ret.Which())
	payload, err := ret.Results()
	require.NoError(t, err)
	content, err := payload.Content()
	require.NoError(t, err)
	return content.Struct().Uint64(0)
}

func TestServeBootstrapAndCalls(t *testing.T) {
	peer, loop, sys := newFakePeer(t, twoparty.SideServer, &testServer{})

	peer.send(sendBootstrap(0))
	table := resultCaps(t, returnOf(t, peer.expect(loop), 0))
	require.Equal(t, 1, table.Len())
	require.Equal(t, rpccp.CapDescriptor_Which_senderHosted, table.At(0).Which())
	export := table.At(0).SenderHosted()
	peer.send(sendFinish(0, false))

	peer.send(sendCall(1, export, nil, methodDouble, 21))
	require.EqualValues(t, 42, resultNumber(t, returnOf(t, peer.expect(loop), 1)))
	peer.send(sendFinish(1, false))
	drive(t, loop, func() bool { return len(sys.answers) == 0 })
}

func TestServePromisedAnswerCall(t *testing.T) {
	peer, loop, _ := newFakePeer(t, twoparty.SideServer, &testServer{})

	peer.send(sendBootstrap(0))
	export := resultCaps(t, returnOf(t, peer.expect(loop), 0)).At(0).SenderHosted()

	peer.send(sendCall(1, export, nil, methodChild, 0))
	peer.send(sendCall(2, 1, []uint16{0}, methodDouble, 4))

	rets := make(map[uint32]rpccp.Return)
	for len(rets) < 2 {
		m := peer.expect(loop)
		ret, err := m.Return()
		require.NoError(t, err)
		rets[ret.AnswerId()] = ret
	}
	child := resultCaps(t, rets[1])
	require.Equal(t, 1, child.Len())
	require.Equal(t, rpccp.CapDescriptor_Which_senderHosted, child.At(0).Which())
	require.NotEqual(t, export, child.At(0).SenderHosted())
	require.EqualValues(t, 8, resultNumber(t, rets[2]))
}

func TestServeExceptionAndUnknownExport(t *testing.T) {
	peer, loop, _ := newFakePeer(t, twoparty.SideServer, &testServer{})

	peer.send(sendBootstrap(0))
	export := resultCaps(t, returnOf(t, peer.expect(loop), 0)).At(0).SenderHosted()

	peer.send(sendCall(1, export, nil, methodFail, 0))
	ret := returnOf(t, peer.expect(loop), 1)
	require.Equal(t, rpccp.Return_Which_exception, ret.Which())
	e, err := ret.Exception()
	require.NoError(t, err)
	reason, err := e.Reason()
	require.NoError(t, err)
	require.Equal(t, "boom", reason)

	peer.send(sendCall(2, export+100, nil, methodDouble, 1))
	ret = returnOf(t, peer.expect(loop), 2)
	require.Equal(t, rpccp.Return_Which_exception, ret.Which())
}

func TestServeReleaseDropsExport(t *testing.T) {
	shutdowns := 0
	peer, loop, sys := newFakePeer(t, twoparty.SideServer, &testServer{shutdowns: &shutdowns})

	peer.send(sendBootstrap(0))
	export := resultCaps(t, returnOf(t, peer.expect(loop), 0)).At(0).SenderHosted()
	peer.send(sendFinish(0, false))
	peer.send(func(root rpccp.Message, _ *capnp.Segment) error {
		r, err := root.NewRelease()
		if err != nil {
			return err
		}
		r.SetId(export)
		r.SetReferenceCount(1)
		return nil
	})
	drive(t, loop, func() bool { return len(sys.exports) == 0 })

	require.NoError(t, sys.Close())
	require.Equal(t, 1, shutdowns)
}

func TestServeFinishCancelsPendingCall(t *testing.T) {
	server := &testServer{}
	peer, loop, _ := newFakePeer(t, twoparty.SideServer, server)

	peer.send(sendBootstrap(0))
	export := resultCaps(t, returnOf(t, peer.expect(loop), 0)).At(0).SenderHosted()

	peer.send(sendCall(1, export, nil, methodBlock, 0))
	drive(t, loop, func() bool { return len(server.blocked) == 1 })
	peer.send(sendFinish(1, true))

	ret := returnOf(t, peer.expect(loop), 1)
	require.Equal(t, rpccp.Return_Which_canceled, ret.Which())
}

func TestServeWithoutBootstrap(t *testing.T) {
	peer, loop, _ := newFakePeer(t, twoparty.SideServer, nil)
	peer.send(sendBootstrap(0))
	ret := returnOf(t, peer.expect(loop), 0)
	require.Equal(t, rpccp.Return_Which_exception, ret.Which())
}
