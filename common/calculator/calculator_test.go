package calculator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/op/go-logging"
	"github.com/stretchr/testify/require"

	"krypt.co/vatrpc/common/eventloop"
	"krypt.co/vatrpc/common/rpc"
	"krypt.co/vatrpc/common/twoparty"
)

var testLog = logging.MustGetLogger("calculator-test")

func connect(t *testing.T) (Calculator, *rpc.System) {
	a, b := net.Pipe()
	serverLoop := eventloop.New(testLog)
	ready := make(chan struct{})
	serverLoop.Post(func() {
		network := twoparty.NewVatNetwork(b, b, twoparty.SideServer, nil)
		rpc.NewSystem(serverLoop, network, NewServer(serverLoop, testLog, 4), testLog)
		close(ready)
	})
	ctx, cancel := context.WithCancel(context.Background())
	go serverLoop.Run(ctx)
	<-ready

	loop := eventloop.New(testLog)
	sys := rpc.NewSystem(loop, twoparty.NewVatNetwork(a, a, twoparty.SideClient, nil), nil, testLog)
	calc := Calculator{Client: sys.Bootstrap(twoparty.SideServer)}
	t.Cleanup(func() {
		calc.Release()
		sys.Close()
		cancel()
	})
	return calc, sys
}

func wait(t *testing.T, call *rpc.Call) (*rpc.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := call.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return resp, err
}

func TestEvaluateLiteral(t *testing.T) {
	calc, _ := connect(t)
	call := calc.EvaluateLiteral(11.0)
	defer call.Release()

	resp, err := wait(t, call.Call)
	require.NoError(t, err)
	value, err := ValueFromResponse(resp)
	require.NoError(t, err)
	defer value.Release()

	read := value.Read()
	defer read.Release()
	resp, err = wait(t, read.Call)
	require.NoError(t, err)
	require.Equal(t, 11.0, ReadFromResponse(resp))
}

func TestPipelinedRead(t *testing.T) {
	calc, _ := connect(t)
	call := calc.EvaluateLiteral(-2.5)
	defer call.Release()
	value := call.Value()
	defer value.Release()
	read := value.Read()
	defer read.Release()

	resp, err := wait(t, read.Call)
	require.NoError(t, err)
	require.Equal(t, -2.5, ReadFromResponse(resp))
}

func TestEvaluatePreviousResult(t *testing.T) {
	calc, _ := connect(t)
	first := calc.EvaluateLiteral(7)
	defer first.Release()
	resp, err := wait(t, first.Call)
	require.NoError(t, err)
	value, err := ValueFromResponse(resp)
	require.NoError(t, err)
	defer value.Release()

	second := calc.EvaluatePrevious(value)
	defer second.Release()
	read := second.Value().Read()
	defer read.Release()
	resp, err = wait(t, read.Call)
	require.NoError(t, err)
	require.Equal(t, 7.0, ReadFromResponse(resp))
}

func TestUnsupportedExpression(t *testing.T) {
	calc, _ := connect(t)
	req, expr, err := calc.newEvaluate()
	require.NoError(t, err)
	expr.SetUint16(8, exprParameter)
	call := req.Send()
	defer call.Release()

	_, err = wait(t, call)
	var remote *rpc.RemoteException
	require.True(t, errors.As(err, &remote), "got %v", err)
	require.Equal(t, rpccp.Exception_Type_unimplemented, remote.Type)
}

func TestServerInternsValues(t *testing.T) {
	loop := eventloop.New(testLog)
	s := NewServer(loop, testLog, 2)
	a := s.value(1)
	require.Same(t, a, s.value(1))
	s.value(2)
	s.value(3)
	require.NotSame(t, a, s.value(1))
	s.Shutdown()
	require.Equal(t, 0, s.values.Len())
}
