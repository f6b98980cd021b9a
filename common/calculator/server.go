package calculator

import (
	"fmt"
	"math"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/golang/groupcache/lru"
	"github.com/op/go-logging"

	"krypt.co/vatrpc/common/eventloop"
	"krypt.co/vatrpc/common/promise"
	"krypt.co/vatrpc/common/rpc"
)

const DEFAULT_VALUE_CACHE_SIZE = 128

// Server evaluates expressions for one session. Values for recently seen
// literals are interned so the peer sees the same capability for them.
type Server struct {
	loop   *eventloop.Loop
	log    *logging.Logger
	values *lru.Cache
}

func NewServer(loop *eventloop.Loop, log *logging.Logger, cacheSize int) *Server {
	if cacheSize <= 0 {
		cacheSize = DEFAULT_VALUE_CACHE_SIZE
	}
	values := lru.New(cacheSize)
	values.OnEvicted = func(_ lru.Key, v interface{}) {
		v.(*rpc.Client).Release()
	}
	return &Server{
		loop:   loop,
		log:    log,
		values: values,
	}
}

func (s *Server) Call(call *rpc.ServerCall) *promise.Promise[struct{}] {
	if call.InterfaceID != CalculatorInterfaceID || call.MethodID != evaluateMethod {
		return call.Return(&rpc.RemoteException{
			Type:   rpccp.Exception_Type_unimplemented,
			Reason: fmt.Sprintf("calculator has no method %d@%#x", call.MethodID, call.InterfaceID),
		})
	}
	exprPtr, err := call.Params().Ptr(0)
	if err != nil {
		return call.Return(err)
	}
	expr := exprPtr.Struct()
	switch expr.Uint16(8) {
	case exprLiteral:
		v := math.Float64frombits(expr.Uint64(0))
		s.log.Debugf("evaluate literal %v", v)
		return call.Return(s.returnValue(call, v))
	case exprPreviousResult:
		ptr, err := expr.Ptr(0)
		if err != nil {
			return call.Return(err)
		}
		return s.evaluatePrevious(call, ptr.Interface())
	default:
		return call.Return(&rpc.RemoteException{
			Type:   rpccp.Exception_Type_unimplemented,
			Reason: fmt.Sprintf("expression kind %d not supported", expr.Uint16(8)),
		})
	}
}

func (s *Server) evaluatePrevious(call *rpc.ServerCall, iface capnp.Interface) *promise.Promise[struct{}] {
	if !iface.IsValid() {
		return call.Return(fmt.Errorf("previousResult is not a capability"))
	}
	prev := Value{call.ParamCap(iface.Capability())}
	read := prev.Read()
	done := promise.New[struct{}](s.loop)
	read.Promise.OnSettled(func(resp *rpc.Response, err error) {
		defer prev.Release()
		defer read.Release()
		if err != nil {
			done.Reject(err)
			return
		}
		done.Settle(struct{}{}, s.returnValue(call, ReadFromResponse(resp)))
	})
	return done
}

func (s *Server) returnValue(call *rpc.ServerCall, v float64) error {
	results, err := call.AllocResults(evaluateResultsSize)
	if err != nil {
		return err
	}
	id := call.AddResultCap(s.value(v))
	return results.SetPtr(0, capnp.NewInterface(results.Segment(), id).ToPtr())
}

// value returns the interned Value for v. The cache keeps the only long-lived
// ref.
func (s *Server) value(v float64) *rpc.Client {
	key := math.Float64bits(v)
	if cached, ok := s.values.Get(key); ok {
		return cached.(*rpc.Client)
	}
	client := rpc.NewLocalClient(s.loop, valueServer(v))
	s.values.Add(key, client)
	return client
}

// Shutdown drops the interned values once the calculator itself is released.
func (s *Server) Shutdown() {
	s.values.Clear()
}

type valueServer float64

func (v valueServer) Call(call *rpc.ServerCall) *promise.Promise[struct{}] {
	if call.InterfaceID != ValueInterfaceID || call.MethodID != readMethod {
		return call.Return(&rpc.RemoteException{
			Type:   rpccp.Exception_Type_unimplemented,
			Reason: fmt.Sprintf("value has no method %d@%#x", call.MethodID, call.InterfaceID),
		})
	}
	results, err := call.AllocResults(readResultsSize)
	if err != nil {
		return call.Return(err)
	}
	results.SetUint64(0, math.Float64bits(float64(v)))
	return call.Return(nil)
}
