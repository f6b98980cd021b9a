package calculator

/*
*	Hand-written bindings for the Calculator example schema:
*
*	interface Calculator { evaluate @0 (expression :Expression) -> (value :Value); }
*	interface Value { read @0 () -> (value :Float64); }
*	struct Expression { union { literal @0 :Float64; previousResult @1 :Value; ... } }
 */

import (
	"fmt"
	"math"

	"capnproto.org/go/capnp/v3"

	"krypt.co/vatrpc/common/rpc"
)

const (
	CalculatorInterfaceID uint64 = 0x97983392df35cc36
	ValueInterfaceID      uint64 = 0xc3e69d34d3ee48d2

	evaluateMethod uint16 = 0
	readMethod     uint16 = 0
)

// Expression union discriminants, stored at byte 8.
const (
	exprLiteral uint16 = iota
	exprPreviousResult
	exprParameter
	exprCall
)

var (
	expressionSize      = capnp.ObjectSize{DataSize: 16, PointerCount: 2}
	evaluateParamsSize  = capnp.ObjectSize{PointerCount: 1}
	evaluateResultsSize = capnp.ObjectSize{PointerCount: 1}
	readResultsSize     = capnp.ObjectSize{DataSize: 8}
)

type Calculator struct {
	*rpc.Client
}

type Value struct {
	*rpc.Client
}

// EvaluateCall is an outstanding Calculator.evaluate.
type EvaluateCall struct {
	*rpc.Call
}

// Value is the result's value capability, usable before the call returns.
func (c EvaluateCall) Value() Value {
	return Value{c.Pipeline.Field(0).Client()}
}

// ReadCall is an outstanding Value.read.
type ReadCall struct {
	*rpc.Call
}

func (c Calculator) newEvaluate() (req *rpc.Request, expr capnp.Struct, err error) {
	req = c.NewRequest(CalculatorInterfaceID, evaluateMethod, evaluateParamsSize)
	params := req.Params()
	if !params.IsValid() {
		err = fmt.Errorf("evaluate request has no params")
		return
	}
	expr, err = capnp.NewStruct(params.Segment(), expressionSize)
	if err != nil {
		return
	}
	err = params.SetPtr(0, expr.ToPtr())
	return
}

// EvaluateLiteral asks the calculator for a Value holding v.
func (c Calculator) EvaluateLiteral(v float64) EvaluateCall {
	req, expr, err := c.newEvaluate()
	if err != nil {
		req.Fail(err)
		return EvaluateCall{req.Send()}
	}
	expr.SetUint16(8, exprLiteral)
	expr.SetUint64(0, math.Float64bits(v))
	return EvaluateCall{req.Send()}
}

// EvaluatePrevious asks the calculator to evaluate an earlier Value.
func (c Calculator) EvaluatePrevious(prev Value) EvaluateCall {
	req, expr, err := c.newEvaluate()
	if err != nil {
		req.Fail(err)
		return EvaluateCall{req.Send()}
	}
	expr.SetUint16(8, exprPreviousResult)
	id := req.AddCap(prev.Client)
	if err := expr.SetPtr(0, capnp.NewInterface(expr.Segment(), id).ToPtr()); err != nil {
		req.Fail(err)
	}
	return EvaluateCall{req.Send()}
}

func (v Value) Read() ReadCall {
	return ReadCall{v.NewRequest(ValueInterfaceID, readMethod, capnp.ObjectSize{}).Send()}
}

// ValueFromResponse extracts the value capability from evaluate results.
func ValueFromResponse(resp *rpc.Response) (value Value, err error) {
	ptr, err := resp.Struct().Ptr(0)
	if err != nil {
		return
	}
	iface := ptr.Interface()
	if !iface.IsValid() {
		err = fmt.Errorf("evaluate returned no value")
		return
	}
	value = Value{resp.Cap(iface.Capability())}
	return
}

// ReadFromResponse extracts the number from read results.
func ReadFromResponse(resp *rpc.Response) float64 {
	return math.Float64frombits(resp.Struct().Uint64(0))
}
