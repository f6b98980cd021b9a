package rpc

import (
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// fillCapTable writes descriptors for caps into payload and returns the
// export ids it handed out, one wire ref each.
func (sys *System) fillCapTable(payload rpccp.Payload, caps []*clientHook) (exports []exportID, err error) {
	if len(caps) == 0 {
		return
	}
	table, err := payload.NewCapTable(int32(len(caps)))
	if err != nil {
		return
	}
	for i, h := range caps {
		if id, ok := sys.describe(h, table.At(i)); ok {
			exports = append(exports, id)
		}
	}
	return
}

func (sys *System) describe(h *clientHook, d rpccp.CapDescriptor) (id exportID, exported bool) {
	if h == nil {
		d.SetNone()
		return
	}
	h = h.shorten()
	switch {
	case h.kind == importHook && h.sys == sys:
		d.SetReceiverHosted(uint32(h.importID))
	case h.kind == brokenHook:
		d.SetNone()
	default:
		id = sys.exportHook(h)
		exported = true
		d.SetSenderHosted(uint32(id))
	}
	return
}

// capsFromPayload turns the cap table of a received payload into hooks, one
// ref each. Entries that cannot be honored become broken hooks.
func (sys *System) capsFromPayload(payload rpccp.Payload) ([]*clientHook, error) {
	if !payload.HasCapTable() {
		return nil, nil
	}
	table, err := payload.CapTable()
	if err != nil {
		return nil, malformed("read cap table: %v", err)
	}
	caps := make([]*clientHook, table.Len())
	for i := range caps {
		caps[i] = sys.hookForDescriptor(table.At(i))
	}
	return caps, nil
}

func (sys *System) hookForDescriptor(d rpccp.CapDescriptor) *clientHook {
	switch d.Which() {
	case rpccp.CapDescriptor_Which_none:
		return newBrokenHook(sys.loop, ErrNullCapability)
	case rpccp.CapDescriptor_Which_senderHosted:
		return sys.addImport(importID(d.SenderHosted()))
	case rpccp.CapDescriptor_Which_senderPromise:
		return sys.addImport(importID(d.SenderPromise()))
	case rpccp.CapDescriptor_Which_receiverHosted:
		e, ok := sys.exports[exportID(d.ReceiverHosted())]
		if !ok {
			return newBrokenHook(sys.loop, malformed("descriptor names unknown export %d", d.ReceiverHosted()))
		}
		return e.hook.addRef()
	case rpccp.CapDescriptor_Which_receiverAnswer:
		pa, err := d.ReceiverAnswer()
		if err != nil {
			return newBrokenHook(sys.loop, malformed("read receiver answer: %v", err))
		}
		h, err := sys.promisedAnswerHook(pa)
		if err != nil {
			return newBrokenHook(sys.loop, err)
		}
		return h
	default:
		return newBrokenHook(sys.loop, unimplemented("capability descriptor %v", d.Which()))
	}
}
