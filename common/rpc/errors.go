package rpc

import (
	"errors"
	"fmt"

	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"

	"krypt.co/vatrpc/common/twoparty"
)

var (
	ErrCallCancelled    = errors.New("call cancelled")
	ErrSystemClosed     = errors.New("rpc system closed")
	ErrNullCapability   = errors.New("call on null capability")
	ErrReleasedClient   = errors.New("call on released capability")
	ErrNoBootstrap      = errors.New("vat does not expose a bootstrap capability")
	ErrPeerDisconnected = twoparty.ErrPeerDisconnected
)

// The session ended. Wraps the transport, framing or abort cause.
type SessionTerminated struct {
	error
}

func (err *SessionTerminated) Error() string {
	return "SessionTerminated: " + err.error.Error()
}

func (err *SessionTerminated) Unwrap() error {
	return err.error
}

func IsSessionTerminated(err error) bool {
	var terminated *SessionTerminated
	return errors.As(err, &terminated)
}

// A request or response did not have the expected shape
type MalformedRequestError struct {
	error
}

func (err *MalformedRequestError) Error() string {
	return "MalformedRequestError: " + err.error.Error()
}

func (err *MalformedRequestError) Unwrap() error {
	return err.error
}

func malformed(format string, args ...interface{}) error {
	return &MalformedRequestError{fmt.Errorf(format, args...)}
}

// RemoteException is an application-level failure reported by the peer.
type RemoteException struct {
	Type   rpccp.Exception_Type
	Reason string
}

func (err *RemoteException) Error() string {
	return fmt.Sprintf("RemoteException(%v): %s", err.Type, err.Reason)
}

func exceptionFromWire(e rpccp.Exception) *RemoteException {
	reason, err := e.Reason()
	if err != nil {
		reason = "unreadable reason: " + err.Error()
	}
	return &RemoteException{
		Type:   e.Type(),
		Reason: reason,
	}
}

func exceptionToWire(e rpccp.Exception, err error) error {
	var remote *RemoteException
	switch {
	case errors.As(err, &remote):
		e.SetType(remote.Type)
		return e.SetReason(remote.Reason)
	case IsSessionTerminated(err):
		e.SetType(rpccp.Exception_Type_disconnected)
	default:
		e.SetType(rpccp.Exception_Type_failed)
	}
	return e.SetReason(err.Error())
}

func unimplemented(format string, args ...interface{}) *RemoteException {
	return &RemoteException{
		Type:   rpccp.Exception_Type_unimplemented,
		Reason: fmt.Sprintf(format, args...),
	}
}
