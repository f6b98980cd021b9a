package twoparty

/*
*	Presents one duplex byte stream as the two halves a two-vat Cap'n Proto
*	session needs: an outbound framed writer and an inbound framed reader.
 */

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"capnproto.org/go/capnp/v3"
)

// Side identifies one of the two vats. Values match rpc-twoparty.capnp.
type Side uint16

const (
	SideServer Side = 0
	SideClient Side = 1
)

func (s Side) String() string {
	switch s {
	case SideServer:
		return "server"
	case SideClient:
		return "client"
	default:
		return fmt.Sprintf("side(%d)", uint16(s))
	}
}

func (s Side) Peer() Side {
	if s == SideServer {
		return SideClient
	}
	return SideServer
}

var ErrPeerDisconnected = errors.New("peer disconnected")
var ErrNetworkClosed = errors.New("vat network closed")
var ErrNetworkClaimed = errors.New("vat network already has an rpc system")

// Malformed framing or a broken inbound stream
type TransportReadError struct {
	error
}

func (err *TransportReadError) Error() string {
	return "TransportReadError: " + err.error.Error()
}

func (err *TransportReadError) Unwrap() error {
	return err.error
}

// Outbound stream failure
type TransportWriteError struct {
	error
}

func (err *TransportWriteError) Error() string {
	return "TransportWriteError: " + err.error.Error()
}

func (err *TransportWriteError) Unwrap() error {
	return err.error
}

// Options tunes framing. The zero value means no extra limits beyond the
// capnp defaults.
type Options struct {
	//	bytes a receiver may traverse per message, 0 keeps the capnp default
	TraversalLimit uint64
	//	largest accepted inbound frame in bytes, 0 keeps the capnp default
	MaxMessageSize uint64
	//	write deadline applied to best-effort sends such as Abort
	AbortTimeout time.Duration
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

type VatNetwork struct {
	side Side
	opts Options

	in     io.ReadCloser
	reader *bufio.Reader
	dec    *capnp.Decoder

	sendMu sync.Mutex
	out    io.WriteCloser
	enc    *capnp.Encoder

	claimed   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewVatNetwork takes ownership of in and out; they may be the same
// connection. side is the local vat's side.
func NewVatNetwork(in io.ReadCloser, out io.WriteCloser, side Side, opts *Options) *VatNetwork {
	n := &VatNetwork{
		side: side,
		in:   in,
		out:  out,
		enc:  capnp.NewEncoder(out),
	}
	if opts != nil {
		n.opts = *opts
	}
	n.reader = bufio.NewReader(in)
	n.dec = capnp.NewDecoder(n.reader)
	if n.opts.MaxMessageSize > 0 {
		n.dec.MaxMessageSize = n.opts.MaxMessageSize
	}
	return n
}

func (n *VatNetwork) Side() Side {
	return n.side
}

func (n *VatNetwork) PeerSide() Side {
	return n.side.Peer()
}

func (n *VatNetwork) Options() Options {
	return n.opts
}

// Send frames msg onto the outbound half. Messages are written in call order.
func (n *VatNetwork) Send(msg *capnp.Message, dst Side) (err error) {
	if dst != n.PeerSide() {
		err = &TransportWriteError{fmt.Errorf("cannot send to %v from %v", dst, n.side)}
		return
	}
	if n.closed.Load() {
		err = &TransportWriteError{ErrNetworkClosed}
		return
	}
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	err = n.enc.Encode(msg)
	if err != nil {
		err = &TransportWriteError{err}
		return
	}
	return
}

// SendBestEffort is Send bounded by Options.AbortTimeout when the outbound
// half supports write deadlines.
func (n *VatNetwork) SendBestEffort(msg *capnp.Message, dst Side) (err error) {
	if dw, ok := n.out.(deadlineWriter); ok && n.opts.AbortTimeout > 0 {
		dw.SetWriteDeadline(time.Now().Add(n.opts.AbortTimeout))
		defer dw.SetWriteDeadline(time.Time{})
	}
	return n.Send(msg, dst)
}

// Receive blocks for the next inbound frame. A clean close between frames is
// reported as ErrPeerDisconnected.
func (n *VatNetwork) Receive() (msg *capnp.Message, from Side, err error) {
	from = n.PeerSide()
	if _, err = n.reader.Peek(1); err != nil {
		if n.closed.Load() {
			err = ErrNetworkClosed
			return
		}
		if err == io.EOF {
			err = ErrPeerDisconnected
			return
		}
		err = &TransportReadError{err}
		return
	}
	msg, err = n.dec.Decode()
	if err != nil {
		err = &TransportReadError{err}
		return
	}
	if n.opts.TraversalLimit > 0 {
		msg.TraverseLimit = n.opts.TraversalLimit
	}
	return
}

// Claim marks the network as driven by one rpc system. Only the first claim
// succeeds.
func (n *VatNetwork) Claim() error {
	if !n.claimed.CompareAndSwap(false, true) {
		return ErrNetworkClaimed
	}
	return nil
}

// Close releases both halves. It is safe to call more than once.
func (n *VatNetwork) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		n.closeErr = n.out.Close()
		if inErr := n.in.Close(); n.closeErr == nil && !sameCloser(n.in, n.out) {
			n.closeErr = inErr
		}
	})
	return n.closeErr
}

func sameCloser(in io.ReadCloser, out io.WriteCloser) bool {
	outAsCloser, ok := out.(io.ReadCloser)
	return ok && outAsCloser == in
}
