package socket

import (
	"context"
	"fmt"
	"net"
)

// Address could not be parsed or did not resolve
type AddressResolutionError struct {
	error
}

func (err *AddressResolutionError) Error() string {
	return "AddressResolutionError: " + err.error.Error()
}

func (err *AddressResolutionError) Unwrap() error {
	return err.error
}

// Transport-level connect failed
type ConnectionError struct {
	error
}

func (err *ConnectionError) Error() string {
	return "ConnectionError: " + err.error.Error()
}

func (err *ConnectionError) Unwrap() error {
	return err.error
}

var resolver = net.DefaultResolver

// ResolveAddress turns HOST:PORT into a single TCP address. Only the first
// candidate is used, there is no fallback across candidates.
func ResolveAddress(ctx context.Context, hostport string) (addr *net.TCPAddr, err error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		err = &AddressResolutionError{err}
		return
	}
	if host == "" {
		err = &AddressResolutionError{fmt.Errorf("missing host in %q", hostport)}
		return
	}
	portNum, err := resolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		err = &AddressResolutionError{err}
		return
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		err = &AddressResolutionError{err}
		return
	}
	if len(ips) == 0 {
		err = &AddressResolutionError{fmt.Errorf("no addresses for %q", host)}
		return
	}
	addr = &net.TCPAddr{
		IP:   ips[0].IP,
		Port: portNum,
		Zone: ips[0].Zone,
	}
	return
}

func Connect(ctx context.Context, addr *net.TCPAddr) (conn net.Conn, err error) {
	var dialer net.Dialer
	conn, err = dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		err = &ConnectionError{err}
		return
	}
	return
}

func Dial(ctx context.Context, hostport string) (conn net.Conn, err error) {
	addr, err := ResolveAddress(ctx, hostport)
	if err != nil {
		return
	}
	conn, err = Connect(ctx, addr)
	return
}

func Listen(hostport string) (listener net.Listener, err error) {
	addr, err := ResolveAddress(context.Background(), hostport)
	if err != nil {
		return
	}
	listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		err = &ConnectionError{err}
		return
	}
	return
}
