package socket

import (
	"errors"
	"net"
	"time"

	"github.com/netsys-lab/multipath-transfer/peers"
)

var (
	ErrNotOpen = errors.New("socket: transport not open")
	ErrBusy    = errors.New("socket: transport already in use")
	ErrRefused = errors.New("socket: connection refused")
)

// Poster runs a function later on the protocol's event loop. Transports
// hand every callback to it, so callbacks never run on I/O goroutines.
type Poster interface {
	Post(fn func())
}

// Callbacks are installed by the owner of a transport. Unset callbacks are
// skipped. At most one of OnClosed and OnCloseError fires.
type Callbacks struct {
	OnConnected     func()
	OnConnectFailed func(err error)
	// Fired when Recv has data, only after Connect succeeded or Listen was called
	OnRecv       func()
	OnClosed     func()
	OnCloseError func(err error)
}

// Transport is one reliable ordered byte stream. All methods are meant to
// be called from the event loop.
type Transport interface {
	SetCallbacks(cb Callbacks)
	// Connect starts an outbound connection, the outcome is reported via
	// OnConnected or OnConnectFailed
	Connect(remote peers.Interface) error
	// Listen arms the receive callback of an accepted transport
	Listen() error
	// Send queues b for transmission and returns the number of bytes queued
	Send(b []byte) (int, error)
	// Recv returns the bytes received so far or nil
	Recv() []byte
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener binds exactly one interface
type Listener interface {
	Listen(iface peers.Interface, accept func(Transport)) error
	Addr() net.Addr
	Close() error
}

// Network creates transports and listeners of one kind
type Network interface {
	// NewTransport returns an unconnected transport. A non-zero local
	// interface pins outgoing traffic to that interface's address.
	NewTransport(local peers.Interface) Transport
	NewListener() Listener
}

type NetworkOptions struct {
	DialTimeout time.Duration
	// Time a closing QUIC transport waits for the peer to finish reading
	CloseLinger time.Duration
}

var defaultNetworkOptions = &NetworkOptions{
	DialTimeout: 5 * time.Second,
	CloseLinger: 2 * time.Second,
}

func networkOptions(options *NetworkOptions) NetworkOptions {
	opts := *defaultNetworkOptions
	if options != nil {
		if options.DialTimeout > 0 {
			opts.DialTimeout = options.DialTimeout
		}
		if options.CloseLinger > 0 {
			opts.CloseLinger = options.CloseLinger
		}
	}
	return opts
}

// bindHost returns the local address to dial from. The port is left to the
// OS, the configured port is taken by our own listener.
func bindHost(local peers.Interface) string {
	if local.Addr == "" {
		return ""
	}
	return local.Addr
}
