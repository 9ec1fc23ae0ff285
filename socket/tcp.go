package socket

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/netsys-lab/multipath-transfer/peers"
	log "github.com/sirupsen/logrus"
)

// TCPNetwork carries every path over its own TCP connection
type TCPNetwork struct {
	poster Poster
	opts   NetworkOptions
}

var _ Network = (*TCPNetwork)(nil)

func NewTCPNetwork(poster Poster, options *NetworkOptions) *TCPNetwork {
	return &TCPNetwork{
		poster: poster,
		opts:   networkOptions(options),
	}
}

func (n *TCPNetwork) NewTransport(local peers.Interface) Transport {
	return newStreamTransport("TCPTransport", n.poster, dialTCP, local, n.opts)
}

func (n *TCPNetwork) NewListener() Listener {
	return &tcpListener{network: n}
}

func dialTCP(ctx context.Context, local, remote peers.Interface) (*stream, error) {
	d := net.Dialer{}
	if host := bindHost(local); host != "" {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, err
		}
		d.LocalAddr = addr
	}
	conn, err := d.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &stream{rw: conn, local: conn.LocalAddr(), remote: conn.RemoteAddr()}, nil
}

type tcpListener struct {
	sync.Mutex
	network *TCPNetwork
	ln      net.Listener
}

func (l *tcpListener) Listen(iface peers.Interface, accept func(Transport)) error {
	l.Lock()
	defer l.Unlock()
	if l.ln != nil {
		return ErrBusy
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(iface.Addr, strconv.Itoa(int(iface.Port))))
	if err != nil {
		return err
	}
	l.ln = ln
	log.Infof("[TCPListener] Listening on %s", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Debugf("[TCPListener] Accept on %s stopped: %v", ln.Addr(), err)
				return
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			t := newAcceptedTransport("TCPTransport", l.network.poster,
				&stream{rw: conn, local: conn.LocalAddr(), remote: conn.RemoteAddr()}, l.network.opts)
			l.network.poster.Post(func() { accept(t) })
		}
	}()
	return nil
}

func (l *tcpListener) Addr() net.Addr {
	l.Lock()
	defer l.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	l.Lock()
	defer l.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}
