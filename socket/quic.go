package socket

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const quicALPN = "mdtp"

// QUICNetwork carries every path over its own QUIC connection with a
// single bidirectional stream
type QUICNetwork struct {
	poster    Poster
	opts      NetworkOptions
	serverTLS *tls.Config
	clientTLS *tls.Config
	config    *quic.Config
}

var _ Network = (*QUICNetwork)(nil)

func NewQUICNetwork(poster Poster, options *NetworkOptions) (*QUICNetwork, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &QUICNetwork{
		poster: poster,
		opts:   networkOptions(options),
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
			MinVersion:   tls.VersionTLS13,
		},
		// Paths are not authenticated, the certificate only satisfies QUIC
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
			MinVersion:         tls.VersionTLS13,
		},
		config: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 3 * time.Second,
		},
	}, nil
}

func (n *QUICNetwork) NewTransport(local peers.Interface) Transport {
	return newStreamTransport("QUICTransport", n.poster, n.dial, local, n.opts)
}

func (n *QUICNetwork) NewListener() Listener {
	return &quicListener{network: n}
}

func (n *QUICNetwork) dial(ctx context.Context, local, remote peers.Interface) (*stream, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote.String())
	if err != nil {
		return nil, err
	}

	laddr := &net.UDPAddr{}
	if host := bindHost(local); host != "" {
		laddr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, err
		}
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udpConn}

	conn, err := tr.Dial(ctx, raddr, n.clientTLS, n.config)
	if err != nil {
		tr.Close()
		return nil, err
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		tr.Close()
		return nil, err
	}
	return &stream{
		rw:     newQUICStream(str, conn, tr, n.opts.CloseLinger),
		local:  conn.LocalAddr(),
		remote: conn.RemoteAddr(),
	}, nil
}

type quicCloser interface {
	CloseWithError(quic.ApplicationErrorCode, string) error
}

// quicStream closes the whole QUIC connection together with its stream.
// Closing only ends our sending direction, the connection is kept until
// the peer finished too or the linger time ran out.
type quicStream struct {
	str      io.ReadWriteCloser
	conn     quicCloser
	tr       io.Closer
	linger   time.Duration
	readDone chan struct{}
	once     sync.Once
}

func newQUICStream(str io.ReadWriteCloser, conn quicCloser, tr io.Closer, linger time.Duration) *quicStream {
	return &quicStream{
		str:      str,
		conn:     conn,
		tr:       tr,
		linger:   linger,
		readDone: make(chan struct{}),
	}
}

func (s *quicStream) Read(b []byte) (int, error) {
	n, err := s.str.Read(b)
	if err != nil {
		s.once.Do(func() { close(s.readDone) })
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
			err = io.EOF
		}
	}
	return n, err
}

func (s *quicStream) Write(b []byte) (int, error) {
	return s.str.Write(b)
}

func (s *quicStream) Close() error {
	err := s.str.Close()
	select {
	case <-s.readDone:
	case <-time.After(s.linger):
	}
	err = multierr.Append(err, s.conn.CloseWithError(0, ""))
	if s.tr != nil {
		err = multierr.Append(err, s.tr.Close())
	}
	return err
}

type quicListener struct {
	sync.Mutex
	network *QUICNetwork
	ln      *quic.Listener
}

func (l *quicListener) Listen(iface peers.Interface, accept func(Transport)) error {
	l.Lock()
	defer l.Unlock()
	if l.ln != nil {
		return ErrBusy
	}
	ln, err := quic.ListenAddr(net.JoinHostPort(iface.Addr, strconv.Itoa(int(iface.Port))), l.network.serverTLS, l.network.config)
	if err != nil {
		return err
	}
	l.ln = ln
	log.Infof("[QUICListener] Listening on %s", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				log.Debugf("[QUICListener] Accept on %s stopped: %v", ln.Addr(), err)
				return
			}
			go func() {
				// the dialer's stream shows up with its first bytes
				str, err := conn.AcceptStream(context.Background())
				if err != nil {
					log.Debugf("[QUICListener] No stream from %s: %v", conn.RemoteAddr(), err)
					conn.CloseWithError(0, "")
					return
				}
				t := newAcceptedTransport("QUICTransport", l.network.poster, &stream{
					rw:     newQUICStream(str, conn, nil, l.network.opts.CloseLinger),
					local:  conn.LocalAddr(),
					remote: conn.RemoteAddr(),
				}, l.network.opts)
				l.network.poster.Post(func() { accept(t) })
			}()
		}
	}()
	return nil
}

func (l *quicListener) Addr() net.Addr {
	l.Lock()
	defer l.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	l.Lock()
	defer l.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}

// selfSignedCert creates a throwaway certificate, QUIC does not work
// without one
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
