package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/netsys-lab/multipath-transfer/peers"
	log "github.com/sirupsen/logrus"
)

const readBufferSize = 32 * 1024

type streamState int

const (
	streamIdle streamState = iota
	streamConnecting
	streamOpen
	streamClosing
	streamClosed
)

// stream is an established byte stream plus its addresses
type stream struct {
	rw     io.ReadWriteCloser
	local  net.Addr
	remote net.Addr
}

type dialFunc func(ctx context.Context, local, remote peers.Interface) (*stream, error)

// streamTransport implements Transport on top of any io.ReadWriteCloser.
// One goroutine reads, one writes, both only buffer and post callbacks.
type streamTransport struct {
	mu sync.Mutex

	name   string
	poster Poster
	dial   dialFunc
	opts   NetworkOptions
	local  peers.Interface

	cb      Callbacks
	state   streamState
	s       *stream
	rx      []byte
	armed   bool
	pending [][]byte
	signal  chan struct{}
	done    chan struct{}
}

var _ Transport = (*streamTransport)(nil)

func newStreamTransport(name string, poster Poster, dial dialFunc, local peers.Interface, opts NetworkOptions) *streamTransport {
	return &streamTransport{
		name:   name,
		poster: poster,
		dial:   dial,
		local:  local,
		opts:   opts,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// newAcceptedTransport wraps an inbound stream. Reads start right away
// but nothing is reported before Listen.
func newAcceptedTransport(name string, poster Poster, s *stream, opts NetworkOptions) *streamTransport {
	t := newStreamTransport(name, poster, nil, peers.Interface{}, opts)
	t.state = streamOpen
	t.s = s
	t.start()
	return t
}

func (t *streamTransport) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

func (t *streamTransport) post(fn func(cb Callbacks)) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	t.poster.Post(func() { fn(cb) })
}

func (t *streamTransport) Connect(remote peers.Interface) error {
	t.mu.Lock()
	if t.state != streamIdle || t.dial == nil {
		t.mu.Unlock()
		return ErrBusy
	}
	t.state = streamConnecting
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
		defer cancel()
		s, err := t.dial(ctx, t.local, remote)

		t.mu.Lock()
		if t.state != streamConnecting {
			// closed while dialing
			t.state = streamClosed
			t.mu.Unlock()
			if s != nil {
				s.rw.Close()
			}
			t.post(func(cb Callbacks) {
				if cb.OnClosed != nil {
					cb.OnClosed()
				}
			})
			return
		}
		if err != nil {
			t.state = streamClosed
			t.mu.Unlock()
			log.Debugf("[%s] Connect to %s failed: %v", t.name, remote, err)
			t.post(func(cb Callbacks) {
				if cb.OnConnectFailed != nil {
					cb.OnConnectFailed(err)
				}
			})
			return
		}
		t.s = s
		t.state = streamOpen
		t.armed = true
		t.mu.Unlock()

		log.Debugf("[%s] Connected %s -> %s", t.name, s.local, s.remote)
		t.start()
		t.post(func(cb Callbacks) {
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		})
	}()
	return nil
}

func (t *streamTransport) Listen() error {
	t.mu.Lock()
	if t.state != streamOpen {
		t.mu.Unlock()
		return ErrNotOpen
	}
	t.armed = true
	buffered := len(t.rx) > 0
	t.mu.Unlock()

	if buffered {
		t.postRecv()
	}
	return nil
}

func (t *streamTransport) postRecv() {
	t.post(func(cb Callbacks) {
		if cb.OnRecv != nil {
			cb.OnRecv()
		}
	})
}

func (t *streamTransport) Send(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != streamOpen {
		return 0, ErrNotOpen
	}
	if len(b) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	t.pending = append(t.pending, buf)
	select {
	case t.signal <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (t *streamTransport) Recv() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rx) == 0 {
		return nil
	}
	b := t.rx
	t.rx = nil
	return b
}

// Close flushes queued writes before the stream is closed
func (t *streamTransport) Close() error {
	t.mu.Lock()
	switch t.state {
	case streamIdle:
		t.state = streamClosed
		t.mu.Unlock()
		t.post(func(cb Callbacks) {
			if cb.OnClosed != nil {
				cb.OnClosed()
			}
		})
		return nil
	case streamConnecting:
		t.state = streamClosing
		t.mu.Unlock()
		return nil
	case streamOpen:
		t.state = streamClosing
		select {
		case t.signal <- struct{}{}:
		default:
		}
		t.mu.Unlock()
		return nil
	default:
		t.mu.Unlock()
		return nil
	}
}

func (t *streamTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s == nil {
		return nil
	}
	return t.s.local
}

func (t *streamTransport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s == nil {
		return nil
	}
	return t.s.remote
}

func (t *streamTransport) start() {
	go t.readLoop()
	go t.writeLoop()
}

func (t *streamTransport) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.s.rw.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.rx = append(t.rx, buf[:n]...)
			armed := t.armed
			t.mu.Unlock()
			if armed {
				t.postRecv()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			t.finish(err)
			return
		}
	}
}

func (t *streamTransport) writeLoop() {
	for {
		select {
		case <-t.signal:
		case <-t.done:
			return
		}

		t.mu.Lock()
		batch := t.pending
		t.pending = nil
		closing := t.state == streamClosing
		t.mu.Unlock()

		for _, b := range batch {
			if _, err := t.s.rw.Write(b); err != nil {
				log.Debugf("[%s] Write failed: %v", t.name, err)
				t.finish(err)
				return
			}
		}

		if closing {
			t.mu.Lock()
			more := len(t.pending) > 0
			t.mu.Unlock()
			if !more {
				t.finish(nil)
				return
			}
		}
	}
}

// finish closes the stream once and reports the outcome. A nil err is a
// normal close.
func (t *streamTransport) finish(err error) {
	t.mu.Lock()
	if t.state == streamClosed {
		t.mu.Unlock()
		return
	}
	wasClosing := t.state == streamClosing
	t.state = streamClosed
	t.pending = nil
	close(t.done)
	t.mu.Unlock()

	if cerr := t.s.rw.Close(); cerr != nil {
		log.Debugf("[%s] Close: %v", t.name, cerr)
	}
	if wasClosing {
		err = nil
	}

	t.post(func(cb Callbacks) {
		if err != nil {
			if cb.OnCloseError != nil {
				cb.OnCloseError(err)
			}
			return
		}
		if cb.OnClosed != nil {
			cb.OnClosed()
		}
	})
}
