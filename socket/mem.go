package socket

import (
	"net"
	"sync"

	"github.com/netsys-lab/multipath-transfer/peers"
	log "github.com/sirupsen/logrus"
)

// MemNetwork connects transports inside one process. Everything happens
// on the poster, there are no goroutines, so runs are deterministic.
type MemNetwork struct {
	sync.Mutex
	poster    Poster
	listeners map[string]*memListener
	refused   map[string]bool
	held      map[string]bool
	heldq     map[string][]heldFrame
	nextPort  uint16
}

type heldFrame struct {
	to *memTransport
	b  []byte
}

var _ Network = (*MemNetwork)(nil)

func NewMemNetwork(poster Poster) *MemNetwork {
	return &MemNetwork{
		poster:    poster,
		listeners: make(map[string]*memListener),
		refused:   make(map[string]bool),
		held:      make(map[string]bool),
		heldq:     make(map[string][]heldFrame),
		nextPort:  40000,
	}
}

// Refuse makes connects to iface fail, even if something listens there
func (n *MemNetwork) Refuse(iface peers.Interface) {
	n.Lock()
	defer n.Unlock()
	n.refused[iface.String()] = true
}

// HoldInbound stops delivery of bytes on connections to iface until
// ReleaseInbound is called. Both directions are held.
func (n *MemNetwork) HoldInbound(iface peers.Interface) {
	n.Lock()
	defer n.Unlock()
	n.held[iface.String()] = true
}

func (n *MemNetwork) ReleaseInbound(iface peers.Interface) {
	n.Lock()
	key := iface.String()
	delete(n.held, key)
	q := n.heldq[key]
	delete(n.heldq, key)
	n.Unlock()

	for _, f := range q {
		f := f
		n.poster.Post(func() { f.to.receive(f.b) })
	}
}

func (n *MemNetwork) NewTransport(local peers.Interface) Transport {
	return &memTransport{network: n, local: memAddr(local.String())}
}

func (n *MemNetwork) NewListener() Listener {
	return &memListener{network: n}
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memListener struct {
	network *MemNetwork
	iface   peers.Interface
	accept  func(Transport)
	open    bool
}

func (l *memListener) Listen(iface peers.Interface, accept func(Transport)) error {
	n := l.network
	n.Lock()
	defer n.Unlock()
	if l.open {
		return ErrBusy
	}
	if iface.Port == 0 {
		n.nextPort++
		iface.Port = n.nextPort
	}
	key := iface.String()
	if _, ok := n.listeners[key]; ok {
		return &net.OpError{Op: "listen", Net: "mem", Addr: memAddr(key), Err: errAddrInUse}
	}
	l.iface = iface
	l.accept = accept
	l.open = true
	n.listeners[key] = l
	log.Debugf("[MemListener] Listening on %s", key)
	return nil
}

var errAddrInUse = &net.AddrError{Err: "address already in use"}

func (l *memListener) Addr() net.Addr {
	l.network.Lock()
	defer l.network.Unlock()
	if !l.open {
		return nil
	}
	return memAddr(l.iface.String())
}

func (l *memListener) Close() error {
	n := l.network
	n.Lock()
	defer n.Unlock()
	if !l.open {
		return nil
	}
	l.open = false
	delete(n.listeners, l.iface.String())
	return nil
}

type memTransport struct {
	network *MemNetwork
	cb      Callbacks
	state   streamState
	local   net.Addr
	remote  net.Addr
	key     string // listener interface, used for holding
	peer    *memTransport
	rx      []byte
	armed   bool
}

var _ Transport = (*memTransport)(nil)

func (t *memTransport) SetCallbacks(cb Callbacks) {
	t.cb = cb
}

func (t *memTransport) Connect(remote peers.Interface) error {
	if t.state != streamIdle {
		return ErrBusy
	}
	t.state = streamConnecting
	n := t.network
	n.poster.Post(func() {
		if t.state != streamConnecting {
			return
		}
		key := remote.String()
		n.Lock()
		l, ok := n.listeners[key]
		refused := n.refused[key]
		n.Unlock()
		if !ok || refused {
			t.state = streamClosed
			if t.cb.OnConnectFailed != nil {
				t.cb.OnConnectFailed(ErrRefused)
			}
			return
		}

		s := &memTransport{
			network: n,
			state:   streamOpen,
			local:   memAddr(key),
			remote:  t.local,
			key:     key,
			peer:    t,
		}
		t.peer = s
		t.key = key
		t.remote = memAddr(key)
		t.state = streamOpen
		t.armed = true

		l.accept(s)
		if t.cb.OnConnected != nil {
			t.cb.OnConnected()
		}
	})
	return nil
}

func (t *memTransport) Listen() error {
	if t.state != streamOpen {
		return ErrNotOpen
	}
	t.armed = true
	if len(t.rx) > 0 {
		t.network.poster.Post(t.notifyRecv)
	}
	return nil
}

func (t *memTransport) notifyRecv() {
	if t.state == streamOpen && len(t.rx) > 0 && t.cb.OnRecv != nil {
		t.cb.OnRecv()
	}
}

func (t *memTransport) Send(b []byte) (int, error) {
	if t.state != streamOpen {
		return 0, ErrNotOpen
	}
	if len(b) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	peer := t.peer
	n := t.network

	n.Lock()
	if n.held[t.key] {
		n.heldq[t.key] = append(n.heldq[t.key], heldFrame{to: peer, b: buf})
		n.Unlock()
		return len(b), nil
	}
	n.Unlock()

	n.poster.Post(func() { peer.receive(buf) })
	return len(b), nil
}

func (t *memTransport) receive(b []byte) {
	if t.state != streamOpen {
		return
	}
	t.rx = append(t.rx, b...)
	if t.armed && t.cb.OnRecv != nil {
		t.cb.OnRecv()
	}
}

func (t *memTransport) Recv() []byte {
	if len(t.rx) == 0 {
		return nil
	}
	b := t.rx
	t.rx = nil
	return b
}

func (t *memTransport) Close() error {
	if t.state == streamClosed {
		return nil
	}
	t.state = streamClosed
	n := t.network
	n.poster.Post(func() {
		if t.cb.OnClosed != nil {
			t.cb.OnClosed()
		}
	})
	if peer := t.peer; peer != nil {
		n.poster.Post(func() {
			if peer.state == streamClosed {
				return
			}
			peer.state = streamClosed
			if peer.cb.OnClosed != nil {
				peer.cb.OnClosed()
			}
		})
	}
	return nil
}

func (t *memTransport) LocalAddr() net.Addr {
	return t.local
}

func (t *memTransport) RemoteAddr() net.Addr {
	return t.remote
}
