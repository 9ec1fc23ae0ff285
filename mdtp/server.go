package mdtp

import (
	"fmt"
	"net"
	"sort"

	"github.com/netsys-lab/multipath-transfer/eventloop"
	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/netsys-lab/multipath-transfer/socket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Server listens on every local interface and turns inbound paths into new
// connections or additional paths of existing ones
type Server struct {
	loop    *eventloop.Loop
	network socket.Network
	opts    Options

	localID   peers.ID
	ifs       peers.InterfaceList
	listeners []socket.Listener

	conns    map[peers.ConnID]*Connection
	inflight map[*Path]struct{} // accepted, not bonded yet
	onNew    func(c *Connection)
	log      *log.Entry
}

var (
	_ pathOwner    = (*Server)(nil)
	_ connRegistry = (*Server)(nil)
)

func NewServer(loop *eventloop.Loop, network socket.Network, options *Options) *Server {
	return &Server{
		loop:     loop,
		network:  network,
		opts:     mergeOptions(options),
		conns:    make(map[peers.ConnID]*Connection),
		inflight: make(map[*Path]struct{}),
		log:      log.WithField("server", "unset"),
	}
}

func (s *Server) Setup(localID peers.ID, ifs peers.InterfaceList) error {
	if len(s.listeners) > 0 {
		return ErrBadState
	}
	s.localID = localID
	s.ifs = ifs.Clone()
	s.log = log.WithField("local", localID)
	return nil
}

// Listen binds one listener per interface. If any bind fails the ones
// already bound are closed again.
func (s *Server) Listen() error {
	if len(s.ifs) == 0 {
		return ErrNoInterfaces
	}
	if len(s.listeners) > 0 {
		return ErrBadState
	}
	for _, iface := range s.ifs {
		l := s.network.NewListener()
		if err := l.Listen(iface, s.accept); err != nil {
			err = fmt.Errorf("listen on %s: %w", iface, err)
			for _, o := range s.listeners {
				err = multierr.Append(err, o.Close())
			}
			s.listeners = nil
			return err
		}
		s.listeners = append(s.listeners, l)
		s.log.Infof("[Server] Listening on %s", l.Addr())
	}
	return nil
}

// SetNewConnectionCallback installs the function called once for every
// connection a remote peer builds
func (s *Server) SetNewConnectionCallback(fn func(c *Connection)) {
	s.onNew = fn
}

func (s *Server) accept(t socket.Transport) {
	p := newPath(s.loop, t, 0, s.localID, s.GenerateKey(), s, s.opts)
	p.registry = s
	s.inflight[p] = struct{}{}
	s.log.Debugf("[Server] Accepted %s", t.RemoteAddr())
	if err := p.Listen(); err != nil {
		s.log.Warnf("[Server] Could not arm inbound path: %v", err)
		delete(s.inflight, p)
		p.Close()
	}
}

func (s *Server) pathEvent(p *Path, kind pathEventKind) {
	switch kind {
	case eventNewConnection:
		delete(s.inflight, p)
		s.NewConnectionBuilt(p)
	case eventJoinRequest:
		delete(s.inflight, p)
		s.NewPathJoinConnection(p)
	case eventClosed:
		delete(s.inflight, p)
	}
}

// ValidConnectionID reports whether id names a registered connection
func (s *Server) ValidConnectionID(id peers.ConnID) bool {
	_, ok := s.conns[id]
	return ok
}

// NewConnectionBuilt registers a connection for a path that completed the
// allocation handshake and hands it to the application
func (s *Server) NewConnectionBuilt(p *Path) (*Connection, error) {
	if s.ValidConnectionID(p.connID) {
		s.log.Errorf("[Server] Connection %d already exists, dropping path", p.connID)
		p.Close()
		return nil, ErrConnIDInUse
	}
	c := newAcceptedConnection(s.loop, s.localID, p, s.opts)
	c.onClosedHook = s.remove
	s.conns[c.connID] = c
	s.log.Infof("[Server] New connection %d from %s", c.connID, c.remoteID)
	if s.onNew != nil {
		s.onNew(c)
	}
	// data may have arrived before the application took over
	if len(p.queue) > 0 {
		c.PathRecvedData(p)
	}
	return c, nil
}

// NewPathJoinConnection adds a path that completed the join handshake to
// its connection
func (s *Server) NewPathJoinConnection(p *Path) error {
	c, ok := s.conns[p.connID]
	if !ok {
		s.log.Warnf("[Server] Join for unknown connection %d", p.connID)
		p.Close()
		return ErrUnknownConnection
	}
	c.attachPath(p)
	return nil
}

func (s *Server) remove(c *Connection) {
	if s.conns[c.connID] == c {
		delete(s.conns, c.connID)
	}
}

// GenerateKey draws a non-zero key not held by any inbound path that is
// still bonding
func (s *Server) GenerateKey() peers.Key {
	return peers.NewKey(s.opts.Keys, func(k peers.Key) bool {
		for p := range s.inflight {
			if p.localKey == k {
				return true
			}
		}
		return false
	})
}

func (s *Server) Connection(id peers.ConnID) *Connection {
	return s.conns[id]
}

// Connections returns the registered connections ordered by id
func (s *Server) Connections() []*Connection {
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].connID < out[j].connID })
	return out
}

// Addrs returns the bound listener addresses, useful after binding port 0
func (s *Server) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Addr())
	}
	return out
}

func (s *Server) LocalID() peers.ID {
	return s.localID
}

// Close stops listening and closes every connection and pending path
func (s *Server) Close() error {
	var err error
	for _, l := range s.listeners {
		err = multierr.Append(err, l.Close())
	}
	s.listeners = nil
	for _, c := range s.Connections() {
		err = multierr.Append(err, c.Close())
	}
	for p := range s.inflight {
		err = multierr.Append(err, p.Close())
	}
	return err
}
