package mdtp

import (
	"fmt"

	"github.com/netsys-lab/multipath-transfer/eventloop"
	"github.com/netsys-lab/multipath-transfer/packets"
	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/netsys-lab/multipath-transfer/socket"
	log "github.com/sirupsen/logrus"
)

type PathState int

const (
	PathInit PathState = iota
	PathReady
	PathListen
	PathBuildSent
	PathJoinSent
	PathConnected
	PathClosed
	PathError
)

func (s PathState) String() string {
	switch s {
	case PathInit:
		return "Init"
	case PathReady:
		return "Ready"
	case PathListen:
		return "Listen"
	case PathBuildSent:
		return "BuildSent"
	case PathJoinSent:
		return "JoinSent"
	case PathConnected:
		return "Connected"
	case PathClosed:
		return "Closed"
	case PathError:
		return "Error"
	}
	return fmt.Sprintf("PathState(%d)", int(s))
}

// Terminal reports whether the path will not carry data again
func (s PathState) Terminal() bool {
	return s == PathClosed || s == PathError
}

type pathEventKind int

const (
	eventRawConnected pathEventKind = iota
	eventRawFailed
	eventInitAccepted
	eventInitFailed
	eventJoinSucceeded
	eventJoinFailed
	eventDataReceived
	eventClosed
	eventNewConnection
	eventJoinRequest
)

func (k pathEventKind) String() string {
	return [...]string{
		"RawConnected", "RawFailed", "InitAccepted", "InitFailed",
		"JoinSucceeded", "JoinFailed", "DataReceived", "Closed",
		"NewConnection", "JoinRequest",
	}[k]
}

// pathOwner is the Connection or Server a path reports to. The path does
// not own it, the owner owns the path.
type pathOwner interface {
	pathEvent(p *Path, kind pathEventKind)
}

// connRegistry answers join requests on inbound paths
type connRegistry interface {
	ValidConnectionID(id peers.ConnID) bool
}

// Path is one transport connection and its bonding state. All methods run
// on the event loop.
type Path struct {
	id        uint32
	loop      *eventloop.Loop
	transport socket.Transport
	state     PathState
	owner     pathOwner
	registry  connRegistry

	localID   peers.ID
	remoteID  peers.ID
	localKey  peers.Key
	remoteKey peers.Key
	connID    peers.ConnID
	remote    peers.Interface

	rx         []byte   // bytes not parsed yet
	queue      [][]byte // complete data frames, header intact
	maxPayload int

	metrics *packets.PathMetrics
	stats   *packets.Metrics
	bonded  bool // counted in stats as connected
	closed  bool // Closed event delivered
	err     error
	log     *log.Entry
}

func newPath(loop *eventloop.Loop, t socket.Transport, id uint32, localID peers.ID, localKey peers.Key, owner pathOwner, opts Options) *Path {
	p := &Path{
		id:         id,
		loop:       loop,
		transport:  t,
		owner:      owner,
		localID:    localID,
		localKey:   localKey,
		maxPayload: opts.MaxPayloadSize,
		metrics:    packets.NewPathMetrics(opts.ReportInterval, loop.Clock().Now()),
		stats:      opts.Metrics,
	}
	p.log = log.WithFields(log.Fields{"local": localID, "path": id})
	t.SetCallbacks(socket.Callbacks{
		OnConnected:     p.onConnected,
		OnConnectFailed: p.onConnectFailed,
		OnRecv:          p.onReadable,
		OnClosed:        func() { p.onClosed(nil) },
		OnCloseError:    p.onClosed,
	})
	return p
}

func (p *Path) ID() uint32                    { return p.id }
func (p *Path) State() PathState              { return p.state }
func (p *Path) ConnID() peers.ConnID          { return p.connID }
func (p *Path) LocalKey() peers.Key           { return p.localKey }
func (p *Path) RemoteKey() peers.Key          { return p.remoteKey }
func (p *Path) RemoteID() peers.ID            { return p.remoteID }
func (p *Path) Metrics() *packets.PathMetrics { return p.metrics }
func (p *Path) Err() error                    { return p.err }

func (p *Path) String() string {
	return fmt.Sprintf("Path{id=%d state=%s conn=%d}", p.id, p.state, p.connID)
}

// emit delivers an event to whoever owns the path when the event runs
func (p *Path) emit(kind pathEventKind) {
	p.loop.Post(func() {
		if p.owner != nil {
			p.owner.pathEvent(p, kind)
		}
	})
}

func (p *Path) setState(s PathState) {
	p.log.Debugf("[Path] %s -> %s", p.state, s)
	p.state = s
}

// Connect starts the outbound transport connection to remote
func (p *Path) Connect(remote peers.Interface) error {
	if p.state != PathInit {
		return ErrBadState
	}
	p.remote = remote
	if err := p.transport.Connect(remote); err != nil {
		p.err = err
		p.setState(PathError)
		p.emit(eventRawFailed)
		return err
	}
	return nil
}

// Listen arms an accepted transport, the first control frame decides
// what the path becomes
func (p *Path) Listen() error {
	if p.state != PathInit {
		return ErrBadState
	}
	p.setState(PathListen)
	return p.transport.Listen()
}

// InitConnection asks the remote side to allocate a new connection
func (p *Path) InitConnection() error {
	if p.state != PathReady {
		return ErrBadState
	}
	if err := p.sendControl(packets.ControlHeader{
		PathID:    p.id,
		LocalID:   p.localID,
		SenderKey: p.localKey,
	}); err != nil {
		return err
	}
	p.setState(PathBuildSent)
	return nil
}

// JoinConnection bonds the path to a connection the remote already knows
func (p *Path) JoinConnection(connID peers.ConnID, remoteKey peers.Key) error {
	if p.state != PathReady && p.state != PathListen {
		return ErrBadState
	}
	p.connID = connID
	p.remoteKey = remoteKey
	if err := p.sendControl(packets.ControlHeader{
		PathID:    p.id,
		LocalID:   p.localID,
		SenderKey: p.localKey,
		RecverKey: remoteKey,
		ConnID:    connID,
	}); err != nil {
		return err
	}
	p.setState(PathJoinSent)
	return nil
}

// Send writes one complete data frame
func (p *Path) Send(frame []byte) error {
	if p.state != PathConnected {
		return ErrPathNotConnected
	}
	if _, err := p.transport.Send(frame); err != nil {
		p.fail(err)
		return err
	}
	n := len(frame) - packets.DataHeaderSize
	p.metrics.WrittenBytes += int64(n)
	p.metrics.WrittenPackets++
	p.stats.DataWritten(n)
	return nil
}

// Recv pops the oldest frame and returns its payload, nil if none is queued
func (p *Path) Recv() []byte {
	if len(p.queue) == 0 {
		return nil
	}
	frame := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return packets.FramePayload(frame)
}

func (p *Path) peekSeqNum() (uint64, bool) {
	if len(p.queue) == 0 {
		return 0, false
	}
	return packets.FrameSeqNum(p.queue[0]), true
}

// Close tears the transport down. The path counts as closed right away,
// the owner still gets a Closed event once the transport is gone.
func (p *Path) Close() error {
	if p.state == PathClosed {
		return nil
	}
	wasError := p.state == PathError
	if p.state == PathBuildSent || p.state == PathJoinSent {
		p.stats.Bonded(false)
	}
	p.setState(PathClosed)
	if wasError {
		// transport is already on its way down
		return nil
	}
	return p.transport.Close()
}

func (p *Path) sendControl(h packets.ControlHeader) error {
	if _, err := p.transport.Send(h.Marshal()); err != nil {
		return err
	}
	p.stats.ControlWritten()
	p.log.Debugf("[Path] Sent %s", h)
	return nil
}

// fail moves the path to Error and closes its transport
func (p *Path) fail(err error) {
	if p.state.Terminal() {
		return
	}
	p.err = err
	p.setState(PathError)
	p.transport.Close()
}

func (p *Path) markBonded() {
	p.metrics.JoinedAt = p.loop.Clock().Now()
	p.bonded = true
	p.stats.Bonded(true)
}

func (p *Path) onConnected() {
	if p.state != PathInit {
		return
	}
	p.setState(PathReady)
	p.emit(eventRawConnected)
}

func (p *Path) onConnectFailed(err error) {
	if p.state != PathInit {
		return
	}
	p.err = err
	p.log.Debugf("[Path] Connect to %s failed: %v", p.remote, err)
	p.setState(PathError)
	p.emit(eventRawFailed)
}

func (p *Path) onClosed(err error) {
	if p.closed {
		return
	}
	p.closed = true
	if err != nil && p.err == nil {
		p.err = err
	}

	switch p.state {
	case PathBuildSent:
		p.stats.Bonded(false)
		p.emit(eventInitFailed)
	case PathJoinSent:
		p.stats.Bonded(false)
		p.emit(eventJoinFailed)
	case PathInit:
		// closed before the connect finished
		p.emit(eventRawFailed)
	}
	if !p.state.Terminal() {
		p.setState(PathClosed)
	}
	if p.bonded {
		p.bonded = false
		p.stats.PathDown()
	}
	p.emit(eventClosed)
}

func (p *Path) onReadable() {
	for b := p.transport.Recv(); b != nil; b = p.transport.Recv() {
		p.rx = append(p.rx, b...)
	}
	p.process()
}

// process parses as many frames as the buffer holds. The frame kind
// depends on the state, so bytes following an ack are parsed as data.
func (p *Path) process() {
	got := false
	defer func() {
		if got {
			p.emit(eventDataReceived)
		}
	}()

	for {
		switch p.state {
		case PathListen, PathBuildSent, PathJoinSent:
			if len(p.rx) < packets.ControlHeaderSize {
				return
			}
			h, err := packets.ParseControlHeader(p.rx)
			if err != nil {
				return
			}
			p.rx = p.rx[packets.ControlHeaderSize:]
			p.stats.ControlRead()
			p.log.Debugf("[Path] Received %s in %s", h, p.state)
			p.handleControl(h)

		case PathConnected:
			if len(p.rx) < packets.DataHeaderSize {
				return
			}
			h, err := packets.ParseDataHeader(p.rx)
			if err != nil {
				return
			}
			if int(h.DataLen) > p.maxPayload {
				p.log.Errorf("[Path] Frame of %d bytes exceeds limit of %d", h.DataLen, p.maxPayload)
				p.rx = nil
				p.fail(ErrFrameTooLarge)
				return
			}
			total := packets.DataHeaderSize + int(h.DataLen)
			if len(p.rx) < total {
				return
			}
			frame := make([]byte, total)
			copy(frame, p.rx[:total])
			p.rx = p.rx[total:]
			p.queue = append(p.queue, frame)
			p.metrics.ReadBytes += int64(h.DataLen)
			p.metrics.ReadPackets++
			p.stats.DataRead(int(h.DataLen))
			got = true

		default:
			if len(p.rx) > 0 {
				p.log.Warnf("[Path] Dropping %d bytes received in %s", len(p.rx), p.state)
				p.rx = nil
			}
			return
		}
	}
}

func (p *Path) handleControl(h packets.ControlHeader) {
	switch p.state {
	case PathListen:
		p.id = h.PathID
		p.remoteID = h.LocalID
		p.remoteKey = h.SenderKey
		p.log = p.log.WithField("path", p.id)

		if h.IsAllocate() {
			if h.SenderKey == 0 {
				p.reject(h, ErrConnIDMismatch)
				return
			}
			id := peers.DeriveConnID(p.localKey, h.SenderKey)
			if p.registry != nil && p.registry.ValidConnectionID(id) {
				p.reject(h, ErrConnIDInUse)
				return
			}
			p.connID = id
			p.ack(h)
			p.setState(PathConnected)
			p.markBonded()
			p.emit(eventNewConnection)
			return
		}

		if p.registry == nil || !p.registry.ValidConnectionID(h.ConnID) {
			p.reject(h, ErrUnknownConnection)
			return
		}
		p.connID = h.ConnID
		p.ack(h)
		p.setState(PathConnected)
		p.markBonded()
		p.emit(eventJoinRequest)

	case PathBuildSent:
		if h.ConnID == 0 || h.SenderKey == 0 || h.ConnID != peers.DeriveConnID(p.localKey, h.SenderKey) {
			p.log.Errorf("[Path] Invalid allocation ack %s", h)
			p.stats.Bonded(false)
			p.fail(ErrConnIDMismatch)
			p.emit(eventInitFailed)
			return
		}
		p.remoteKey = h.SenderKey
		p.remoteID = h.LocalID
		p.connID = h.ConnID
		p.setState(PathConnected)
		p.markBonded()
		p.emit(eventInitAccepted)

	case PathJoinSent:
		if h.ConnID != p.connID {
			p.log.Errorf("[Path] Join ack names connection %d, expected %d", h.ConnID, p.connID)
			p.stats.Bonded(false)
			p.fail(ErrConnIDMismatch)
			p.emit(eventJoinFailed)
			return
		}
		p.remoteID = h.LocalID
		p.setState(PathConnected)
		p.markBonded()
		p.emit(eventJoinSucceeded)
	}
}

func (p *Path) ack(req packets.ControlHeader) {
	if err := p.sendControl(packets.ControlHeader{
		PathID:    req.PathID,
		LocalID:   p.localID,
		SenderKey: p.localKey,
		RecverKey: req.SenderKey,
		ConnID:    p.connID,
	}); err != nil {
		p.log.Warnf("[Path] Sending ack failed: %v", err)
	}
}

// reject answers with connection id 0, which never matches on the
// requesting side, and gives up the path
func (p *Path) reject(req packets.ControlHeader, err error) {
	p.log.Warnf("[Path] Rejecting %s: %v", req, err)
	if serr := p.sendControl(packets.ControlHeader{
		PathID:    req.PathID,
		LocalID:   p.localID,
		SenderKey: p.localKey,
		RecverKey: req.SenderKey,
	}); serr != nil {
		p.log.Warnf("[Path] Sending reject failed: %v", serr)
	}
	p.fail(err)
}
