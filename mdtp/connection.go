package mdtp

import (
	"fmt"

	"github.com/netsys-lab/multipath-transfer/eventloop"
	"github.com/netsys-lab/multipath-transfer/packets"
	lookup "github.com/netsys-lab/multipath-transfer/pathlookup"
	"github.com/netsys-lab/multipath-transfer/pathselection"
	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/netsys-lab/multipath-transfer/socket"
	log "github.com/sirupsen/logrus"
)

type ConnState int

const (
	ConnInit ConnState = iota
	ConnConnecting
	ConnConnected
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnInit:
		return "Init"
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	case ConnClosing:
		return "Closing"
	case ConnClosed:
		return "Closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// ConnectionCallbacks are invoked on the event loop. Each of the first
// four fires at most once per connection attempt, except OnRecv which fires
// whenever new data was reassembled. Recv should be drained in a loop.
type ConnectionCallbacks struct {
	OnConnected     func(c *Connection)
	OnConnectFailed func(c *Connection)
	OnRecv          func(c *Connection)
	OnClosed        func(c *Connection)
	OnSendReport    func(r packets.SendReport)
	OnRecvReport    func(r packets.RecvReport)
}

// BondingStatus describes how many of the attempted paths made it into
// the connection
type BondingStatus struct {
	Attempted  int
	RawFailed  int
	Joined     int
	JoinFailed int
	Bonded     int
	Complete   bool
}

// Degraded reports whether fewer paths bonded than were attempted
func (b BondingStatus) Degraded() bool {
	return b.Complete && b.Bonded < b.Attempted
}

// Connection bonds several paths to one ordered byte stream. It is created
// either by the application (NewConnection, Setup, Connect) or by a Server
// for the first path of an inbound connection.
type Connection struct {
	loop     *eventloop.Loop
	network  socket.Network
	resolver lookup.Resolver
	opts     Options

	localID   peers.ID
	remoteID  peers.ID
	ifs       peers.InterfaceList
	localKey  peers.Key
	remoteKey peers.Key
	connID    peers.ConnID
	state     ConnState

	paths []*Path // bonded, in bonding order
	all   []*Path // every path the connection owns

	pathNum        int
	rawReady       []*Path
	rawFailed      int
	leader         *Path
	buildScheduled bool
	joinExpected   int
	joined         []*Path
	joinFailed     []*Path
	bondingDone    bool

	sendSeq       uint64
	recvSeq       uint64
	txBuf         [][]byte
	rxBuf         [][]byte
	rr            pathselection.RoundRobin
	sendScheduled bool
	txBytes       uint64
	rxBytes       uint64

	closeTimer  *eventloop.Timer
	reportTimer *eventloop.Timer

	cb           ConnectionCallbacks
	connectFired bool
	failedFired  bool
	closedFired  bool
	err          error

	// set by the server to drop the connection from its registry
	onClosedHook func(c *Connection)

	log *log.Entry
}

var _ pathOwner = (*Connection)(nil)

func NewConnection(loop *eventloop.Loop, network socket.Network, resolver lookup.Resolver, options *Options) *Connection {
	c := &Connection{
		loop:     loop,
		network:  network,
		resolver: resolver,
		opts:     mergeOptions(options),
	}
	c.log = log.WithField("conn", "new")
	return c
}

// newAcceptedConnection builds the server side of a connection from the
// path that completed the allocation handshake
func newAcceptedConnection(loop *eventloop.Loop, localID peers.ID, p *Path, opts Options) *Connection {
	c := &Connection{
		loop:        loop,
		opts:        opts,
		localID:     localID,
		remoteID:    p.remoteID,
		localKey:    p.localKey,
		remoteKey:   p.remoteKey,
		connID:      p.connID,
		state:       ConnConnected,
		paths:       []*Path{p},
		all:         []*Path{p},
		pathNum:     1,
		bondingDone: true,
		sendSeq:     uint64(p.connID),
		recvSeq:     uint64(p.connID),
	}
	c.log = log.WithFields(log.Fields{"conn": c.connID, "local": localID, "remote": c.remoteID})
	p.owner = c
	c.opts.Metrics.ConnectionOpened()
	c.startReports()
	return c
}

func (c *Connection) SetCallbacks(cb ConnectionCallbacks) {
	c.cb = cb
}

// Setup sets identity and local interfaces. A closed connection can be set
// up again, it then gets a new key and with it a new sequence space.
func (c *Connection) Setup(localID peers.ID, ifs peers.InterfaceList) error {
	if c.state != ConnInit && c.state != ConnClosed {
		return ErrBadState
	}
	if c.network == nil || c.resolver == nil {
		return fmt.Errorf("%w: connection has no network or resolver", ErrBadState)
	}
	c.reset()
	c.localID = localID
	c.ifs = ifs.Clone()
	c.localKey = peers.NewKey(c.opts.Keys, nil)
	c.log = log.WithFields(log.Fields{"local": localID, "key": c.localKey})
	return nil
}

func (c *Connection) reset() {
	c.stopTimers()
	*c = Connection{
		loop:     c.loop,
		network:  c.network,
		resolver: c.resolver,
		opts:     c.opts,
		cb:       c.cb,
		log:      c.log,
	}
}

// Connect resolves remoteID and starts one path per interface
func (c *Connection) Connect(remoteID peers.ID) error {
	if c.state != ConnInit || c.localKey == 0 {
		return ErrBadState
	}
	c.remoteID = remoteID
	c.state = ConnConnecting
	c.log = c.log.WithField("remote", remoteID)
	c.log.Infof("[Connection] Connecting to %s", remoteID)
	c.resolver.Resolve(remoteID, c.onResolved)
	return nil
}

func (c *Connection) onResolved(id peers.ID, ifs peers.InterfaceList) {
	if c.state != ConnConnecting || id != c.remoteID {
		return
	}
	if len(ifs) == 0 {
		c.log.Warnf("[Connection] %s resolved to no interfaces", id)
		c.failConnect(ErrNoInterfaces)
		return
	}

	c.pathNum = len(ifs)
	c.log.Debugf("[Connection] %s resolved to %s", id, ifs)
	for i, iface := range ifs {
		var local peers.Interface
		if len(c.ifs) > 0 {
			local = c.ifs[i%len(c.ifs)]
		}
		p := newPath(c.loop, c.network.NewTransport(local), uint32(i+1), c.localID, c.localKey, c, c.opts)
		c.all = append(c.all, p)
		// failures come back as events
		p.Connect(iface)
	}
}

func (c *Connection) owns(p *Path) bool {
	for _, q := range c.all {
		if q == p {
			return true
		}
	}
	return false
}

func (c *Connection) pathEvent(p *Path, kind pathEventKind) {
	// paths of an earlier incarnation still report here after Setup
	if !c.owns(p) {
		return
	}
	c.log.Tracef("[Connection] %s from %s", kind, p)
	switch kind {
	case eventRawConnected:
		c.rawReady = append(c.rawReady, p)
		c.checkRawOutcomes()
	case eventRawFailed:
		c.rawFailed++
		c.checkRawOutcomes()
	case eventInitAccepted:
		c.onInitAccepted(p)
	case eventInitFailed:
		c.onInitFailed(p)
	case eventJoinSucceeded:
		c.onJoinOutcome(p, true)
	case eventJoinFailed:
		c.onJoinOutcome(p, false)
	case eventDataReceived:
		c.PathRecvedData(p)
	case eventClosed:
		c.onPathClosed(p)
	}
}

// checkRawOutcomes schedules bonding once every attempted path reported
func (c *Connection) checkRawOutcomes() {
	if c.state != ConnConnecting || c.leader != nil || c.buildScheduled {
		return
	}
	if len(c.rawReady)+c.rawFailed < c.pathNum {
		return
	}
	c.buildScheduled = true
	c.loop.Post(c.BuildConnection)
}

// BuildConnection lets one raw path negotiate the connection identity
func (c *Connection) BuildConnection() {
	c.buildScheduled = false
	if c.state != ConnConnecting || c.leader != nil {
		return
	}
	for len(c.rawReady) > 0 {
		p := c.rawReady[0]
		c.rawReady = c.rawReady[1:]
		if p.State() != PathReady {
			continue
		}
		if err := p.InitConnection(); err != nil {
			c.log.Warnf("[Connection] Init on %s failed: %v", p, err)
			p.Close()
			continue
		}
		c.leader = p
		return
	}
	c.log.Warnf("[Connection] No raw path available, %d of %d failed", c.rawFailed, c.pathNum)
	c.failConnect(ErrNoReadyPath)
}

func (c *Connection) onInitAccepted(p *Path) {
	if p != c.leader {
		return
	}
	if c.state != ConnConnecting {
		p.Close()
		return
	}
	c.connID = p.connID
	c.remoteKey = p.remoteKey
	c.sendSeq = uint64(c.connID)
	c.recvSeq = uint64(c.connID)
	c.paths = append(c.paths, p)
	c.state = ConnConnected
	c.log = log.WithFields(log.Fields{"conn": c.connID, "local": c.localID, "remote": c.remoteID})
	c.log.Infof("[Connection] Connected via path %d", p.id)
	c.opts.Metrics.ConnectionOpened()
	c.startReports()

	if !c.connectFired {
		c.connectFired = true
		if c.cb.OnConnected != nil {
			c.cb.OnConnected(c)
		}
	}
	c.loop.Post(c.ConnectOtherPath)
}

func (c *Connection) onInitFailed(p *Path) {
	if p != c.leader {
		return
	}
	c.log.Warnf("[Connection] Leading path %d failed: %v", p.id, p.err)
	c.leader = nil
	if c.state != ConnConnecting {
		return
	}
	c.buildScheduled = true
	c.loop.Post(c.BuildConnection)
}

// ConnectOtherPath joins every remaining raw path to the connection
func (c *Connection) ConnectOtherPath() {
	if c.state != ConnConnected {
		return
	}
	ready := c.rawReady
	c.rawReady = nil
	for _, p := range ready {
		if p.State() != PathReady {
			continue
		}
		if err := p.JoinConnection(c.connID, c.remoteKey); err != nil {
			c.log.Warnf("[Connection] Join on %s failed: %v", p, err)
			p.Close()
			continue
		}
		c.joinExpected++
	}
	c.checkBonding()
}

func (c *Connection) onJoinOutcome(p *Path, ok bool) {
	if ok {
		c.joined = append(c.joined, p)
		if c.state == ConnConnected || c.state == ConnClosing {
			c.paths = append(c.paths, p)
			c.log.Debugf("[Connection] Path %d joined", p.id)
			c.scheduleSend()
		} else {
			p.Close()
		}
	} else {
		c.joinFailed = append(c.joinFailed, p)
		c.log.Warnf("[Connection] Path %d failed to join: %v", p.id, p.err)
	}
	c.checkBonding()
}

func (c *Connection) checkBonding() {
	if c.bondingDone || len(c.joined)+len(c.joinFailed) < c.joinExpected {
		return
	}
	c.bondingDone = true
	b := c.Bonding()
	if b.Degraded() {
		c.log.Warnf("[Connection] Bonded %d of %d paths", b.Bonded, b.Attempted)
		return
	}
	c.log.Infof("[Connection] Bonded all %d paths", b.Bonded)
}

// attachPath adds an inbound path that completed the join handshake
func (c *Connection) attachPath(p *Path) {
	p.owner = c
	c.all = append(c.all, p)
	if c.state != ConnConnected && c.state != ConnClosing {
		p.Close()
		return
	}
	c.pathNum++
	c.joined = append(c.joined, p)
	c.paths = append(c.paths, p)
	c.log.Debugf("[Connection] Path %d attached", p.id)
	c.scheduleSend()
	// frames may have arrived while the server owned the path
	if len(p.queue) > 0 {
		c.PathRecvedData(p)
	}
}

func (c *Connection) failConnect(err error) {
	c.err = err
	c.stopTimers()
	for _, p := range c.all {
		p.Close()
	}
	c.state = ConnClosed
	c.log.Warnf("[Connection] Connect failed: %v", err)
	if !c.failedFired {
		c.failedFired = true
		if c.cb.OnConnectFailed != nil {
			c.cb.OnConnectFailed(c)
		}
	}
}

// Send frames payload and queues it. The sequence counter advances
// immediately, transmission happens in SendData.
func (c *Connection) Send(payload []byte) (int, error) {
	switch c.state {
	case ConnConnected:
	case ConnClosing, ConnClosed:
		return 0, ErrConnectionClosed
	default:
		return 0, ErrBadState
	}
	if len(payload) == 0 {
		return 0, nil
	}
	if len(payload) > c.opts.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}

	frame := packets.NewDataFrame(packets.DataHeader{
		SenderID:   c.localID,
		DataSeqNum: c.sendSeq,
	}, payload)
	c.sendSeq += uint64(len(payload))
	c.txBuf = append(c.txBuf, frame)
	c.scheduleSend()
	return len(payload), nil
}

func (c *Connection) scheduleSend() {
	if c.sendScheduled || len(c.txBuf) == 0 {
		return
	}
	c.sendScheduled = true
	c.loop.Post(func() { c.SendData() })
}

func (c *Connection) usable(i int) bool {
	return c.paths[i].State() == PathConnected
}

// SendData writes up to one batch of the backlog to the next usable path
// and reschedules itself while frames are left. With no usable path the
// backlog is kept until a path bonds.
func (c *Connection) SendData() error {
	c.sendScheduled = false
	if c.state != ConnConnected && c.state != ConnClosing {
		return ErrBadState
	}
	if len(c.txBuf) == 0 {
		return nil
	}

	idx, err := c.rr.Next(len(c.paths), c.usable)
	if err != nil {
		c.log.Debugf("[Connection] %d frames waiting: %v", len(c.txBuf), err)
		return err
	}
	p := c.paths[idx]

	for n := 0; n < c.opts.BatchSize && len(c.txBuf) > 0; n++ {
		frame := c.txBuf[0]
		if err := p.Send(frame); err != nil {
			c.log.Debugf("[Connection] Send on path %d failed: %v", p.id, err)
			c.scheduleSend()
			return err
		}
		c.txBytes += uint64(len(frame) - packets.DataHeaderSize)
		c.txBuf[0] = nil
		c.txBuf = c.txBuf[1:]
	}
	c.scheduleSend()
	return nil
}

// PathRecvedData moves frames into the receive queue as long as the frame
// at the head of some path carries the next expected sequence number.
// The receive callback fires once if the queue holds data afterwards.
func (c *Connection) PathRecvedData(p *Path) {
	if c.state == ConnClosed {
		return
	}
	for progress := true; progress; {
		progress = false
		for _, q := range c.paths {
			for {
				seq, ok := q.peekSeqNum()
				if !ok {
					break
				}
				if d := int64(seq - c.recvSeq); d < 0 {
					c.log.Warnf("[Connection] Dropping stale frame %d on path %d, expected %d", seq, q.id, c.recvSeq)
					q.Recv()
					continue
				} else if d > 0 {
					break
				}
				payload := q.Recv()
				c.rxBuf = append(c.rxBuf, payload)
				c.recvSeq += uint64(len(payload))
				c.rxBytes += uint64(len(payload))
				progress = true
			}
		}
	}

	if len(c.rxBuf) > 0 && c.cb.OnRecv != nil {
		c.cb.OnRecv(c)
	}
}

// Recv returns the next reassembled payload or nil
func (c *Connection) Recv() []byte {
	if len(c.rxBuf) == 0 {
		return nil
	}
	b := c.rxBuf[0]
	c.rxBuf[0] = nil
	c.rxBuf = c.rxBuf[1:]
	return b
}

// Close waits until the application consumed all received data, then
// closes every path. Calling it again has no effect.
func (c *Connection) Close() error {
	switch c.state {
	case ConnClosed, ConnClosing:
		return nil
	case ConnInit:
		c.state = ConnClosed
		c.fireClosed()
		return nil
	case ConnConnecting:
		c.failConnect(ErrConnectionClosed)
		return nil
	}
	c.state = ConnClosing
	c.log.Debug("[Connection] Closing")
	c.tryClose()
	return nil
}

func (c *Connection) tryClose() {
	c.closeTimer = nil
	if c.state != ConnClosing {
		return
	}

	flushed := len(c.txBuf) == 0 || !c.hasUsablePath()
	if len(c.rxBuf) == 0 && flushed {
		c.abandonJoins()
		for _, p := range c.all {
			p.Close()
		}
	}

	for _, p := range c.all {
		if !p.State().Terminal() {
			c.closeTimer = c.loop.After(c.opts.CloseRetryInterval, c.tryClose)
			return
		}
	}
	c.finishClose()
}

// abandonJoins counts joins still waiting for their ack as failed, their
// paths are about to be closed and will not report an outcome
func (c *Connection) abandonJoins() {
	for _, p := range c.all {
		if p.State() == PathJoinSent {
			c.log.Debugf("[Connection] Abandoning join on path %d", p.id)
			c.joinFailed = append(c.joinFailed, p)
		}
	}
	c.checkBonding()
}

func (c *Connection) hasUsablePath() bool {
	for _, p := range c.paths {
		if p.State() == PathConnected {
			return true
		}
	}
	return false
}

func (c *Connection) finishClose() {
	c.stopTimers()
	c.state = ConnClosed
	c.log.Infof("[Connection] Closed, sent %d bytes, received %d bytes", c.txBytes, c.rxBytes)
	c.opts.Metrics.ConnectionClosed()
	c.fireClosed()
	if c.onClosedHook != nil {
		c.onClosedHook(c)
	}
}

func (c *Connection) fireClosed() {
	if c.closedFired {
		return
	}
	c.closedFired = true
	if c.cb.OnClosed != nil {
		c.cb.OnClosed(c)
	}
}

// onPathClosed closes the connection once its last path went away
func (c *Connection) onPathClosed(p *Path) {
	if c.state != ConnConnected {
		return
	}
	c.log.Debugf("[Connection] Path %d closed", p.id)
	for _, q := range c.all {
		if !q.State().Terminal() {
			return
		}
	}
	c.log.Info("[Connection] All paths closed by peer")
	c.Close()
}

func (c *Connection) stopTimers() {
	if c.closeTimer != nil {
		c.closeTimer.Stop()
		c.closeTimer = nil
	}
	if c.reportTimer != nil {
		c.reportTimer.Stop()
		c.reportTimer = nil
	}
}

func (c *Connection) State() ConnState     { return c.state }
func (c *Connection) ConnID() peers.ConnID { return c.connID }
func (c *Connection) LocalID() peers.ID    { return c.localID }
func (c *Connection) RemoteID() peers.ID   { return c.remoteID }
func (c *Connection) LocalKey() peers.Key  { return c.localKey }
func (c *Connection) RemoteKey() peers.Key { return c.remoteKey }
func (c *Connection) SendSeq() uint64      { return c.sendSeq }
func (c *Connection) RecvSeq() uint64      { return c.recvSeq }
func (c *Connection) Backlog() int         { return len(c.txBuf) }

// Err returns why the connection failed or closed, if it did
func (c *Connection) Err() error { return c.err }

// Paths returns the bonded paths
func (c *Connection) Paths() []*Path {
	out := make([]*Path, len(c.paths))
	copy(out, c.paths)
	return out
}

func (c *Connection) Bonding() BondingStatus {
	return BondingStatus{
		Attempted:  c.pathNum,
		RawFailed:  c.rawFailed,
		Joined:     len(c.joined),
		JoinFailed: len(c.joinFailed),
		Bonded:     len(c.paths),
		Complete:   c.bondingDone,
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%d local=%d remote=%d state=%s paths=%d}",
		c.connID, c.localID, c.remoteID, c.state, len(c.paths))
}
