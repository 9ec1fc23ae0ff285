package packets

import "github.com/netsys-lab/multipath-transfer/peers"

// ConnRef names a connection in reports
type ConnRef struct {
	ConnID peers.ConnID
	Local  peers.ID
	Peer   peers.ID
}

// PathBytes is the byte counter of one path at report time
type PathBytes struct {
	PathID    uint32
	Bytes     int64
	Bandwidth int64 // bytes/s averaged over the recent ticks
}

// SendReport is handed to the application periodically while a connection
// is open
type SendReport struct {
	Conn        ConnRef
	ConnTxBytes uint64
	PathTxBytes []PathBytes
}

type RecvReport struct {
	Conn        ConnRef
	ConnRxBytes uint64
	PathRxBytes []PathBytes
}
