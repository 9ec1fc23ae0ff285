package packets

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netsys-lab/multipath-transfer/peers"
)

// Wire sizes, all fields big endian
const (
	ControlHeaderSize = 4 + 8 + 4 + 4 + 8
	DataHeaderSize    = 8 + 8 + 4
)

var ErrShortHeader = errors.New("packets: short header")

// ControlHeader is exchanged while a path bonds to a connection.
// A request with RecverKey == 0 and ConnID == 0 asks the remote side to
// allocate a new connection, anything else names the connection to join.
//
//	0                   1                   2                   3
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                            PathID                             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                        LocalID (64 bit)                       |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           SenderKey                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           RecverKey                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         ConnID (64 bit)                       |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type ControlHeader struct {
	PathID    uint32
	LocalID   peers.ID
	SenderKey peers.Key
	RecverKey peers.Key
	ConnID    peers.ConnID
}

// IsAllocate reports whether the header asks for a new connection
func (h ControlHeader) IsAllocate() bool {
	return h.RecverKey == 0 && h.ConnID == 0
}

func (h ControlHeader) Marshal() []byte {
	b := make([]byte, ControlHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], h.PathID)
	binary.BigEndian.PutUint64(b[4:12], uint64(h.LocalID))
	binary.BigEndian.PutUint32(b[12:16], uint32(h.SenderKey))
	binary.BigEndian.PutUint32(b[16:20], uint32(h.RecverKey))
	binary.BigEndian.PutUint64(b[20:28], uint64(h.ConnID))
	return b
}

func ParseControlHeader(b []byte) (ControlHeader, error) {
	if len(b) < ControlHeaderSize {
		return ControlHeader{}, fmt.Errorf("%w: control header needs %d bytes, got %d", ErrShortHeader, ControlHeaderSize, len(b))
	}
	return ControlHeader{
		PathID:    binary.BigEndian.Uint32(b[0:4]),
		LocalID:   peers.ID(binary.BigEndian.Uint64(b[4:12])),
		SenderKey: peers.Key(binary.BigEndian.Uint32(b[12:16])),
		RecverKey: peers.Key(binary.BigEndian.Uint32(b[16:20])),
		ConnID:    peers.ConnID(binary.BigEndian.Uint64(b[20:28])),
	}, nil
}

func (h ControlHeader) String() string {
	return fmt.Sprintf("ControlHeader{path=%d local=%d skey=%d rkey=%d conn=%d}",
		h.PathID, h.LocalID, h.SenderKey, h.RecverKey, h.ConnID)
}

// DataHeader precedes every payload sent over a connected path.
// DataSeqNum is the connection scoped byte offset of the first payload byte.
type DataHeader struct {
	SenderID   peers.ID
	DataSeqNum uint64
	DataLen    uint32
}

func ParseDataHeader(b []byte) (DataHeader, error) {
	if len(b) < DataHeaderSize {
		return DataHeader{}, fmt.Errorf("%w: data header needs %d bytes, got %d", ErrShortHeader, DataHeaderSize, len(b))
	}
	return DataHeader{
		SenderID:   peers.ID(binary.BigEndian.Uint64(b[0:8])),
		DataSeqNum: binary.BigEndian.Uint64(b[8:16]),
		DataLen:    binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// NewDataFrame writes header and payload into one buffer. DataLen is taken
// from the payload, whatever h.DataLen says.
func NewDataFrame(h DataHeader, payload []byte) []byte {
	b := make([]byte, DataHeaderSize+len(payload))
	binary.BigEndian.PutUint64(b[0:8], uint64(h.SenderID))
	binary.BigEndian.PutUint64(b[8:16], h.DataSeqNum)
	binary.BigEndian.PutUint32(b[16:20], uint32(len(payload)))
	copy(b[DataHeaderSize:], payload)
	return b
}

// FrameSeqNum peeks the sequence number of a complete data frame
func FrameSeqNum(frame []byte) uint64 {
	return binary.BigEndian.Uint64(frame[8:16])
}

// FramePayload returns the payload part of a complete data frame
func FramePayload(frame []byte) []byte {
	return frame[DataHeaderSize:]
}
