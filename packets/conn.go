package packets

// Defaults for the data path, may be overridden per connection
const (
	// Number of frames one path gets before the scheduler rotates
	MAX_SENT_PACKET_ONCE = 100
	// Largest payload a single Send accepts and a receiver tolerates
	MAX_PAYLOAD_SIZE = 1 << 20
)

// MaxFrameSize is the largest data frame on the wire for a given payload limit
func MaxFrameSize(maxPayload int) int {
	return DataHeaderSize + maxPayload
}
