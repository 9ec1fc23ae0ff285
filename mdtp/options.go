package mdtp

import (
	"time"

	"github.com/netsys-lab/multipath-transfer/packets"
	"github.com/netsys-lab/multipath-transfer/peers"
)

type Options struct {
	// Frames written to one path before the scheduler moves on
	BatchSize int
	// Poll interval while a closing connection waits for its paths
	CloseRetryInterval time.Duration
	MaxPayloadSize     int
	// Source for bonding keys, defaults to peers.DefaultKeySource
	Keys peers.KeySource
	// Optional prometheus collectors
	Metrics *packets.Metrics
	// Interval of send/receive reports and bandwidth sampling, 0 disables
	ReportInterval time.Duration
}

var defaultOptions = &Options{
	BatchSize:          packets.MAX_SENT_PACKET_ONCE,
	CloseRetryInterval: 10 * time.Millisecond,
	MaxPayloadSize:     packets.MAX_PAYLOAD_SIZE,
	Keys:               peers.DefaultKeySource,
}

func mergeOptions(options *Options) Options {
	opts := *defaultOptions
	if options == nil {
		return opts
	}
	if options.BatchSize > 0 {
		opts.BatchSize = options.BatchSize
	}
	if options.CloseRetryInterval > 0 {
		opts.CloseRetryInterval = options.CloseRetryInterval
	}
	if options.MaxPayloadSize > 0 {
		opts.MaxPayloadSize = options.MaxPayloadSize
	}
	if options.Keys != nil {
		opts.Keys = options.Keys
	}
	opts.Metrics = options.Metrics
	opts.ReportInterval = options.ReportInterval
	return opts
}
