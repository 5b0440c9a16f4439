package transport

import (
	"time"

	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/protocol"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultSweepInterval  = 100 * time.Millisecond
	DefaultFlushTimeout   = time.Second
)

// Options configures a Conn. Zero fields take the defaults listed on each field.
type Options struct {
	Codecs            *codec.Registry // codec.DefaultRegistry()
	MaxFrameSize      uint32          // protocol.DefaultMaxFrameSize
	RequestTimeout    time.Duration   // DefaultRequestTimeout, used when a call carries no deadline
	SweepInterval     time.Duration   // DefaultSweepInterval, how often expired requests are failed
	HeartbeatInterval time.Duration   // 0 disables heartbeats
	FlushTimeout      time.Duration   // DefaultFlushTimeout, bound on the last write during Close
	Logger            *zap.Logger     // zap.NewNop()
	Observer          Observer        // LogObserver on Logger
}

func (o Options) withDefaults() Options {
	if o.Codecs == nil {
		o.Codecs = codec.DefaultRegistry()
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = LogObserver{Logger: o.Logger}
	}
	return o
}
