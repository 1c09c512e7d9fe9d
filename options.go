package wsevent

import (
	"cdr.dev/slog"
	"golang.org/x/time/rate"
)

// defaultReadLimit matches the default message size limit of most WebSocket clients.
const defaultReadLimit = 32768

// Options configures a Conn.
type Options struct {
	// StreamFragments delivers every fragment of a fragmented message as it
	// arrives, with fin false for all but the last one. Each event carries
	// only that fragment's payload. Text fragments are cut on rune
	// boundaries so each delivered string is valid UTF-8.
	//
	// By default fragments are reassembled and only the complete message
	// is delivered.
	StreamFragments bool

	// DisableAutoPong stops the Conn from asking the transport to answer pings.
	DisableAutoPong bool

	// PongRateLimit bounds automatic pong replies per second.
	// Pings over the limit are still delivered to OnPingFrame.
	// Zero means unlimited.
	PongRateLimit rate.Limit
	// PongBurst defaults to 1 when PongRateLimit is set.
	PongBurst int

	// ReadLimit is the max number of bytes in a single message.
	// Defaults to 32768. A negative value disables the limit.
	//
	// When the limit is hit, the connection fails with StatusMessageTooBig.
	ReadLimit int64

	// Executor runs listener callbacks. Defaults to CallerRuns.
	Executor Executor

	// Logger receives debug logs about frames and state transitions.
	// The zero value discards everything.
	Logger slog.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.ReadLimit == 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Executor == nil {
		opts.Executor = CallerRuns
	}
	if opts.PongRateLimit > 0 && opts.PongBurst <= 0 {
		opts.PongBurst = 1
	}
	return opts
}

func (o Options) pongLimiter() *rate.Limiter {
	if o.PongRateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(o.PongRateLimit, o.PongBurst)
}
