package coordinator

import (
	"time"

	"github.com/rs/zerolog"

	"collabsync/pkg/interfaces"
)

// Default timeouts for broker round-trips.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultQueueSize      = 256
)

// Options tunes a Coordinator.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// QueueSize bounds the event loop's inbox.
	QueueSize int
	// Identity resolves the user when JoinSession or CreateSession is given
	// an empty email.
	Identity interfaces.IdentityProvider
	Logger   zerolog.Logger
}

// DefaultOptions returns the standard timeouts with a disabled logger.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		QueueSize:      DefaultQueueSize,
		Logger:         zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	return o
}
