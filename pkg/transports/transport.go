package transports

import (
	"context"
	"net"
)

// Listener accepts inbound media-stream connections and hands each one to a
// session bridge. Implementations own their network lifecycle.
type Listener interface {
	Name() string
	// Start binds synchronously. A bind failure is returned, not logged.
	Start(ctx context.Context) error
	// Drain stops accepting, closes every live session and waits for them
	// until ctx is done.
	Drain(ctx context.Context) error
	Stop() error
	Addr() net.Addr
	// Sessions reports live sessions.
	Sessions() int64
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	Timeout    int
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
