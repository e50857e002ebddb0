package stt

import (
	"context"
)

// AudioFormat is fixed at configuration time and sent when the outbound
// connection is opened.
type AudioFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// Meta identifies the session an outbound connection belongs to, for logging.
type Meta struct {
	SessionID uint64
	TraceID   string
}

// Handler receives outbound lifecycle events. A connector calls these from
// its own goroutine, in arrival order.
type Handler interface {
	OnOutboundMessage(raw []byte)
	OnOutboundError(err error)
	OnOutboundClosed(code int, reason string)
}

// Stream is an open outbound connection.
type Stream interface {
	// Send writes one binary audio frame.
	Send(audio []byte) error
	// Close requests teardown. Calling it more than once is a no-op.
	Close() error
}

// Connector opens outbound connections to a transcription backend.
//
// Connect blocks until the connection is open or has failed. A successful
// return is the "opened" signal. ctx bounds the whole connection lifetime,
// not only the handshake. Authentication failures carry the
// errorsx.ReasonSTTAuth reason.
type Connector interface {
	Name() string
	Connect(ctx context.Context, meta Meta, h Handler) (Stream, error)
}
