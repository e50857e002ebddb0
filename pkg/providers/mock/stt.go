package mock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
)

// ErrStreamClosed is returned by Send after Close.
var ErrStreamClosed = errors.New("mock stream closed")

type STTConfig struct {
	// Transcript, when set, is emitted once after the first audio frame.
	Transcript string
	// ConnectErr makes every Connect fail with this error.
	ConnectErr error
	// Hold makes Connect block until Release is called or ctx is done.
	Hold bool
}

// Connector is an in-memory stt.Connector for tests and offline runs.
type Connector struct {
	cfg       STTConfig
	mu        sync.Mutex
	streams   []*Stream
	connected chan *Stream
	release   chan struct{}
	once      sync.Once
}

func NewSTT(cfg STTConfig) *Connector {
	return &Connector{
		cfg:       cfg,
		connected: make(chan *Stream, 64),
		release:   make(chan struct{}),
	}
}

func (c *Connector) Name() string { return "mock_stt" }

func (c *Connector) Connect(ctx context.Context, meta stt.Meta, h stt.Handler) (stt.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.Hold {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonSTTConnect)
		}
	}
	if c.cfg.ConnectErr != nil {
		return nil, c.cfg.ConnectErr
	}
	s := &Stream{meta: meta, h: h, transcript: c.cfg.Transcript, closed: make(chan struct{})}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	select {
	case c.connected <- s:
	default:
	}
	return s, nil
}

// Release unblocks held Connect calls.
func (c *Connector) Release() {
	c.once.Do(func() { close(c.release) })
}

// Connected yields each stream as it opens.
func (c *Connector) Connected() <-chan *Stream { return c.connected }

func (c *Connector) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// Stream records what the bridge sends and lets tests inject backend events.
type Stream struct {
	meta       stt.Meta
	h          stt.Handler
	transcript string

	mu         sync.Mutex
	sent       [][]byte
	closeCalls int
	emitted    bool
	closed     chan struct{}
}

func (s *Stream) Send(audio []byte) error {
	s.mu.Lock()
	if s.closeCalls > 0 {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.sent = append(s.sent, append([]byte(nil), audio...))
	emit := s.transcript != "" && !s.emitted
	s.emitted = s.emitted || emit
	s.mu.Unlock()

	if emit {
		msg, _ := json.Marshal(map[string]any{
			"type":     "Results",
			"is_final": true,
			"channel": map[string]any{
				"alternatives": []map[string]any{{"transcript": s.transcript, "confidence": 1}},
			},
		})
		go s.h.OnOutboundMessage(msg)
	}
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeCalls == 1 {
		close(s.closed)
	}
	return nil
}

func (s *Stream) Meta() stt.Meta { return s.meta }

// Sent returns copies of every frame received, in order.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	for i, b := range s.sent {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// CloseCalls counts every Close invocation, including repeats.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed is closed on the first Close.
func (s *Stream) Closed() <-chan struct{} { return s.closed }

// Emit delivers a backend message to the handler.
func (s *Stream) Emit(raw []byte) { s.h.OnOutboundMessage(raw) }

// Fail delivers a backend error to the handler.
func (s *Stream) Fail(err error) { s.h.OnOutboundError(err) }

// Hangup delivers a backend close to the handler.
func (s *Stream) Hangup(code int, reason string) { s.h.OnOutboundClosed(code, reason) }

var _ stt.Connector = (*Connector)(nil)
