package transport

import (
	"context"
	"distributed-kvstore/internal/codec"
	"distributed-kvstore/internal/logging"
	"errors"
	"fmt"
	"io"
	"net"
)

// Receiver binds a TCP listener and turns every decoded inbound frame
// into an Envelope on a single bounded channel shared across all
// connections. One goroutine per accepted connection reads frames
// sequentially and blocks on both the Inbound send and the Envelope's
// reply before reading the next frame — this is what gives per-
// connection FIFO reply ordering and what makes the inbound channel's
// capacity into real backpressure against slow readers.
type Receiver struct {
	addr        string
	maxFrameLen uint32
	inbound     chan Envelope
	log         *logging.Logger
	ln          net.Listener
}

// NewReceiver creates a Receiver bound to addr. maxFrameLen of 0 uses
// codec.DefaultMaxFrameSize.
func NewReceiver(addr string, maxFrameLen uint32, log *logging.Logger) *Receiver {
	return &Receiver{
		addr:        addr,
		maxFrameLen: maxFrameLen,
		inbound:     make(chan Envelope, channelCapacity),
		log:         log,
	}
}

// Inbound is the channel a Node consumes envelopes from.
func (r *Receiver) Inbound() <-chan Envelope {
	return r.inbound
}

// Listen binds the TCP listener. It must be called, and must succeed,
// before Serve; splitting bind from accept lets a caller treat a bind
// failure as fatal at startup instead of discovering it asynchronously
// inside a background goroutine (§6, §7).
func (r *Receiver) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.addr, err)
	}
	r.ln = ln
	return nil
}

// Serve accepts connections until ctx is cancelled. Listen must have
// already succeeded. It returns nil on a clean shutdown (ctx cancelled)
// and a non-nil error on an unexpected accept error.
func (r *Receiver) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept on %s: %w", r.addr, err)
		}
		go r.serve(ctx, conn)
	}
}

// Run binds the listener and accepts connections until ctx is
// cancelled, for callers (tests, mostly) that don't need to distinguish
// bind failure from a later accept error. Production startup should use
// Listen followed by Serve instead so bind failure can be fatal (§6,
// §7); see cmd/kv-node/main.go.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.Listen(ctx); err != nil {
		return err
	}
	return r.Serve(ctx)
}

func (r *Receiver) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		payload, err := codec.ReadFrame(conn, r.maxFrameLen)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debugf("receiver %s: read frame from %s: %v", r.addr, conn.RemoteAddr(), err)
			}
			return
		}

		env := newEnvelope(payload)
		select {
		case r.inbound <- env:
		case <-ctx.Done():
			return
		}

		select {
		case reply := <-env.reply:
			if reply != nil {
				if err := codec.WriteFrame(conn, reply); err != nil {
					r.log.Debugf("receiver %s: write reply to %s: %v", r.addr, conn.RemoteAddr(), err)
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
