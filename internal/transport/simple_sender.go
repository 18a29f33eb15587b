package transport

import (
	"distributed-kvstore/internal/codec"
	"distributed-kvstore/internal/logging"
	"net"
	"sync"
	"time"
)

const dialTimeout = 2 * time.Second

// SimpleSender is a fire-and-forget outbound connection pool keyed by
// destination address (§4.2). Each destination gets one background
// writer goroutine draining a bounded queue; when the queue is full the
// oldest pending frame is dropped to make room for the new one.
// Delivery is best-effort: a write failure tears down the connection
// and the next enqueued frame lazily reconnects.
type SimpleSender struct {
	mu    sync.Mutex
	queue map[string]chan []byte
	log   *logging.Logger
}

// NewSimpleSender creates a SimpleSender. log may be nil.
func NewSimpleSender(log *logging.Logger) *SimpleSender {
	return &SimpleSender{queue: make(map[string]chan []byte), log: log}
}

// Send enqueues payload for delivery to addr. It never blocks: if the
// destination's queue is full, the oldest pending frame is dropped.
func (s *SimpleSender) Send(addr string, payload []byte) {
	q := s.queueFor(addr)
	select {
	case q <- payload:
		return
	default:
	}

	// Queue full: drop the oldest pending frame and retry once. A
	// concurrent writer goroutine may have already drained an item by
	// the time we get here, in which case this just enqueues normally.
	select {
	case <-q:
	default:
	}
	select {
	case q <- payload:
	default:
	}
}

func (s *SimpleSender) queueFor(addr string) chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queue[addr]
	if ok {
		return q
	}
	q = make(chan []byte, channelCapacity)
	s.queue[addr] = q
	go s.writeLoop(addr, q)
	return q
}

func (s *SimpleSender) writeLoop(addr string, q chan []byte) {
	var conn net.Conn
	for payload := range q {
		if conn == nil {
			c, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				s.log.Debugf("simple sender: dial %s: %v", addr, err)
				continue
			}
			conn = c
		}

		if err := codec.WriteFrame(conn, payload); err != nil {
			s.log.Debugf("simple sender: write to %s: %v", addr, err)
			conn.Close()
			conn = nil
		}
	}
	if conn != nil {
		conn.Close()
	}
}

// Close closes every destination queue. Each writer goroutine still
// writes the frames already queued for its destination, then exits.
func (s *SimpleSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queue {
		close(q)
	}
	s.queue = make(map[string]chan []byte)
}
