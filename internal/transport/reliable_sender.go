package transport

import (
	"context"
	"distributed-kvstore/internal/codec"
	"distributed-kvstore/internal/logging"
	"net"
	"sync"
	"time"
)

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
	backoffFactor  = 2
)

// CancelHandle is returned by ReliableSender.Send. It resolves to the
// peer's reply bytes, or stays pending while retries continue. Calling
// Cancel is the Go stand-in for "the handle is dropped" in §4.3 and
// §9: it stops the retry loop and frees the per-destination slot for
// the next queued send.
type CancelHandle struct {
	replyCh chan []byte
	once    sync.Once
	cancel  func()
}

// Wait blocks until a reply arrives, ctx is done, or the handle is
// cancelled. A ctx cancellation also cancels the underlying retry.
func (h *CancelHandle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case reply := <-h.replyCh:
		return reply, nil
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel stops retries for this send. Safe to call more than once.
func (h *CancelHandle) Cancel() {
	h.once.Do(h.cancel)
}

type reliableJob struct {
	payload []byte
	replyCh chan []byte
	done    chan struct{}
}

// ReliableSender is a per-destination FIFO outbound queue where each
// send retries with exponential backoff until either a reply frame
// arrives or its CancelHandle is cancelled (§4.3). Sends to different
// destinations proceed in parallel; sends to the same destination are
// strictly serialized by that destination's single writer goroutine.
type ReliableSender struct {
	mu    sync.Mutex
	queue map[string]chan *reliableJob
	log   *logging.Logger
}

// NewReliableSender creates a ReliableSender. log may be nil.
func NewReliableSender(log *logging.Logger) *ReliableSender {
	return &ReliableSender{queue: make(map[string]chan *reliableJob), log: log}
}

// Send enqueues payload for delivery to addr and returns a handle that
// resolves to the peer's reply. Send blocks if addr's queue is already
// at capacity — this is the system's backpressure, not a drop.
func (s *ReliableSender) Send(addr string, payload []byte) *CancelHandle {
	job := &reliableJob{
		payload: payload,
		replyCh: make(chan []byte, 1),
		done:    make(chan struct{}),
	}

	handle := &CancelHandle{
		replyCh: job.replyCh,
		cancel:  func() { close(job.done) },
	}

	s.queueFor(addr) <- job
	return handle
}

func (s *ReliableSender) queueFor(addr string) chan *reliableJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queue[addr]
	if ok {
		return q
	}
	q = make(chan *reliableJob, channelCapacity)
	s.queue[addr] = q
	go s.writeLoop(addr, q)
	return q
}

func (s *ReliableSender) writeLoop(addr string, q chan *reliableJob) {
	for job := range q {
		s.deliver(addr, job)
	}
}

func (s *ReliableSender) deliver(addr string, job *reliableJob) {
	backoff := initialBackoff

	for {
		select {
		case <-job.done:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			s.log.Debugf("reliable sender: dial %s: %v", addr, err)
			if !sleepOrCancel(backoff, job.done) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Closing the connection on cancel unblocks a round trip still
		// waiting for its reply, so the destination's queue moves on.
		attemptDone := make(chan struct{})
		go func() {
			select {
			case <-job.done:
				conn.Close()
			case <-attemptDone:
			}
		}()
		reply, err := roundTrip(conn, job.payload)
		close(attemptDone)
		conn.Close()
		if err != nil {
			s.log.Debugf("reliable sender: round trip to %s: %v", addr, err)
			if !sleepOrCancel(backoff, job.done) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		select {
		case job.replyCh <- reply:
		case <-job.done:
		}
		return
	}
}

func roundTrip(conn net.Conn, payload []byte) ([]byte, error) {
	if err := codec.WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	return codec.ReadFrame(conn, 0)
}

func sleepOrCancel(d time.Duration, done <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= backoffFactor
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Close closes every destination queue. Each writer goroutine still
// delivers the jobs already queued for its destination (retrying as
// usual until a reply or cancellation), then exits.
func (s *ReliableSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queue {
		close(q)
	}
	s.queue = make(map[string]chan *reliableJob)
}
