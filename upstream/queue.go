// Package upstream is a reference implementation of the external request
// queue collaborator dispatch.Upstream describes but deliberately excludes
// from its own scope: it owns one connection to a single upstream target,
// assigns monotonic request identifiers, and delivers responses back to the
// dispatcher out of order, associated by cookie.
//
// Its internals are adapted from SagerNet/smux's Session: one connection
// multiplexing many logical exchanges, a die/dieOnce shutdown signal, a
// request-sequenced send path, and a dedicated receive loop demultiplexing
// inbound frames by identifier. smux's priority write-shaper (control vs.
// data frame classes) is dropped — this domain has exactly one outbound
// message shape, a request frame, so there is nothing to prioritize between;
// see the grounding ledger in DESIGN.md.
package upstream

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/framer"
	"github.com/pkg/errors"
	"github.com/sagernet/sing/common/bufio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/hybscloud/dispatchd/dispatch"
)

// ErrClosed is returned by Enqueue once the upstream connection has failed
// or Close has been called.
var ErrClosed = errors.New("upstream: queue closed")

// DefaultMaxInflight matches spec.md section 5's "pool sized for up to ~32K
// concurrent in-flight requests" budget.
const DefaultMaxInflight = 32 * 1024

type pending struct {
	cb     dispatch.ResponseFunc
	cookie any
}

// Queue implements dispatch.Upstream against a single net.Conn target.
type Queue struct {
	conn net.Conn
	log  *logrus.Entry

	nextID uint32 // atomic

	mu      sync.Mutex
	inflt   map[uint32]pending
	closed  bool
	lastErr error

	sem *semaphore.Weighted

	writes chan writeRequest
	die    chan struct{}
	once   sync.Once
}

type writeRequest struct {
	id   uint32
	body []byte
}

// Options configures a Queue.
type Options struct {
	// MaxInflight bounds concurrent outstanding requests. Zero selects
	// DefaultMaxInflight.
	MaxInflight int64
}

// NewQueue starts a Queue's send/receive goroutines against conn, which the
// Queue owns from this point (Close closes it).
func NewQueue(conn net.Conn, opts Options) *Queue {
	maxInflight := opts.MaxInflight
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	q := &Queue{
		conn:   conn,
		log:    logrus.WithField("component", "upstream"),
		inflt:  make(map[uint32]pending),
		sem:    semaphore.NewWeighted(maxInflight),
		writes: make(chan writeRequest),
		die:    make(chan struct{}),
	}
	go q.sendLoop()
	go q.recvLoop()
	return q
}

// Enqueue implements dispatch.Upstream.
func (q *Queue) Enqueue(ctx context.Context, body []byte, cb dispatch.ResponseFunc, cookie any) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	id := atomic.AddUint32(&q.nextID, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.sem.Release(1)
		return ErrClosed
	}
	q.inflt[id] = pending{cb: cb, cookie: cookie}
	q.mu.Unlock()

	var abortErr error
	select {
	case q.writes <- writeRequest{id: id, body: body}:
		return nil
	case <-q.die:
		abortErr = ErrClosed
	case <-ctx.Done():
		abortErr = ctx.Err()
	}

	q.mu.Lock()
	_, still := q.inflt[id]
	delete(q.inflt, id)
	q.mu.Unlock()
	if !still {
		// fail already took this entry, released its slot and delivered its
		// callback, so the request counts as enqueued.
		return nil
	}
	q.sem.Release(1)
	return abortErr
}

// Err returns the reason the Queue stopped accepting work, or nil while it
// is still healthy.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// Close tears the Queue down: the underlying connection is closed and every
// still-outstanding request is failed so its forwardee is released. No
// reconnection to the target is attempted, matching spec.md's stated
// non-goal.
func (q *Queue) Close() error {
	q.fail(ErrClosed)
	return q.conn.Close()
}

// fail transitions the queue to closed exactly once, delivering err to every
// still-pending callback. This is what ultimately drives the dispatcher into
// drain state: each failed callback is exactly the buf == nil / err != nil
// case dispatch.onResponse treats as fatal.
func (q *Queue) fail(err error) {
	q.once.Do(func() {
		close(q.die)

		q.mu.Lock()
		q.closed = true
		q.lastErr = err
		pendingCopy := q.inflt
		q.inflt = make(map[uint32]pending)
		q.mu.Unlock()

		for _, p := range pendingCopy {
			q.sem.Release(1)
			p.cb(p.cookie, nil, err)
		}
	})
}

// sendLoop is the sole goroutine that writes to q.conn. Each frame is the
// request's 4-byte identifier followed by its body, sent as one framedcodec
// message; writes are vectorised via sing's bufio helper (adapted directly
// from smux's sendLoop) to avoid concatenating the header and body on the
// hot path when the underlying conn exposes scatter/gather writes.
func (q *Queue) sendLoop() {
	fw := framer.NewWriter(q.conn, framer.WithBlock())

	bw, vectorised := bufio.CreateVectorisedWriter(q.conn)
	var hdr [requestHeaderSize]byte
	vec := make([][]byte, 2)

	for {
		select {
		case <-q.die:
			return
		case req := <-q.writes:
			binary.LittleEndian.PutUint32(hdr[:], req.id)

			var err error
			if vectorised {
				vec[0] = hdr[:]
				vec[1] = req.body
				_, err = bufio.WriteVectorised(bw, vec)
			} else {
				_, err = fw.Write(encodeRequest(req.id, req.body))
			}
			if err != nil {
				q.log.WithError(err).Error("upstream write failed")
				q.fail(errors.Wrap(err, "upstream: write"))
				return
			}
		}
	}
}

// recvLoop is the sole goroutine that reads from q.conn. It demultiplexes
// each inbound framedcodec message by the request identifier in its
// envelope and invokes that request's callback exactly once, matching
// spec.md section 6.1's contract for the upstream request queue.
func (q *Queue) recvLoop() {
	fr := framer.NewReader(q.conn, framer.WithBlock())
	buf := make([]byte, 4<<10)

	for {
		n, err := fr.Read(buf)
		if err != nil {
			if errors.Is(err, io.ErrShortBuffer) {
				buf = make([]byte, len(buf)*2)
				continue
			}
			if err == io.EOF {
				q.fail(errors.New("upstream: connection closed by target"))
			} else {
				q.log.WithError(err).Error("upstream read failed")
				q.fail(errors.Wrap(err, "upstream: read"))
			}
			return
		}

		id, status, body, ok := decodeResponse(buf[:n])
		if !ok {
			q.log.WithField("len", n).Error("upstream sent a short response frame")
			continue
		}

		q.mu.Lock()
		p, found := q.inflt[id]
		if found {
			delete(q.inflt, id)
		}
		q.mu.Unlock()
		if !found {
			q.log.WithField("request_id", id).Warn("upstream response for unknown or already-completed request")
			continue
		}

		q.sem.Release(1)
		if status == statusOK {
			bodyCopy := make([]byte, len(body))
			copy(bodyCopy, body)
			p.cb(p.cookie, bodyCopy, nil)
		} else {
			p.cb(p.cookie, nil, errors.New("upstream: request failed"))
		}
	}
}
