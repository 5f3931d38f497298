package dispatch

import (
	"context"
	"io"
	"net"
	"time"
)

// farPast is used to trip a blocked net.Conn.Read immediately via
// SetReadDeadline, the closest stand-in Go's net package offers for
// spec.md's synchronous read-cancel handle.
var farPast = time.Unix(0, 1)

// clientConn is one accepted client connection. It owns conn, reader, and
// writer exclusively; the Dispatcher owns the clientConn itself. id is a
// stable, monotonically increasing handle assigned at registration — per
// DESIGN NOTES this replaces the source's intrusive list with a plain map
// keyed by identity, any collection with O(1) insert/remove by identity
// satisfies spec.md's requirement.
//
// Every field below is read and written exclusively under Dispatcher.mu;
// clientConn carries no lock of its own.
type clientConn struct {
	id     uint64
	conn   net.Conn
	reader FramedReader
	writer FramedWriter

	readArmed bool
	nRequests int
	closed    bool // true once dropConn has been invoked for this connection
}

func newClientConn(conn net.Conn, d *Dispatcher) *clientConn {
	// Writer first, then reader.
	writer := d.codec.NewWriter(conn)
	return &clientConn{
		conn:   conn,
		reader: d.codec.NewReader(conn),
		writer: writer,
	}
}

// armRead starts the connection's single read-loop goroutine. Precondition,
// enforced by every call site: readArmed == false and d.mu held. Must run
// under the same lock acquisition as registerConn, not a separate one:
// registering a connection and arming its first read have to be atomic with
// respect to drainLocked's cancellation sweep, otherwise a connection can be
// inserted into d.connections after the sweep has already passed over it
// but get its read armed anyway, leaving a goroutine blocked on a read that
// will never be cancelled if its client sends nothing further (stalling
// Alive() forever instead of letting the dispatcher finish draining).
func (c *clientConn) armRead(d *Dispatcher) {
	if d.failed {
		return
	}
	c.readArmed = true
	go c.readLoop(d)
}

// readLoop is the only goroutine that calls c.reader.ReadPacket. It embodies
// spec.md section 4.3: at most one outstanding read per connection (there is
// exactly one of these goroutines, started once), and the pipelining
// contract (the next request is read before the previous response returns,
// since nothing here blocks on Upstream's callback).
func (c *clientConn) readLoop(d *Dispatcher) {
	for {
		pkt, err := c.reader.ReadPacket(context.Background())

		d.mu.Lock()
		if c.closed {
			// A concurrent cancelReadLocked already tore this connection
			// down (it had gone idle). Discard whatever this call produced.
			d.mu.Unlock()
			if pkt != nil {
				pkt.Release()
			}
			return
		}
		if err != nil || d.failed {
			// EOF/decode error, or we lost the race with drain being
			// entered while this read was in flight (§6.3 of SPEC_FULL):
			// either way, no further reads are armed on this connection.
			c.readArmed = false
			if pkt != nil {
				pkt.Release()
			}
			if c.nRequests == 0 {
				c.closed = true
				d.dropConn(c)
			}
			d.mu.Unlock()
			if err != nil && err != io.EOF {
				d.log.WithError(err).WithField("conn", c.id).Debug("client read failed")
			}
			return
		}
		c.nRequests++
		d.mu.Unlock()

		fwd := &forwardee{conn: c, packet: pkt}
		body := pkt.Body()
		pkt.BeginAwait()

		if enqErr := d.upstream.Enqueue(context.Background(), body, d.onResponse, fwd); enqErr != nil {
			// Resource exhaustion class (spec.md section 7.1): unwind this
			// one request only, the dispatcher and this connection's read
			// loop carry on.
			pkt.Release()
			d.mu.Lock()
			c.nRequests--
			idle := c.nRequests == 0 && !c.readArmed
			if idle {
				c.closed = true
				d.dropConn(c)
			}
			d.mu.Unlock()
			d.log.WithError(enqErr).WithField("conn", c.id).Error("failed to enqueue request upstream")
			if idle {
				return
			}
			continue
		}
	}
}

// cancelReadLocked implements spec.md's read_request_cancel. Must be called
// with d.mu held; used when entering drain state, for every connection that
// still has an armed read, and by onWrite for a connection whose response
// write failed when WithDropOnWriteFailure is set.
//
// Unlike a true reactor cancel handle, this cannot synchronously guarantee
// the in-flight ReadPacket call has returned by the time it returns control
// to the caller — Go's net.Conn offers no such primitive. Setting a deadline
// in the past is enough to unblock the call "promptly" (the read loop will
// observe an error on its next scheduling turn), and the closed/d.failed
// checks in readLoop discard anything that call produces regardless of
// whether it raced ahead and returned a real packet. See DESIGN.md.
func (c *clientConn) cancelReadLocked(d *Dispatcher) {
	if !c.readArmed {
		return
	}
	c.readArmed = false
	_ = c.conn.SetReadDeadline(farPast)
	if c.nRequests == 0 && !c.closed {
		c.closed = true
		d.dropConn(c)
	}
}
