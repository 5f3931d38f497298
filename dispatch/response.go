package dispatch

import (
	"context"

	"github.com/hybscloud/dispatchd/framedcodec"
)

// forwardee is the per-request record linking an in-flight upstream request
// back to the client connection that originated it, per spec.md section 3.
// conn is a non-owning reference: Go's garbage collector — not manual
// lifetime discipline — is what makes holding it safe, but the invariant
// spec.md cares about (the connection outlives every forwardee referencing
// it) is still enforced by construction: conn.nRequests is incremented
// before a forwardee is created and only decremented once that forwardee's
// response or write callback has fired, so conn is never dropped while a
// live forwardee still points at it.
type forwardee struct {
	conn   *clientConn
	packet *framedcodec.Packet
}

// onResponse is the Upstream's ResponseFunc, spec.md section 4.4. It is
// invoked exactly once per enqueued request, from a goroutine owned by the
// Upstream implementation.
func (d *Dispatcher) onResponse(cookie any, buf []byte, err error) {
	fwd := cookie.(*forwardee)
	c := fwd.conn

	if err != nil {
		d.mu.Lock()
		fwd.packet.Release()
		c.nRequests--
		if c.nRequests == 0 && !c.readArmed && !c.closed {
			c.closed = true
			d.dropConn(c)
		}
		d.enterDrain()
		d.mu.Unlock()
		return
	}

	fwd.packet.Respond(buf)
	// WritePacket's own return is always nil: every outcome, including a
	// failure to write, is delivered exactly once through onWrite below.
	// There is no separate submit-failure branch here — onWrite already
	// releases fwd.packet and decrements c.nRequests for every outcome, so
	// doing either again here would double-Put the packet into packetPool
	// and double-decrement nRequests.
	_ = c.writer.WritePacket(context.Background(), fwd.packet, func(writeErr error) {
		d.onWrite(fwd, writeErr)
	})
}

// onWrite is write_cb from spec.md section 4.4.
func (d *Dispatcher) onWrite(fwd *forwardee, writeErr error) {
	c := fwd.conn

	d.mu.Lock()
	fwd.packet.Release()
	c.nRequests--
	idle := c.nRequests == 0 && !c.readArmed && !c.closed
	if idle {
		c.closed = true
		d.dropConn(c)
	}
	shouldDropOnFailure := writeErr != nil && d.cfg.dropOnWriteFailure && !idle && !c.closed
	if shouldDropOnFailure {
		// REDESIGN option (spec.md Design Notes Open Question): the failed
		// flag is otherwise advisory only, matching the distilled source.
		// When WithDropOnWriteFailure is set, a persistently failing client
		// is reaped here instead of waiting for its reader to notice —
		// still scoped to this one connection, never triggering drain.
		c.cancelReadLocked(d)
	}
	d.mu.Unlock()

	if writeErr != nil {
		d.log.WithError(writeErr).WithField("conn", c.id).Debug("response write failed")
	}
}
