package dispatch

import (
	"net"
	"time"
)

// listener wraps one bound, listening socket. It does not own ln — the
// caller is responsible for closing it at shutdown, per spec.md's data
// model ("fd: listening socket (not owned — caller closes on shutdown)").
//
// running/stopped take the place of spec.md's accept_handle: rather than a
// cancellable handle object, "armed" is realized as a single long-lived
// goroutine (acceptLoop) that only calls Accept() once it has pulled a token
// from d.admission, and "cancel" is realized by closing stopSig so the
// loop's next select wakes up and declines to pull another token or call
// Accept() again. running/stopped are read/written only under the owning
// Dispatcher's mu, passed in on every call rather than given their own lock,
// since listener state and Dispatcher admission state change together;
// stopSig itself needs no lock, a close is always safe to select on from
// any goroutine.
type listener struct {
	ln      net.Listener
	running bool
	stopped bool
	stopSig chan struct{}
}

func newListener(ln net.Listener) *listener {
	return &listener{ln: ln, stopSig: make(chan struct{})}
}

// start is idempotent: it only launches acceptLoop if one is not already
// running for this listener. Must be called with d.mu held.
func (l *listener) start(d *Dispatcher) {
	if l.running {
		return
	}
	l.running = true
	l.stopped = false
	l.stopSig = make(chan struct{})
	go l.acceptLoop(d)
}

// stop closes stopSig, waking acceptLoop's select so it declines to pull
// another admission token or arm another Accept. Idempotent — closing an
// already-closed channel panics, so stopped guards against a second close.
// Must be called with d.mu held.
func (l *listener) stop() {
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stopSig)
}

// acceptLoop is the sole goroutine that calls Accept on l for its lifetime.
// It pulls one token from d.admission before every Accept() call — not
// after, and not merely gated by a re-checked counter — so that reserving a
// slot and calling Accept are atomic with respect to every other listener's
// loop: with more than one listener, two loops can never both observe a free
// slot and both complete an Accept before either has registered, which is
// what previously let n_active run over max_active (see DESIGN.md).
func (l *listener) acceptLoop(d *Dispatcher) {
	var retryDelay time.Duration
	for {
		select {
		case <-d.admission:
		case <-l.stopSig:
			d.mu.Lock()
			l.running = false
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		stop := d.failed || l.stopped
		d.mu.Unlock()
		if stop {
			d.admission <- struct{}{} // token was never spent, hand it back
			d.mu.Lock()
			l.running = false
			d.mu.Unlock()
			return
		}

		conn, err := l.ln.Accept()
		if err != nil {
			d.admission <- struct{}{} // this attempt consumed no slot
			// Mirrors net/http.Server's accept-retry backoff: a listener
			// stuck returning errors (e.g. its fd was closed by something
			// other than this package) must not spin a goroutine at 100%
			// CPU. Reset the moment Accept succeeds again.
			retryDelay = nextRetryDelay(retryDelay)
			d.onAcceptError(l, err)
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0
		d.onAccept(conn)
	}
}

const (
	minAcceptRetryDelay = 5 * time.Millisecond
	maxAcceptRetryDelay = time.Second
)

func nextRetryDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptRetryDelay
	}
	prev *= 2
	if prev > maxAcceptRetryDelay {
		prev = maxAcceptRetryDelay
	}
	return prev
}

// onAcceptError logs a transient accept failure (EMFILE, ECONNABORTED, ...).
// Its admission token has already been returned by the caller before this
// runs, so the loop simply tries again next iteration once the backoff
// elapses — a deliberate deviation from the distilled source, which leaves
// the admission invariant violated until an unrelated connection closes;
// see DESIGN.md's Open Question on accept-error handling.
func (d *Dispatcher) onAcceptError(l *listener, err error) {
	d.log.WithError(err).WithField("listener", l.ln.Addr()).Warn("accept failed")
}

// onAccept handles one successful accept, realizing spec.md section 4.2. The
// admission token this connection consumed is only returned once the
// connection is later torn down by dropConn, keeping n_active and the token
// count in lockstep for the connection's whole lifetime.
func (d *Dispatcher) onAccept(conn net.Conn) {
	d.mu.Lock()
	if d.failed {
		d.mu.Unlock()
		_ = conn.Close()
		d.admission <- struct{}{} // never registered, so dropConn never runs for it
		return
	}

	c := newClientConn(conn, d)
	d.registerConn(c)
	c.armRead(d)
	d.mu.Unlock()
}
