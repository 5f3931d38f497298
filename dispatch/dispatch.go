package dispatch

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher owns a set of listeners, the live client connections forwarded
// from them, and the admission/drain state machine described in spec.md
// section 4. All of its bookkeeping is serialized under mu, which plays the
// role the single-reactor-thread serialization plays in the source this was
// distilled from: every accept/read/response/write callback takes mu before
// touching shared state, so the invariants in spec.md section 8 hold at
// every point mu is not held.
type Dispatcher struct {
	mu sync.Mutex

	// admission is a token bucket of capacity maxActive, pre-loaded with
	// maxActive tokens at construction: a listener's acceptLoop must pull a
	// token before calling Accept, and the token is only returned once the
	// resulting connection is later torn down (or immediately, if the
	// Accept attempt itself failed or raced a drain). Reserving the slot
	// this way — before Accept, not after registration — is what makes two
	// listeners' accept loops unable to both observe a free slot and both
	// complete an Accept before either registers. Grounded in smux's
	// bucket/bucketNotify token pattern, generalized from a byte budget to
	// a connection-count budget.
	admission chan struct{}

	listeners   []*listener
	connections map[uint64]*clientConn
	nextConnID  uint64

	nActive   int
	maxActive int
	failed    bool

	upstream Upstream
	codec    Codec
	cfg      config
	log      *logrus.Entry

	drained chan struct{} // closed exactly once, when Alive() first becomes false
	once    sync.Once
}

// New constructs a Dispatcher over listeners (not owned — the caller closes
// them on shutdown), forwarding every accepted request to upstream, admitting
// at most maxActive concurrent client connections. Accepts are armed on every
// listener before New returns, realizing spec.md's init -> accept_start.
func New(listeners []net.Listener, upstream Upstream, codec Codec, maxActive int, opts ...Option) (*Dispatcher, error) {
	if len(listeners) == 0 {
		return nil, ErrNoListeners
	}
	if maxActive <= 0 {
		return nil, ErrInvalidMaxActive
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dispatcher{
		connections: make(map[uint64]*clientConn),
		maxActive:   maxActive,
		upstream:    upstream,
		codec:       codec,
		cfg:         cfg,
		log:         logrus.WithField("component", "dispatch"),
		drained:     make(chan struct{}),
		admission:   make(chan struct{}, maxActive),
	}
	for i := 0; i < maxActive; i++ {
		d.admission <- struct{}{}
	}

	d.listeners = make([]*listener, len(listeners))
	for i, ln := range listeners {
		d.listeners[i] = newListener(ln)
	}

	d.mu.Lock()
	d.acceptStart()
	d.mu.Unlock()
	return d, nil
}

// acceptStart starts an accept goroutine for every listener that does not
// already have one running. Idempotent, matching spec.md's precondition-free
// re-entrant contract for accept_start. Must be called with d.mu held.
func (d *Dispatcher) acceptStart() {
	for _, l := range d.listeners {
		l.start(d)
	}
}

// acceptStop prevents every listener's accept loop from arming another
// Accept call once its current one (if any) completes. It cannot cancel an
// Accept already blocked in the kernel — this package does not own the
// listener fd and spec.md forbids closing it — so a loop parked in Accept()
// with no pending connection will not observably stop until the caller
// eventually closes that listener at process shutdown. See DESIGN.md.
func (d *Dispatcher) acceptStop() {
	for _, l := range d.listeners {
		l.stop()
	}
}

// Alive reports whether the dispatcher is still doing useful work, per
// spec.md section 4.6: true unless the dispatcher has failed and drained
// every connection. The supervising loop polls this between iterations.
func (d *Dispatcher) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive()
}

// alive must be called with d.mu held.
func (d *Dispatcher) alive() bool {
	return !d.failed || d.nActive > 0
}

// Drained returns a channel that is closed the first instant Alive() would
// return false. It lets a supervisor block instead of polling; Alive itself
// remains the source of truth and is safe to call at any time.
func (d *Dispatcher) Drained() <-chan struct{} {
	return d.drained
}

// checkDrained must be called with d.mu held after any state change that
// could flip alive() from true to false.
func (d *Dispatcher) checkDrained() {
	if !d.alive() {
		d.once.Do(func() { close(d.drained) })
	}
}

// Done releases the Dispatcher's bookkeeping. Precondition: the dispatcher
// has failed and fully drained (failed && no connections && nActive == 0) —
// violating it is a programmer-contract error per spec.md section 7.4 and
// panics rather than silently leaving resources behind. Done does not close
// listener file descriptors; the caller owns those.
func (d *Dispatcher) Done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.failed || len(d.connections) != 0 || d.nActive != 0 {
		panic("dispatch: Done called before Alive() == false")
	}
	d.listeners = nil
}

// enterDrain transitions the dispatcher into drain state exactly once:
// accepts are stopped, failed is set, and every still-armed read loop is
// cancelled. After this, no new accepts complete and no new forwardees are
// created (spec.md invariant I5); the dispatcher only progresses by
// completing in-flight writes. Must be called with d.mu held.
func (d *Dispatcher) enterDrain() {
	d.drainLocked("upstream reported a request failure; entering drain state")
}

// drainLocked is enterDrain's body, shared with Stop so a caller-initiated
// shutdown and an upstream-initiated failure converge on the same state
// machine: spec.md's alive() only distinguishes failed from not, it has no
// separate "shutting down gracefully" state, so a graceful Stop is
// represented the same way a fatal upstream failure is. Must be called with
// d.mu held.
func (d *Dispatcher) drainLocked(logMsg string) {
	if d.failed {
		return
	}
	d.failed = true
	d.log.Warn(logMsg)
	d.acceptStop()
	for _, c := range d.connections {
		c.cancelReadLocked(d)
	}
	d.checkDrained()
}

// Stop initiates a graceful shutdown: no further connections are admitted
// and every currently-armed read loop is cancelled so in-flight clients
// finish their last pipelined exchange and close out on their own, the same
// way they would after an upstream failure. It is safe to call more than
// once and safe to call concurrently with ordinary traffic.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.drainLocked("shutdown requested; entering drain state")
	d.mu.Unlock()
}

// registerConn must be called with d.mu held, once a connection has been
// fully constructed and is ready to have its first read armed. The
// admission token it occupies was already pulled by acceptLoop before
// Accept was even called; registerConn only does the bookkeeping.
func (d *Dispatcher) registerConn(c *clientConn) {
	d.nextConnID++
	c.id = d.nextConnID
	d.connections[c.id] = c
	d.nActive++
}

// dropConn implements spec.md section 4.5. Precondition (checked by caller):
// c.readArmed == false && c.nRequests == 0.
func (d *Dispatcher) dropConn(c *clientConn) {
	delete(d.connections, c.id)
	d.nActive--
	d.checkDrained()

	// Reader before writer: no new packet parse can start during teardown.
	// The writer's queued callbacks can only be pending while nRequests > 0,
	// which the precondition forbids, so there is no dangling write
	// callback to race against Close.
	if err := c.reader.Close(); err != nil {
		d.log.WithError(err).Debug("closing reader during connection teardown")
	}
	if err := c.writer.Close(); err != nil {
		d.log.WithError(err).Debug("closing writer during connection teardown")
	}
	if err := c.conn.Close(); err != nil {
		d.log.WithError(err).Debug("closing connection socket during teardown")
	}

	// Return the admission token this connection has held since onAccept.
	// Whichever acceptLoop is blocked waiting for one (or about to block)
	// picks it up directly — there is no separate "restart accepting" step
	// to trigger, unlike the old sync.Cond-broadcast gate.
	d.admission <- struct{}{}
}
