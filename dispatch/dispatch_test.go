package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/framer"
	"github.com/stretchr/testify/require"

	"github.com/hybscloud/dispatchd/framedcodec"
)

type testCodec struct{}

func (testCodec) NewReader(conn net.Conn) FramedReader { return framedcodec.NewReader(conn) }
func (testCodec) NewWriter(conn net.Conn) FramedWriter { return framedcodec.NewWriter(conn) }

// echoUpstream answers every request asynchronously with the same body,
// standing in for a real upstream.Queue in tests that don't care about
// ordering or timing, only eventual completion.
type echoUpstream struct{}

func (echoUpstream) Enqueue(ctx context.Context, body []byte, cb ResponseFunc, cookie any) error {
	out := make([]byte, len(body))
	copy(out, body)
	go cb(cookie, out, nil)
	return nil
}

// controlledUpstream lets a test complete enqueued requests one at a time,
// in whatever order the scenario requires.
type controlledUpstream struct {
	mu      sync.Mutex
	pending []controlledCall
}

type controlledCall struct {
	cb     ResponseFunc
	cookie any
	body   []byte
}

func (u *controlledUpstream) Enqueue(ctx context.Context, body []byte, cb ResponseFunc, cookie any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = append(u.pending, controlledCall{cb: cb, cookie: cookie, body: body})
	return nil
}

func (u *controlledUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

func (u *controlledUpstream) complete(i int, buf []byte, err error) {
	u.mu.Lock()
	c := u.pending[i]
	u.mu.Unlock()
	c.cb(c.cookie, buf, err)
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func writeFrame(t *testing.T, fw interface{ Write([]byte) (int, error) }, body []byte) {
	t.Helper()
	_, err := fw.Write(body)
	require.NoError(t, err)
}

func readFrame(t *testing.T, fr interface{ Read([]byte) (int, error) }) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := fr.Read(buf)
	require.NoError(t, err)
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func dialFramed(t *testing.T, addr net.Addr) (net.Conn, framedRW) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	return conn, framer.NewReadWriter(conn, conn, framer.WithBlock())
}

type framedRW interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

func (d *Dispatcher) snapshot() (nActive int, failed bool, nConns int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nActive, d.failed, len(d.connections)
}

// soleConnRequests returns n_requests for the dispatcher's one live
// connection; tests that need the literal invariant from spec.md's
// scenario 3 (not just "still alive") call this.
func (d *Dispatcher) soleConnRequests(t *testing.T) int {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.connections, 1)
	for _, c := range d.connections {
		return c.nRequests
	}
	return -1
}

func TestAdmissionSaturation(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	d, err := New([]net.Listener{ln}, echoUpstream{}, testCodec{}, 2)
	require.NoError(t, err)

	conn1, rw1 := dialFramed(t, ln.Addr())
	defer conn1.Close()
	writeFrame(t, rw1, []byte("one"))
	require.Equal(t, []byte("one"), readFrame(t, rw1))

	conn2, rw2 := dialFramed(t, ln.Addr())
	defer conn2.Close()
	writeFrame(t, rw2, []byte("two"))
	require.Equal(t, []byte("two"), readFrame(t, rw2))

	require.Eventually(t, func() bool {
		n, _, c := d.snapshot()
		return n == 2 && c == 2
	}, time.Second, time.Millisecond)

	conn3, rw3 := dialFramed(t, ln.Addr())
	defer conn3.Close()
	writeFrame(t, rw3, []byte("three"))

	// conn3 sits in the kernel accept backlog; no echo arrives while n_active
	// == max_active.
	done := make(chan struct{})
	go func() {
		readFrame(t, rw3)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("third connection was admitted before a slot freed")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, conn1.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third connection was never admitted after a slot freed")
	}

	d.Stop()
	<-d.Drained()
	d.Done()
}

func TestPipelinedEcho(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	d, err := New([]net.Listener{ln}, echoUpstream{}, testCodec{}, 4)
	require.NoError(t, err)

	conn, rw := dialFramed(t, ln.Addr())

	const n = 100
	for i := 0; i < n; i++ {
		writeFrame(t, rw, []byte{byte(i)})
	}
	// echoUpstream answers each request on its own goroutine, so responses
	// may come back in any order; every request must be echoed exactly once.
	seen := make(map[byte]bool, n)
	for i := 0; i < n; i++ {
		got := readFrame(t, rw)
		require.Len(t, got, 1)
		require.False(t, seen[got[0]], "response %d echoed twice", got[0])
		seen[got[0]] = true
	}
	require.Len(t, seen, n)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		active, _, c := d.snapshot()
		return active == 0 && c == 0
	}, time.Second, time.Millisecond)

	d.Stop()
	<-d.Drained()
	d.Done()
}

func TestMidPipelineEOF(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	up := &controlledUpstream{}
	d, err := New([]net.Listener{ln}, up, testCodec{}, 4)
	require.NoError(t, err)

	conn, rw := dialFramed(t, ln.Addr())

	for i := 0; i < 5; i++ {
		writeFrame(t, rw, []byte{byte(i)})
	}
	require.Eventually(t, func() bool { return up.count() == 5 }, time.Second, time.Millisecond)

	tcpConn := conn.(*net.TCPConn)
	require.NoError(t, tcpConn.CloseWrite())

	require.Eventually(t, func() bool { return d.soleConnRequests(t) == 5 }, time.Second, time.Millisecond)

	up.complete(0, []byte{0}, nil)
	require.Equal(t, []byte{0}, readFrame(t, rw))
	up.complete(1, []byte{1}, nil)
	require.Equal(t, []byte{1}, readFrame(t, rw))

	require.Equal(t, 3, d.soleConnRequests(t), "n_requests must be 3 with 2 already written back")

	up.complete(2, []byte{2}, nil)
	require.Equal(t, []byte{2}, readFrame(t, rw))
	up.complete(3, []byte{3}, nil)
	require.Equal(t, []byte{3}, readFrame(t, rw))
	up.complete(4, []byte{4}, nil)
	require.Equal(t, []byte{4}, readFrame(t, rw))

	require.Eventually(t, func() bool {
		active, _, c := d.snapshot()
		return active == 0 && c == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	d.Stop()
	<-d.Drained()
	d.Done()
}

func TestUpstreamFailureMidFlightDrainsDispatcher(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	up := &controlledUpstream{}
	d, err := New([]net.Listener{ln}, up, testCodec{}, 8)
	require.NoError(t, err)

	const conns = 4
	const perConn = 10

	clients := make([]net.Conn, conns)
	for i := 0; i < conns; i++ {
		c, rw := dialFramed(t, ln.Addr())
		clients[i] = c
		for j := 0; j < perConn; j++ {
			writeFrame(t, rw, []byte{byte(i), byte(j)})
		}
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	require.Eventually(t, func() bool { return up.count() == conns*perConn }, time.Second, time.Millisecond)

	// Fail exactly one in-flight request; this must cascade the dispatcher
	// into drain state (I5): failed becomes true, no new accepts, every
	// armed read cancelled.
	up.complete(0, nil, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		_, failed, _ := d.snapshot()
		return failed
	}, time.Second, time.Millisecond)

	// Every remaining in-flight request either completes normally (its
	// write may or may not land depending on whether the peer is still
	// reading) or is cascade-freed; either way, the dispatcher must
	// eventually reach alive() == false once everything unwinds.
	for i := 1; i < up.count(); i++ {
		up.complete(i, []byte{0}, nil)
	}

	select {
	case <-d.Drained():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never drained after upstream failure")
	}

	active, failed, c := d.snapshot()
	require.Equal(t, 0, active)
	require.True(t, failed)
	require.Equal(t, 0, c)

	d.Done()
}

func TestAcceptErrorOnOneListenerIsNonFatal(t *testing.T) {
	good := listenLoopback(t)
	defer good.Close()
	bad := listenLoopback(t)

	d, err := New([]net.Listener{good, bad}, echoUpstream{}, testCodec{}, 4)
	require.NoError(t, err)

	// Force a transient accept error on the second listener by closing it
	// out from under the dispatcher's accept loop; acceptLoop must log and
	// keep running rather than treating this as fatal, and the first
	// listener keeps admitting.
	require.NoError(t, bad.Close())

	conn, rw := dialFramed(t, good.Addr())
	defer conn.Close()
	writeFrame(t, rw, []byte("still healthy"))
	require.Equal(t, []byte("still healthy"), readFrame(t, rw))

	_, failed, _ := d.snapshot()
	require.False(t, failed)

	d.Stop()
	<-d.Drained()
	d.Done()
}
