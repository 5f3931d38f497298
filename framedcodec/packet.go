// Package framedcodec adapts the code.hybscloud.com/framer length-prefixed
// message codec to the dispatch.FramedReader / dispatch.FramedWriter
// contract, and owns the Packet buffer that is reused across the
// request/response round-trip of a single forwarded call.
package framedcodec

import "sync"

// state tracks which leg of the request/response round-trip currently owns
// Packet.buf. Only one of {Request, Awaiting, Response} holds the buffer at
// any instant: the framed reader hands it a request, the upstream queue
// takes it while the request is in flight, and the framed writer takes it
// back once a response arrives. Modeling the handoff explicitly makes a
// double free or a stale read structurally impossible instead of merely
// disciplined.
type state uint8

const (
	stateRequest state = iota
	stateAwaiting
	stateResponse
)

// Packet is the reused buffer object handed from the framed reader to the
// upstream queue and back to the framed writer. A Packet is never shared
// across two in-flight requests; Release returns it to a pool for reuse on
// the next accepted request.
type Packet struct {
	state state
	buf   []byte
}

var packetPool = sync.Pool{New: func() any { return new(Packet) }}

// newRequestPacket wraps a freshly read request payload. buf is owned by the
// Packet from this point until BeginAwait or Release lets go of it.
func newRequestPacket(buf []byte) *Packet {
	p := packetPool.Get().(*Packet)
	p.state = stateRequest
	p.buf = buf
	return p
}

// Body returns the buffer the packet currently holds: the request payload in
// the Request state, the response payload in the Response state, and nil in
// the Awaiting state.
func (p *Packet) Body() []byte { return p.buf }

// BeginAwait transitions the packet out of the Request state once its
// payload is about to be handed to the upstream queue, dropping the packet's
// reference to the request buffer (the queue keeps using the body slice it
// is handed; nothing is copied here).
func (p *Packet) BeginAwait() {
	p.buf = nil
	p.state = stateAwaiting
}

// Respond rebinds the packet to a response buffer delivered by the upstream
// queue, ready to be written back to the client.
func (p *Packet) Respond(buf []byte) {
	p.buf = buf
	p.state = stateResponse
}

// Release returns the packet to the pool. Callers must not touch p again.
func (p *Packet) Release() {
	p.buf = nil
	p.state = stateRequest
	packetPool.Put(p)
}
