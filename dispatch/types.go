// Package dispatch implements the request multiplexer core: a single-hop
// dispatcher that accepts client connections on a set of listeners, forwards
// every framed request to a single upstream target over a multiplexed
// request/response channel, and returns each response to the originating
// client in the order the upstream completes it.
//
// The package deliberately knows nothing about request contents, routing,
// or the upstream wire protocol; those are the FramedReader/FramedWriter and
// Upstream collaborators a caller supplies. See framedcodec and upstream for
// the reference implementations used by cmd/dispatchd.
package dispatch

import (
	"context"
	"net"

	"github.com/hybscloud/dispatchd/framedcodec"
)

// ResponseFunc is invoked by an Upstream exactly once per enqueued request.
// buf is nil and err is non-nil when the upstream has failed the request;
// the dispatcher treats any such failure as fatal to the whole dispatcher
// (see Dispatcher's drain state). A non-nil buf with a nil err is a normal
// response body to write back to the originating client.
type ResponseFunc func(cookie any, buf []byte, err error)

// Upstream is the external request queue collaborator: it owns the target
// connection, assigns request identifiers, and delivers responses
// out-of-order, associated back to the caller by cookie. Enqueue must not
// modify body; the dispatcher detaches body from its Packet (BeginAwait)
// before calling Enqueue and never touches it afterwards, so the Upstream
// may keep the slice for as long as it needs it.
type Upstream interface {
	// Enqueue hands one request body upstream. cb is called exactly once,
	// from a goroutine owned by the Upstream implementation, with either a
	// response body or a non-nil err. cookie is opaque to Upstream and
	// passed back verbatim to cb.
	Enqueue(ctx context.Context, body []byte, cb ResponseFunc, cookie any) error
}

// FramedReader reads one framed request packet at a time from a client
// connection. At most one ReadPacket call is ever outstanding on a given
// FramedReader; dispatch enforces this structurally with a single read loop
// goroutine per connection.
type FramedReader interface {
	ReadPacket(ctx context.Context) (*framedcodec.Packet, error)
	Close() error
}

// FramedWriter writes one framed response packet at a time back to a client
// connection. WritePacket invokes cb exactly once with the final outcome
// (nil on success, non-nil on failure) and its own return is always nil:
// there is no separate submit-failure path distinct from cb, so a caller
// must release p's forwardee from cb alone, never from WritePacket's return.
type FramedWriter interface {
	WritePacket(ctx context.Context, p *framedcodec.Packet, cb func(err error)) error
	Close() error
}

// Codec constructs the framed reader/writer pair bound to an accepted
// connection. Supplied by the caller so dispatch never imports a concrete
// transport codec directly.
type Codec interface {
	NewReader(conn net.Conn) FramedReader
	NewWriter(conn net.Conn) FramedWriter
}
