package headersync

import (
	"context"
	"fmt"

	"github.com/planetdecred/lightsync/chain"
)

// Peer is a remote server able to serve headers by height. Implementations
// must honour ctx cancellation.
type Peer interface {
	Header(ctx context.Context, height int32) (*chain.Header, error)
	String() string
}

// ChunkPeer is implemented by peers that can serve a run of consecutive
// headers in one request.
type ChunkPeer interface {
	Peer
	Headers(ctx context.Context, start int32, count int32) ([]*chain.Header, error)
}

// PeerTimeoutError is returned when a peer did not answer in time.
type PeerTimeoutError struct {
	Peer   string
	Height int32
}

func (e *PeerTimeoutError) Error() string {
	return fmt.Sprintf("peer %s timed out serving header %d", e.Peer, e.Height)
}

// PeerProtocolError is returned when a peer served data that is malformed or
// inconsistent with what it served before.
type PeerProtocolError struct {
	Peer   string
	Height int32
	Reason string
}

func (e *PeerProtocolError) Error() string {
	return fmt.Sprintf("peer %s misbehaving at height %d: %s", e.Peer, e.Height, e.Reason)
}

// ForkFunc materializes a new store forking from parent with h as its first
// header. An errors.Exist error means a different store already occupies that
// fork point.
type ForkFunc func(parent *chain.HeaderStore, h *chain.Header) (*chain.HeaderStore, error)
