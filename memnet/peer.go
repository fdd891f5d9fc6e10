// Package memnet provides an in-memory header server used by the demo and
// by tests in place of a network transport.
package memnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"decred.org/dcrwallet/v2/errors"
	"github.com/planetdecred/lightsync/chain"
)

// Peer serves a header chain held in memory. It implements
// headersync.ChunkPeer.
type Peer struct {
	name string

	mtx      sync.RWMutex
	headers  []*chain.Header
	faults   map[int32]error
	latency  time.Duration
	requests int
}

// NewPeer creates a peer serving headers, which must be indexed by height.
func NewPeer(name string, headers []*chain.Header) *Peer {
	return &Peer{
		name:    name,
		headers: headers,
		faults:  make(map[int32]error),
	}
}

func (p *Peer) String() string {
	return p.name
}

// SetHeaders replaces the served chain, simulating a reorg on the server.
func (p *Peer) SetHeaders(headers []*chain.Header) {
	p.mtx.Lock()
	p.headers = headers
	p.mtx.Unlock()
}

// SetLatency delays every response by d.
func (p *Peer) SetLatency(d time.Duration) {
	p.mtx.Lock()
	p.latency = d
	p.mtx.Unlock()
}

// InjectFault makes requests for height fail with err.
func (p *Peer) InjectFault(height int32, err error) {
	p.mtx.Lock()
	p.faults[height] = err
	p.mtx.Unlock()
}

// Requests returns the number of requests served so far.
func (p *Peer) Requests() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.requests
}

// Tip returns the height of the last served header.
func (p *Peer) Tip(ctx context.Context) (int32, error) {
	if err := p.wait(ctx); err != nil {
		return 0, err
	}
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return int32(len(p.headers)) - 1, nil
}

// Header returns the header at height.
func (p *Peer) Header(ctx context.Context, height int32) (*chain.Header, error) {
	const op errors.Op = "memnet.Header"
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.requests++
	if err, ok := p.faults[height]; ok {
		return nil, err
	}
	if height < 0 || int(height) >= len(p.headers) {
		return nil, errors.E(op, errors.NotExist, fmt.Sprintf("%s has no header at height %d", p.name, height))
	}
	return p.headers[height], nil
}

// Headers returns up to count headers starting at start.
func (p *Peer) Headers(ctx context.Context, start, count int32) ([]*chain.Header, error) {
	const op errors.Op = "memnet.Headers"
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.requests++
	if start < 0 || int(start) >= len(p.headers) {
		return nil, errors.E(op, errors.NotExist, fmt.Sprintf("%s has no header at height %d", p.name, start))
	}
	end := int(start + count)
	if end > len(p.headers) {
		end = len(p.headers)
	}
	for height := start; int(height) < end; height++ {
		if err, ok := p.faults[height]; ok {
			return nil, err
		}
	}
	headers := make([]*chain.Header, end-int(start))
	copy(headers, p.headers[start:end])
	return headers, nil
}

func (p *Peer) wait(ctx context.Context) error {
	p.mtx.RLock()
	latency := p.latency
	p.mtx.RUnlock()
	if latency == 0 {
		return ctx.Err()
	}

	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
