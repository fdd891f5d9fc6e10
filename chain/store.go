package chain

import (
	"fmt"
	"math/big"
	"sync"

	"decred.org/dcrwallet/v2/errors"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// DiscontinuityError describes a header that does not extend the tip of the
// store it was appended to.
type DiscontinuityError struct {
	Height    int32
	Expected  int32
	PrevBlock chainhash.Hash
	TipHash   chainhash.Hash
}

func (e *DiscontinuityError) Error() string {
	if e.Height != e.Expected {
		return fmt.Sprintf("header at height %d does not follow tip at height %d", e.Height, e.Expected-1)
	}
	return fmt.Sprintf("header at height %d references previous block %v, tip is %v",
		e.Height, e.PrevBlock, e.TipHash)
}

// HeaderStore is a contiguous run of headers starting at its fork point. A
// store created by forking reads heights below its fork point through its
// parent. The root store starts at a trusted checkpoint and has no parent.
type HeaderStore struct {
	forkpoint int32
	parent    *HeaderStore

	mtx     sync.RWMutex
	headers []*Header
	// work[i] is the cumulative work of headers[0..i].
	work []*big.Int
}

// NewRootStore creates the store seeded with a trusted checkpoint header.
func NewRootStore(checkpoint *Header) *HeaderStore {
	s := &HeaderStore{forkpoint: checkpoint.Height}
	s.push(checkpoint)
	return s
}

// NewForkStore creates a store whose first header is first and whose history
// below first.Height is provided by parent. The store is not registered; use
// Registry.Fork or Registry.Register for that.
func NewForkStore(parent *HeaderStore, first *Header) (*HeaderStore, error) {
	const op errors.Op = "chain.NewForkStore"
	if parent == nil {
		return nil, errors.E(op, errors.Invalid, "fork requires a parent store")
	}
	if first.Height <= parent.forkpoint {
		return nil, errors.E(op, errors.Invalid, fmt.Sprintf("fork at height %d is not above parent fork point %d",
			first.Height, parent.forkpoint))
	}
	if first.Height > parent.TipHeight() {
		return nil, errors.E(op, errors.Invalid, fmt.Sprintf("header at height %d extends parent tip %d, not a fork",
			first.Height, parent.TipHeight()))
	}
	if !Connects(parent, first) {
		return nil, errors.E(op, errors.Consensus, fmt.Sprintf("header %v does not connect to parent", first))
	}
	if Matches(parent, first) {
		return nil, errors.E(op, errors.Invalid, fmt.Sprintf("parent already records header %v", first))
	}

	s := &HeaderStore{forkpoint: first.Height, parent: parent}
	s.push(first)
	return s, nil
}

func (s *HeaderStore) push(h *Header) {
	work := blockchain.CalcWork(h.Bits)
	if n := len(s.work); n > 0 {
		work.Add(work, s.work[n-1])
	}
	s.headers = append(s.headers, h)
	s.work = append(s.work, work)
}

// Forkpoint returns the first height owned by the store.
func (s *HeaderStore) Forkpoint() int32 {
	return s.forkpoint
}

// Parent returns the store this store was forked from, nil for the root.
func (s *HeaderStore) Parent() *HeaderStore {
	return s.parent
}

// IsRoot reports whether s is a root store.
func (s *HeaderStore) IsRoot() bool {
	return s.parent == nil
}

// Get returns the header recorded at height, reading through to the parent
// for heights below the fork point.
func (s *HeaderStore) Get(height int32) (*Header, bool) {
	if height < s.forkpoint {
		if s.parent == nil {
			return nil, false
		}
		return s.parent.Get(height)
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	i := int(height - s.forkpoint)
	if i >= len(s.headers) {
		return nil, false
	}
	return s.headers[i], true
}

// Contains reports whether a header is recorded at height.
func (s *HeaderStore) Contains(height int32) bool {
	_, ok := s.Get(height)
	return ok
}

// TipHeight returns the height of the last recorded header.
func (s *HeaderStore) TipHeight() int32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.forkpoint + int32(len(s.headers)) - 1
}

// Tip returns the last recorded header.
func (s *HeaderStore) Tip() *Header {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.headers[len(s.headers)-1]
}

// Append adds h at the tip. h must be at tip height + 1 and reference the
// tip's hash; otherwise a DiscontinuityError is returned and the store is left
// unchanged.
func (s *HeaderStore) Append(h *Header) error {
	const op errors.Op = "chain.HeaderStore.Append"

	s.mtx.Lock()
	defer s.mtx.Unlock()

	tip := s.headers[len(s.headers)-1]
	if h.Height != tip.Height+1 || h.PrevBlock != tip.hash {
		return errors.E(op, errors.Consensus, &DiscontinuityError{
			Height:    h.Height,
			Expected:  tip.Height + 1,
			PrevBlock: h.PrevBlock,
			TipHash:   tip.hash,
		})
	}

	s.push(h)
	return nil
}

// TruncateTo removes every header above height. Truncating below the fork
// point is not allowed.
func (s *HeaderStore) TruncateTo(height int32) error {
	const op errors.Op = "chain.HeaderStore.TruncateTo"
	if height < s.forkpoint {
		return errors.E(op, errors.Invalid, fmt.Sprintf("cannot truncate store at %d to height %d",
			s.forkpoint, height))
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	keep := int(height-s.forkpoint) + 1
	if keep >= len(s.headers) {
		return nil
	}
	for i := keep; i < len(s.headers); i++ {
		s.headers[i] = nil
		s.work[i] = nil
	}
	s.headers = s.headers[:keep]
	s.work = s.work[:keep]
	return nil
}

// Headers returns a snapshot of the headers owned by the store from height
// onwards. Heights below the fork point are clamped to it.
func (s *HeaderStore) Headers(from int32) []*Header {
	if from < s.forkpoint {
		from = s.forkpoint
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	i := int(from - s.forkpoint)
	if i >= len(s.headers) {
		return nil
	}
	headers := make([]*Header, len(s.headers)-i)
	copy(headers, s.headers[i:])
	return headers
}

// ChainWork returns the cumulative proof of work up to the tip, including the
// parent history below the fork point.
func (s *HeaderStore) ChainWork() *big.Int {
	return s.workAt(s.TipHeight())
}

func (s *HeaderStore) workAt(height int32) *big.Int {
	if height < s.forkpoint {
		if s.parent == nil {
			return new(big.Int)
		}
		return s.parent.workAt(height)
	}

	base := new(big.Int)
	if s.parent != nil {
		base = s.parent.workAt(s.forkpoint - 1)
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	i := int(height - s.forkpoint)
	if i >= len(s.work) {
		i = len(s.work) - 1
	}
	return base.Add(base, s.work[i])
}

func (s *HeaderStore) String() string {
	return fmt.Sprintf("store(%d..%d)", s.forkpoint, s.TipHeight())
}
