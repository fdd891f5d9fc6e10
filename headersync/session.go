package headersync

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"decred.org/dcrwallet/v2/errors"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/planetdecred/lightsync/chain"
)

const (
	// DefaultChunkSize is the number of headers requested at once from peers
	// that support chunked requests.
	DefaultChunkSize int32 = 2016

	// chunkThreshold is how far behind the target a session must be before
	// it switches to chunked requests.
	chunkThreshold = 10
)

// Config configures a Session.
type Config struct {
	Peer     Peer
	Registry *chain.Registry
	Params   *chaincfg.Params

	// Tip is the height the peer claims as its tip. No header above it is
	// requested.
	Tip int32

	// Active is the store the session starts on. Defaults to the registry
	// root.
	Active *chain.HeaderStore

	// ForkFunc creates new forks. Defaults to Registry.Fork.
	ForkFunc ForkFunc

	// ChunkSize is the number of headers to request at once from a
	// ChunkPeer. Zero selects DefaultChunkSize and a negative value disables
	// chunked requests.
	ChunkSize int32

	// Now returns the current time for timestamp checks. Defaults to
	// time.Now.
	Now func() time.Time
}

// Session synchronizes the registry against a single peer. A session is
// driven from a single goroutine; sessions for different peers may run
// concurrently against the same registry.
type Session struct {
	peer       Peer
	registry   *chain.Registry
	forkFn     ForkFunc
	powLimit   *big.Int
	chunkSize  int32
	now        func() time.Time
	tip        int32
	checkpoint int32

	active  *chain.HeaderStore
	mode    Mode
	probes  []Probe
	fetched int
	touched []*chain.HeaderStore
	forks   []*chain.HeaderStore
}

// NewSession creates a session for cfg.Peer.
func NewSession(cfg *Config) (*Session, error) {
	const op errors.Op = "headersync.NewSession"
	switch {
	case cfg.Peer == nil:
		return nil, errors.E(op, errors.Invalid, "no peer")
	case cfg.Registry == nil:
		return nil, errors.E(op, errors.Invalid, "no registry")
	case cfg.Params == nil:
		return nil, errors.E(op, errors.Invalid, "no network parameters")
	}

	s := &Session{
		peer:       cfg.Peer,
		registry:   cfg.Registry,
		forkFn:     cfg.ForkFunc,
		powLimit:   cfg.Params.PowLimit,
		chunkSize:  cfg.ChunkSize,
		now:        cfg.Now,
		tip:        cfg.Tip,
		checkpoint: cfg.Registry.Root().Forkpoint(),
		active:     cfg.Active,
	}
	if s.forkFn == nil {
		s.forkFn = cfg.Registry.Fork
	}
	if s.chunkSize == 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.active == nil {
		s.active = cfg.Registry.Root()
	}
	return s, nil
}

// Active returns the store the session currently follows.
func (s *Session) Active() *chain.HeaderStore {
	return s.active
}

// Mode returns the mode of the last header request.
func (s *Session) Mode() Mode {
	return s.mode
}

// Probes returns every header request made so far, in order.
func (s *Session) Probes() []Probe {
	return s.probes
}

// Fetched returns the number of headers received from the peer.
func (s *Session) Fetched() int {
	return s.fetched
}

// Touched returns the stores the session appended to or created.
func (s *Session) Touched() []*chain.HeaderStore {
	return s.touched
}

// Forks returns the stores the session created or switched to at a fork
// point.
func (s *Session) Forks() []*chain.HeaderStore {
	return s.forks
}

func (s *Session) touch(store *chain.HeaderStore) {
	for _, t := range s.touched {
		if t == store {
			return
		}
	}
	s.touched = append(s.touched, store)
}

// Sync runs the session from the active store tip to the peer tip. A peer
// that is not ahead of the active store has its tip header checked instead.
func (s *Session) Sync(ctx context.Context) (Mode, int32, error) {
	const op errors.Op = "headersync.Sync"
	if s.tip <= s.checkpoint {
		return 0, s.tip, s.misbehaving(op, s.tip, "tip below checkpoint")
	}

	height := s.active.TipHeight() + 1
	if height <= s.tip {
		return s.SyncUntil(ctx, height, s.tip)
	}

	header, err := s.fetch(ctx, s.tip, ModeCatchup)
	if err != nil {
		return ModeCatchup, s.tip, err
	}
	if store := s.registry.CheckHeader(header, s.active); store != nil {
		s.active = store
		return ModeCatchup, s.tip + 1, nil
	}
	return s.syncUntil(ctx, s.tip, s.tip, header)
}

// SyncUntil processes heights starting at height until a height above
// nextHeight is reached or the peer contradicts a known fork. At least one
// step is always taken. It returns the mode of the last step and the next
// height needing attention.
func (s *Session) SyncUntil(ctx context.Context, height, nextHeight int32) (Mode, int32, error) {
	return s.syncUntil(ctx, height, nextHeight, nil)
}

// syncUntil implements SyncUntil. header, when not nil, is the already
// fetched header at height and is used for the first step.
func (s *Session) syncUntil(ctx context.Context, height, nextHeight int32, header *chain.Header) (Mode, int32, error) {
	const op errors.Op = "headersync.SyncUntil"
	if height <= s.checkpoint || height > s.tip {
		return 0, height, errors.E(op, errors.Invalid, fmt.Sprintf("height %d is outside (%d, %d]",
			height, s.checkpoint, s.tip))
	}
	if nextHeight > s.tip {
		nextHeight = s.tip
	}

	var last Mode
	for first := true; first || height <= nextHeight; first = false {
		prevMode, prevHeight := last, height

		var err error
		if peer, ok := s.peer.(ChunkPeer); ok && header == nil && s.chunkSize > 0 && nextHeight > height+chunkThreshold {
			last, height, err = s.catchupChunk(ctx, peer, height, nextHeight)
		} else {
			last, height, err = s.step(ctx, height, header)
			header = nil
		}
		if err != nil {
			return s.mode, height, err
		}
		if !first && last == prevMode && height == prevHeight {
			return last, height, errors.E(op, errors.Bug, fmt.Sprintf("no progress at height %d (%v)", height, last))
		}
		if last == ModeForkConflict {
			break
		}
	}

	log.Debugf("Session with %v finished at height %d (%v)", s.peer, height, last)
	return last, height, nil
}

// step processes one height. header, when not nil, is the already fetched
// header at height.
func (s *Session) step(ctx context.Context, height int32, header *chain.Header) (Mode, int32, error) {
	const op errors.Op = "headersync.step"

	var err error
	if header == nil {
		header, err = s.fetch(ctx, height, ModeCatchup)
		if err != nil {
			return ModeCatchup, height, err
		}
	}

	if store := s.registry.CheckHeader(header, s.active); store != nil {
		s.active = store
		return ModeCatchup, height + 1, nil
	}
	if store := s.extend(header); store != nil {
		s.active = store
		return ModeCatchup, height + 1, nil
	}

	good, goodHeader, bad, badHeader, err := s.searchBackward(ctx, height, header)
	if err != nil {
		return ModeBackward, height, err
	}
	if store := s.extend(goodHeader); store != nil {
		log.Debugf("Header %d from %v connects to %v", good, s.peer, store)
		s.active = store
		return ModeCatchup, good + 1, nil
	}
	store := s.registry.CheckHeader(goodHeader, s.active)
	if store == nil {
		return ModeBackward, height, errors.E(op, errors.Invalid,
			fmt.Sprintf("store recording header %d was removed during the search", good))
	}
	s.active = store

	bad, badHeader, err = s.searchBinary(ctx, good, bad, badHeader)
	if err != nil {
		return ModeBinary, height, err
	}
	return s.resolveFork(bad-1, bad, badHeader)
}

// extend appends h to a store whose tip it directly follows. A store that
// recorded h concurrently also counts as extended.
func (s *Session) extend(h *chain.Header) *chain.HeaderStore {
	store := s.registry.CanConnect(h)
	if store == nil {
		return nil
	}
	if err := store.Append(h); err != nil {
		if chain.Matches(store, h) {
			return store
		}
		log.Debugf("Store %v moved while appending %v: %v", store, h, err)
		return nil
	}
	s.touch(store)
	return store
}

// searchBackward steps away from the peer tip until the peer agrees with a
// store or serves a header that can be appended to one. The distance to the
// tip doubles on every step and the checkpoint bounds the search.
func (s *Session) searchBackward(ctx context.Context, height int32, header *chain.Header) (
	good int32, goodHeader *chain.Header, bad int32, badHeader *chain.Header, err error) {

	const op errors.Op = "headersync.searchBackward"

	bad, badHeader = height, header
	height--
	for {
		atCheckpoint := false
		if height <= s.checkpoint {
			height = s.checkpoint
			atCheckpoint = true
		}

		header, err = s.fetch(ctx, height, ModeBackward)
		if err != nil {
			return
		}
		if s.registry.CheckHeader(header, s.active) != nil || s.registry.CanConnect(header) != nil {
			return height, header, bad, badHeader, nil
		}
		if atCheckpoint {
			err = s.misbehaving(op, height, "chain conflicts with checkpoint")
			return
		}

		bad, badHeader = height, header
		height = s.tip - 2*(s.tip-height)
	}
}

// searchBinary narrows (good, bad) down to adjacent heights. The returned
// header at bad must connect to the header the active store holds at
// bad-1.
func (s *Session) searchBinary(ctx context.Context, good, bad int32, badHeader *chain.Header) (int32, *chain.Header, error) {
	const op errors.Op = "headersync.searchBinary"

	for bad-good > 1 {
		height := (good + bad) / 2
		header, err := s.fetch(ctx, height, ModeBinary)
		if err != nil {
			return bad, badHeader, err
		}
		if store := s.registry.CheckHeader(header, s.active); store != nil {
			s.active = store
			good = height
		} else {
			bad, badHeader = height, header
		}
	}

	if !chain.Connects(s.active, badHeader) {
		return bad, badHeader, s.misbehaving(op, bad, fmt.Sprintf("header does not connect to agreed header %d", good))
	}
	log.Debugf("Peer %v diverges from %v at height %d", s.peer, s.active, bad)
	return bad, badHeader, nil
}

// resolveFork decides what to do with badHeader, the first header at which
// the peer diverges from the active store.
func (s *Session) resolveFork(good, bad int32, badHeader *chain.Header) (Mode, int32, error) {
	const op errors.Op = "headersync.resolveFork"

	if existing, ok := s.registry.Get(bad); ok {
		return s.joinFork(existing, badHeader)
	}

	// The active store may only agree at good through its parents. The new
	// fork hangs off the store that owns good.
	for s.active.Parent() != nil && good < s.active.Forkpoint() {
		s.active = s.active.Parent()
	}

	if s.active.TipHeight() == good {
		if err := s.active.Append(badHeader); err == nil {
			s.touch(s.active)
			return ModeCatchup, bad + 1, nil
		}
		log.Debugf("Store %v extended concurrently, forking at %d", s.active, bad)
	}

	store, err := s.forkFn(s.active, badHeader)
	if err != nil {
		if errors.Is(err, errors.Exist) {
			if existing, ok := s.registry.Get(bad); ok {
				return s.joinFork(existing, badHeader)
			}
		}
		return s.mode, bad, errors.E(op, err)
	}
	if store.Forkpoint() != bad {
		return s.mode, bad, errors.E(op, errors.Bug, fmt.Sprintf("fork created at %d, expected %d", store.Forkpoint(), bad))
	}
	if err := s.registry.Register(store); err != nil {
		if errors.Is(err, errors.Exist) {
			if existing, ok := s.registry.Get(bad); ok {
				return s.joinFork(existing, badHeader)
			}
		}
		return s.mode, bad, errors.E(op, err)
	}

	log.Infof("New fork at height %d from %v", bad, s.peer)
	s.touch(store)
	s.forks = append(s.forks, store)
	s.active = store
	return ModeForkNoConflict, bad + 1, nil
}

// joinFork switches to existing when it starts with badHeader. Any other
// first header is a conflict and ends the session.
func (s *Session) joinFork(existing *chain.HeaderStore, badHeader *chain.Header) (Mode, int32, error) {
	bad := badHeader.Height
	if existing.Forkpoint() == bad && chain.Matches(existing, badHeader) {
		log.Debugf("Peer %v follows known fork at height %d", s.peer, bad)
		s.active = existing
		s.forks = append(s.forks, existing)
		return ModeForkNoConflict, bad + 1, nil
	}
	log.Warnf("Peer %v conflicts with known fork at height %d", s.peer, bad)
	s.mode = ModeForkConflict
	return ModeForkConflict, bad + 1, nil
}

// catchupChunk requests up to ChunkSize headers at once and appends them in
// order. If the first header does not fit anywhere the session falls back to
// a single step with it.
func (s *Session) catchupChunk(ctx context.Context, peer ChunkPeer, height, nextHeight int32) (Mode, int32, error) {
	const op errors.Op = "headersync.catchupChunk"

	if err := ctx.Err(); err != nil {
		return ModeCatchup, height, err
	}
	count := nextHeight - height + 1
	if count > s.chunkSize {
		count = s.chunkSize
	}

	s.mode = ModeCatchup
	s.probes = append(s.probes, Probe{Height: height, Mode: ModeCatchup})
	log.Debugf("Requesting %d headers from height %d from %v", count, height, s.peer)
	headers, err := peer.Headers(ctx, height, count)
	if err != nil {
		return ModeCatchup, height, s.peerError(ctx, op, height, err)
	}
	if len(headers) == 0 || len(headers) > int(count) {
		return ModeCatchup, height, s.misbehaving(op, height,
			fmt.Sprintf("served %d headers for a request of %d", len(headers), count))
	}
	for i, h := range headers {
		if err := s.validate(op, h, height+int32(i)); err != nil {
			return ModeCatchup, height, err
		}
	}
	s.fetched += len(headers)

	for i, h := range headers {
		if store := s.registry.CheckHeader(h, s.active); store != nil {
			s.active = store
			continue
		}
		if store := s.extend(h); store != nil {
			s.active = store
			continue
		}
		if i == 0 {
			return s.step(ctx, height, h)
		}
		return ModeCatchup, h.Height, nil
	}
	return ModeCatchup, height + int32(len(headers)), nil
}

func (s *Session) fetch(ctx context.Context, height int32, mode Mode) (*chain.Header, error) {
	const op errors.Op = "headersync.fetch"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mode = mode
	s.probes = append(s.probes, Probe{Height: height, Mode: mode})
	log.Tracef("Requesting header %d from %v (%v)", height, s.peer, mode)

	h, err := s.peer.Header(ctx, height)
	if err != nil {
		return nil, s.peerError(ctx, op, height, err)
	}
	if err := s.validate(op, h, height); err != nil {
		return nil, err
	}
	s.fetched++
	return h, nil
}

func (s *Session) validate(op errors.Op, h *chain.Header, height int32) error {
	if h == nil {
		return s.misbehaving(op, height, "no header served")
	}
	if h.Height != height {
		return s.misbehaving(op, height, fmt.Sprintf("served header for height %d", h.Height))
	}
	if err := chain.CheckProofOfWork(h, s.powLimit); err != nil {
		return s.misbehaving(op, height, err.Error())
	}
	if err := chain.CheckTimestamp(h, s.now()); err != nil {
		return s.misbehaving(op, height, err.Error())
	}
	return nil
}

func (s *Session) misbehaving(op errors.Op, height int32, reason string) error {
	log.Warnf("Peer %v misbehaving at height %d: %s", s.peer, height, reason)
	return errors.E(op, errors.Protocol, &PeerProtocolError{
		Peer:   s.peer.String(),
		Height: height,
		Reason: reason,
	})
}

func (s *Session) peerError(ctx context.Context, op errors.Op, height int32, err error) error {
	var timeout *PeerTimeoutError
	var protocol *PeerProtocolError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &timeout):
		return errors.E(op, errors.IO, err)
	case errors.As(err, &protocol):
		return errors.E(op, errors.Protocol, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errors.E(op, errors.IO, &PeerTimeoutError{Peer: s.peer.String(), Height: height})
	default:
		return errors.E(op, errors.IO, err)
	}
}
