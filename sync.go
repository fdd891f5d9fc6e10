package lightsync

import (
	"context"
	"sync"

	"decred.org/dcrwallet/v2/errors"
	"github.com/planetdecred/lightsync/chain"
	"github.com/planetdecred/lightsync/headersync"
	"golang.org/x/sync/errgroup"
)

type syncData struct {
	mu sync.Mutex

	syncProgressListeners map[string]SyncProgressListener

	syncing    bool
	cancelSync context.CancelFunc
}

// IsSyncing reports whether SyncPeers is running.
func (s *Syncer) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// CancelSync stops a running SyncPeers call. Headers already accepted are
// kept.
func (s *Syncer) CancelSync() {
	s.mu.Lock()
	cancel := s.cancelSync
	s.mu.Unlock()

	if cancel != nil {
		log.Info("Canceling header sync. May take a while for sync to fully cancel.")
		cancel()
	}
}

// SyncPeer runs one session against peer, whose chain tip is at tip, and
// persists every store the session changed. The returned error is also
// recorded in the result.
func (s *Syncer) SyncPeer(ctx context.Context, peer headersync.Peer, tip int32) (*SyncResult, error) {
	const op errors.Op = "lightsync.SyncPeer"

	session, err := headersync.NewSession(&headersync.Config{
		Peer:      peer,
		Registry:  s.registry,
		Params:    s.chainParams,
		Tip:       tip,
		Active:    s.registry.Best(),
		ForkFunc:  s.forkFn,
		ChunkSize: s.ReadInt32ConfigValueForKey(HeaderChunkSizeConfigKey, headersync.DefaultChunkSize),
	})
	if err != nil {
		return nil, errors.E(op, err)
	}

	log.Debugf("Syncing headers with %v to height %d", peer, tip)
	mode, height, syncErr := session.Sync(ctx)

	result := &SyncResult{
		Peer:    peer.String(),
		Mode:    mode,
		Height:  height,
		Fetched: session.Fetched(),
	}
	for _, fork := range session.Forks() {
		result.Forks = append(result.Forks, fork.Forkpoint())
	}

	if err := s.persist(session.Touched()); err != nil {
		log.Errorf("Error saving headers from %v: %v", peer, err)
		if syncErr == nil {
			syncErr = err
		}
	}

	s.notifyHeadersFetched(result.Peer, result.Fetched, session.Active().TipHeight())
	for _, forkpoint := range result.Forks {
		s.notifyForkDetected(result.Peer, forkpoint)
	}

	switch {
	case syncErr != nil:
		result.Err = errors.E(op, syncErr)
		s.notifySyncError(result.Peer, syncErr)
		return result, result.Err
	case mode == headersync.ModeForkConflict:
		s.notifyForkConflict(result.Peer, height-1)
	default:
		s.notifySynced(result.Peer, session.Active().TipHeight())
	}
	return result, nil
}

// SyncPeers syncs with every peer concurrently. A failing peer does not stop
// the others; its error is recorded in its result. An error is returned only
// when the sync could not start or was canceled.
func (s *Syncer) SyncPeers(ctx context.Context, peers []TipPeer) ([]*SyncResult, error) {
	const op errors.Op = "lightsync.SyncPeers"

	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return nil, errors.E(op, errors.Invalid, ErrSyncAlreadyInProgress)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.syncing = true
	s.cancelSync = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.cancelSync = nil
		s.mu.Unlock()
		cancel()
	}()

	results := make([]*SyncResult, len(peers))
	var g errgroup.Group
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			tip, err := peer.Tip(ctx)
			if err != nil {
				results[i] = &SyncResult{Peer: peer.String(), Err: errors.E(op, errors.IO, err)}
				s.notifySyncError(peer.String(), err)
				return nil
			}
			result, err := s.SyncPeer(ctx, peer, tip)
			if result == nil {
				result = &SyncResult{Peer: peer.String(), Err: err}
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return results, errors.E(op, err)
	}
	return results, nil
}

func (s *Syncer) persist(stores []*chain.HeaderStore) error {
	for _, store := range stores {
		if registered, ok := s.registry.Get(store.Forkpoint()); !ok || registered != store {
			// Removed while the session was running.
			continue
		}
		if err := s.headerDB.SaveStore(store); err != nil {
			return err
		}
	}
	return nil
}
