package lightsync

import (
	"context"

	"decred.org/dcrwallet/v2/errors"
)

func (s *Syncer) AddSyncProgressListener(syncProgressListener SyncProgressListener, uniqueIdentifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.syncProgressListeners[uniqueIdentifier]; ok {
		return errors.New(ErrListenerAlreadyExist)
	}

	s.syncProgressListeners[uniqueIdentifier] = syncProgressListener
	return nil
}

func (s *Syncer) RemoveSyncProgressListener(uniqueIdentifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.syncProgressListeners, uniqueIdentifier)
}

func (s *Syncer) listeners() []SyncProgressListener {
	s.mu.Lock()
	defer s.mu.Unlock()

	listeners := make([]SyncProgressListener, 0, len(s.syncProgressListeners))
	for _, l := range s.syncProgressListeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (s *Syncer) notifyHeadersFetched(peer string, fetched int, lastHeight int32) {
	if fetched == 0 {
		return
	}
	for _, l := range s.listeners() {
		l.OnHeadersFetched(peer, int32(fetched), lastHeight)
	}
}

func (s *Syncer) notifyForkDetected(peer string, forkpoint int32) {
	log.Infof("Peer %s follows fork at height %d", peer, forkpoint)
	for _, l := range s.listeners() {
		l.OnForkDetected(peer, forkpoint)
	}
}

func (s *Syncer) notifyForkConflict(peer string, forkpoint int32) {
	log.Warnf("Peer %s conflicts with known fork at height %d", peer, forkpoint)
	for _, l := range s.listeners() {
		l.OnForkConflict(peer, forkpoint)
	}
}

func (s *Syncer) notifySynced(peer string, height int32) {
	log.Infof("Synced headers with %s to height %d", peer, height)
	for _, l := range s.listeners() {
		l.OnSynced(peer, height)
	}
}

// notifySyncError reports err to listeners. Protocol violations are reported
// as misbehaviour.
func (s *Syncer) notifySyncError(peer string, err error) {
	if errors.Is(err, errors.Protocol) {
		log.Warnf("Disconnecting misbehaving peer %s: %v", peer, err)
		for _, l := range s.listeners() {
			l.OnPeerMisbehaving(peer, err)
		}
		return
	}

	code := ErrorCodeUnexpectedError
	switch {
	case errors.Is(err, context.Canceled):
		code = ErrorCodeContextCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.IO):
		code = ErrorCodeDeadlineExceeded
	}
	log.Errorf("Header sync with %s failed: %v", peer, err)
	for _, l := range s.listeners() {
		l.OnSyncError(peer, code, err)
	}
}
