package lightsync

// SyncErrorCode classifies errors passed to SyncProgressListener.OnSyncError.
type SyncErrorCode int32

const (
	ErrorCodeUnexpectedError SyncErrorCode = iota
	ErrorCodeDeadlineExceeded
	ErrorCodeContextCanceled
)

// SyncProgressListener receives notifications about header sync with each
// peer. Callbacks may be invoked concurrently for different peers.
type SyncProgressListener interface {
	OnHeadersFetched(peer string, fetchedHeadersCount int32, lastHeight int32)
	OnForkDetected(peer string, forkpoint int32)
	OnForkConflict(peer string, forkpoint int32)
	OnPeerMisbehaving(peer string, err error)
	OnSynced(peer string, height int32)
	OnSyncError(peer string, code SyncErrorCode, err error)
}
