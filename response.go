package lightsync

import (
	"context"

	"decred.org/dcrwallet/v2/errors"
)

const (
	// Error Codes
	ErrUnsupportedNetwork    = "unsupported_network"
	ErrDatabaseInUse         = "database_in_use"
	ErrSyncAlreadyInProgress = "sync_already_in_progress"
	ErrListenerAlreadyExist  = "listener_already_exist"
)

const (
	// User-facing messages
	ForkConflictMessage    = "unable to verify chain, try another server"
	MisbehavingPeerMessage = "server misbehaving, disconnecting"
	PeerTimeoutMessage     = "server not responding, try another server"
	SyncCanceledMessage    = "sync canceled"
)

// ErrorMessage translates a sync error into the text shown to users.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return SyncCanceledMessage
	case errors.Is(err, errors.Protocol):
		return MisbehavingPeerMessage
	case errors.Is(err, errors.Consensus):
		return ForkConflictMessage
	case errors.Is(err, errors.IO):
		return PeerTimeoutMessage
	default:
		return err.Error()
	}
}
