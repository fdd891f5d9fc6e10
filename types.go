package lightsync

import (
	"context"

	"github.com/planetdecred/lightsync/headersync"
)

// TipPeer is a peer that can report the height of its chain tip.
type TipPeer interface {
	headersync.Peer
	Tip(ctx context.Context) (int32, error)
}

// ForkInfo describes one header store known to the Syncer.
type ForkInfo struct {
	Forkpoint int32
	// Parent is the fork point of the parent store, -1 for the root.
	Parent    int32
	TipHeight int32
	TipHash   string
	ChainWork string
	IsBest    bool
}

// SyncResult is the outcome of syncing with one peer.
type SyncResult struct {
	Peer    string
	Mode    headersync.Mode
	Height  int32
	Fetched int
	// Forks lists the fork points created or joined while syncing.
	Forks []int32
	Err   error
}

// Message returns the text to show users for a failed or conflicting sync,
// or an empty string.
func (r *SyncResult) Message() string {
	if r.Err != nil {
		return ErrorMessage(r.Err)
	}
	if r.Mode == headersync.ModeForkConflict {
		return ForkConflictMessage
	}
	return ""
}
