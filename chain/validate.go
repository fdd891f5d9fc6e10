package chain

import (
	"fmt"
	"math/big"
	"time"

	"decred.org/dcrwallet/v2/errors"
	"github.com/btcsuite/btcd/blockchain"
)

// MaxTimeOffset is how far into the future a header timestamp may be.
const MaxTimeOffset = 2 * time.Hour

// Matches reports whether store records exactly h at h.Height.
func Matches(store *HeaderStore, h *Header) bool {
	if store == nil || h == nil {
		return false
	}
	recorded, ok := store.Get(h.Height)
	return ok && recorded.hash == h.hash
}

// Connects reports whether h references the header store holds at
// h.Height-1. A missing predecessor means h does not connect.
func Connects(store *HeaderStore, h *Header) bool {
	if store == nil || h == nil {
		return false
	}
	prev, ok := store.Get(h.Height - 1)
	return ok && prev.hash == h.PrevBlock
}

// CheckProofOfWork verifies that the header hash satisfies the target encoded
// in its bits and that the target does not exceed powLimit. This is a
// plausibility check only; difficulty retargeting is not verified.
func CheckProofOfWork(h *Header, powLimit *big.Int) error {
	const op errors.Op = "chain.CheckProofOfWork"

	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return errors.E(op, errors.Consensus, fmt.Sprintf("header %v target difficulty of %064x is too low", h, target))
	}
	if target.Cmp(powLimit) > 0 {
		return errors.E(op, errors.Consensus, fmt.Sprintf("header %v target difficulty of %064x is higher than max of %064x",
			h, target, powLimit))
	}

	hash := h.Hash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return errors.E(op, errors.Consensus, fmt.Sprintf("header %v hash is higher than expected max of %064x", h, target))
	}
	return nil
}

// CheckTimestamp rejects headers stamped more than MaxTimeOffset after now.
func CheckTimestamp(h *Header, now time.Time) error {
	const op errors.Op = "chain.CheckTimestamp"
	if h.Timestamp.After(now.Add(MaxTimeOffset)) {
		return errors.E(op, errors.Consensus, fmt.Sprintf("header %v timestamp %v is too far in the future", h, h.Timestamp))
	}
	return nil
}
