package chain

import (
	"bytes"
	"fmt"

	"decred.org/dcrwallet/v2/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the length of a serialized block header.
const HeaderSize = wire.MaxBlockHeaderPayload

// Header is a block header placed at a known height. Headers are treated as
// immutable once they have been accepted into a HeaderStore.
type Header struct {
	wire.BlockHeader
	Height int32

	hash chainhash.Hash
}

// NewHeader wraps a wire header at the given height.
func NewHeader(bh *wire.BlockHeader, height int32) *Header {
	return &Header{
		BlockHeader: *bh,
		Height:      height,
		hash:        bh.BlockHash(),
	}
}

// ParseHeader decodes an 80 byte serialized header.
func ParseHeader(raw []byte, height int32) (*Header, error) {
	const op errors.Op = "chain.ParseHeader"
	if len(raw) != HeaderSize {
		return nil, errors.E(op, errors.Encoding, fmt.Sprintf("header at height %d is %d bytes, expected %d",
			height, len(raw), HeaderSize))
	}

	var bh wire.BlockHeader
	if err := bh.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.E(op, errors.Encoding, err)
	}
	return NewHeader(&bh, height), nil
}

// Hash returns the cached block hash of the header.
func (h *Header) Hash() chainhash.Hash {
	return h.hash
}

// Bytes returns the wire serialization of the header.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	// Writes to a bytes.Buffer never fail.
	_ = h.BlockHeader.Serialize(&buf)
	return buf.Bytes()
}

func (h *Header) String() string {
	return fmt.Sprintf("%d/%v", h.Height, h.hash)
}
