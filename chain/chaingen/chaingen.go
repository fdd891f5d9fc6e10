// Package chaingen mines throwaway header chains for low difficulty networks
// such as regtest. It is used by tests and the demo program.
package chaingen

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/planetdecred/lightsync/chain"
)

// BlockInterval is the timestamp spacing of generated headers.
const BlockInterval = 10 * time.Minute

// Generator mines headers that satisfy the proof of work limit of params.
// Only networks with a trivial limit (regtest, simnet) are practical.
type Generator struct {
	params *chaincfg.Params
}

// New returns a generator for params.
func New(params *chaincfg.Params) *Generator {
	return &Generator{params: params}
}

// Genesis returns the network genesis header at height 0.
func (g *Generator) Genesis() *chain.Header {
	return chain.NewHeader(&g.params.GenesisBlock.Header, 0)
}

// Next mines a header on top of parent. Headers mined on the same parent with
// a different branch value have different hashes.
func (g *Generator) Next(parent *chain.Header, branch uint32) *chain.Header {
	bh := wire.BlockHeader{
		Version:    4,
		PrevBlock:  parent.Hash(),
		MerkleRoot: merkleRoot(parent.Height+1, branch),
		Timestamp:  parent.Timestamp.Add(BlockInterval),
		Bits:       g.params.PowLimitBits,
	}
	for {
		h := chain.NewHeader(&bh, parent.Height+1)
		if chain.CheckProofOfWork(h, g.params.PowLimit) == nil {
			return h
		}
		bh.Nonce++
	}
}

// Extend mines n headers on top of parent.
func (g *Generator) Extend(parent *chain.Header, n int, branch uint32) []*chain.Header {
	headers := make([]*chain.Header, 0, n)
	for i := 0; i < n; i++ {
		parent = g.Next(parent, branch)
		headers = append(headers, parent)
	}
	return headers
}

// Chain returns genesis followed by n mined headers, indexed by height.
func (g *Generator) Chain(n int, branch uint32) []*chain.Header {
	genesis := g.Genesis()
	return append([]*chain.Header{genesis}, g.Extend(genesis, n, branch)...)
}

// Branch returns a copy of base[:height] extended with headers mined on
// branch up to and including tip.
func (g *Generator) Branch(base []*chain.Header, height int32, tip int32, branch uint32) []*chain.Header {
	headers := make([]*chain.Header, height, tip+1)
	copy(headers, base[:height])
	return append(headers, g.Extend(base[height-1], int(tip-height+1), branch)...)
}

// Unmined returns a header on top of parent whose hash does not meet the
// target encoded in bits.
func (g *Generator) Unmined(parent *chain.Header, bits uint32) *chain.Header {
	bh := wire.BlockHeader{
		Version:    4,
		PrevBlock:  parent.Hash(),
		MerkleRoot: merkleRoot(parent.Height+1, 0xffffffff),
		Timestamp:  parent.Timestamp.Add(BlockInterval),
		Bits:       bits,
	}
	for {
		h := chain.NewHeader(&bh, parent.Height+1)
		if chain.CheckProofOfWork(h, g.params.PowLimit) != nil {
			return h
		}
		bh.Nonce++
	}
}

func merkleRoot(height int32, branch uint32) chainhash.Hash {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(height))
	binary.LittleEndian.PutUint32(b[4:], branch)
	return chainhash.DoubleHashH(b[:])
}
