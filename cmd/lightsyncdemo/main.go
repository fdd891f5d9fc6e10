package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/planetdecred/lightsync"
	"github.com/planetdecred/lightsync/chain/chaingen"
	"github.com/planetdecred/lightsync/memnet"
)

func main() {
	rootDir := filepath.Join(os.TempDir(), "lightsyncdemo")
	driver := "bdb"
	if len(os.Args) > 1 {
		driver = os.Args[1]
	}

	syncer, err := lightsync.NewSyncer(rootDir, driver, "regtest")
	if err != nil {
		panic(err)
	}
	defer syncer.Shutdown()

	gen := chaingen.New(&chaincfg.RegressionNetParams)
	headers := gen.Chain(120, 0)
	honest := memnet.NewPeer("honest", headers)
	forked := memnet.NewPeer("forked", gen.Branch(headers, 90, 125, 1))
	rogue := memnet.NewPeer("rogue", gen.Branch(headers, 90, 110, 2))
	fmt.Printf("Mined %d headers, peers: %v %v %v\n", len(headers), honest, forked, rogue)

	results, err := syncer.SyncPeers(context.Background(), []lightsync.TipPeer{honest, forked})
	if err != nil {
		panic(err)
	}
	for _, r := range results {
		fmt.Printf("%s: %v at height %d, fetched %d headers, forks %v %s\n",
			r.Peer, r.Mode, r.Height, r.Fetched, r.Forks, r.Message())
	}

	// A third peer on yet another branch at the same height contradicts the
	// fork learned from the second one.
	tip, _ := rogue.Tip(context.Background())
	r, err := syncer.SyncPeer(context.Background(), rogue, tip)
	if err != nil {
		fmt.Printf("%s: %v\n", rogue, err)
	} else {
		fmt.Printf("%s: %v at height %d %s\n", r.Peer, r.Mode, r.Height, r.Message())
	}

	for _, f := range syncer.Forks() {
		fmt.Printf("fork %d (parent %d): tip %d %s best=%v\n", f.Forkpoint, f.Parent, f.TipHeight, f.TipHash, f.IsBest)
	}
}
