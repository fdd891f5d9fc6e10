package lightsync_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"sync"

	"decred.org/dcrwallet/v2/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/planetdecred/lightsync"
	"github.com/planetdecred/lightsync/chain"
	"github.com/planetdecred/lightsync/headerdb"
	"github.com/planetdecred/lightsync/headersync"
	"github.com/planetdecred/lightsync/memnet"
)

type recorder struct {
	mtx         sync.Mutex
	fetched     int32
	forks       []int32
	conflicts   []int32
	misbehaving []string
	synced      map[string]int32
	codes       []SyncErrorCode
}

func newRecorder() *recorder {
	return &recorder{synced: make(map[string]int32)}
}

func (r *recorder) OnHeadersFetched(peer string, fetchedHeadersCount int32, lastHeight int32) {
	r.mtx.Lock()
	r.fetched += fetchedHeadersCount
	r.mtx.Unlock()
}

func (r *recorder) OnForkDetected(peer string, forkpoint int32) {
	r.mtx.Lock()
	r.forks = append(r.forks, forkpoint)
	r.mtx.Unlock()
}

func (r *recorder) OnForkConflict(peer string, forkpoint int32) {
	r.mtx.Lock()
	r.conflicts = append(r.conflicts, forkpoint)
	r.mtx.Unlock()
}

func (r *recorder) OnPeerMisbehaving(peer string, err error) {
	r.mtx.Lock()
	r.misbehaving = append(r.misbehaving, peer)
	r.mtx.Unlock()
}

func (r *recorder) OnSynced(peer string, height int32) {
	r.mtx.Lock()
	r.synced[peer] = height
	r.mtx.Unlock()
}

func (r *recorder) OnSyncError(peer string, code SyncErrorCode, err error) {
	r.mtx.Lock()
	r.codes = append(r.codes, code)
	r.mtx.Unlock()
}

var _ = Describe("Syncer", func() {
	It("rejects unknown networks", func() {
		_, err := NewSyncer(rootDir, "", "dogenet")
		Expect(errors.Is(err, errors.Invalid)).To(BeTrue())
	})

	for _, driver := range []string{headerdb.DriverBolt, headerdb.DriverBadger} {
		driver := driver

		Describe(fmt.Sprintf("with the %s header database", driver), func() {
			var (
				dir      string
				syncer   *Syncer
				listener *recorder
				headers  []*chain.Header
				ctx      context.Context
			)

			BeforeEach(func() {
				var err error
				dir, err = ioutil.TempDir(rootDir, driver)
				Expect(err).To(BeNil())

				syncer, err = NewSyncer(dir, driver, "regtest")
				Expect(err).To(BeNil())
				listener = newRecorder()
				Expect(syncer.AddSyncProgressListener(listener, "test")).To(Succeed())
				Expect(syncer.AddSyncProgressListener(listener, "test")).NotTo(Succeed())

				headers = gen.Chain(30, 0)
				ctx = context.Background()
			})

			AfterEach(func() {
				syncer.Shutdown()
			})

			It("starts from the genesis checkpoint", func() {
				best := syncer.BestChain()
				Expect(best.Forkpoint).To(BeEquivalentTo(0))
				Expect(best.TipHeight).To(BeEquivalentTo(0))
				Expect(best.Parent).To(BeEquivalentTo(-1))
				Expect(best.TipHash).To(Equal(headers[0].Hash().String()))
			})

			It("syncs a peer and keeps the headers across restarts", func() {
				peer := memnet.NewPeer("honest", headers)
				result, err := syncer.SyncPeer(ctx, peer, 30)
				Expect(err).To(BeNil())
				Expect(result.Mode).To(Equal(headersync.ModeCatchup))
				Expect(result.Height).To(BeEquivalentTo(31))
				Expect(result.Message()).To(BeEmpty())
				Expect(listener.fetched).To(BeEquivalentTo(30))
				Expect(listener.synced).To(HaveKeyWithValue("honest", int32(30)))

				syncer.Shutdown()
				var err2 error
				syncer, err2 = NewSyncer(dir, driver, "regtest")
				Expect(err2).To(BeNil())
				Expect(syncer.BestChain().TipHeight).To(BeEquivalentTo(30))
				Expect(syncer.BestChain().TipHash).To(Equal(headers[30].Hash().String()))
			})

			It("syncs several peers and records their forks", func() {
				honest := memnet.NewPeer("honest", headers)
				forked := memnet.NewPeer("forked", gen.Branch(headers, 20, 35, 1))

				_, err := syncer.SyncPeer(ctx, honest, 30)
				Expect(err).To(BeNil())
				results, err := syncer.SyncPeers(ctx, []TipPeer{forked})
				Expect(err).To(BeNil())
				Expect(results).To(HaveLen(1))
				Expect(results[0].Err).To(BeNil())
				Expect(results[0].Forks).To(ConsistOf(int32(20)))
				Expect(listener.forks).To(ConsistOf(int32(20)))
				Expect(syncer.IsSyncing()).To(BeFalse())

				forks := syncer.Forks()
				Expect(forks).To(HaveLen(2))
				Expect(forks[1].Forkpoint).To(BeEquivalentTo(20))
				Expect(forks[1].Parent).To(BeEquivalentTo(0))
				Expect(forks[1].TipHeight).To(BeEquivalentTo(35))
				Expect(forks[1].IsBest).To(BeTrue())
				Expect(syncer.BestChain().Forkpoint).To(BeEquivalentTo(20))

				By("abandoning the fork")
				Expect(syncer.RemoveFork(20)).To(Succeed())
				Expect(syncer.Forks()).To(HaveLen(1))
				Expect(syncer.RemoveFork(0)).NotTo(Succeed())

				syncer.Shutdown()
				syncer, err = NewSyncer(dir, driver, "regtest")
				Expect(err).To(BeNil())
				Expect(syncer.Forks()).To(HaveLen(1))
				Expect(syncer.BestChain().TipHeight).To(BeEquivalentTo(30))
			})

			It("forks below the fork point of the best chain", func() {
				_, err := syncer.SyncPeer(ctx, memnet.NewPeer("honest", headers), 30)
				Expect(err).To(BeNil())
				_, err = syncer.SyncPeer(ctx, memnet.NewPeer("forked", gen.Branch(headers, 20, 35, 1)), 35)
				Expect(err).To(BeNil())
				Expect(syncer.BestChain().Forkpoint).To(BeEquivalentTo(20))

				result, err := syncer.SyncPeer(ctx, memnet.NewPeer("early", gen.Branch(headers, 10, 32, 2)), 32)
				Expect(err).To(BeNil())
				Expect(result.Mode).To(Equal(headersync.ModeCatchup))
				Expect(result.Height).To(BeEquivalentTo(33))
				Expect(result.Forks).To(ConsistOf(int32(10)))
				Expect(listener.forks).To(ConsistOf(int32(20), int32(10)))

				forks := syncer.Forks()
				Expect(forks).To(HaveLen(3))
				Expect(forks[1].Forkpoint).To(BeEquivalentTo(10))
				Expect(forks[1].Parent).To(BeEquivalentTo(0))
				Expect(forks[1].TipHeight).To(BeEquivalentTo(32))
				Expect(forks[1].IsBest).To(BeFalse())
				Expect(forks[2].IsBest).To(BeTrue())

				syncer.Shutdown()
				syncer, err = NewSyncer(dir, driver, "regtest")
				Expect(err).To(BeNil())
				Expect(syncer.Forks()).To(HaveLen(3))
			})

			It("reports peers contradicting a known fork", func() {
				_, err := syncer.SyncPeer(ctx, memnet.NewPeer("honest", headers), 30)
				Expect(err).To(BeNil())
				_, err = syncer.SyncPeer(ctx, memnet.NewPeer("forked", gen.Branch(headers, 20, 25, 1)), 25)
				Expect(err).To(BeNil())

				rogue := memnet.NewPeer("rogue", gen.Branch(headers, 20, 24, 2))
				result, err := syncer.SyncPeer(ctx, rogue, 24)
				Expect(err).To(BeNil())
				Expect(result.Mode).To(Equal(headersync.ModeForkConflict))
				Expect(result.Height).To(BeEquivalentTo(21))
				Expect(result.Message()).To(Equal(ForkConflictMessage))
				Expect(listener.conflicts).To(ConsistOf(int32(20)))
				Expect(syncer.Forks()).To(HaveLen(2))
			})

			It("reports misbehaving peers", func() {
				served := append([]*chain.Header{}, headers[:10]...)
				served = append(served, gen.Unmined(headers[9], 0x1d00ffff))
				peer := memnet.NewPeer("liar", served)

				results, err := syncer.SyncPeers(ctx, []TipPeer{peer})
				Expect(err).To(BeNil())
				Expect(errors.Is(results[0].Err, errors.Protocol)).To(BeTrue())
				Expect(results[0].Message()).To(Equal(MisbehavingPeerMessage))
				Expect(listener.misbehaving).To(ConsistOf("liar"))

				By("keeping the headers accepted before the bad one")
				Expect(syncer.BestChain().TipHeight).To(BeEquivalentTo(9))
			})

			It("reports peer errors without stopping other peers", func() {
				slow := memnet.NewPeer("slow", headers)
				slow.InjectFault(25, &headersync.PeerTimeoutError{Peer: "slow", Height: 25})
				fine := memnet.NewPeer("fine", headers[:21])

				results, err := syncer.SyncPeers(ctx, []TipPeer{slow, fine})
				Expect(err).To(BeNil())
				Expect(results).To(HaveLen(2))
				Expect(errors.Is(results[0].Err, errors.IO)).To(BeTrue())
				Expect(results[0].Message()).To(Equal(PeerTimeoutMessage))
				Expect(results[1].Err).To(BeNil())
				Expect(listener.codes).To(ContainElement(ErrorCodeDeadlineExceeded))
				Expect(syncer.BestChain().TipHeight).To(BeNumerically(">=", 20))
			})

			It("remembers user configuration", func() {
				Expect(syncer.ReadInt32ConfigValueForKey(HeaderChunkSizeConfigKey, 7)).To(BeEquivalentTo(7))
				syncer.SetInt32ConfigValueForKey(HeaderChunkSizeConfigKey, 5)
				Expect(syncer.ReadInt32ConfigValueForKey(HeaderChunkSizeConfigKey, 7)).To(BeEquivalentTo(5))

				syncer.SetLogLevel("warn")
				Expect(syncer.ReadStringConfigValueForKey(LogLevelConfigKey)).To(Equal("warn"))

				result, err := syncer.SyncPeer(ctx, memnet.NewPeer("honest", headers), 30)
				Expect(err).To(BeNil())
				Expect(result.Height).To(BeEquivalentTo(31))
			})

			It("seeds the root store from a saved checkpoint", func() {
				syncer.SetCheckpoint(headers[10])
				syncer.Shutdown()

				var err error
				syncer, err = NewSyncer(dir, driver, "regtest")
				Expect(err).To(BeNil())
				Expect(syncer.BestChain().Forkpoint).To(BeEquivalentTo(10))

				result, err := syncer.SyncPeer(ctx, memnet.NewPeer("honest", headers), 30)
				Expect(err).To(BeNil())
				Expect(result.Fetched).To(Equal(20))

				By("falling back to genesis once the checkpoint is cleared")
				syncer.ClearCheckpoint()
				syncer.Shutdown()
				syncer, err = NewSyncer(dir, driver, "regtest")
				Expect(err).To(BeNil())
				Expect(syncer.BestChain().Forkpoint).To(BeEquivalentTo(0))
				Expect(syncer.BestChain().TipHeight).To(BeEquivalentTo(0))
			})
		})
	}

	It("uses a custom fork policy", func() {
		dir, err := ioutil.TempDir(rootDir, "forkfunc")
		Expect(err).To(BeNil())

		var registry *chain.Registry
		calls := 0
		syncer, err := NewSyncer(dir, "", "regtest", WithForkFunc(func(parent *chain.HeaderStore, h *chain.Header) (*chain.HeaderStore, error) {
			calls++
			return registry.Fork(parent, h)
		}))
		Expect(err).To(BeNil())
		defer syncer.Shutdown()
		registry = syncer.Registry()

		headers := gen.Chain(20, 0)
		_, err = syncer.SyncPeer(context.Background(), memnet.NewPeer("honest", headers), 20)
		Expect(err).To(BeNil())
		result, err := syncer.SyncPeer(context.Background(), memnet.NewPeer("forked", gen.Branch(headers, 12, 22, 3)), 22)
		Expect(err).To(BeNil())
		Expect(result.Forks).To(ConsistOf(int32(12)))
		Expect(calls).To(Equal(1))
	})

	It("maps errors to user messages", func() {
		Expect(ErrorMessage(nil)).To(BeEmpty())
		Expect(ErrorMessage(context.Canceled)).To(Equal(SyncCanceledMessage))
		Expect(ErrorMessage(errors.E(errors.Protocol, "bad"))).To(Equal(MisbehavingPeerMessage))
		Expect(ErrorMessage(errors.E(errors.Consensus, "fork"))).To(Equal(ForkConflictMessage))
	})
})
