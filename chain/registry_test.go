package chain_test

import (
	"sync"

	"decred.org/dcrwallet/v2/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/planetdecred/lightsync/chain"
)

var _ = Describe("Registry", func() {
	var (
		headers  []*Header
		root     *HeaderStore
		registry *Registry
	)

	BeforeEach(func() {
		headers = gen.Chain(10, 0)
		root = NewRootStore(headers[0])
		for _, h := range headers[1:] {
			Expect(root.Append(h)).To(Succeed())
		}
		registry = NewRegistry(root)
	})

	It("always holds the root store", func() {
		Expect(registry.Root()).To(Equal(root))
		s, ok := registry.Get(0)
		Expect(ok).To(BeTrue())
		Expect(s).To(Equal(root))
		Expect(registry.Forks()).To(ConsistOf(root))

		_, err := registry.Remove(0)
		Expect(errors.Is(err, errors.Invalid)).To(BeTrue())
	})

	Describe("Fork", func() {
		It("creates, reuses and refuses forks at a height", func() {
			branch := gen.Extend(headers[6], 2, 1)
			fork, err := registry.Fork(root, branch[0])
			Expect(err).To(BeNil())
			Expect(fork.Forkpoint()).To(BeEquivalentTo(7))

			By("returning the same store for the same header")
			again, err := registry.Fork(root, branch[0])
			Expect(err).To(BeNil())
			Expect(again).To(BeIdenticalTo(fork))

			By("refusing a different header at the same fork point")
			other := gen.Next(headers[6], 2)
			_, err = registry.Fork(root, other)
			Expect(errors.Is(err, errors.Exist)).To(BeTrue())

			Expect(registry.Forks()).To(Equal([]*HeaderStore{root, fork}))
		})

		It("lets exactly one of several racing callers create a fork", func() {
			const racers = 8
			candidates := make([]*Header, racers)
			for i := range candidates {
				candidates[i] = gen.Next(headers[4], uint32(i+1))
			}

			var wg sync.WaitGroup
			var mtx sync.Mutex
			var created []*HeaderStore
			conflicts := 0
			for _, h := range candidates {
				wg.Add(1)
				go func(h *Header) {
					defer GinkgoRecover()
					defer wg.Done()
					s, err := registry.Fork(root, h)
					mtx.Lock()
					defer mtx.Unlock()
					if err != nil {
						Expect(errors.Is(err, errors.Exist)).To(BeTrue())
						conflicts++
						return
					}
					created = append(created, s)
				}(h)
			}
			wg.Wait()

			Expect(created).To(HaveLen(1))
			Expect(conflicts).To(Equal(racers - 1))
			s, ok := registry.Get(5)
			Expect(ok).To(BeTrue())
			Expect(s).To(BeIdenticalTo(created[0]))
		})

		It("requires a registered parent", func() {
			orphan, err := NewForkStore(root, gen.Next(headers[2], 9))
			Expect(err).To(BeNil())
			_, err = registry.Fork(orphan, gen.Next(orphan.Tip(), 9))
			Expect(err).NotTo(BeNil())
		})
	})

	Describe("Register", func() {
		It("registers externally created stores once", func() {
			fork, err := NewForkStore(root, gen.Next(headers[4], 3))
			Expect(err).To(BeNil())
			Expect(registry.Register(fork)).To(Succeed())
			Expect(registry.Register(fork)).To(Succeed())

			other, err := NewForkStore(root, gen.Next(headers[4], 4))
			Expect(err).To(BeNil())
			err = registry.Register(other)
			Expect(errors.Is(err, errors.Exist)).To(BeTrue())
		})
	})

	Context("with nested forks", func() {
		var a, b *HeaderStore
		var branchA, branchB []*Header

		BeforeEach(func() {
			var err error
			branchA = gen.Extend(headers[2], 6, 1)
			a, err = registry.Fork(root, branchA[0])
			Expect(err).To(BeNil())
			for _, h := range branchA[1:] {
				Expect(a.Append(h)).To(Succeed())
			}

			branchB = gen.Extend(branchA[2], 4, 2)
			b, err = registry.Fork(a, branchB[0])
			Expect(err).To(BeNil())
			for _, h := range branchB[1:] {
				Expect(b.Append(h)).To(Succeed())
			}
		})

		It("finds the store recording a header, preferring the given store", func() {
			Expect(registry.CheckHeader(headers[1], nil)).To(Equal(root))
			Expect(registry.CheckHeader(headers[1], b)).To(Equal(b))
			Expect(registry.CheckHeader(branchA[1], nil)).To(Equal(a))
			Expect(registry.CheckHeader(branchB[3], nil)).To(Equal(b))
			Expect(registry.CheckHeader(gen.Next(headers[9], 5), nil)).To(BeNil())
		})

		It("finds a store a header can be appended to", func() {
			Expect(registry.CanConnect(gen.Next(headers[10], 0))).To(Equal(root))
			Expect(registry.CanConnect(gen.Next(branchB[3], 2))).To(Equal(b))
			Expect(registry.CanConnect(gen.Next(headers[5], 8))).To(BeNil())
		})

		It("reports the store with the most work", func() {
			Expect(b.TipHeight()).To(BeEquivalentTo(9))
			Expect(a.TipHeight()).To(BeEquivalentTo(8))
			Expect(registry.Best()).To(Equal(root))
			Expect(b.Append(gen.Next(b.Tip(), 2))).To(Succeed())
			Expect(b.Append(gen.Next(b.Tip(), 2))).To(Succeed())
			Expect(registry.Best()).To(Equal(b))
			Expect(registry.MaxTipHeight()).To(BeEquivalentTo(11))
		})

		It("removes a fork together with its descendants", func() {
			removed, err := registry.Remove(a.Forkpoint())
			Expect(err).To(BeNil())
			Expect(removed).To(ConsistOf(a, b))
			Expect(registry.Forks()).To(ConsistOf(root))

			_, err = registry.Remove(a.Forkpoint())
			Expect(errors.Is(err, errors.NotExist)).To(BeTrue())
		})
	})
})
