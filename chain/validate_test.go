package chain_test

import (
	"time"

	"decred.org/dcrwallet/v2/errors"
	"github.com/btcsuite/btcd/chaincfg"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/planetdecred/lightsync/chain"
)

var _ = Describe("Validation", func() {
	var headers []*Header
	var root *HeaderStore

	BeforeEach(func() {
		headers = gen.Chain(4, 0)
		root = NewRootStore(headers[0])
		Expect(root.Append(headers[1])).To(Succeed())
		Expect(root.Append(headers[2])).To(Succeed())
	})

	It("treats absent heights as a mismatch, not an error", func() {
		Expect(Matches(root, headers[3])).To(BeFalse())
		Expect(Connects(root, headers[4])).To(BeFalse())
		Expect(Connects(root, headers[3])).To(BeTrue())
		Expect(Matches(nil, headers[1])).To(BeFalse())
	})

	Describe("CheckProofOfWork", func() {
		powLimit := chaincfg.RegressionNetParams.PowLimit

		It("accepts mined headers", func() {
			for _, h := range headers {
				Expect(CheckProofOfWork(h, powLimit)).To(Succeed())
			}
		})

		It("rejects a hash above the target", func() {
			h := gen.Unmined(headers[4], 0x1d00ffff)
			err := CheckProofOfWork(h, powLimit)
			Expect(errors.Is(err, errors.Consensus)).To(BeTrue())
		})

		It("rejects a target above the network limit", func() {
			err := CheckProofOfWork(headers[1], chaincfg.MainNetParams.PowLimit)
			Expect(errors.Is(err, errors.Consensus)).To(BeTrue())
		})

		It("rejects a non-positive target", func() {
			h := NewHeader(&headers[1].BlockHeader, 1)
			h.Bits = 0
			Expect(CheckProofOfWork(h, powLimit)).NotTo(Succeed())
		})
	})

	Describe("CheckTimestamp", func() {
		It("allows up to two hours of clock drift", func() {
			now := headers[2].Timestamp
			Expect(CheckTimestamp(headers[2], now.Add(-time.Hour))).To(Succeed())
			Expect(CheckTimestamp(headers[2], now.Add(-3*time.Hour))).NotTo(Succeed())
		})
	})

	It("round trips the wire encoding", func() {
		raw := headers[3].Bytes()
		Expect(raw).To(HaveLen(HeaderSize))
		h, err := ParseHeader(raw, 3)
		Expect(err).To(BeNil())
		Expect(h.Hash()).To(Equal(headers[3].Hash()))

		_, err = ParseHeader(raw[:40], 3)
		Expect(errors.Is(err, errors.Encoding)).To(BeTrue())
	})
})
