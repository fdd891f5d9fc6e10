package lightsync

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// parseChainParams returns the network parameters for netType.
func parseChainParams(netType string) *chaincfg.Params {
	switch netType {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params
	case "regtest", "regnet":
		return &chaincfg.RegressionNetParams
	case "simnet":
		return &chaincfg.SimNetParams
	default:
		return nil
	}
}

// isTestnet tests if the given params correspond to a testnet
// parameter configuration.
func isTestnet(params *chaincfg.Params) bool {
	switch params.Net {
	case wire.TestNet3:
		return true
	default:
		return false
	}
}
