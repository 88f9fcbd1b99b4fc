package network

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrUnknownNetwork is returned by FromName for unsupported networks.
	ErrUnknownNetwork = errors.New("unknown network")
)

// Network type represents prefixes for each network
// https://en.bitcoin.it/wiki/List_of_address_prefixes
type Network struct {
	Name string
	// Human-readable part for Bech32 encoded segwit addresses, as defined
	// in BIP 173.
	Bech32 string
	// BIP32 hierarchical deterministic extended key magics
	HDPublicKey  [4]byte
	HDPrivateKey [4]byte
	// Address encoding magic
	PubKeyHash byte
	ScriptHash byte
	// First byte of a WIF private key
	Wif byte
	// BIP44 coin type used in the hierarchical deterministic path for
	// address generation.
	HDCoinType uint32

	params *chaincfg.Params
}

// MainNet defines the network parameters for the main Bitcoin network.
var MainNet = Network{
	Name:         "mainnet",
	Bech32:       "bc",
	HDPublicKey:  [4]byte{0x04, 0x88, 0xb2, 0x1e},
	HDPrivateKey: [4]byte{0x04, 0x88, 0xad, 0xe4},
	PubKeyHash:   0x00,
	ScriptHash:   0x05,
	Wif:          0x80,
	HDCoinType:   0,
	params:       &chaincfg.MainNetParams,
}

// TestNet defines the network parameters for the test Bitcoin network
// (version 3).
var TestNet = Network{
	Name:         "testnet",
	Bech32:       "tb",
	HDPublicKey:  [4]byte{0x04, 0x35, 0x87, 0xcf},
	HDPrivateKey: [4]byte{0x04, 0x35, 0x83, 0x94},
	PubKeyHash:   0x6f,
	ScriptHash:   0xc4,
	Wif:          0xef,
	HDCoinType:   1,
	params:       &chaincfg.TestNet3Params,
}

// Regtest defines the network parameters for the regression test network.
var Regtest = Network{
	Name:         "regtest",
	Bech32:       "bcrt",
	HDPublicKey:  [4]byte{0x04, 0x35, 0x87, 0xcf},
	HDPrivateKey: [4]byte{0x04, 0x35, 0x83, 0x94},
	PubKeyHash:   0x6f,
	ScriptHash:   0xc4,
	Wif:          0xef,
	HDCoinType:   1,
	params:       &chaincfg.RegressionNetParams,
}

// Signet defines the network parameters for the default public signet.
var Signet = Network{
	Name:         "signet",
	Bech32:       "tb",
	HDPublicKey:  [4]byte{0x04, 0x35, 0x87, 0xcf},
	HDPrivateKey: [4]byte{0x04, 0x35, 0x83, 0x94},
	PubKeyHash:   0x6f,
	ScriptHash:   0xc4,
	Wif:          0xef,
	HDCoinType:   1,
	params:       &chaincfg.SigNetParams,
}

// ChainParams returns the btcd chain parameters matching the network. A
// zero value Network maps to mainnet.
func (n *Network) ChainParams() *chaincfg.Params {
	if n == nil || n.params == nil {
		return &chaincfg.MainNetParams
	}
	return n.params
}

// IsTestnet reports whether extended keys of this network are expected to
// use the tpub/tprv prefixes.
func (n *Network) IsTestnet() bool {
	return n.HDCoinType == 1
}

// FromName returns the network preset with the given name. The btcd names
// "bitcoin" and "testnet3" are accepted as aliases.
func FromName(name string) (*Network, error) {
	switch name {
	case MainNet.Name, "bitcoin":
		return &MainNet, nil
	case TestNet.Name, "testnet3":
		return &TestNet, nil
	case Regtest.Name:
		return &Regtest, nil
	case Signet.Name:
		return &Signet, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
}
