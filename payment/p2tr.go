package payment

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/vulpemventures/go-walletpolicy/address"
	"github.com/vulpemventures/go-walletpolicy/network"
	"github.com/vulpemventures/go-walletpolicy/taproot"
)

const (
	segwitVersion = byte(0x01)
)

// TaprootPaymentData is included in Payment struct to store Taproot-related data
type TaprootPaymentData struct {
	XOnlyInternalKey []byte
	ScriptTree       *taproot.IndexedTapScriptTree
}

// FromTaprootScriptTree creates a P2TR payment committing to the given
// script tree. A nil tree gives a key-path only output.
func FromTaprootScriptTree(
	internalKey *btcec.PublicKey,
	tree *taproot.IndexedTapScriptTree,
	net *network.Network,
) (*Payment, error) {
	if internalKey == nil {
		return nil, errors.New("internal key can't be empty or nil")
	}

	return newTaprootPayment(net, &TaprootPaymentData{
		XOnlyInternalKey: schnorr.SerializePubKey(internalKey),
		ScriptTree:       tree,
	})
}

func newTaprootPayment(net *network.Network,
	data *TaprootPaymentData) (*Payment, error) {

	p := &Payment{Network: orDefault(net), Taproot: data}

	outputKey, err := p.TaprootOutputKey()
	if err != nil {
		return nil, err
	}
	p.Script, err = taproot.OutputScript(outputKey)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// MerkleRoot returns the root of the committed script tree, if any.
func (d *TaprootPaymentData) MerkleRoot() fn.Option[chainhash.Hash] {
	if d.ScriptTree == nil {
		return fn.None[chainhash.Hash]()
	}
	return fn.Some(d.ScriptTree.RootHash())
}

// TaprootOutputKey returns the tweaked output key of a P2TR payment.
func (p *Payment) TaprootOutputKey() (*btcec.PublicKey, error) {
	if p.Taproot == nil {
		return nil, errors.New("payment has no taproot data")
	}

	if p.Taproot.XOnlyInternalKey == nil {
		return nil, errors.New("unable to compute taproot's tweaked key " +
			"from payment data")
	}

	internalKey, err := schnorr.ParsePubKey(p.Taproot.XOnlyInternalKey)
	if err != nil {
		return nil, err
	}
	return taproot.ComputeOutputKey(internalKey, p.Taproot.MerkleRoot()), nil
}

// TaprootAddress is a method of the Payment struct to derive a bech32m
// p2tr address
func (p *Payment) TaprootAddress() (string, error) {
	outputKey, err := p.TaprootOutputKey()
	if err != nil {
		return "", err
	}

	payload := &address.Bech32{
		Prefix:  p.Network.Bech32,
		Version: segwitVersion,
		Data:    schnorr.SerializePubKey(outputKey),
	}
	return address.ToBech32(payload)
}
