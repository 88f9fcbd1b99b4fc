package payment

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-walletpolicy/address"
	"github.com/vulpemventures/go-walletpolicy/network"
	"golang.org/x/crypto/ripemd160"
)

// MaxMultisigKeys is the largest number of keys of an OP_CHECKMULTISIG
// script whose key count is pushed as a small integer.
const MaxMultisigKeys = 16

var (
	// ErrEmptyScript is returned when a payment is built from an empty
	// script.
	ErrEmptyScript = errors.New("payment's script can't be empty or nil")
	// ErrMissingHash is returned when an address is requested for a
	// payment lacking the corresponding hash.
	ErrMissingHash = errors.New("payment's hash can't be empty or nil")
)

// Payment defines the structure that holds the information different addresses
type Payment struct {
	Hash          []byte
	WitnessHash   []byte
	Script        []byte
	WitnessScript []byte
	Redeem        *Payment
	PublicKey     *btcec.PublicKey
	Network       *network.Network
	Taproot       *TaprootPaymentData
}

// FromPublicKey creates a Payment struct from a btcec.publicKey
func FromPublicKey(pubkey *btcec.PublicKey, net *network.Network) *Payment {
	publicKeyBytes := pubkey.SerializeCompressed()
	pkHash := Hash160(publicKeyBytes)
	script := buildScript(pkHash, "p2pkh")
	witnessScript := buildScript(pkHash, "p2wpkh")

	return &Payment{
		Hash:          pkHash,
		WitnessHash:   pkHash,
		Script:        script,
		WitnessScript: witnessScript,
		Network:       orDefault(net),
		PublicKey:     pubkey,
	}
}

// FromPublicKeys creates a bare multi-signature Payment from a list of
// public keys, kept in the given order. The result must be wrapped with
// FromPayment to get an address; its hashes are left empty.
func FromPublicKeys(
	pubkeys []*btcec.PublicKey,
	nrequired int,
	net *network.Network,
) (*Payment, error) {
	if nrequired < 1 || len(pubkeys) < nrequired {
		return nil, fmt.Errorf("unable to generate multisig script with "+
			"%d required signatures when there are %d public keys "+
			"available", nrequired, len(pubkeys))
	}
	if len(pubkeys) > MaxMultisigKeys {
		return nil, fmt.Errorf("multisig with %d keys exceeds the "+
			"limit of %d", len(pubkeys), MaxMultisigKeys)
	}

	builder := txscript.NewScriptBuilder().AddInt64(int64(nrequired))
	for _, key := range pubkeys {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(int64(len(pubkeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	multiSigScript, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return &Payment{Script: multiSigScript, Network: orDefault(net)}, nil
}

// FromPayment creates a Payment struct from a another Payment
func FromPayment(payment *Payment) (*Payment, error) {
	if len(payment.Script) == 0 && len(payment.WitnessScript) == 0 {
		return nil, ErrEmptyScript
	}

	redeem := payment.copy()
	// the only case where the witnessScript is null is when wrapping a
	// bare script, like multisig
	var scriptToHash []byte
	if len(redeem.WitnessScript) > 0 {
		scriptToHash = redeem.WitnessScript
	} else {
		scriptToHash = redeem.Script
	}
	scriptHash := Hash160(scriptToHash)
	witnessScriptHash := sha256.Sum256(scriptToHash)
	script := buildScript(scriptHash, "p2sh")
	witnessScript := buildScript(witnessScriptHash[:], "p2wsh")

	return &Payment{
		Hash:          scriptHash,
		WitnessHash:   witnessScriptHash[:],
		Script:        script,
		WitnessScript: witnessScript,
		Redeem:        redeem,
		Network:       redeem.Network,
	}, nil
}

// PubKeyHash is a method of the Payment struct to derive a base58 p2pkh address
func (p *Payment) PubKeyHash() (string, error) {
	if len(p.Hash) == 0 {
		return "", ErrMissingHash
	}
	payload := &address.Base58{Version: p.Network.PubKeyHash, Data: p.Hash}
	return address.ToBase58(payload), nil
}

// ScriptHash is a method of the Payment struct to derive a base58 p2sh address
func (p *Payment) ScriptHash() (string, error) {
	if len(p.Hash) == 0 {
		return "", ErrMissingHash
	}
	payload := &address.Base58{Version: p.Network.ScriptHash, Data: p.Hash}
	return address.ToBase58(payload), nil
}

// WitnessPubKeyHash is a method of the Payment struct to derive a bech32
// p2wpkh address
func (p *Payment) WitnessPubKeyHash() (string, error) {
	if len(p.WitnessHash) == 0 {
		return "", ErrMissingHash
	}
	//Here the Version for wpkh is always 0
	payload := &address.Bech32{
		Prefix: p.Network.Bech32, Version: 0x00, Data: p.WitnessHash,
	}
	return address.ToBech32(payload)
}

// WitnessScriptHash is a method of the Payment struct to derive a bech32
// p2wsh address
func (p *Payment) WitnessScriptHash() (string, error) {
	if len(p.WitnessHash) == 0 {
		return "", errors.New("payment's witnessHash can't be empty or nil")
	}
	payload := &address.Bech32{
		Prefix: p.Network.Bech32, Version: 0x00, Data: p.WitnessHash,
	}
	return address.ToBech32(payload)
}

// WithNetwork returns a copy of the payment whose addresses are encoded
// for net.
func (p *Payment) WithNetwork(net *network.Network) *Payment {
	c := p.copy()
	c.Network = orDefault(net)
	return c
}

func (p *Payment) copy() *Payment {
	var redeem *Payment
	var pubkey *btcec.PublicKey
	if p.Redeem != nil {
		redeem = &Payment{}
		*redeem = *p.Redeem
	}
	if p.PublicKey != nil {
		pubkey = &btcec.PublicKey{}
		*pubkey = *p.PublicKey
	}
	return &Payment{
		Hash:          p.Hash,
		WitnessHash:   p.WitnessHash,
		Script:        p.Script,
		WitnessScript: p.WitnessScript,
		Redeem:        redeem,
		PublicKey:     pubkey,
		Network:       p.Network,
		Taproot:       p.Taproot,
	}
}

func orDefault(net *network.Network) *network.Network {
	if net == nil {
		return &network.MainNet
	}
	return net
}

// Calculate the hash of hasher over buf.
func calcHash(buf []byte, hasher hash.Hash) []byte {
	hasher.Write(buf)
	return hasher.Sum(nil)
}

// Hash160 calculates the hash ripemd160(sha256(b)).
func Hash160(buf []byte) []byte {
	return calcHash(calcHash(buf, sha256.New()), ripemd160.New())
}

// buildScript returns the requested scriptType script with the provided hash
func buildScript(hash []byte, scriptType string) []byte {
	builder := txscript.NewScriptBuilder()

	switch scriptType {
	case "p2pkh":
		builder.AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160)
		builder.AddData(hash)
		builder.AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG)
	case "p2sh":
		builder.AddOp(txscript.OP_HASH160).AddData(hash).AddOp(txscript.OP_EQUAL)
	case "p2wpkh", "p2wsh":
		builder.AddOp(txscript.OP_0).AddData(hash)
	}

	script, _ := builder.Script()
	return script
}
