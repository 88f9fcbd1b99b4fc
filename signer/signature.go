package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// SignatureKind tells how a partial signature spends its input.
type SignatureKind uint8

const (
	// KeyPath is a schnorr signature for the taproot key path.
	KeyPath SignatureKind = iota
	// ScriptPath is a schnorr signature for one tapscript leaf.
	ScriptPath
	// Ecdsa is a signature for a legacy or segwit v0 input.
	Ecdsa
)

func (k SignatureKind) String() string {
	switch k {
	case KeyPath:
		return "key path"
	case ScriptPath:
		return "script path"
	case Ecdsa:
		return "ecdsa"
	default:
		return "unknown"
	}
}

// PartialSignature is a signature for one input, along with the key (and
// leaf) a combiner needs to place it.
type PartialSignature struct {
	InputIndex int

	// PubKey is the 32 bytes x-only key for taproot signatures, the 33
	// bytes compressed key otherwise.
	PubKey []byte

	// LeafHash is set for script path signatures.
	LeafHash fn.Option[chainhash.Hash]

	// Signature is serialized with its sighash flag, unless the flag is
	// SIGHASH_DEFAULT.
	Signature []byte
}

// Kind returns the kind of the signature.
func (s *PartialSignature) Kind() SignatureKind {
	switch {
	case len(s.PubKey) != schnorr.PubKeyBytesLen:
		return Ecdsa
	case s.LeafHash.IsSome():
		return ScriptPath
	default:
		return KeyPath
	}
}

// Tag returns the augmented public key of the signature: the x-only key
// followed by the leaf hash for script path signatures, the bare key
// otherwise.
func (s *PartialSignature) Tag() []byte {
	tag := append([]byte(nil), s.PubKey...)
	s.LeafHash.WhenSome(func(h chainhash.Hash) {
		tag = append(tag, h[:]...)
	})
	return tag
}

func (s *PartialSignature) String() string {
	return fmt.Sprintf("input %d %s sig by %x", s.InputIndex, s.Kind(),
		s.Tag())
}

// Attach writes the signatures into the matching fields of the packet
// inputs, the way a combiner would.
func Attach(packet *psbt.Packet, sigs []PartialSignature) error {
	for _, sig := range sigs {
		if sig.InputIndex < 0 || sig.InputIndex >= len(packet.Inputs) {
			return fmt.Errorf("signature for input %d out of range",
				sig.InputIndex)
		}
		in := &packet.Inputs[sig.InputIndex]

		switch sig.Kind() {
		case KeyPath:
			in.TaprootKeySpendSig = sig.Signature

		case ScriptPath:
			if len(sig.Signature) < schnorr.SignatureSize {
				return fmt.Errorf("invalid schnorr signature "+
					"length %d", len(sig.Signature))
			}
			hashType := txscript.SigHashDefault
			if len(sig.Signature) > schnorr.SignatureSize {
				hashType = txscript.SigHashType(
					sig.Signature[schnorr.SignatureSize],
				)
			}
			leafHash := sig.LeafHash.UnwrapOr(chainhash.Hash{})
			in.TaprootScriptSpendSig = append(
				in.TaprootScriptSpendSig,
				&psbt.TaprootScriptSpendSig{
					XOnlyPubKey: sig.PubKey,
					LeafHash:    leafHash[:],
					Signature:   sig.Signature[:schnorr.SignatureSize],
					SigHash:     hashType,
				},
			)

		case Ecdsa:
			in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
				PubKey:    sig.PubKey,
				Signature: sig.Signature,
			})
		}
	}

	return nil
}
