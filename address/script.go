package address

import (
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType is an enumeration of the output scripts a wallet policy can
// produce, plus the bare forms found in redeem and witness scripts.
type ScriptType int

const (
	UnknownScript ScriptType = iota
	P2PkScript
	P2PkhScript
	P2ShScript
	P2WpkhScript
	P2WshScript
	P2TRScript
	MultisigScript
	NullDataScript
)

var scriptTypeNames = map[ScriptType]string{
	UnknownScript:  "unknown",
	P2PkScript:     "p2pk",
	P2PkhScript:    "p2pkh",
	P2ShScript:     "p2sh",
	P2WpkhScript:   "p2wpkh",
	P2WshScript:    "p2wsh",
	P2TRScript:     "p2tr",
	MultisigScript: "multisig",
	NullDataScript: "nulldata",
}

// String returns the short name of the script type.
func (s ScriptType) String() string {
	if name, ok := scriptTypeNames[s]; ok {
		return name
	}
	return scriptTypeNames[UnknownScript]
}

// GetScriptType returns the type of the given script.
func GetScriptType(script []byte) ScriptType {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyTy:
		return P2PkScript
	case txscript.PubKeyHashTy:
		return P2PkhScript
	case txscript.ScriptHashTy:
		return P2ShScript
	case txscript.WitnessV0PubKeyHashTy:
		return P2WpkhScript
	case txscript.WitnessV0ScriptHashTy:
		return P2WshScript
	case txscript.WitnessV1TaprootTy:
		return P2TRScript
	case txscript.MultiSigTy:
		return MultisigScript
	case txscript.NullDataTy:
		return NullDataScript
	default:
		return UnknownScript
	}
}
