package taproot

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// MaxMultiAKeys is the largest number of keys a multi_a leaf may hold:
// BIP342 limits the stack to 1000 elements.
const MaxMultiAKeys = 999

// PkScript returns the leaf script <xonly(key)> OP_CHECKSIG.
func PkScript(key *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(key)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// MultiAScript returns the BIP342 k-of-n leaf script
// <x1> OP_CHECKSIG <x2> OP_CHECKSIGADD ... <xn> OP_CHECKSIGADD <k> OP_NUMEQUAL
// keeping keys in the given order.
func MultiAScript(threshold int, keys []*btcec.PublicKey) ([]byte, error) {
	if len(keys) == 0 || len(keys) > MaxMultiAKeys {
		return nil, fmt.Errorf("%w: multi_a with %d keys",
			ErrUnsupportedScriptTree, len(keys))
	}
	if threshold < 1 || threshold > len(keys) {
		return nil, fmt.Errorf("%w: multi_a threshold %d of %d",
			ErrUnsupportedScriptTree, threshold, len(keys))
	}

	// Large leaves go past the builder's legacy script size cap, so keys
	// are appended by hand.
	script := make([]byte, 0, len(keys)*34+4)
	for i, key := range keys {
		script = append(script, txscript.OP_DATA_32)
		script = append(script, schnorr.SerializePubKey(key)...)
		if i == 0 {
			script = append(script, txscript.OP_CHECKSIG)
		} else {
			script = append(script, txscript.OP_CHECKSIGADD)
		}
	}

	k, err := txscript.NewScriptBuilder().
		AddInt64(int64(threshold)).
		AddOp(txscript.OP_NUMEQUAL).
		Script()
	if err != nil {
		return nil, err
	}

	return append(script, k...), nil
}

// SortedMultiAScript is MultiAScript with the keys sorted by their x-only
// serialization.
func SortedMultiAScript(threshold int, keys []*btcec.PublicKey) ([]byte, error) {
	return MultiAScript(threshold, SortXOnly(keys))
}

// SortXOnly returns a copy of keys sorted lexicographically by their x-only
// serialization.
func SortXOnly(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := append([]*btcec.PublicKey(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(
			schnorr.SerializePubKey(sorted[i]),
			schnorr.SerializePubKey(sorted[j]),
		) < 0
	})
	return sorted
}
