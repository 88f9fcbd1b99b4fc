package taproot

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T, n int) []*btcec.PublicKey {
	t.Helper()

	keys := make([]*btcec.PublicKey, n)
	for i := range keys {
		var secret [32]byte
		secret[31] = byte(i + 1)
		_, pub := btcec.PrivKeyFromBytes(secret[:])
		keys[i] = pub
	}
	return keys
}

func TestPkScript(t *testing.T) {
	key := testKeys(t, 1)[0]

	script, err := PkScript(key)
	require.NoError(t, err)

	want := append([]byte{txscript.OP_DATA_32}, schnorr.SerializePubKey(key)...)
	want = append(want, txscript.OP_CHECKSIG)
	require.Equal(t, want, script)
}

func TestMultiAScript(t *testing.T) {
	keys := testKeys(t, 3)

	script, err := MultiAScript(2, keys)
	require.NoError(t, err)

	var want []byte
	for i, key := range keys {
		want = append(want, txscript.OP_DATA_32)
		want = append(want, schnorr.SerializePubKey(key)...)
		if i == 0 {
			want = append(want, txscript.OP_CHECKSIG)
		} else {
			want = append(want, txscript.OP_CHECKSIGADD)
		}
	}
	want = append(want, txscript.OP_2, txscript.OP_NUMEQUAL)
	require.Equal(t, want, script)

	disasm, err := txscript.DisasmString(script)
	require.NoError(t, err)
	require.Contains(t, disasm, "OP_CHECKSIGADD")
}

func TestMultiAScriptThresholdPush(t *testing.T) {
	keys := testKeys(t, 20)

	// 17 no longer fits a small int opcode and is pushed as a one byte
	// script number.
	script, err := MultiAScript(17, keys)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(
		script, []byte{txscript.OP_DATA_1, 17, txscript.OP_NUMEQUAL},
	))
}

func TestMultiAScriptBounds(t *testing.T) {
	keys := testKeys(t, 3)

	tests := []struct {
		name      string
		threshold int
		keys      []*btcec.PublicKey
	}{
		{"zero threshold", 0, keys},
		{"threshold above keys", 4, keys},
		{"no keys", 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MultiAScript(tt.threshold, tt.keys)
			require.ErrorIs(t, err, ErrUnsupportedScriptTree)
		})
	}
}

func TestSortedMultiAScript(t *testing.T) {
	keys := testKeys(t, 5)
	reversed := make([]*btcec.PublicKey, len(keys))
	for i := range keys {
		reversed[len(keys)-1-i] = keys[i]
	}

	a, err := SortedMultiAScript(3, keys)
	require.NoError(t, err)
	b, err := SortedMultiAScript(3, reversed)
	require.NoError(t, err)
	require.Equal(t, a, b)

	sorted := SortXOnly(reversed)
	for i := 1; i < len(sorted); i++ {
		require.Negative(t, bytes.Compare(
			schnorr.SerializePubKey(sorted[i-1]),
			schnorr.SerializePubKey(sorted[i]),
		))
	}
}
