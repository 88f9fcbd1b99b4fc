package descriptor_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-walletpolicy/address"
	"github.com/vulpemventures/go-walletpolicy/descriptor"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/network"
)

// childKey derives the public key of ki at num/index without going through
// the descriptor package.
func childKey(t *testing.T, ki *keyinfo.KeyInfo, num,
	index uint32) *btcec.PublicKey {

	t.Helper()

	key := derivePath(t, ki.ExtendedKey(), num, index)
	pub, err := key.ECPubKey()
	require.NoError(t, err)
	return pub
}

func TestExpandWpkh(t *testing.T) {
	keys := testKeys(t, 1)
	policy, err := descriptor.Parse("wpkh(@0/**)", keys)
	require.NoError(t, err)

	for _, change := range []bool{false, true} {
		num := uint32(0)
		if change {
			num = 1
		}
		desc, err := policy.Expand(change, 7)
		require.NoError(t, err)

		pub := childKey(t, keys[0], num, 7)
		want, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()),
			&chaincfg.MainNetParams,
		)
		require.NoError(t, err)

		addr, err := desc.Address(&network.MainNet)
		require.NoError(t, err)
		require.Equal(t, want.EncodeAddress(), addr)

		require.Len(t, desc.Keys(), 1)
		require.Equal(t,
			append(keys[0].Path(), num, 7), desc.Keys()[0].Path,
		)
		require.Equal(t, descriptor.OutputSegwit, desc.Type)
		require.Equal(t, desc.ScriptPubKey(), desc.SigningScript())
	}
}

func TestExpandPkhAndShWpkh(t *testing.T) {
	keys := testKeys(t, 1)
	pub := childKey(t, keys[0], 0, 0)
	pkHash := btcutil.Hash160(pub.SerializeCompressed())

	pkh, err := descriptor.Parse("pkh(@0/**)", keys)
	require.NoError(t, err)
	desc, err := pkh.Expand(false, 0)
	require.NoError(t, err)

	wantPkh, err := btcutil.NewAddressPubKeyHash(pkHash, &chaincfg.MainNetParams)
	require.NoError(t, err)
	addr, err := desc.Address(&network.MainNet)
	require.NoError(t, err)
	require.Equal(t, wantPkh.EncodeAddress(), addr)

	shWpkh, err := descriptor.Parse("sh(wpkh(@0/**))", keys)
	require.NoError(t, err)
	desc, err = shWpkh.Expand(false, 0)
	require.NoError(t, err)

	program, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(pkHash).Script()
	require.NoError(t, err)
	wantSh, err := btcutil.NewAddressScriptHash(program, &chaincfg.MainNetParams)
	require.NoError(t, err)

	addr, err = desc.Address(&network.MainNet)
	require.NoError(t, err)
	require.Equal(t, wantSh.EncodeAddress(), addr)
	require.Equal(t, program, desc.RedeemScript)
	require.Equal(t, program, desc.SigningScript())
}

func TestExpandSortedMulti(t *testing.T) {
	keys := testKeys(t, 3)
	policy, err := descriptor.Parse(
		"wsh(sortedmulti(2,@0/**,@1/**,@2/**))", keys,
	)
	require.NoError(t, err)

	desc, err := policy.Expand(true, 3)
	require.NoError(t, err)

	var pubs [][]byte
	for _, k := range keys {
		pubs = append(pubs, childKey(t, k, 1, 3).SerializeCompressed())
	}
	sort.Slice(pubs, func(i, j int) bool {
		return bytes.Compare(pubs[i], pubs[j]) < 0
	})

	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_2)
	for _, pub := range pubs {
		builder.AddData(pub)
	}
	witnessScript, err := builder.AddOp(txscript.OP_3).
		AddOp(txscript.OP_CHECKMULTISIG).Script()
	require.NoError(t, err)
	require.Equal(t, witnessScript, desc.WitnessScript)

	scriptHash := sha256.Sum256(witnessScript)
	want, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	addr, err := desc.Address(&network.MainNet)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), addr)

	// Derived keys keep the template order.
	for i, k := range desc.Keys() {
		require.Equal(t, i, k.Placeholder.Index)
	}
}

func TestExpandShWshMulti(t *testing.T) {
	keys := testKeys(t, 2)
	policy, err := descriptor.Parse("sh(wsh(multi(1,@0/**,@1/**)))", keys)
	require.NoError(t, err)

	desc, err := policy.Expand(false, 0)
	require.NoError(t, err)

	scriptHash := sha256.Sum256(desc.WitnessScript)
	program := append([]byte{txscript.OP_0, txscript.OP_DATA_32},
		scriptHash[:]...)
	require.Equal(t, program, desc.RedeemScript)

	want, err := btcutil.NewAddressScriptHash(program, &chaincfg.MainNetParams)
	require.NoError(t, err)
	addr, err := desc.Address(&network.MainNet)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), addr)
	require.Equal(t, desc.WitnessScript, desc.SigningScript())
}

// TestExpandTaprootIndependent matches the address of tr(@0/**,pk(@1/**))
// at index 3 with one computed straight from txscript.
func TestExpandTaprootIndependent(t *testing.T) {
	keys := testKeys(t, 2)
	policy, err := descriptor.Parse("tr(@0/**,pk(@1/**))", keys)
	require.NoError(t, err)

	desc, err := policy.Expand(false, 3)
	require.NoError(t, err)

	internal := childKey(t, keys[0], 0, 3)
	leafKey := childKey(t, keys[1], 0, 3)

	leafScript, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(leafKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	leaf := txscript.NewBaseTapLeaf(leafScript)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internal, root[:])

	want, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	addr, err := desc.Address(&network.MainNet)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), addr)

	require.True(t, desc.InternalKey.PubKey.IsEqual(internal))
	require.Len(t, desc.Leaves, 1)
	require.Equal(t, leaf.TapHash(), desc.Leaves[0].Hash)
	require.Equal(t, leafScript, desc.Leaves[0].Script)
	require.Nil(t, desc.SigningScript())
}

func TestExpandTaprootKeyPathOnly(t *testing.T) {
	// BIP86 test vector account m/86'/0'/0'.
	rootKey, err := hdkeychain.NewKeyFromString(
		"xprv9s21ZrQH143K3GJpoapnV8SFfukcVBSfeCficPSGfubmSFDxo1kuHnLi" +
			"sriDvSnRRuL2Qrg5ggqHKNVpxR86QEC8w35uxmGoggxtQTPvfUu",
	)
	require.NoError(t, err)
	account := derivePath(t, rootKey,
		86+hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
	)
	xpub, err := account.Neuter()
	require.NoError(t, err)

	ki, err := keyinfo.Parse("[73c5da0a/86'/0'/0']" + xpub.String())
	require.NoError(t, err)

	policy, err := descriptor.Parse("tr(@0/**)", []*keyinfo.KeyInfo{ki})
	require.NoError(t, err)

	tests := []struct {
		change bool
		index  uint32
		want   string
	}{
		{false, 0, "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr"},
		{false, 1, "bc1p4qhjn9zdvkux4e44uhx8tc55attvtyu358kutcqkudyccelu0was9fqzwh"},
		{true, 0, "bc1p3qkhfews2uk44qtvauqyr2ttdsw7svhkl9nkm9s9c3x4ax5h60wqwruhk7"},
	}

	for _, tt := range tests {
		desc, err := policy.Expand(tt.change, tt.index)
		require.NoError(t, err)

		addr, err := desc.Address(&network.MainNet)
		require.NoError(t, err)
		require.Equal(t, tt.want, addr)
		require.Nil(t, desc.ScriptTree)
		require.Empty(t, desc.Leaves)
	}
}

// TestExpandLeafHashes checks that every leaf of tr(@0/**,{pk(@1/**),pk(@2/**)})
// is bound to its own key.
func TestExpandLeafHashes(t *testing.T) {
	keys := testKeys(t, 3)
	policy, err := descriptor.Parse("tr(@0/**,{pk(@1/**),pk(@2/**)})", keys)
	require.NoError(t, err)

	desc, err := policy.Expand(false, 0)
	require.NoError(t, err)
	require.Len(t, desc.Leaves, 2)

	for i, leaf := range desc.Leaves {
		require.Len(t, leaf.Keys, 1)
		require.Equal(t, i+1, leaf.Keys[0].Placeholder.Index)

		want, err := txscript.NewScriptBuilder().
			AddData(leaf.Keys[0].XOnly()).
			AddOp(txscript.OP_CHECKSIG).
			Script()
		require.NoError(t, err)
		require.Equal(t, txscript.NewBaseTapLeaf(want).TapHash(), leaf.Hash)

		proof, ok := desc.ScriptTree.Proof(leaf.Hash)
		require.True(t, ok)
		require.Equal(t, want, proof.Script)
	}
	require.NotEqual(t, desc.Leaves[0].Hash, desc.Leaves[1].Hash)
	require.NotEqual(t, desc.ScriptTree.RootHash(), desc.Leaves[0].Hash)
}

func TestExpandMultiAKeyOrder(t *testing.T) {
	keys := testKeys(t, 3)
	policy, err := descriptor.Parse(
		"tr(@0/**,sortedmulti_a(1,@2/**,@1/**))", keys,
	)
	require.NoError(t, err)

	desc, err := policy.Expand(false, 0)
	require.NoError(t, err)
	require.Len(t, desc.Leaves, 1)

	leaf := desc.Leaves[0]
	require.Equal(t, 2, leaf.Keys[0].Placeholder.Index)
	require.Equal(t, 1, leaf.Keys[1].Placeholder.Index)

	disasm, err := txscript.DisasmString(leaf.Script)
	require.NoError(t, err)
	a, b := leaf.Keys[0].XOnly(), leaf.Keys[1].XOnly()
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	require.Less(t,
		strings.Index(disasm, hex.EncodeToString(a)),
		strings.Index(disasm, hex.EncodeToString(b)),
	)
}

func TestExpandIsDeterministic(t *testing.T) {
	keys := testKeys(t, 3)
	policy, err := descriptor.Parse("tr(@0/**,multi_a(2,@1/**,@2/**))", keys)
	require.NoError(t, err)

	later, err := policy.Expand(false, 3)
	require.NoError(t, err)
	_, err = policy.Expand(false, 0)
	require.NoError(t, err)
	again, err := policy.Expand(false, 3)
	require.NoError(t, err)

	require.Equal(t, later.ScriptPubKey(), again.ScriptPubKey())
	require.Equal(t, later.String(), again.String())
}

// TestAddressMatchesScript checks that the address of every supported shape
// decodes to the script of the output, on more than one network.
func TestAddressMatchesScript(t *testing.T) {
	f := loadFixtures(t)
	nets := []*network.Network{&network.MainNet, &network.TestNet}

	for _, tt := range f.Valid {
		t.Run(tt.Template, func(t *testing.T) {
			policy, err := descriptor.Parse(tt.Template, testKeys(t, tt.Keys))
			require.NoError(t, err)
			desc, err := policy.Expand(true, 5)
			require.NoError(t, err)

			for _, net := range nets {
				addr, err := desc.Address(net)
				require.NoError(t, err)
				want, err := address.FromOutputScript(desc.ScriptPubKey(), net)
				require.NoError(t, err)
				require.Equal(t, want, addr, net.Name)
			}
		})
	}
}

func TestExpandHardenedIndex(t *testing.T) {
	policy, err := descriptor.Parse("wpkh(@0/**)", testKeys(t, 1))
	require.NoError(t, err)

	_, err = policy.Expand(false, hdkeychain.HardenedKeyStart)
	require.ErrorIs(t, err, keyinfo.ErrHardenedDerivation)
}

func TestDescriptorString(t *testing.T) {
	keys := testKeys(t, 2)
	policy, err := descriptor.Parse("wsh(multi(1,@0/**,@1/<2;3>/*))", keys)
	require.NoError(t, err)

	desc, err := policy.Expand(true, 5)
	require.NoError(t, err)

	want := "wsh(multi(1," + keys[0].String() + "/1/5," +
		keys[1].String() + "/3/5))"
	body, err := descriptor.TrimChecksum(desc.String())
	require.NoError(t, err)
	require.Equal(t, want, body)

	ranged, err := policy.DescriptorString(false)
	require.NoError(t, err)
	body, err = descriptor.TrimChecksum(ranged)
	require.NoError(t, err)
	require.Equal(t, "wsh(multi(1,"+keys[0].String()+"/0/*,"+
		keys[1].String()+"/2/*))", body)
}
