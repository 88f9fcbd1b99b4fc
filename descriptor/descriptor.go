package descriptor

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/network"
	"github.com/vulpemventures/go-walletpolicy/payment"
	"github.com/vulpemventures/go-walletpolicy/taproot"
)

// DerivedKey is a placeholder resolved for one (change, index) pair.
type DerivedKey struct {
	Placeholder *KeyExpr
	KeyInfo     *keyinfo.KeyInfo
	PubKey      *btcec.PublicKey

	// Path is the full derivation path from the origin master key.
	Path []uint32
}

// XOnly returns the BIP340 serialization of the key.
func (k DerivedKey) XOnly() []byte {
	return schnorr.SerializePubKey(k.PubKey)
}

// Leaf is a tapscript leaf of an expanded taproot descriptor.
type Leaf struct {
	Fragment Node
	Script   []byte
	Hash     chainhash.Hash

	// Keys are the keys of the leaf in the order they are listed in the
	// template.
	Keys []DerivedKey
}

// Descriptor is a policy expanded at one (change, index) pair.
type Descriptor struct {
	Change bool
	Index  uint32
	Type   OutputType

	// RedeemScript is set for sh outputs.
	RedeemScript []byte
	// WitnessScript is set for wsh outputs.
	WitnessScript []byte

	// InternalKey, ScriptTree and Leaves are set for tr outputs. Leaves
	// follow the depth-first order of the tree.
	InternalKey *DerivedKey
	ScriptTree  *taproot.IndexedTapScriptTree
	Leaves      []Leaf

	pay          *payment.Payment
	scriptPubKey []byte
	keys         []DerivedKey
	str          string
}

// Expand substitutes every placeholder with its key derived at
// <num>/index, num being the receive or change derivation of the
// placeholder.
func (p *Policy) Expand(change bool, index uint32) (*Descriptor, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: address index %d",
			keyinfo.ErrHardenedDerivation, index)
	}

	d := &Descriptor{
		Change: change,
		Index:  index,
		Type:   p.OutputType(),
	}

	derived := make(map[*KeyExpr]DerivedKey, len(p.placeholders))
	for _, ph := range p.placeholders {
		ki := p.keys[ph.Index]
		num := ph.Num(change)

		pub, err := ki.Derive(num, index)
		if err != nil {
			return nil, fmt.Errorf("unable to derive @%d/%d/%d: %w",
				ph.Index, num, index, err)
		}

		dk := DerivedKey{
			Placeholder: ph,
			KeyInfo:     ki,
			PubKey:      pub,
			Path:        ki.FullPath(num, index),
		}
		derived[ph] = dk
		d.keys = append(d.keys, dk)
	}

	if err := d.build(p.root, derived); err != nil {
		return nil, err
	}

	str, err := AddChecksum(renderNode(p.root, func(k *KeyExpr) string {
		return fmt.Sprintf("%s/%d/%d", p.keys[k.Index], k.Num(change),
			index)
	}))
	if err != nil {
		return nil, err
	}
	d.str = str

	return d, nil
}

func (d *Descriptor) build(root Node, derived map[*KeyExpr]DerivedKey) error {
	switch n := root.(type) {
	case *SingleKey:
		pay := payment.FromPublicKey(derived[n.Key].PubKey, nil)
		d.pay = pay
		if n.Kind == FragWpkh {
			d.scriptPubKey = pay.WitnessScript
		} else {
			d.scriptPubKey = pay.Script
		}
		return nil

	case *Wrapper:
		if n.Kind == FragWsh {
			wsh, ms, err := witnessScriptHash(n.Inner, derived)
			if err != nil {
				return err
			}
			d.WitnessScript = ms.Script
			d.pay = wsh
			d.scriptPubKey = wsh.WitnessScript
			return nil
		}
		return d.buildSh(n.Inner, derived)

	case *TaprootRoot:
		return d.buildTr(n, derived)

	default:
		return fmt.Errorf("%w: unexpected top level node %T",
			ErrUnsupportedPolicy, root)
	}
}

func (d *Descriptor) buildSh(inner Node, derived map[*KeyExpr]DerivedKey) error {
	var redeem *payment.Payment
	switch n := inner.(type) {
	case *SingleKey:
		redeem = payment.FromPublicKey(derived[n.Key].PubKey, nil)
		d.RedeemScript = redeem.WitnessScript

	case *Threshold:
		ms, err := multisig(n, derived)
		if err != nil {
			return err
		}
		redeem = ms
		d.RedeemScript = ms.Script

	case *Wrapper:
		wsh, ms, err := witnessScriptHash(n.Inner, derived)
		if err != nil {
			return err
		}
		redeem = wsh
		d.WitnessScript = ms.Script
		d.RedeemScript = wsh.WitnessScript

	default:
		return fmt.Errorf("%w: unexpected node %T inside sh",
			ErrUnsupportedPolicy, inner)
	}

	sh, err := payment.FromPayment(redeem)
	if err != nil {
		return err
	}
	d.pay = sh
	d.scriptPubKey = sh.Script
	return nil
}

// witnessScriptHash returns the p2wsh payment wrapping a multisig, and the
// multisig itself.
func witnessScriptHash(inner Node, derived map[*KeyExpr]DerivedKey) (
	*payment.Payment, *payment.Payment, error) {

	t, ok := inner.(*Threshold)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unexpected node %T inside wsh",
			ErrUnsupportedPolicy, inner)
	}
	ms, err := multisig(t, derived)
	if err != nil {
		return nil, nil, err
	}
	wsh, err := payment.FromPayment(ms)
	if err != nil {
		return nil, nil, err
	}
	return wsh, ms, nil
}

func multisig(t *Threshold, derived map[*KeyExpr]DerivedKey) (
	*payment.Payment, error) {

	pubs := make([]*btcec.PublicKey, len(t.Keys))
	for i, k := range t.Keys {
		pubs[i] = derived[k].PubKey
	}
	if t.Kind.IsSorted() {
		sort.SliceStable(pubs, func(i, j int) bool {
			return bytes.Compare(
				pubs[i].SerializeCompressed(),
				pubs[j].SerializeCompressed(),
			) < 0
		})
	}

	return payment.FromPublicKeys(pubs, t.K, nil)
}

func (d *Descriptor) buildTr(root *TaprootRoot,
	derived map[*KeyExpr]DerivedKey) error {

	internal := derived[root.Internal]
	d.InternalKey = &internal

	if root.Tree != nil {
		shape, err := d.tapShape(root.Tree, derived)
		if err != nil {
			return err
		}
		tree, err := taproot.AssembleTree(shape)
		if err != nil {
			return err
		}
		for i := range d.Leaves {
			d.Leaves[i].Hash = tree.LeafMerkleProofs[i].LeafHash()
		}
		d.ScriptTree = tree
	}

	p2tr, err := payment.FromTaprootScriptTree(
		internal.PubKey, d.ScriptTree, nil,
	)
	if err != nil {
		return err
	}
	d.pay = p2tr
	d.scriptPubKey = p2tr.Script
	return nil
}

// tapShape builds the shape of the script tree, recording leaves in
// depth-first order.
func (d *Descriptor) tapShape(t *ScriptTree,
	derived map[*KeyExpr]DerivedKey) (taproot.Shape, error) {

	if !t.IsLeaf() {
		left, err := d.tapShape(t.Left, derived)
		if err != nil {
			return nil, err
		}
		right, err := d.tapShape(t.Right, derived)
		if err != nil {
			return nil, err
		}
		return taproot.BranchShape{Left: left, Right: right}, nil
	}

	var (
		script []byte
		keys   []DerivedKey
		err    error
	)
	switch n := t.Leaf.(type) {
	case *SingleKey:
		key := derived[n.Key]
		keys = []DerivedKey{key}
		script, err = taproot.PkScript(key.PubKey)

	case *Threshold:
		pubs := make([]*btcec.PublicKey, len(n.Keys))
		for i, k := range n.Keys {
			keys = append(keys, derived[k])
			pubs[i] = derived[k].PubKey
		}
		if n.Kind.IsSorted() {
			script, err = taproot.SortedMultiAScript(n.K, pubs)
		} else {
			script, err = taproot.MultiAScript(n.K, pubs)
		}

	default:
		err = fmt.Errorf("%w: unexpected leaf %T",
			taproot.ErrUnsupportedScriptTree, t.Leaf)
	}
	if err != nil {
		return nil, err
	}

	d.Leaves = append(d.Leaves, Leaf{
		Fragment: t.Leaf,
		Script:   script,
		Keys:     keys,
	})
	return taproot.LeafShape{Script: script}, nil
}

// ScriptPubKey returns the output script.
func (d *Descriptor) ScriptPubKey() []byte {
	return d.scriptPubKey
}

// SigningScript returns the script committed to by ECDSA signatures: the
// witness script, the redeem script or the output script, whichever comes
// first. It is empty for taproot outputs.
func (d *Descriptor) SigningScript() []byte {
	switch {
	case d.Type == OutputTaproot:
		return nil
	case len(d.WitnessScript) > 0:
		return d.WitnessScript
	case len(d.RedeemScript) > 0:
		return d.RedeemScript
	default:
		return d.scriptPubKey
	}
}

// Keys returns the derived keys in template order.
func (d *Descriptor) Keys() []DerivedKey {
	return append([]DerivedKey(nil), d.keys...)
}

// Address returns the address of the output on net.
func (d *Descriptor) Address(net *network.Network) (string, error) {
	pay := d.pay.WithNetwork(net)

	switch {
	case d.Type == OutputTaproot:
		return pay.TaprootAddress()
	case len(d.RedeemScript) > 0:
		return pay.ScriptHash()
	case len(d.WitnessScript) > 0:
		return pay.WitnessScriptHash()
	case d.Type == OutputSegwit:
		return pay.WitnessPubKeyHash()
	default:
		return pay.PubKeyHash()
	}
}

// String returns the descriptor with its checksum.
func (d *Descriptor) String() string {
	return d.str
}
