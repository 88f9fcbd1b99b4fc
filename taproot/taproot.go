package taproot

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// BaseLeafVersion is the leaf version of BIP342 tapscript leaves.
	BaseLeafVersion = txscript.BaseLeafVersion

	// MaxTreeDepth is the maximum depth of a leaf, bounded by the number
	// of hashes a control block can carry.
	MaxTreeDepth = txscript.ControlBlockMaxNodeCount
)

var (
	// ErrUnsupportedScriptTree is returned when a script tree, or one of
	// its leaves, falls outside the supported bounds.
	ErrUnsupportedScriptTree = errors.New("unsupported script tree")
)

// Shape describes the layout of a script tree: every node is either a
// LeafShape or a BranchShape. The shape is preserved as is when the tree is
// assembled, no rebalancing is performed.
type Shape interface {
	isShape()
}

// LeafShape is a tapscript leaf.
type LeafShape struct {
	Script []byte
}

// BranchShape is a node with exactly two children.
type BranchShape struct {
	Left  Shape
	Right Shape
}

func (LeafShape) isShape()   {}
func (BranchShape) isShape() {}

// TapscriptProof is the inclusion proof of a leaf in a script tree. The
// proof lists sibling hashes from the leaf up to the root.
type TapscriptProof struct {
	txscript.TapLeaf
	RootNode       txscript.TapNode
	InclusionProof []byte
}

// LeafHash returns the tagged hash of the leaf.
func (t *TapscriptProof) LeafHash() chainhash.Hash {
	return t.TapLeaf.TapHash()
}

// ToControlBlock maps the tapscript proof into a fully valid control block
// that can be used as a witness item for a tapscript spend.
func (t *TapscriptProof) ToControlBlock(internalKey *btcec.PublicKey) txscript.ControlBlock {
	// Compute the total level output commitment based on the populated
	// root node.
	rootHash := t.RootNode.TapHash()
	taprootKey := txscript.ComputeTaprootOutputKey(
		internalKey, rootHash[:],
	)

	// With the commitment computed we can obtain the bit that denotes if
	// the resulting key has an odd y coordinate or not.
	var outputKeyYIsOdd bool
	if taprootKey.SerializeCompressed()[0] == secp.PubKeyFormatCompressedOdd {
		outputKeyYIsOdd = true
	}

	return txscript.ControlBlock{
		InternalKey:     internalKey,
		OutputKeyYIsOdd: outputKeyYIsOdd,
		LeafVersion:     t.TapLeaf.LeafVersion,
		InclusionProof:  t.InclusionProof,
	}
}

// IndexedTapScriptTree is a fully assembled script tree. The RootNode can be
// used to traverse down the full tree. Proofs are stored in depth-first
// left-to-right leaf order, LeafProofIndex maps a leaf hash to the position
// of its first occurrence.
type IndexedTapScriptTree struct {
	RootNode         txscript.TapNode
	LeafMerkleProofs []TapscriptProof
	LeafProofIndex   map[chainhash.Hash]int
}

// RootHash returns the merkle root of the tree.
func (t *IndexedTapScriptTree) RootHash() chainhash.Hash {
	return t.RootNode.TapHash()
}

// NumLeaves returns the number of leaves of the tree.
func (t *IndexedTapScriptTree) NumLeaves() int {
	return len(t.LeafMerkleProofs)
}

// Proof returns the inclusion proof of the leaf with the given hash.
func (t *IndexedTapScriptTree) Proof(leafHash chainhash.Hash) (*TapscriptProof, bool) {
	i, ok := t.LeafProofIndex[leafHash]
	if !ok {
		return nil, false
	}
	return &t.LeafMerkleProofs[i], true
}

// AssembleTree builds the script tree described by shape. Every leaf
// accumulates the hash of its sibling at each level on the way up, so
// inclusion proofs come out ordered from leaf to root.
func AssembleTree(shape Shape) (*IndexedTapScriptTree, error) {
	tree := &IndexedTapScriptTree{
		LeafProofIndex: make(map[chainhash.Hash]int),
	}

	root, _, err := tree.assemble(shape, 0)
	if err != nil {
		return nil, err
	}

	// Populate the top level root node pointer, as well as the pointer in
	// each proof.
	tree.RootNode = root
	for i := range tree.LeafMerkleProofs {
		tree.LeafMerkleProofs[i].RootNode = root
	}

	return tree, nil
}

func (t *IndexedTapScriptTree) assemble(shape Shape, depth int) (
	txscript.TapNode, []int, error) {

	switch s := shape.(type) {
	case LeafShape:
		return t.addLeaf(s.Script), []int{len(t.LeafMerkleProofs) - 1}, nil

	case *LeafShape:
		return t.addLeaf(s.Script), []int{len(t.LeafMerkleProofs) - 1}, nil

	case BranchShape:
		return t.addBranch(s.Left, s.Right, depth)

	case *BranchShape:
		return t.addBranch(s.Left, s.Right, depth)

	default:
		return nil, nil, fmt.Errorf("%w: unknown node %T",
			ErrUnsupportedScriptTree, shape)
	}
}

func (t *IndexedTapScriptTree) addLeaf(script []byte) txscript.TapNode {
	leaf := txscript.NewBaseTapLeaf(script)
	leafHash := leaf.TapHash()

	if _, ok := t.LeafProofIndex[leafHash]; !ok {
		t.LeafProofIndex[leafHash] = len(t.LeafMerkleProofs)
	}
	t.LeafMerkleProofs = append(t.LeafMerkleProofs, TapscriptProof{
		TapLeaf: leaf,
	})

	return leaf
}

func (t *IndexedTapScriptTree) addBranch(l, r Shape, depth int) (
	txscript.TapNode, []int, error) {

	if depth+1 > MaxTreeDepth {
		return nil, nil, fmt.Errorf("%w: tree deeper than %d",
			ErrUnsupportedScriptTree, MaxTreeDepth)
	}

	left, leftLeaves, err := t.assemble(l, depth+1)
	if err != nil {
		return nil, nil, err
	}
	right, rightLeaves, err := t.assemble(r, depth+1)
	if err != nil {
		return nil, nil, err
	}

	// The leaves below the left node need the right hash to climb one
	// level, and vice versa.
	leftHash, rightHash := left.TapHash(), right.TapHash()
	for _, i := range leftLeaves {
		t.LeafMerkleProofs[i].InclusionProof = append(
			t.LeafMerkleProofs[i].InclusionProof, rightHash[:]...,
		)
	}
	for _, i := range rightLeaves {
		t.LeafMerkleProofs[i].InclusionProof = append(
			t.LeafMerkleProofs[i].InclusionProof, leftHash[:]...,
		)
	}

	return txscript.NewTapBranch(left, right),
		append(leftLeaves, rightLeaves...), nil
}

// ComputeOutputKey returns the taproot output key committing to the given
// script root, or the BIP86 key-path-only key when there is none.
func ComputeOutputKey(internalKey *btcec.PublicKey,
	root fn.Option[chainhash.Hash]) *btcec.PublicKey {

	return fn.ElimOption(root,
		func() *btcec.PublicKey {
			return txscript.ComputeTaprootKeyNoScript(internalKey)
		},
		func(h chainhash.Hash) *btcec.PublicKey {
			return txscript.ComputeTaprootOutputKey(internalKey, h[:])
		},
	)
}

// TweakPrivKey tweaks priv the same way ComputeOutputKey tweaks its public
// key.
func TweakPrivKey(priv *btcec.PrivateKey,
	root fn.Option[chainhash.Hash]) *btcec.PrivateKey {

	scriptRoot := fn.MapOptionZ(root, func(h chainhash.Hash) []byte {
		return h[:]
	})
	return txscript.TweakTaprootPrivKey(*priv, scriptRoot)
}

// OutputScript returns the segwit v1 script paying to the output key.
func OutputScript(outputKey *btcec.PublicKey) ([]byte, error) {
	return txscript.PayToTaprootScript(outputKey)
}

// VerifyLeafCommitment checks that the control block proves the inclusion
// of script in the tree committed to by outputKey.
func VerifyLeafCommitment(cb *txscript.ControlBlock,
	outputKey *btcec.PublicKey, script []byte) error {

	return txscript.VerifyTaprootLeafCommitment(
		cb, schnorr.SerializePubKey(outputKey), script,
	)
}
