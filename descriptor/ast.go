package descriptor

import (
	"fmt"
	"strconv"
	"strings"
)

// Fragment identifies a descriptor function.
type Fragment string

const (
	FragSh           Fragment = "sh"
	FragWsh          Fragment = "wsh"
	FragPk           Fragment = "pk"
	FragPkh          Fragment = "pkh"
	FragWpkh         Fragment = "wpkh"
	FragMulti        Fragment = "multi"
	FragSortedMulti  Fragment = "sortedmulti"
	FragMultiA       Fragment = "multi_a"
	FragSortedMultiA Fragment = "sortedmulti_a"
	FragTr           Fragment = "tr"
)

// IsSorted reports whether the fragment sorts its keys.
func (f Fragment) IsSorted() bool {
	return f == FragSortedMulti || f == FragSortedMultiA
}

// IsTapscript reports whether the fragment is only valid in a taproot leaf.
func (f Fragment) IsTapscript() bool {
	return f == FragMultiA || f == FragSortedMultiA
}

// Node is an element of a parsed template.
type Node interface {
	// render writes the node using key to render placeholders.
	render(b *strings.Builder, key func(*KeyExpr) string)
}

// KeyExpr is a key placeholder: @Index/<NumFirst;NumSecond>/*.
type KeyExpr struct {
	Index     int
	NumFirst  uint32
	NumSecond uint32

	// Pos is the offset of the placeholder in the template.
	Pos int
}

// Num returns the derivation step used for the receive or change chain.
func (k *KeyExpr) Num(change bool) uint32 {
	if change {
		return k.NumSecond
	}
	return k.NumFirst
}

func (k *KeyExpr) String() string {
	if k.NumFirst == 0 && k.NumSecond == 1 {
		return fmt.Sprintf("@%d/**", k.Index)
	}
	return fmt.Sprintf("@%d/<%d;%d>/*", k.Index, k.NumFirst, k.NumSecond)
}

func (k *KeyExpr) render(b *strings.Builder, key func(*KeyExpr) string) {
	b.WriteString(key(k))
}

// SingleKey is pk, pkh or wpkh around one key.
type SingleKey struct {
	Kind Fragment
	Key  *KeyExpr
}

func (s *SingleKey) render(b *strings.Builder, key func(*KeyExpr) string) {
	b.WriteString(string(s.Kind))
	b.WriteByte('(')
	s.Key.render(b, key)
	b.WriteByte(')')
}

// Threshold is a k-of-n multisig fragment.
type Threshold struct {
	Kind Fragment
	K    int
	Keys []*KeyExpr
}

func (t *Threshold) render(b *strings.Builder, key func(*KeyExpr) string) {
	b.WriteString(string(t.Kind))
	b.WriteByte('(')
	b.WriteString(strconv.Itoa(t.K))
	for _, k := range t.Keys {
		b.WriteByte(',')
		k.render(b, key)
	}
	b.WriteByte(')')
}

// ScriptTree is a taproot script tree: either a leaf holding a pk or
// threshold fragment, or a branch with two children.
type ScriptTree struct {
	Leaf  Node
	Left  *ScriptTree
	Right *ScriptTree
}

// IsLeaf reports whether the node is a leaf.
func (t *ScriptTree) IsLeaf() bool {
	return t.Leaf != nil
}

// Leaves returns the leaf fragments in depth-first left-to-right order.
func (t *ScriptTree) Leaves() []Node {
	if t.IsLeaf() {
		return []Node{t.Leaf}
	}
	return append(t.Left.Leaves(), t.Right.Leaves()...)
}

func (t *ScriptTree) render(b *strings.Builder, key func(*KeyExpr) string) {
	if t.IsLeaf() {
		t.Leaf.render(b, key)
		return
	}
	b.WriteByte('{')
	t.Left.render(b, key)
	b.WriteByte(',')
	t.Right.render(b, key)
	b.WriteByte('}')
}

// TaprootRoot is tr(KEY[,TREE]).
type TaprootRoot struct {
	Internal *KeyExpr
	Tree     *ScriptTree
}

func (t *TaprootRoot) render(b *strings.Builder, key func(*KeyExpr) string) {
	b.WriteString(string(FragTr))
	b.WriteByte('(')
	t.Internal.render(b, key)
	if t.Tree != nil {
		b.WriteByte(',')
		t.Tree.render(b, key)
	}
	b.WriteByte(')')
}

// Wrapper is sh(...) or wsh(...).
type Wrapper struct {
	Kind  Fragment
	Inner Node
}

func (w *Wrapper) render(b *strings.Builder, key func(*KeyExpr) string) {
	b.WriteString(string(w.Kind))
	b.WriteByte('(')
	w.Inner.render(b, key)
	b.WriteByte(')')
}

func renderNode(n Node, key func(*KeyExpr) string) string {
	var b strings.Builder
	n.render(&b, key)
	return b.String()
}
