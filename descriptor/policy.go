package descriptor

import (
	"fmt"

	"github.com/vulpemventures/go-walletpolicy/keyinfo"
)

// OutputType is the kind of output a policy pays to.
type OutputType int

const (
	// OutputLegacy is pkh or sh(multi).
	OutputLegacy OutputType = iota
	// OutputNestedSegwit is sh(wpkh) or sh(wsh(multi)).
	OutputNestedSegwit
	// OutputSegwit is wpkh or wsh(multi).
	OutputSegwit
	// OutputTaproot is tr.
	OutputTaproot
)

func (t OutputType) String() string {
	switch t {
	case OutputLegacy:
		return "legacy"
	case OutputNestedSegwit:
		return "nested segwit"
	case OutputSegwit:
		return "segwit"
	case OutputTaproot:
		return "taproot"
	default:
		return "unknown"
	}
}

// IsSegwit reports whether inputs spending the output sign a witness
// sighash.
func (t OutputType) IsSegwit() bool {
	return t != OutputLegacy
}

// Policy is a wallet policy template validated against its keys.
type Policy struct {
	template     string
	root         Node
	keys         []*keyinfo.KeyInfo
	placeholders []*KeyExpr
}

// Parse parses a wallet policy template and binds its placeholders to keys.
func Parse(template string, keys []*keyinfo.KeyInfo) (*Policy, error) {
	root, placeholders, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}

	if err := checkKeys(template, placeholders, keys); err != nil {
		return nil, err
	}

	return &Policy{
		template:     template,
		root:         root,
		keys:         append([]*keyinfo.KeyInfo(nil), keys...),
		placeholders: placeholders,
	}, nil
}

// checkKeys makes sure every placeholder points at a key, every key is
// used, no extended key is repeated, and the placeholders sharing a key
// use disjoint derivations.
func checkKeys(template string, placeholders []*KeyExpr,
	keys []*keyinfo.KeyInfo) error {

	malformed := func(pos int, format string, args ...interface{}) error {
		return &ParseError{
			Pos: pos,
			Msg: fmt.Sprintf(format, args...),
			Err: ErrMalformedTemplate,
		}
	}

	if len(keys) == 0 {
		return malformed(0, "no keys given")
	}
	for i, k := range keys {
		if k == nil {
			return malformed(0, "key %d is nil", i)
		}
		for j := 0; j < i; j++ {
			if keys[j].SameKey(k) {
				return malformed(0, "keys %d and %d are the same "+
					"extended key", j, i)
			}
		}
	}

	used := make([]bool, len(keys))
	derivations := make(map[int]map[uint32]struct{})
	for _, ph := range placeholders {
		if ph.Index >= len(keys) {
			return malformed(ph.Pos, "placeholder @%d has no key, "+
				"%d given", ph.Index, len(keys))
		}
		used[ph.Index] = true

		seen, ok := derivations[ph.Index]
		if !ok {
			seen = make(map[uint32]struct{})
			derivations[ph.Index] = seen
		}
		for _, num := range []uint32{ph.NumFirst, ph.NumSecond} {
			if _, dup := seen[num]; dup {
				return malformed(ph.Pos, "derivation %d of @%d "+
					"is used twice", num, ph.Index)
			}
			seen[num] = struct{}{}
		}
	}

	for i, u := range used {
		if !u {
			return malformed(len(template), "key %d is never used", i)
		}
	}

	return nil
}

// Template returns the template the policy was parsed from.
func (p *Policy) Template() string {
	return p.template
}

// Root returns the root of the parsed template.
func (p *Policy) Root() Node {
	return p.root
}

// Keys returns the keys of the policy, in placeholder index order.
func (p *Policy) Keys() []*keyinfo.KeyInfo {
	return append([]*keyinfo.KeyInfo(nil), p.keys...)
}

// Placeholders returns the key placeholders in template order.
func (p *Policy) Placeholders() []*KeyExpr {
	return append([]*KeyExpr(nil), p.placeholders...)
}

// OutputType returns the kind of output the policy pays to.
func (p *Policy) OutputType() OutputType {
	switch n := p.root.(type) {
	case *TaprootRoot:
		return OutputTaproot
	case *SingleKey:
		if n.Kind == FragWpkh {
			return OutputSegwit
		}
		return OutputLegacy
	case *Wrapper:
		if n.Kind == FragWsh {
			return OutputSegwit
		}
		if _, ok := n.Inner.(*Threshold); ok {
			return OutputLegacy
		}
		return OutputNestedSegwit
	default:
		return OutputLegacy
	}
}

// String returns the template in canonical form.
func (p *Policy) String() string {
	return renderNode(p.root, (*KeyExpr).String)
}

// DescriptorString renders the ranged descriptor of the receive or change
// chain, with its checksum, ready to be imported in a watch-only wallet.
func (p *Policy) DescriptorString(change bool) (string, error) {
	desc := renderNode(p.root, func(k *KeyExpr) string {
		return fmt.Sprintf("%s/%d/*", p.keys[k.Index], k.Num(change))
	})
	return AddChecksum(desc)
}
