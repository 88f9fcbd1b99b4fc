package descriptor

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-walletpolicy/payment"
	"github.com/vulpemventures/go-walletpolicy/taproot"
)

const (
	// MaxMultisigKeys is the largest n of a multi or sortedmulti fragment.
	MaxMultisigKeys = payment.MaxMultisigKeys

	// MaxMultiAKeys is the largest n of a multi_a or sortedmulti_a
	// fragment.
	MaxMultiAKeys = taproot.MaxMultiAKeys

	maxNumber = math.MaxInt32
)

// multisigScriptSize is the length of a multisig script over n compressed
// keys: OP_k, n pushes of 33 bytes, OP_n and OP_CHECKMULTISIG.
func multisigScriptSize(n int) int {
	return 3 + n*(1+33)
}

// parser is a recursive-descent parser over a wallet policy template.
// Every parse method consumes its fragment including the closing
// parenthesis.
type parser struct {
	tpl  string
	pos  int
	keys []*KeyExpr
}

func parseTemplate(tpl string) (Node, []*KeyExpr, error) {
	p := &parser{tpl: tpl}

	root, err := p.parseTop()
	if err != nil {
		return nil, nil, err
	}
	if !p.eof() {
		return nil, nil, p.errorf(ErrMalformedTemplate,
			"unexpected trailing characters %q", p.tpl[p.pos:])
	}

	return root, p.keys, nil
}

func (p *parser) errorAt(pos int, sentinel error, format string,
	args ...interface{}) error {

	return &ParseError{
		Pos: pos,
		Msg: fmt.Sprintf(format, args...),
		Err: sentinel,
	}
}

func (p *parser) errorf(sentinel error, format string,
	args ...interface{}) error {

	return p.errorAt(p.pos, sentinel, format, args...)
}

func (p *parser) eof() bool {
	return p.pos >= len(p.tpl)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.tpl[p.pos]
}

func (p *parser) consume(c byte) bool {
	if p.eof() || p.tpl[p.pos] != c {
		return false
	}
	p.pos++
	return true
}

func (p *parser) expect(c byte) error {
	if p.eof() {
		return p.errorf(ErrMalformedTemplate,
			"expected '%c', got end of template", c)
	}
	if p.tpl[p.pos] != c {
		return p.errorf(ErrMalformedTemplate, "expected '%c', got '%c'",
			c, p.tpl[p.pos])
	}
	p.pos++
	return nil
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_'
}

func (p *parser) identifier() string {
	start := p.pos
	for !p.eof() && isIdentChar(p.tpl[p.pos]) {
		p.pos++
	}
	return p.tpl[start:p.pos]
}

// fragment reads a function name and its opening parenthesis. It returns
// the position of the name.
func (p *parser) fragment() (Fragment, int, error) {
	start := p.pos
	name := p.identifier()
	if name == "" {
		return "", start, p.errorf(ErrMalformedTemplate,
			"expected a fragment")
	}
	if p.peek() == ':' {
		return "", start, p.errorAt(start, ErrUnsupportedPolicy,
			"miniscript wrappers %q are not supported", name)
	}
	if err := p.expect('('); err != nil {
		return "", start, err
	}
	return Fragment(name), start, nil
}

func (p *parser) unsupported(f Fragment, pos int, where string) error {
	return p.errorAt(pos, ErrUnsupportedPolicy, "%s is not supported %s",
		f, where)
}

// number reads a decimal integer below 2^31 without leading zeros.
func (p *parser) number() (uint32, error) {
	start := p.pos
	for !p.eof() && p.tpl[p.pos] >= '0' && p.tpl[p.pos] <= '9' {
		p.pos++
	}
	digits := p.tpl[start:p.pos]

	switch {
	case digits == "":
		return 0, p.errorAt(start, ErrMalformedTemplate,
			"expected a number")
	case len(digits) > 1 && digits[0] == '0':
		return 0, p.errorAt(start, ErrMalformedTemplate,
			"leading zeros in %q", digits)
	case len(digits) > 10:
		return 0, p.errorAt(start, ErrMalformedTemplate,
			"number %s out of range", digits)
	}

	var n uint64
	for _, c := range []byte(digits) {
		n = n*10 + uint64(c-'0')
	}
	if n > maxNumber {
		return 0, p.errorAt(start, ErrMalformedTemplate,
			"number %s out of range", digits)
	}
	return uint32(n), nil
}

func (p *parser) parseTop() (Node, error) {
	frag, pos, err := p.fragment()
	if err != nil {
		return nil, err
	}

	switch frag {
	case FragSh:
		return p.parseSh()

	case FragWsh:
		inner, err := p.parseMultisig("inside wsh")
		if err != nil {
			return nil, err
		}
		return &Wrapper{Kind: FragWsh, Inner: inner}, p.expect(')')

	case FragPkh, FragWpkh:
		return p.parseSingleKey(frag)

	case FragTr:
		return p.parseTr()

	default:
		return nil, p.unsupported(frag, pos, "at top level")
	}
}

func (p *parser) parseSh() (Node, error) {
	frag, pos, err := p.fragment()
	if err != nil {
		return nil, err
	}

	var inner Node
	switch frag {
	case FragWpkh:
		inner, err = p.parseSingleKey(frag)

	case FragWsh:
		var ms Node
		ms, err = p.parseMultisig("inside sh(wsh)")
		if err == nil {
			inner, err = &Wrapper{Kind: FragWsh, Inner: ms}, p.expect(')')
		}

	case FragMulti, FragSortedMulti:
		var t *Threshold
		t, err = p.parseThreshold(frag, pos, false)
		if err != nil {
			return nil, err
		}
		// A legacy redeem script is a single push when spent.
		size := multisigScriptSize(len(t.Keys))
		if size > txscript.MaxScriptElementSize {
			return nil, p.errorAt(pos, ErrUnsupportedPolicy,
				"sh(%s) redeem script is %d bytes, larger than %d",
				frag, size, txscript.MaxScriptElementSize)
		}
		inner = t

	case FragMultiA, FragSortedMultiA:
		return nil, p.unsupported(frag, pos, "outside tr")

	default:
		return nil, p.unsupported(frag, pos, "inside sh")
	}
	if err != nil {
		return nil, err
	}

	return &Wrapper{Kind: FragSh, Inner: inner}, p.expect(')')
}

// parseMultisig parses the multi or sortedmulti fragment of a segwit v0 or
// legacy script hash.
func (p *parser) parseMultisig(where string) (Node, error) {
	frag, pos, err := p.fragment()
	if err != nil {
		return nil, err
	}

	switch frag {
	case FragMulti, FragSortedMulti:
		return p.parseThreshold(frag, pos, false)
	case FragMultiA, FragSortedMultiA:
		return nil, p.unsupported(frag, pos, "outside tr")
	default:
		return nil, p.unsupported(frag, pos, where)
	}
}

func (p *parser) parseSingleKey(frag Fragment) (Node, error) {
	key, err := p.parseKey()
	if err != nil {
		return nil, err
	}
	return &SingleKey{Kind: frag, Key: key}, p.expect(')')
}

func (p *parser) parseThreshold(frag Fragment, pos int,
	tapscript bool) (*Threshold, error) {

	k, err := p.number()
	if err != nil {
		return nil, err
	}

	var keys []*KeyExpr
	for p.consume(',') {
		key, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, p.errorAt(pos, ErrMalformedTemplate,
			"%s requires at least one key", frag)
	}

	maxKeys, sentinel := MaxMultisigKeys, ErrUnsupportedPolicy
	if tapscript {
		maxKeys, sentinel = MaxMultiAKeys, taproot.ErrUnsupportedScriptTree
	}
	n := len(keys)
	if k < 1 || int(k) > n || n > maxKeys {
		return nil, p.errorAt(pos, sentinel,
			"%s(%d) with %d keys is out of bounds, need 1 <= k <= n "+
				"<= %d", frag, k, n, maxKeys)
	}

	return &Threshold{Kind: frag, K: int(k), Keys: keys}, nil
}

// parseKey parses a key placeholder, @N/** or @N/<a;b>/*.
func (p *parser) parseKey() (*KeyExpr, error) {
	start := p.pos
	if !p.consume('@') {
		// A fragment where a key is expected, as in multi(1,pk(@0/**)).
		if name := p.identifier(); name != "" &&
			(p.peek() == '(' || p.peek() == ':') {

			return nil, p.errorAt(start, ErrUnsupportedPolicy,
				"nested fragment %s is not supported", name)
		}
		return nil, p.errorAt(start, ErrMalformedTemplate,
			"expected a key placeholder")
	}

	index, err := p.number()
	if err != nil {
		return nil, err
	}
	if err := p.expect('/'); err != nil {
		return nil, err
	}

	key := &KeyExpr{Index: int(index), Pos: start}
	if p.consume('*') {
		if err := p.expect('*'); err != nil {
			return nil, err
		}
		key.NumFirst, key.NumSecond = 0, 1
	} else {
		if err := p.expect('<'); err != nil {
			return nil, err
		}
		if key.NumFirst, err = p.derivationStep(); err != nil {
			return nil, err
		}
		if err := p.expect(';'); err != nil {
			return nil, err
		}
		if key.NumSecond, err = p.derivationStep(); err != nil {
			return nil, err
		}
		for _, c := range []byte(">/*") {
			if err := p.expect(c); err != nil {
				return nil, err
			}
		}
		if key.NumFirst == key.NumSecond {
			return nil, p.errorAt(start, ErrMalformedTemplate,
				"receive and change derivations of @%d are both %d",
				index, key.NumFirst)
		}
	}

	p.keys = append(p.keys, key)
	return key, nil
}

func (p *parser) derivationStep() (uint32, error) {
	n, err := p.number()
	if err != nil {
		return 0, err
	}
	if c := p.peek(); c == '\'' || c == 'h' || c == 'H' {
		return 0, p.errorf(ErrMalformedTemplate,
			"hardened derivation steps are not allowed")
	}
	return n, nil
}

func (p *parser) parseTr() (Node, error) {
	internal, err := p.parseKey()
	if err != nil {
		return nil, err
	}

	root := &TaprootRoot{Internal: internal}
	if p.consume(',') {
		root.Tree, err = p.parseTree(0)
		if err != nil {
			return nil, err
		}
	}

	return root, p.expect(')')
}

// parseTree parses a script tree node found at the given depth.
func (p *parser) parseTree(depth int) (*ScriptTree, error) {
	if depth > taproot.MaxTreeDepth {
		return nil, p.errorf(taproot.ErrUnsupportedScriptTree,
			"script tree deeper than %d", taproot.MaxTreeDepth)
	}

	if p.consume('{') {
		left, err := p.parseTree(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		right, err := p.parseTree(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		return &ScriptTree{Left: left, Right: right}, nil
	}

	if p.peek() == '@' {
		return nil, p.errorf(ErrUnsupportedPolicy,
			"tr takes a single key path key")
	}

	frag, pos, err := p.fragment()
	if err != nil {
		return nil, err
	}

	var leaf Node
	switch frag {
	case FragPk:
		leaf, err = p.parseSingleKey(frag)
	case FragMultiA, FragSortedMultiA:
		leaf, err = p.parseThreshold(frag, pos, true)
	case FragMulti, FragSortedMulti:
		return nil, p.unsupported(frag, pos, "inside tr")
	default:
		return nil, p.unsupported(frag, pos, "in a taproot leaf")
	}
	if err != nil {
		return nil, err
	}

	return &ScriptTree{Leaf: leaf}, nil
}
