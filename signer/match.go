package signer

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/vulpemventures/go-walletpolicy/descriptor"
)

// DefaultScanWindow is the number of addresses per chain scanned when a
// script carries no usable derivation hint.
const DefaultScanWindow = 100

type position struct {
	change bool
	index  uint32
}

// Matcher finds the (change, index) pair at which a policy produces a given
// output script. Expansions are cached, a Matcher is not safe for
// concurrent use.
type Matcher struct {
	policy *descriptor.Policy
	window uint32
	cache  map[position]*descriptor.Descriptor
}

// NewMatcher returns a matcher scanning window addresses per chain.
func NewMatcher(policy *descriptor.Policy, window uint32) *Matcher {
	return &Matcher{
		policy: policy,
		window: window,
		cache:  make(map[position]*descriptor.Descriptor),
	}
}

func (m *Matcher) expand(pos position) (*descriptor.Descriptor, error) {
	if d, ok := m.cache[pos]; ok {
		return d, nil
	}
	d, err := m.policy.Expand(pos.change, pos.index)
	if err != nil {
		return nil, err
	}
	m.cache[pos] = d
	return d, nil
}

// MatchHints looks for script only at the positions suggested by the BIP32
// derivation paths. It returns nil if none matches.
func (m *Matcher) MatchHints(script []byte,
	hints [][]uint32) (*descriptor.Descriptor, error) {

	for _, pos := range m.positions(hints) {
		d, err := m.expand(pos)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(d.ScriptPubKey(), script) {
			return d, nil
		}
	}
	return nil, nil
}

// Match is like MatchHints, then falls back to scanning both chains. It
// returns nil if the script does not belong to the policy.
func (m *Matcher) Match(ctx context.Context, script []byte,
	hints [][]uint32) (*descriptor.Descriptor, error) {

	d, err := m.MatchHints(script, hints)
	if err != nil || d != nil {
		return d, err
	}

	for index := uint32(0); index < m.window; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, change := range []bool{false, true} {
			d, err := m.expand(position{change, index})
			if err != nil {
				return nil, err
			}
			if bytes.Equal(d.ScriptPubKey(), script) {
				return d, nil
			}
		}
	}
	return nil, nil
}

// positions maps derivation paths of the form origin/<num>/index, origin
// being the path of one of the policy keys, to the positions they denote.
func (m *Matcher) positions(hints [][]uint32) []position {
	var out []position
	seen := make(map[position]struct{})

	keys := m.policy.Keys()
	for _, path := range hints {
		for _, ph := range m.policy.Placeholders() {
			key := keys[ph.Index]
			if !key.HasOrigin() {
				continue
			}
			origin := key.Path()
			if len(path) != len(origin)+2 || !hasPrefix(path, origin) {
				continue
			}

			num, index := path[len(origin)], path[len(origin)+1]
			if index >= hdkeychain.HardenedKeyStart {
				continue
			}

			var pos position
			switch num {
			case ph.NumFirst:
				pos = position{false, index}
			case ph.NumSecond:
				pos = position{true, index}
			default:
				continue
			}
			if _, ok := seen[pos]; ok {
				continue
			}
			seen[pos] = struct{}{}
			out = append(out, pos)
		}
	}
	return out
}

func hasPrefix(path, prefix []uint32) bool {
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// InputHints returns the derivation paths advertised by a PSBT input.
func InputHints(in *psbt.PInput) [][]uint32 {
	var hints [][]uint32
	for _, d := range in.Bip32Derivation {
		hints = append(hints, d.Bip32Path)
	}
	for _, d := range in.TaprootBip32Derivation {
		hints = append(hints, d.Bip32Path)
	}
	return hints
}

// OutputHints returns the derivation paths advertised by a PSBT output.
func OutputHints(out *psbt.POutput) [][]uint32 {
	var hints [][]uint32
	for _, d := range out.Bip32Derivation {
		hints = append(hints, d.Bip32Path)
	}
	for _, d := range out.TaprootBip32Derivation {
		hints = append(hints, d.Bip32Path)
	}
	return hints
}
