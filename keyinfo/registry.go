package keyinfo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/vulpemventures/go-walletpolicy/network"
)

const (
	// MaxPathDepth is the deepest BIP32 path the registry derives keys at.
	MaxPathDepth = 10

	// PurposeLegacy through PurposeTaproot are the BIP43 purposes accepted
	// by default.
	PurposeLegacy       = 44
	PurposeMultisig     = 48
	PurposeNestedSegwit = 49
	PurposeSegwit       = 84
	PurposeTaproot      = 86
)

var (
	// ErrPathNotAllowed is returned when a key would be derived at a path
	// outside the allowed range.
	ErrPathNotAllowed = errors.New("derivation path not allowed")
	// ErrNotPrivate is returned when the registry is given a public master
	// key.
	ErrNotPrivate = errors.New("master key must be private")
)

// Registry resolves policy keys against the local master key. It is the
// only holder of the master private key; callers receive derived keys for
// signing and never the master itself.
type Registry struct {
	master      *hdkeychain.ExtendedKey
	fingerprint [4]byte
	net         *network.Network

	purposes map[uint32]struct{}
	maxDepth int

	mu    sync.RWMutex
	cache map[string]*hdkeychain.ExtendedKey
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithAllowedPurposes replaces the default set of allowed BIP43 purposes.
func WithAllowedPurposes(purposes ...uint32) RegistryOption {
	return func(r *Registry) {
		r.purposes = make(map[uint32]struct{}, len(purposes))
		for _, p := range purposes {
			r.purposes[p] = struct{}{}
		}
	}
}

// WithMaxPathDepth overrides MaxPathDepth.
func WithMaxPathDepth(depth int) RegistryOption {
	return func(r *Registry) {
		r.maxDepth = depth
	}
}

// NewRegistry creates a registry around the given extended private key.
func NewRegistry(master *hdkeychain.ExtendedKey, net *network.Network,
	opts ...RegistryOption) (*Registry, error) {

	if !master.IsPrivate() {
		return nil, ErrNotPrivate
	}
	if net == nil {
		net = &network.MainNet
	}

	pub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		master:   master,
		net:      net,
		maxDepth: MaxPathDepth,
		cache:    make(map[string]*hdkeychain.ExtendedKey),
	}
	copy(r.fingerprint[:], btcutil.Hash160(pub.SerializeCompressed())[:4])
	WithAllowedPurposes(
		PurposeLegacy, PurposeMultisig, PurposeNestedSegwit,
		PurposeSegwit, PurposeTaproot,
	)(r)

	for _, opt := range opts {
		opt(r)
	}

	log.Debugf("Key registry ready, master fingerprint %x (%s)",
		r.fingerprint[:], net.Name)

	return r, nil
}

// FromSeed creates a registry from a BIP32 seed.
func FromSeed(seed []byte, net *network.Network,
	opts ...RegistryOption) (*Registry, error) {

	if net == nil {
		net = &network.MainNet
	}
	master, err := hdkeychain.NewMaster(seed, net.ChainParams())
	if err != nil {
		return nil, err
	}
	return NewRegistry(master, net, opts...)
}

// Fingerprint returns the master key fingerprint.
func (r *Registry) Fingerprint() [4]byte {
	return r.fingerprint
}

// Network returns the network the registry derives keys for.
func (r *Registry) Network() *network.Network {
	return r.net
}

// DeriveExtendedPubKey returns the extended public key at the given path.
func (r *Registry) DeriveExtendedPubKey(path []uint32) (*hdkeychain.ExtendedKey, error) {
	key, err := r.derive(path)
	if err != nil {
		return nil, err
	}
	return key.Neuter()
}

// DerivePrivKey returns the private key at the given path. The path must be
// in the allowed range.
func (r *Registry) DerivePrivKey(path []uint32) (*btcec.PrivateKey, error) {
	if !r.IsAllowedPath(path) {
		return nil, fmt.Errorf("%w: m/%s", ErrPathNotAllowed, FormatPath(path))
	}
	key, err := r.derive(path)
	if err != nil {
		return nil, err
	}
	return key.ECPrivKey()
}

// Resolve returns a copy of ki flagged as internal when its origin points at
// the local master key and the key derived at the origin path matches it.
func (r *Registry) Resolve(ki *KeyInfo) (*KeyInfo, error) {
	if !ki.HasOrigin() || ki.Fingerprint() != r.fingerprint {
		return ki.withInternal(false), nil
	}
	if len(ki.path) > r.maxDepth {
		return ki.withInternal(false), nil
	}

	derived, err := r.derive(ki.path)
	if err != nil {
		return nil, err
	}
	internal := sameExtendedKey(derived, ki.xpub)
	if !internal {
		log.Warnf("Key %s claims the local fingerprint but does not "+
			"match the derived key", ki)
	}

	return ki.withInternal(internal), nil
}

// ResolveAll resolves every key, preserving order.
func (r *Registry) ResolveAll(keys []*KeyInfo) ([]*KeyInfo, error) {
	out := make([]*KeyInfo, 0, len(keys))
	for _, k := range keys {
		resolved, err := r.Resolve(k)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// IsAllowedPath reports whether the device accepts to use a key derived at
// path. The purpose must be allowed and the coin type must match the
// network. The hardened prefix must cover purpose, coin type and account
// (and script type for BIP48). No hardened step may follow it.
func (r *Registry) IsAllowedPath(path []uint32) bool {
	if len(path) < 3 || len(path) > r.maxDepth {
		return false
	}
	purpose := path[0] - hdkeychain.HardenedKeyStart
	if path[0] < hdkeychain.HardenedKeyStart {
		return false
	}
	if _, ok := r.purposes[purpose]; !ok {
		return false
	}
	if path[1] != hdkeychain.HardenedKeyStart+r.net.HDCoinType {
		return false
	}

	hardenedPrefix := 3
	if purpose == PurposeMultisig {
		hardenedPrefix = 4
	}
	for i, step := range path {
		hardened := step >= hdkeychain.HardenedKeyStart
		if i < hardenedPrefix && !hardened {
			return false
		}
		if i >= hardenedPrefix && hardened {
			return false
		}
	}
	return len(path) >= hardenedPrefix
}

func (r *Registry) derive(path []uint32) (*hdkeychain.ExtendedKey, error) {
	if len(path) > r.maxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrPathNotAllowed, len(path))
	}

	cacheKey := FormatPath(path)
	r.mu.RLock()
	cached, ok := r.cache[cacheKey]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	key := r.master
	for _, step := range path {
		child, err := key.Derive(step)
		if err != nil {
			return nil, err
		}
		key = child
	}

	// Only hardened prefixes are cached.
	if isHardenedOnly(path) {
		r.mu.Lock()
		r.cache[cacheKey] = key
		r.mu.Unlock()
	}

	return key, nil
}

func isHardenedOnly(path []uint32) bool {
	for _, step := range path {
		if step < hdkeychain.HardenedKeyStart {
			return false
		}
	}
	return true
}
