package keyinfo

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/vulpemventures/go-walletpolicy/network"
)

var (
	// ErrInvalidKeyInfo is returned when a key information string can't be
	// parsed.
	ErrInvalidKeyInfo = errors.New("invalid key info")
	// ErrPrivateKey is returned when a key information string carries an
	// extended private key.
	ErrPrivateKey = errors.New("extended private keys are not allowed")
	// ErrWrongNetwork is returned when an extended key does not belong to
	// the expected network.
	ErrWrongNetwork = errors.New("extended key is for a different network")
	// ErrHardenedDerivation is returned when a hardened step is requested
	// on a public key.
	ErrHardenedDerivation = errors.New("can't derive hardened child of public key")
)

// KeyInfo is a key taking part in a wallet policy: an extended public key
// together with its optional origin (master fingerprint and path). A
// KeyInfo is immutable once built.
type KeyInfo struct {
	hasOrigin   bool
	fingerprint [4]byte
	path        []uint32

	xpub     *hdkeychain.ExtendedKey
	xpubStr  string
	internal bool
}

// Parse parses a key information string of the form
// [f00dbabe/48'/1'/0'/2']tpubXXX or a bare extended public key.
func Parse(s string) (*KeyInfo, error) {
	return parse(s, nil)
}

// ParseForNet is like Parse but also checks that the extended key belongs
// to the given network.
func ParseForNet(s string, net *network.Network) (*KeyInfo, error) {
	return parse(s, net)
}

// ParseAll parses every key information string, preserving order.
func ParseAll(keys []string, net *network.Network) ([]*KeyInfo, error) {
	out := make([]*KeyInfo, 0, len(keys))
	for i, k := range keys {
		ki, err := ParseForNet(k, net)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		out = append(out, ki)
	}
	return out, nil
}

func parse(s string, net *network.Network) (*KeyInfo, error) {
	ki := &KeyInfo{}

	keyStr := s
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return nil, fmt.Errorf("%w: missing closing ']'", ErrInvalidKeyInfo)
		}
		if err := ki.parseOrigin(s[1:end]); err != nil {
			return nil, err
		}
		keyStr = s[end+1:]
	}
	if strings.ContainsAny(keyStr, "[]/") {
		return nil, fmt.Errorf("%w: unexpected characters after key origin",
			ErrInvalidKeyInfo)
	}

	key, err := hdkeychain.NewKeyFromString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyInfo, err)
	}
	if key.IsPrivate() {
		return nil, ErrPrivateKey
	}
	if net != nil && !key.IsForNet(net.ChainParams()) {
		return nil, fmt.Errorf("%w: expected %s", ErrWrongNetwork, net.Name)
	}

	ki.xpub = key
	ki.xpubStr = keyStr
	return ki, nil
}

func (k *KeyInfo) parseOrigin(origin string) error {
	parts := strings.Split(origin, "/")
	fingerprint := parts[0]
	if len(fingerprint) != 8 {
		return fmt.Errorf("%w: fingerprint should be 8 char long",
			ErrInvalidKeyInfo)
	}
	fp, err := hex.DecodeString(fingerprint)
	if err != nil {
		return fmt.Errorf("%w: fingerprint not valid hex: %v",
			ErrInvalidKeyInfo, err)
	}

	path, err := parsePath(parts[1:])
	if err != nil {
		return err
	}

	k.hasOrigin = true
	copy(k.fingerprint[:], fp)
	k.path = path
	return nil
}

// ParsePath parses a derivation path such as m/48'/1'/0'/2' or 86h/0h/0h.
// A leading "m" is optional.
func ParsePath(s string) ([]uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "m"), "/")
	if s == "" {
		return nil, nil
	}
	return parsePath(strings.Split(s, "/"))
}

func parsePath(components []string) ([]uint32, error) {
	result := make([]uint32, 0, len(components))

	for _, component := range components {
		var value uint32

		switch {
		case strings.HasSuffix(component, "'"):
			value = hdkeychain.HardenedKeyStart
			component = strings.TrimSuffix(component, "'")
		case strings.HasSuffix(component, "h"):
			value = hdkeychain.HardenedKeyStart
			component = strings.TrimSuffix(component, "h")
		}

		// Only plain decimal digits, no sign and no base prefix.
		if component == "" || strings.Trim(component, "0123456789") != "" {
			return nil, fmt.Errorf("%w: invalid path component %q",
				ErrInvalidKeyInfo, component)
		}
		bigval, ok := new(big.Int).SetString(component, 10)
		if !ok {
			return nil, fmt.Errorf("%w: invalid path component %q",
				ErrInvalidKeyInfo, component)
		}
		max := uint32(math.MaxUint32 - hdkeychain.HardenedKeyStart)
		if bigval.Cmp(big.NewInt(int64(max))) > 0 {
			return nil, fmt.Errorf("%w: component %v out of allowed "+
				"range [0, %d]", ErrInvalidKeyInfo, bigval, max)
		}
		value += uint32(bigval.Uint64())

		result = append(result, value)
	}
	return result, nil
}

// FormatPath renders a derivation path without the leading "m/", using the
// ' marker for hardened steps.
func FormatPath(path []uint32) string {
	parts := make([]string, 0, len(path))
	for _, step := range path {
		if step >= hdkeychain.HardenedKeyStart {
			parts = append(parts, fmt.Sprintf("%d'",
				step-hdkeychain.HardenedKeyStart))
			continue
		}
		parts = append(parts, fmt.Sprintf("%d", step))
	}
	return strings.Join(parts, "/")
}

// HasOrigin reports whether the key was given with origin information.
func (k *KeyInfo) HasOrigin() bool {
	return k.hasOrigin
}

// Fingerprint returns the origin master key fingerprint.
func (k *KeyInfo) Fingerprint() [4]byte {
	return k.fingerprint
}

// MasterFingerprint returns the origin fingerprint encoded the way PSBT
// BIP32 derivation records carry it.
func (k *KeyInfo) MasterFingerprint() uint32 {
	return binary.LittleEndian.Uint32(k.fingerprint[:])
}

// Path returns a copy of the origin derivation path.
func (k *KeyInfo) Path() []uint32 {
	return append([]uint32(nil), k.path...)
}

// ExtendedKey returns the extended public key.
func (k *KeyInfo) ExtendedKey() *hdkeychain.ExtendedKey {
	return k.xpub
}

// XPub returns the extended public key in its base58 form.
func (k *KeyInfo) XPub() string {
	return k.xpubStr
}

// IsInternal reports whether the key was resolved as controlled by the
// local master key. Only a Registry can set this flag.
func (k *KeyInfo) IsInternal() bool {
	return k.internal
}

// PubKey returns the public key of the extended key itself.
func (k *KeyInfo) PubKey() (*btcec.PublicKey, error) {
	return k.xpub.ECPubKey()
}

// Derive derives the public key at the given non-hardened steps below the
// extended key.
func (k *KeyInfo) Derive(steps ...uint32) (*btcec.PublicKey, error) {
	key := k.xpub
	for _, step := range steps {
		if step >= hdkeychain.HardenedKeyStart {
			return nil, ErrHardenedDerivation
		}
		child, err := key.Derive(step)
		if err != nil {
			return nil, err
		}
		key = child
	}
	return key.ECPubKey()
}

// FullPath returns the origin path extended with the given steps.
func (k *KeyInfo) FullPath(steps ...uint32) []uint32 {
	path := make([]uint32, 0, len(k.path)+len(steps))
	path = append(path, k.path...)
	return append(path, steps...)
}

// SameKey reports whether both KeyInfo carry the same public key and chain
// code.
func (k *KeyInfo) SameKey(other *KeyInfo) bool {
	return sameExtendedKey(k.xpub, other.xpub)
}

// String returns the canonical key information string.
func (k *KeyInfo) String() string {
	if !k.hasOrigin {
		return k.xpubStr
	}
	origin := hex.EncodeToString(k.fingerprint[:])
	if len(k.path) > 0 {
		origin += "/" + FormatPath(k.path)
	}
	return "[" + origin + "]" + k.xpubStr
}

func (k *KeyInfo) withInternal(internal bool) *KeyInfo {
	cp := *k
	cp.path = k.Path()
	cp.internal = internal
	return &cp
}

func sameExtendedKey(a, b *hdkeychain.ExtendedKey) bool {
	pa, err := a.ECPubKey()
	if err != nil {
		return false
	}
	pb, err := b.ECPubKey()
	if err != nil {
		return false
	}
	return pa.IsEqual(pb) && bytes.Equal(a.ChainCode(), b.ChainCode())
}
