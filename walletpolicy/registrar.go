package walletpolicy

import (
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/btcsuite/fastsha256"
	"github.com/vulpemventures/go-walletpolicy/slip21"
)

// RegistrationLabel is the SLIP-0021 label of the registration key.
const RegistrationLabel = "LEDGER-Wallet policy"

// ErrInvalidRegistration is returned when a policy is presented with an
// hmac that was not issued for it.
var ErrInvalidRegistration = errors.New("invalid wallet registration")

// Registrar issues and checks the hmac binding a wallet id to the device
// registration key. The key never leaves the registrar.
type Registrar struct {
	key [32]byte
}

// NewRegistrar returns a registrar using the given registration key.
func NewRegistrar(key [32]byte) *Registrar {
	return &Registrar{key: key}
}

// RegistrarFromSeed derives the registration key from the device seed.
func RegistrarFromSeed(seed []byte) (*Registrar, error) {
	root, err := slip21.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	return NewRegistrar(root.Derive(RegistrationLabel).Key()), nil
}

// HMAC returns the registration hmac of a wallet id.
func (r *Registrar) HMAC(id [32]byte) [32]byte {
	mac := hmac.New(fastsha256.New, r.key[:])
	mac.Write(id[:])

	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Register returns the id and hmac of a policy. Callers are expected to
// have obtained the user approval beforehand.
func (r *Registrar) Register(p *Policy) (id, mac [32]byte, err error) {
	if err := p.Validate(); err != nil {
		return id, mac, err
	}
	id = p.ID()
	mac = r.HMAC(id)

	log.Debugf("Registered wallet policy %q with id %x", p.Name, id[:])

	return id, mac, nil
}

// Verify checks that p is a valid policy with the given id and that mac
// was issued for it.
func (r *Registrar) Verify(id, mac [32]byte, p *Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}
	if mac == ([32]byte{}) {
		return fmt.Errorf("%w: empty hmac", ErrInvalidRegistration)
	}

	computed := p.ID()
	if !hmac.Equal(computed[:], id[:]) {
		return fmt.Errorf("%w: wallet id mismatch", ErrInvalidRegistration)
	}

	want := r.HMAC(id)
	if !hmac.Equal(want[:], mac[:]) {
		return fmt.Errorf("%w: hmac mismatch", ErrInvalidRegistration)
	}

	log.Tracef("Verified registration of wallet %x", id[:])

	return nil
}

// VerifyPolicy is like Verify but recomputes the id from p.
func (r *Registrar) VerifyPolicy(mac [32]byte, p *Policy) error {
	return r.Verify(p.ID(), mac, p)
}
