// Package device exposes the operations of the signing device: wallet
// registration, address derivation and PSBT signing. Requests are served
// one at a time.
package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/vulpemventures/go-walletpolicy/address"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/network"
	"github.com/vulpemventures/go-walletpolicy/signer"
	"github.com/vulpemventures/go-walletpolicy/walletpolicy"
)

var (
	// ErrUserRejected is returned when the user declines a request.
	ErrUserRejected = errors.New("request rejected by the user")
	// ErrNoInternalKey is returned when registering a policy the device
	// holds no key of.
	ErrNoInternalKey = fmt.Errorf("%w: no key belongs to the device",
		walletpolicy.ErrInvalidPolicy)
)

// Config holds the device secrets and its collaborators.
type Config struct {
	// Network is the network addresses and keys belong to.
	Network *network.Network

	// Seed is the BIP32 seed of the device. It is used when Master is
	// nil, and to derive the registration key when RegistrationKey is
	// not set.
	Seed []byte

	// Master is the BIP32 master private key.
	Master *hdkeychain.ExtendedKey

	// RegistrationKey is the key of the wallet registration hmac.
	RegistrationKey fn.Option[[32]byte]

	// Approver asks the user for confirmation.
	Approver Approver

	// ScanWindow is the number of addresses per chain scanned to find the
	// inputs of a wallet.
	ScanWindow uint32

	// SignParallelism is the number of inputs signed at once.
	SignParallelism int

	// RegistryOptions customize the allowed derivation paths.
	RegistryOptions []keyinfo.RegistryOption
}

// DefaultConfig returns a mainnet config rejecting every request. Secrets
// must be filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		Network:         &network.MainNet,
		Approver:        RejectingApprover{},
		ScanWindow:      signer.DefaultScanWindow,
		SignParallelism: 1,
	}
}

// Device serves registration, address and signing requests.
type Device struct {
	cfg       *Config
	registry  *keyinfo.Registry
	registrar *walletpolicy.Registrar

	// mu serializes requests.
	mu sync.Mutex
}

// New creates a device from its config.
func New(cfg *Config) (*Device, error) {
	c := *cfg
	if c.Network == nil {
		c.Network = &network.MainNet
	}
	if c.Approver == nil {
		c.Approver = RejectingApprover{}
	}

	var (
		registry *keyinfo.Registry
		err      error
	)
	switch {
	case c.Master != nil:
		registry, err = keyinfo.NewRegistry(
			c.Master, c.Network, c.RegistryOptions...,
		)
	case len(c.Seed) > 0:
		registry, err = keyinfo.FromSeed(
			c.Seed, c.Network, c.RegistryOptions...,
		)
	default:
		return nil, errors.New("either a seed or a master key is required")
	}
	if err != nil {
		return nil, err
	}

	registrar, err := fn.MapOption(walletpolicy.NewRegistrar)(
		c.RegistrationKey,
	).UnwrapOrFuncErr(func() (*walletpolicy.Registrar, error) {
		return walletpolicy.RegistrarFromSeed(c.Seed)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to derive registration key: %w", err)
	}

	fp := registry.Fingerprint()
	log.Infof("Device ready on %s, master fingerprint %s", c.Network.Name,
		hex.EncodeToString(fp[:]))

	return &Device{
		cfg:       &c,
		registry:  registry,
		registrar: registrar,
	}, nil
}

// Fingerprint returns the fingerprint of the device master key.
func (d *Device) Fingerprint() [4]byte {
	return d.registry.Fingerprint()
}

// ExtendedPubKey returns the key information of the device account at path,
// in the form expected in policies.
func (d *Device) ExtendedPubKey(path []uint32) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.registry.IsAllowedPath(path) {
		return "", fmt.Errorf("%w: m/%s", keyinfo.ErrPathNotAllowed,
			keyinfo.FormatPath(path))
	}
	xpub, err := d.registry.DeriveExtendedPubKey(path)
	if err != nil {
		return "", err
	}

	fp := d.registry.Fingerprint()
	return fmt.Sprintf("[%x/%s]%s", fp[:], keyinfo.FormatPath(path),
		xpub), nil
}

func decide(decision Decision, err error) error {
	if err != nil {
		return err
	}
	if decision != Approved {
		return ErrUserRejected
	}
	return nil
}

// RegisterWallet asks the user to approve the policy and returns its id and
// registration hmac.
func (d *Device) RegisterWallet(ctx context.Context, p *walletpolicy.Policy) (
	id, hmac [32]byte, err error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	policy, err := p.Parse(d.cfg.Network)
	if err != nil {
		return id, hmac, err
	}

	keys, err := d.registry.ResolveAll(policy.Keys())
	if err != nil {
		return id, hmac, err
	}
	internal := 0
	for _, k := range keys {
		if k.IsInternal() {
			internal++
		}
	}
	if internal == 0 {
		return id, hmac, ErrNoInternalKey
	}

	log.Debugf("Asking approval of wallet %q (%d keys, %d internal)",
		p.Name, len(keys), internal)

	err = decide(d.cfg.Approver.ApproveWalletPolicy(ctx, p, keys))
	if err != nil {
		return id, hmac, err
	}

	return d.registrar.Register(p)
}

// GetWalletAddress returns the address of a registered wallet at the given
// position. When display is set, the user has to confirm it.
func (d *Device) GetWalletAddress(ctx context.Context, p *walletpolicy.Policy,
	hmac [32]byte, change bool, index uint32, display bool) (string, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.registrar.VerifyPolicy(hmac, p); err != nil {
		return "", err
	}

	policy, err := p.Parse(d.cfg.Network)
	if err != nil {
		return "", err
	}
	desc, err := policy.Expand(change, index)
	if err != nil {
		return "", err
	}
	addr, err := desc.Address(d.cfg.Network)
	if err != nil {
		return "", err
	}

	if display {
		err := decide(d.cfg.Approver.ConfirmAddress(ctx, p.Name, addr))
		if err != nil {
			return "", err
		}
	}

	return addr, nil
}

// SignPsbt signs the inputs of packet that belong to a registered wallet,
// after the user approved the transaction. The packet is not modified.
func (d *Device) SignPsbt(ctx context.Context, packet *psbt.Packet,
	p *walletpolicy.Policy, hmac [32]byte) ([]signer.PartialSignature,
	error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.registrar.VerifyPolicy(hmac, p); err != nil {
		return nil, err
	}

	policy, err := p.Parse(d.cfg.Network)
	if err != nil {
		return nil, err
	}

	session, err := signer.NewSession(&signer.Config{
		Registry:   d.registry,
		Policy:     policy,
		Packet:     packet,
		ScanWindow: d.cfg.ScanWindow,
		Parallel:   d.cfg.SignParallelism,
	})
	if err != nil {
		return nil, err
	}
	if err := session.Classify(ctx); err != nil {
		return nil, err
	}

	summary, err := d.summarize(session, packet, p.Name)
	if err != nil {
		return nil, err
	}
	log.Debugf("Asking approval of transaction: %v", summary)

	err = decide(d.cfg.Approver.ApproveTransaction(ctx, summary))
	if err != nil {
		return nil, err
	}

	return session.Sign(ctx)
}

func (d *Device) summarize(session *signer.Session, packet *psbt.Packet,
	name string) (*TxSummary, error) {

	summary := &TxSummary{WalletName: name}

	var in, out btcutil.Amount
	for _, input := range session.Inputs() {
		summary.Inputs++
		if input.IsInternal() {
			summary.InternalInputs++
		}
		in += btcutil.Amount(input.PrevOut.Value)
	}

	matcher := signer.NewMatcher(session.Policy(), 0)
	for i, txOut := range packet.UnsignedTx.TxOut {
		o := OutputSummary{
			Index:  i,
			Amount: btcutil.Amount(txOut.Value),
		}

		addr, err := address.FromOutputScript(txOut.PkScript, d.cfg.Network)
		switch {
		case err == nil:
			o.Address = addr
		case errors.Is(err, address.ErrNoAddress):
			o.Address = fmt.Sprintf("%s script %x",
				address.GetScriptType(txOut.PkScript), txOut.PkScript)
		default:
			return nil, err
		}

		desc, err := matcher.MatchHints(
			txOut.PkScript, signer.OutputHints(&packet.Outputs[i]),
		)
		if err != nil {
			return nil, err
		}
		if desc != nil && desc.Change {
			o.IsChange = true
			o.ChangeIndex = desc.Index
		}

		out += o.Amount
		summary.Outputs = append(summary.Outputs, o)
	}

	if out > in {
		return nil, fmt.Errorf("%w: outputs spend %v, inputs only %v",
			signer.ErrMalformedInput, out, in)
	}
	summary.Fee = in - out

	return summary, nil
}
