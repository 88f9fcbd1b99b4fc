package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/vulpemventures/go-walletpolicy/descriptor"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/taproot"
	"golang.org/x/sync/errgroup"
)

// KeySource gives access to the keys controlled by the device.
// *keyinfo.Registry implements it.
type KeySource interface {
	// Resolve flags ki as internal if the device controls it.
	Resolve(ki *keyinfo.KeyInfo) (*keyinfo.KeyInfo, error)

	// IsAllowedPath reports whether the device signs with keys derived
	// at path.
	IsAllowedPath(path []uint32) bool

	// DerivePrivKey returns the private key at path.
	DerivePrivKey(path []uint32) (*btcec.PrivateKey, error)
}

// Config holds the inputs of a signing session.
type Config struct {
	// Registry resolves and derives the device keys.
	Registry KeySource

	// Policy is the wallet policy whose inputs are signed. It must have
	// been verified against its registration beforehand.
	Policy *descriptor.Policy

	// Packet is the transaction to sign. It is only read.
	Packet *psbt.Packet

	// ScanWindow is the number of addresses per chain scanned for inputs
	// without derivation hints. It defaults to DefaultScanWindow.
	ScanWindow uint32

	// Parallel is the maximum number of inputs signed at once. It
	// defaults to 1.
	Parallel int

	// Logger overrides the package logger.
	Logger btclog.Logger
}

// State is the state of a signing session.
type State uint8

const (
	// StateIdle is the state of a new session.
	StateIdle State = iota
	// StateInputsClassified is reached once every input is matched
	// against the policy.
	StateInputsClassified
	// StatePerInputSigning is the state while signatures are computed.
	StatePerInputSigning
	// StateDone is reached when the signatures are returned.
	StateDone
	// StateAborted is reached on any failure. No signature is returned.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInputsClassified:
		return "InputsClassified"
	case StatePerInputSigning:
		return "PerInputSigning"
	case StateDone:
		return "Done"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// SigningInput is the view of one PSBT input the session works with.
type SigningInput struct {
	Index       int
	PrevOut     *wire.TxOut
	Sequence    uint32
	SigHashType txscript.SigHashType

	// Descriptor is the expanded policy producing PrevOut, nil when the
	// input does not belong to the policy.
	Descriptor *descriptor.Descriptor
}

// IsInternal reports whether the device holds a key of the input.
func (in *SigningInput) IsInternal() bool {
	if in.Descriptor == nil {
		return false
	}
	for _, k := range in.Descriptor.Keys() {
		if k.KeyInfo.IsInternal() {
			return true
		}
	}
	return false
}

// Session signs the inputs of one PSBT under one policy. It is single-use.
type Session struct {
	cfg    Config
	log    btclog.Logger
	policy *descriptor.Policy

	mu     sync.Mutex
	state  State
	inputs []*SigningInput
}

// NewSession resolves the policy keys against the registry and returns an
// idle session.
func NewSession(cfg *Config) (*Session, error) {
	if cfg == nil || cfg.Registry == nil || cfg.Policy == nil {
		return nil, errors.New("registry and policy are required")
	}
	if cfg.Packet == nil || cfg.Packet.UnsignedTx == nil {
		return nil, fmt.Errorf("%w: missing transaction", ErrMalformedInput)
	}
	if len(cfg.Packet.Inputs) != len(cfg.Packet.UnsignedTx.TxIn) ||
		len(cfg.Packet.Outputs) != len(cfg.Packet.UnsignedTx.TxOut) {

		return nil, fmt.Errorf("%w: packet has %d/%d inputs and %d/%d "+
			"outputs", ErrMalformedInput, len(cfg.Packet.Inputs),
			len(cfg.Packet.UnsignedTx.TxIn), len(cfg.Packet.Outputs),
			len(cfg.Packet.UnsignedTx.TxOut))
	}

	c := *cfg
	if c.ScanWindow == 0 {
		c.ScanWindow = DefaultScanWindow
	}
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
	if c.Logger == nil {
		c.Logger = log
	}

	var keys []*keyinfo.KeyInfo
	for _, k := range c.Policy.Keys() {
		resolved, err := c.Registry.Resolve(k)
		if err != nil {
			return nil, err
		}
		keys = append(keys, resolved)
	}
	policy, err := descriptor.Parse(c.Policy.Template(), keys)
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:    c,
		log:    c.Logger,
		policy: policy,
	}, nil
}

// State returns the current state of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Policy returns the policy with its keys resolved against the registry.
func (s *Session) Policy() *descriptor.Policy {
	return s.policy
}

// Inputs returns the classified inputs. It is empty before Classify.
func (s *Session) Inputs() []*SigningInput {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*SigningInput(nil), s.inputs...)
}

// Classify matches every input against the policy. Inputs that don't
// belong to it are kept with a nil Descriptor and won't be signed.
func (s *Session) Classify(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrSessionUsed
	}
	return s.classify(ctx)
}

func (s *Session) classify(ctx context.Context) error {
	packet := s.cfg.Packet
	matcher := NewMatcher(s.policy, s.cfg.ScanWindow)

	inputs := make([]*SigningInput, len(packet.Inputs))
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		txIn := packet.UnsignedTx.TxIn[i]

		prevOut, err := previousOutput(i, in, txIn)
		if err != nil {
			return s.abort(err)
		}

		d, err := matcher.Match(ctx, prevOut.PkScript, InputHints(in))
		if err != nil {
			return s.abort(&InputError{Index: i, Err: err})
		}

		si := &SigningInput{
			Index:      i,
			PrevOut:    prevOut,
			Sequence:   txIn.Sequence,
			Descriptor: d,
		}
		if d == nil {
			s.log.Debugf("Input %d does not belong to the policy, "+
				"skipping", i)
			inputs[i] = si
			continue
		}

		si.SigHashType, err = sigHashType(i, in, d.Type)
		if err != nil {
			return s.abort(err)
		}
		if d.Type == descriptor.OutputLegacy && in.NonWitnessUtxo == nil {
			return s.abort(malformed(i, "legacy input without the "+
				"previous transaction"))
		}

		s.log.Debugf("Input %d matches %s at change=%v index=%d", i,
			d.Type, d.Change, d.Index)
		s.log.Tracef("Input %d descriptor: %v", i,
			newLogClosure(func() string {
				return d.String()
			}))

		inputs[i] = si
	}

	s.inputs = inputs
	s.state = StateInputsClassified
	return nil
}

// previousOutput returns the output spent by the input, checking the
// previous transaction against the outpoint when it is given.
func previousOutput(i int, in *psbt.PInput, txIn *wire.TxIn) (
	*wire.TxOut, error) {

	outpoint := txIn.PreviousOutPoint
	if in.NonWitnessUtxo != nil {
		if in.NonWitnessUtxo.TxHash() != outpoint.Hash {
			return nil, malformed(i, "previous transaction does not "+
				"match outpoint %v", outpoint)
		}
		if int(outpoint.Index) >= len(in.NonWitnessUtxo.TxOut) {
			return nil, malformed(i, "previous output index %d out "+
				"of range", outpoint.Index)
		}
		prevOut := in.NonWitnessUtxo.TxOut[outpoint.Index]

		if in.WitnessUtxo != nil &&
			(in.WitnessUtxo.Value != prevOut.Value ||
				!bytes.Equal(in.WitnessUtxo.PkScript, prevOut.PkScript)) {

			return nil, malformed(i, "witness utxo does not match "+
				"previous transaction")
		}
		return prevOut, nil
	}

	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}

	return nil, malformed(i, "missing previous output")
}

// sigHashType returns the sighash flag to sign the input with.
func sigHashType(i int, in *psbt.PInput,
	outputType descriptor.OutputType) (txscript.SigHashType, error) {

	hashType := in.SighashType
	if hashType == 0 {
		if outputType == descriptor.OutputTaproot {
			return txscript.SigHashDefault, nil
		}
		return txscript.SigHashAll, nil
	}

	switch hashType &^ txscript.SigHashAnyOneCanPay {
	case txscript.SigHashAll, txscript.SigHashNone, txscript.SigHashSingle:
		return hashType, nil
	default:
		return 0, malformed(i, "unsupported sighash type 0x%x",
			uint32(hashType))
	}
}

// signingJob is one signature to produce.
type signingJob struct {
	kind SignatureKind
	key  descriptor.DerivedKey
	leaf *descriptor.Leaf
}

// jobs lists the signatures the device owes for the input, in output
// order: key path first, then leaves depth-first with their keys in listed
// order. ECDSA keys follow the template order.
func jobs(in *SigningInput) []signingJob {
	d := in.Descriptor
	if d == nil {
		return nil
	}

	var out []signingJob
	if d.Type != descriptor.OutputTaproot {
		for _, k := range d.Keys() {
			if k.KeyInfo.IsInternal() {
				out = append(out, signingJob{kind: Ecdsa, key: k})
			}
		}
		return out
	}

	if d.InternalKey.KeyInfo.IsInternal() {
		out = append(out, signingJob{kind: KeyPath, key: *d.InternalKey})
	}
	for i := range d.Leaves {
		leaf := &d.Leaves[i]
		for _, k := range leaf.Keys {
			if k.KeyInfo.IsInternal() {
				out = append(out, signingJob{
					kind: ScriptPath,
					key:  k,
					leaf: leaf,
				})
			}
		}
	}
	return out
}

// Sign classifies the inputs if needed, then signs every internal input.
// Signatures are ordered by input index. On failure the session is aborted
// and no signature is returned.
func (s *Session) Sign(ctx context.Context) ([]PartialSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		if err := s.classify(ctx); err != nil {
			return nil, err
		}
	case StateInputsClassified:
	default:
		return nil, ErrSessionUsed
	}

	s.state = StatePerInputSigning

	// Every key is checked before the first signature is computed.
	plan := make([][]signingJob, len(s.inputs))
	for i, in := range s.inputs {
		plan[i] = jobs(in)
		for _, job := range plan[i] {
			if !s.cfg.Registry.IsAllowedPath(job.key.Path) {
				return nil, s.abort(&InputError{
					Index: i,
					Err: fmt.Errorf("%w: m/%s",
						keyinfo.ErrPathNotAllowed,
						keyinfo.FormatPath(job.key.Path)),
				})
			}
		}
	}

	packet := s.cfg.Packet
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range s.inputs {
		fetcher.AddPrevOut(
			packet.UnsignedTx.TxIn[in.Index].PreviousOutPoint, in.PrevOut,
		)
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	slots := make([][]PartialSignature, len(s.inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallel)
	for i := range s.inputs {
		if len(plan[i]) == 0 {
			continue
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sigs, err := s.signInput(
				s.inputs[i], plan[i], sigHashes, fetcher,
			)
			if err != nil {
				return &InputError{Index: i, Err: err}
			}
			slots[i] = sigs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.abort(err)
	}

	var sigs []PartialSignature
	for _, slot := range slots {
		sigs = append(sigs, slot...)
	}

	s.state = StateDone
	s.log.Infof("Produced %d signatures for %d inputs", len(sigs),
		len(s.inputs))

	return sigs, nil
}

func (s *Session) abort(err error) error {
	s.state = StateAborted
	s.inputs = nil
	s.log.Errorf("Signing session aborted: %v", err)
	return err
}

func (s *Session) signInput(in *SigningInput, plan []signingJob,
	sigHashes *txscript.TxSigHashes,
	fetcher txscript.PrevOutputFetcher) ([]PartialSignature, error) {

	tx := s.cfg.Packet.UnsignedTx
	if in.SigHashType&^txscript.SigHashAnyOneCanPay == txscript.SigHashSingle &&
		in.Index >= len(tx.TxOut) {

		return nil, fmt.Errorf("%w: SIGHASH_SINGLE without matching "+
			"output", ErrMalformedInput)
	}

	sigs := make([]PartialSignature, 0, len(plan))
	for _, job := range plan {
		priv, err := s.cfg.Registry.DerivePrivKey(job.key.Path)
		if err != nil {
			return nil, err
		}
		if !priv.PubKey().IsEqual(job.key.PubKey) {
			return nil, fmt.Errorf("%w: m/%s", ErrKeyMismatch,
				keyinfo.FormatPath(job.key.Path))
		}

		var sig PartialSignature
		switch job.kind {
		case KeyPath:
			sig, err = signKeyPath(in, priv, sigHashes, tx, fetcher)
		case ScriptPath:
			sig, err = signScriptPath(
				in, priv, job.leaf, sigHashes, tx, fetcher,
			)
		case Ecdsa:
			sig, err = signEcdsa(in, priv, sigHashes, tx)
		}
		if err != nil {
			return nil, err
		}

		s.log.Tracef("Signed %v", newLogClosure(func() string {
			return spew.Sdump(sig)
		}))
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func signKeyPath(in *SigningInput, priv *btcec.PrivateKey,
	sigHashes *txscript.TxSigHashes, tx *wire.MsgTx,
	fetcher txscript.PrevOutputFetcher) (PartialSignature, error) {

	d := in.Descriptor
	root := fn.None[chainhash.Hash]()
	if d.ScriptTree != nil {
		root = fn.Some(d.ScriptTree.RootHash())
	}

	hash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, in.SigHashType, tx, in.Index, fetcher,
	)
	if err != nil {
		return PartialSignature{}, err
	}

	sig, err := schnorr.Sign(taproot.TweakPrivKey(priv, root), hash)
	if err != nil {
		return PartialSignature{}, err
	}

	return PartialSignature{
		InputIndex: in.Index,
		PubKey:     d.InternalKey.XOnly(),
		LeafHash:   fn.None[chainhash.Hash](),
		Signature:  schnorrBytes(sig, in.SigHashType),
	}, nil
}

func signScriptPath(in *SigningInput, priv *btcec.PrivateKey,
	leaf *descriptor.Leaf, sigHashes *txscript.TxSigHashes, tx *wire.MsgTx,
	fetcher txscript.PrevOutputFetcher) (PartialSignature, error) {

	hash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, in.SigHashType, tx, in.Index, fetcher,
		txscript.NewBaseTapLeaf(leaf.Script),
	)
	if err != nil {
		return PartialSignature{}, err
	}

	sig, err := schnorr.Sign(priv, hash)
	if err != nil {
		return PartialSignature{}, err
	}

	return PartialSignature{
		InputIndex: in.Index,
		PubKey:     schnorr.SerializePubKey(priv.PubKey()),
		LeafHash:   fn.Some(leaf.Hash),
		Signature:  schnorrBytes(sig, in.SigHashType),
	}, nil
}

func signEcdsa(in *SigningInput, priv *btcec.PrivateKey,
	sigHashes *txscript.TxSigHashes,
	tx *wire.MsgTx) (PartialSignature, error) {

	d := in.Descriptor
	script := d.SigningScript()

	var (
		hash []byte
		err  error
	)
	if d.Type.IsSegwit() {
		hash, err = txscript.CalcWitnessSigHash(
			script, sigHashes, in.SigHashType, tx, in.Index,
			in.PrevOut.Value,
		)
	} else {
		hash, err = txscript.CalcSignatureHash(
			script, in.SigHashType, tx, in.Index,
		)
	}
	if err != nil {
		return PartialSignature{}, err
	}

	sig := ecdsa.Sign(priv, hash)

	return PartialSignature{
		InputIndex: in.Index,
		PubKey:     priv.PubKey().SerializeCompressed(),
		LeafHash:   fn.None[chainhash.Hash](),
		Signature:  append(sig.Serialize(), byte(in.SigHashType)),
	}, nil
}

func schnorrBytes(sig *schnorr.Signature,
	hashType txscript.SigHashType) []byte {

	out := sig.Serialize()
	if hashType != txscript.SigHashDefault {
		out = append(out, byte(hashType))
	}
	return out
}
