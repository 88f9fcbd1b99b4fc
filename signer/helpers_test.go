package signer_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-walletpolicy/descriptor"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/network"
	"github.com/vulpemventures/go-walletpolicy/signer"
)

const (
	deviceSeed   = "000102030405060708090a0b0c0d0e0f"
	cosignerSeed = "fffcf9f6f3f0edeae7e4e1dedbd8d5d2cfccc9c6c3c0bdbab7b4b1aeaba8a5a29f9c999693908d8a8784817e7b7875726f6c696663605d5a5754514e4b484542"

	inputValue = 100_000
)

func newRegistry(t *testing.T, seedHex string) *keyinfo.Registry {
	t.Helper()

	seed, err := hex.DecodeString(seedHex)
	require.NoError(t, err)
	r, err := keyinfo.FromSeed(seed, &network.MainNet)
	require.NoError(t, err)
	return r
}

// keyAt returns the key information of the registry account at path.
func keyAt(t *testing.T, r *keyinfo.Registry, path string) *keyinfo.KeyInfo {
	t.Helper()

	steps, err := keyinfo.ParsePath(path)
	require.NoError(t, err)
	xpub, err := r.DeriveExtendedPubKey(steps)
	require.NoError(t, err)

	fp := r.Fingerprint()
	ki, err := keyinfo.Parse(fmt.Sprintf("[%x/%s]%s", fp[:],
		keyinfo.FormatPath(steps), xpub))
	require.NoError(t, err)
	return ki
}

type testEnv struct {
	device   *keyinfo.Registry
	cosigner *keyinfo.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{
		device:   newRegistry(t, deviceSeed),
		cosigner: newRegistry(t, cosignerSeed),
	}
}

// keys builds the key list of a policy: paths prefixed with "d:" belong to
// the device, the others to the cosigner.
func (e *testEnv) keys(t *testing.T, paths ...string) []*keyinfo.KeyInfo {
	t.Helper()

	out := make([]*keyinfo.KeyInfo, len(paths))
	for i, p := range paths {
		if len(p) > 2 && p[:2] == "d:" {
			out[i] = keyAt(t, e.device, p[2:])
			continue
		}
		out[i] = keyAt(t, e.cosigner, p)
	}
	return out
}

func parsePolicy(t *testing.T, template string,
	keys []*keyinfo.KeyInfo) *descriptor.Policy {

	t.Helper()

	policy, err := descriptor.Parse(template, keys)
	require.NoError(t, err)
	return policy
}

// fundedInput describes one input of a test transaction.
type fundedInput struct {
	script     []byte
	value      int64
	legacy     bool
	sighash    txscript.SigHashType
	derivation []uint32
}

// buildPacket returns a packet spending one fresh output per input to a
// single output.
func buildPacket(t *testing.T, inputs ...fundedInput) *psbt.Packet {
	t.Helper()

	var (
		outpoints []*wire.OutPoint
		prevTxs   []*wire.MsgTx
		sequences []uint32
		total     int64
	)
	for i, in := range inputs {
		prev := wire.NewMsgTx(2)
		prev.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i + 1)},
				Index: uint32(i),
			},
		})
		prev.AddTxOut(wire.NewTxOut(in.value, in.script))

		prevTxs = append(prevTxs, prev)
		outpoints = append(outpoints, &wire.OutPoint{
			Hash: prev.TxHash(), Index: 0,
		})
		sequences = append(sequences, wire.MaxTxInSequenceNum)
		total += in.value
	}

	destination, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(make([]byte, 20)).Script()
	require.NoError(t, err)

	packet, err := psbt.New(
		outpoints, []*wire.TxOut{wire.NewTxOut(total-1_000, destination)},
		2, 0, sequences,
	)
	require.NoError(t, err)

	for i, in := range inputs {
		if in.legacy {
			packet.Inputs[i].NonWitnessUtxo = prevTxs[i]
		} else {
			packet.Inputs[i].WitnessUtxo = prevTxs[i].TxOut[0]
		}
		packet.Inputs[i].SighashType = in.sighash
		if in.derivation != nil {
			packet.Inputs[i].Bip32Derivation = []*psbt.Bip32Derivation{{
				PubKey:    make([]byte, 33),
				Bip32Path: in.derivation,
			}}
		}
	}
	return packet
}

func expand(t *testing.T, policy *descriptor.Policy, change bool,
	index uint32) *descriptor.Descriptor {

	t.Helper()

	d, err := policy.Expand(change, index)
	require.NoError(t, err)
	return d
}

func sign(t *testing.T, e *testEnv, policy *descriptor.Policy,
	packet *psbt.Packet) ([]signer.PartialSignature, *signer.Session, error) {

	t.Helper()

	session, err := signer.NewSession(&signer.Config{
		Registry: e.device,
		Policy:   policy,
		Packet:   packet,
	})
	require.NoError(t, err)

	sigs, err := session.Sign(context.Background())
	return sigs, session, err
}

// verify runs the script engine on input i of the packet transaction, with
// the given witness and signature script.
func verify(t *testing.T, packet *psbt.Packet, i int, witness wire.TxWitness,
	sigScript []byte) {

	t.Helper()

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for j, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[j]
		prevOut := in.WitnessUtxo
		if in.NonWitnessUtxo != nil {
			prevOut = in.NonWitnessUtxo.TxOut[txIn.PreviousOutPoint.Index]
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
	}

	tx := packet.UnsignedTx.Copy()
	tx.TxIn[i].Witness = witness
	tx.TxIn[i].SignatureScript = sigScript

	prevOut := fetcher.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint)
	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func controlBlock(t *testing.T, d *descriptor.Descriptor,
	leaf descriptor.Leaf) []byte {

	t.Helper()

	proof, ok := d.ScriptTree.Proof(leaf.Hash)
	require.True(t, ok)
	cb := proof.ToControlBlock(d.InternalKey.PubKey)
	raw, err := cb.ToBytes()
	require.NoError(t, err)
	return raw
}

// foreignScript is a p2wpkh script no policy of the tests produces.
func foreignScript(t *testing.T) []byte {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(priv.PubKey().SerializeCompressed())).
		Script()
	require.NoError(t, err)
	return script
}
