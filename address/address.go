package address

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-walletpolicy/network"
)

var (
	// ErrNoAddress is returned for scripts that have no address form.
	ErrNoAddress = errors.New("script has no address form")
)

// Base58 type defines the structure of an address legacy or wrapped segwit
type Base58 struct {
	Version byte
	Data    []byte
}

// Bech32 defines the structure of an address native segwit
type Bech32 struct {
	Prefix  string
	Version byte
	Data    []byte
}

// ToBase58 prepends a version byte and appends a four byte checksum.
func ToBase58(b *Base58) string {
	return base58.CheckEncode(b.Data, b.Version)
}

// ToBech32 encodes the witness program of a segwit output.
func ToBech32(b *Bech32) (string, error) {
	converted, err := bech32.ConvertBits(b.Data, 8, 5, true)
	if err != nil {
		return "", err
	}
	data := append([]byte{b.Version}, converted...)

	if b.Version == 0 {
		return bech32.Encode(b.Prefix, data)
	}
	return bech32.EncodeM(b.Prefix, data)
}

// FromOutputScript returns the address of the given output script.
func FromOutputScript(script []byte, net *network.Network) (string, error) {
	switch GetScriptType(script) {
	case P2PkhScript, P2ShScript, P2WpkhScript, P2WshScript, P2TRScript:
	default:
		return "", ErrNoAddress
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net.ChainParams())
	if err != nil {
		return "", err
	}
	if len(addrs) != 1 {
		return "", ErrNoAddress
	}
	return addrs[0].EncodeAddress(), nil
}
