package keyinfo

import (
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-walletpolicy/network"
)

func newTestRegistry(t *testing.T, net *network.Network) *Registry {
	t.Helper()

	seed, err := hex.DecodeString(tv1Seed)
	require.NoError(t, err)
	r, err := FromSeed(seed, net)
	require.NoError(t, err)
	return r
}

func TestRegistryFingerprint(t *testing.T) {
	r := newTestRegistry(t, &network.MainNet)
	fp := r.Fingerprint()
	require.Equal(t, "3442193e", hex.EncodeToString(fp[:]))
	require.Equal(t, tv1Master, r.master.String())
}

func TestNewRegistryRejectsPublicMaster(t *testing.T) {
	xpub, err := hdkeychain.NewKeyFromString(tv1Pub)
	require.NoError(t, err)
	_, err = NewRegistry(xpub, &network.MainNet)
	require.ErrorIs(t, err, ErrNotPrivate)
}

func TestResolve(t *testing.T) {
	r := newTestRegistry(t, &network.TestNet)
	fp := r.Fingerprint()
	h := uint32(hdkeychain.HardenedKeyStart)

	accountPath := []uint32{h + 48, h + 1, h, h + 2}
	account, err := r.DeriveExtendedPubKey(accountPath)
	require.NoError(t, err)
	otherAccount, err := r.DeriveExtendedPubKey([]uint32{h + 48, h + 1, h + 1, h + 2})
	require.NoError(t, err)

	origin := fmt.Sprintf("[%x/48'/1'/0'/2']", fp[:])

	tests := []struct {
		name     string
		keyInfo  string
		internal bool
	}{
		{
			name:     "own key",
			keyInfo:  origin + account.String(),
			internal: true,
		},
		{
			name:     "own fingerprint, wrong account",
			keyInfo:  origin + otherAccount.String(),
			internal: false,
		},
		{
			name:     "foreign fingerprint",
			keyInfo:  "[deadbeef/48'/1'/0'/2']" + account.String(),
			internal: false,
		},
		{
			name:     "no origin",
			keyInfo:  account.String(),
			internal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ki, err := ParseForNet(tt.keyInfo, &network.TestNet)
			require.NoError(t, err)

			resolved, err := r.Resolve(ki)
			require.NoError(t, err)
			require.Equal(t, tt.internal, resolved.IsInternal())

			// Resolution never mutates the parsed key.
			require.False(t, ki.IsInternal())
		})
	}
}

func TestIsAllowedPath(t *testing.T) {
	r := newTestRegistry(t, &network.TestNet)
	h := uint32(hdkeychain.HardenedKeyStart)

	tests := []struct {
		name string
		path []uint32
		want bool
	}{
		{"bip86 address", []uint32{h + 86, h + 1, h, 0, 3}, true},
		{"bip48 address", []uint32{h + 48, h + 1, h, h + 2, 1, 7}, true},
		{"bip84 account", []uint32{h + 84, h + 1, h}, true},
		{"wrong coin type", []uint32{h + 86, h, h, 0, 3}, false},
		{"unknown purpose", []uint32{h + 1234, h + 1, h, 0, 3}, false},
		{"unhardened account", []uint32{h + 86, h + 1, 0, 0, 3}, false},
		{"bip48 unhardened script type", []uint32{h + 48, h + 1, h, 2, 0, 1}, false},
		{"hardened address", []uint32{h + 86, h + 1, h, 0, h + 3}, false},
		{"too short", []uint32{h + 86, h + 1}, false},
		{"too deep", []uint32{h + 86, h + 1, h, 0, 0, 0, 0, 0, 0, 0, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, r.IsAllowedPath(tt.path))
		})
	}

	_, err := r.DerivePrivKey([]uint32{h + 86, h, h, 0, 3})
	require.ErrorIs(t, err, ErrPathNotAllowed)

	priv, err := r.DerivePrivKey([]uint32{h + 86, h + 1, h, 0, 3})
	require.NoError(t, err)
	xpub, err := r.DeriveExtendedPubKey([]uint32{h + 86, h + 1, h, 0, 3})
	require.NoError(t, err)
	pub, err := xpub.ECPubKey()
	require.NoError(t, err)
	require.True(t, pub.IsEqual(priv.PubKey()))
}

func TestWithAllowedPurposes(t *testing.T) {
	seed, err := hex.DecodeString(tv1Seed)
	require.NoError(t, err)
	r, err := FromSeed(seed, &network.Regtest, WithAllowedPurposes(86))
	require.NoError(t, err)

	h := uint32(hdkeychain.HardenedKeyStart)
	require.True(t, r.IsAllowedPath([]uint32{h + 86, h + 1, h, 0, 0}))
	require.False(t, r.IsAllowedPath([]uint32{h + 84, h + 1, h, 0, 0}))
}

func TestConcurrentDerivation(t *testing.T) {
	r := newTestRegistry(t, &network.TestNet)
	h := uint32(hdkeychain.HardenedKeyStart)
	path := []uint32{h + 86, h + 1, h}

	want, err := r.DeriveExtendedPubKey(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := r.DeriveExtendedPubKey(path)
			if err == nil {
				results[i] = k.String()
			}
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.Equal(t, want.String(), res)
	}
}
