package slip21

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixtures struct {
	Seed   string `json:"seed"`
	Derive []struct {
		Labels   []string `json:"labels"`
		Expected string   `json:"expected"`
	} `json:"derive"`
}

func TestDerive(t *testing.T) {
	file, err := os.ReadFile("testdata/slip21.json")
	require.NoError(t, err)

	var tests fixtures
	require.NoError(t, json.Unmarshal(file, &tests))

	seed, err := hex.DecodeString(tests.Seed)
	require.NoError(t, err)

	master, err := FromSeed(seed)
	require.NoError(t, err)

	for _, v := range tests.Derive {
		key := master.Derive(v.Labels...).Key()
		require.Equal(t, v.Expected, hex.EncodeToString(key[:]))
	}
}

func TestFromSeedEmpty(t *testing.T) {
	_, err := FromSeed(nil)
	require.ErrorIs(t, err, ErrInvalidSeed)
}

// The SLIP-0077 master blinding key is the SLIP-0021 node at label
// "SLIP-0077", so both derivations must agree.
func TestMatchesSlip77Derivation(t *testing.T) {
	seed := []byte("wallet policy registration seed")

	root := hmac.New(sha512.New, []byte("Symmetric key seed"))
	root.Write(seed)
	rootKey := root.Sum(nil)

	child := hmac.New(sha512.New, rootKey[:32])
	child.Write([]byte{0})
	child.Write([]byte("SLIP-0077"))
	want := child.Sum(nil)[32:]

	master, err := FromSeed(seed)
	require.NoError(t, err)
	got := master.Derive("SLIP-0077").Key()
	require.Equal(t, want, got[:])
}
