package address

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetScriptType(t *testing.T) {
	tests := []struct {
		script string
		want   ScriptType
	}{
		{"76a914751e76e8199196d454941c45d1b3a323f1433bd688ac", P2PkhScript},
		{"a914751e76e8199196d454941c45d1b3a323f1433bd687", P2ShScript},
		{"0014751e76e8199196d454941c45d1b3a323f1433bd6", P2WpkhScript},
		{"00201863143c14c5166804bd19203356da136c985678cd4d27a1b8c6329604903262", P2WshScript},
		{"512079be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", P2TRScript},
		{"512103dff4923d778550cc13ce0d887d737553b4b58f4e8e886507fc39f5e447b2186451ae", MultisigScript},
		{"6a0401020304", NullDataScript},
		{"0102", UnknownScript},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			script, err := hex.DecodeString(tt.script)
			require.NoError(t, err)

			got := GetScriptType(script)
			require.Equal(t, tt.want, got)
		})
	}
}
