package main

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels(defaultDebugLevel)

	tests := []struct {
		level string
		valid bool
	}{
		{"debug", true},
		{"trace,SIGN=info", true},
		{"SIGN=debug,DEVC=warn", true},
		{"loud", false},
		{"SIGN=loud", false},
		{"NOPE=debug", false},
		{"info,SIGN", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := parseAndSetDebugLevels(tt.level)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}

	require.NoError(t, parseAndSetDebugLevels("error,SIGN=trace"))
	require.Equal(t, btclog.LevelTrace, subsystemLoggers["SIGN"].Level())
	require.Equal(t, btclog.LevelError, subsystemLoggers["KEYS"].Level())
}
