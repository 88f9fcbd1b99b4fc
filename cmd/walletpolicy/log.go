package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/vulpemventures/go-walletpolicy/device"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/signer"
	"github.com/vulpemventures/go-walletpolicy/walletpolicy"
)

var (
	// backendLog writes every subsystem log to stderr, keeping stdout for
	// command output.
	backendLog = btclog.NewBackend(os.Stderr)

	mainLog = backendLog.Logger("WPCL")

	subsystemLoggers = map[string]btclog.Logger{
		"WPCL": mainLog,
	}
)

func init() {
	addSubLogger(keyinfo.Subsystem, keyinfo.UseLogger)
	addSubLogger(walletpolicy.Subsystem, walletpolicy.UseLogger)
	addSubLogger(signer.Subsystem, signer.UseLogger)
	addSubLogger(device.Subsystem, device.UseLogger)

	setLogLevels("info")
}

func addSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	logger := backendLog.Logger(subsystem)
	subsystemLoggers[subsystem] = logger
	useLogger(logger)
}

func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for name := range subsystemLoggers {
		subsystems = append(subsystems, name)
	}
	sort.Strings(subsystems)
	return subsystems
}

func setLogLevels(level string) {
	lvl, _ := btclog.LevelFromString(level)
	for _, logger := range subsystemLoggers {
		logger.SetLevel(lvl)
	}
}

// parseAndSetDebugLevels accepts either a global level or a list of
// subsystem=level pairs, optionally preceded by a global level.
func parseAndSetDebugLevels(debugLevel string) error {
	levels := strings.Split(debugLevel, ",")

	if !strings.Contains(levels[0], "=") {
		if _, ok := btclog.LevelFromString(levels[0]); !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", levels[0])
		}
		setLogLevels(levels[0])
		levels = levels[1:]
	}

	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}
		subsystem, level := fields[0], fields[1]

		logger, ok := subsystemLoggers[subsystem]
		if !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsystem, supportedSubsystems())
		}
		lvl, ok := btclog.LevelFromString(level)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", level)
		}
		logger.SetLevel(lvl)
	}

	return nil
}
