// Command walletpolicy drives a software signing device from the command
// line: it registers wallet policies, derives their addresses and co-signs
// PSBTs.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

type subCommand interface {
	Register(parser *flags.Parser) error
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[walletpolicy] %v\n", err)
	os.Exit(1)
}

func main() {
	opts := newGlobalOptions()
	parser := flags.NewParser(opts, flags.Default)

	commands := []subCommand{
		newIDCommand(opts),
		newDescriptorCommand(opts),
		newXPubCommand(opts),
		newRegisterCommand(opts),
		newAddressCommand(opts),
		newSignCommand(opts),
	}
	for _, command := range commands {
		if err := command.Register(parser); err != nil {
			fatal(err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			return
		}
		// Errors were already printed by the parser.
		os.Exit(1)
	}
}
