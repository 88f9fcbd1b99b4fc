package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/jessevdk/go-flags"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/signer"
)

type idCommand struct {
	policyOptions

	global *globalOptions
}

func newIDCommand(global *globalOptions) *idCommand {
	return &idCommand{global: global}
}

func (x *idCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"id",
		"Print the id of a wallet policy",
		"Validate a wallet policy against the selected network and "+
			"print its id and serialization, without touching "+
			"the device",
		x,
	)
	return err
}

func (x *idCommand) Execute(_ []string) error {
	net, err := x.global.setup()
	if err != nil {
		return err
	}
	p, err := x.policy()
	if err != nil {
		return err
	}
	if _, err := p.Parse(net); err != nil {
		return err
	}

	id := p.ID()
	fmt.Fprintf(x.global.out, "id:         %x\n", id[:])
	fmt.Fprintf(x.global.out, "serialized: %x\n", p.Serialize())
	return nil
}

type descriptorCommand struct {
	policyOptions

	Change bool `long:"change" description:"Render the change descriptor instead of the receive one"`

	global *globalOptions
}

func newDescriptorCommand(global *globalOptions) *descriptorCommand {
	return &descriptorCommand{global: global}
}

func (x *descriptorCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"descriptor",
		"Print the ranged output descriptor of a wallet policy",
		"Print the output descriptor of the receive or change chain "+
			"of a wallet policy, with its checksum, ready to be "+
			"imported in a watch-only wallet",
		x,
	)
	return err
}

func (x *descriptorCommand) Execute(_ []string) error {
	net, err := x.global.setup()
	if err != nil {
		return err
	}
	p, err := x.policy()
	if err != nil {
		return err
	}
	policy, err := p.Parse(net)
	if err != nil {
		return err
	}
	desc, err := policy.DescriptorString(x.Change)
	if err != nil {
		return err
	}

	fmt.Fprintln(x.global.out, desc)
	return nil
}

type xpubCommand struct {
	Path string `long:"path" short:"p" description:"The hardened account path, e.g. m/48'/0'/0'/2'" required:"true"`

	global *globalOptions
}

func newXPubCommand(global *globalOptions) *xpubCommand {
	return &xpubCommand{global: global}
}

func (x *xpubCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"xpub",
		"Print the key information of a device account",
		"Derive the extended public key of the device at an allowed "+
			"account path and print it with its origin, in the "+
			"form expected by wallet policies",
		x,
	)
	return err
}

func (x *xpubCommand) Execute(_ []string) error {
	path, err := keyinfo.ParsePath(x.Path)
	if err != nil {
		return err
	}
	d, err := x.global.device()
	if err != nil {
		return err
	}
	key, err := d.ExtendedPubKey(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(x.global.out, key)
	return nil
}

type registerCommand struct {
	policyOptions

	global *globalOptions
}

func newRegisterCommand(global *globalOptions) *registerCommand {
	return &registerCommand{global: global}
}

func (x *registerCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"register",
		"Register a wallet policy on the device",
		"Show the wallet policy for approval and, once approved, "+
			"print its id and the registration hmac needed by "+
			"the address and sign commands",
		x,
	)
	return err
}

func (x *registerCommand) Execute(_ []string) error {
	p, err := x.policy()
	if err != nil {
		return err
	}
	d, err := x.global.device()
	if err != nil {
		return err
	}

	id, mac, err := d.RegisterWallet(context.Background(), p)
	if err != nil {
		return err
	}

	fmt.Fprintf(x.global.out, "id:   %x\n", id[:])
	fmt.Fprintf(x.global.out, "hmac: %x\n", mac[:])
	return nil
}

type addressCommand struct {
	registeredOptions

	Change  bool   `long:"change" description:"Derive from the change chain"`
	Index   uint32 `long:"index" short:"i" description:"The address index"`
	Display bool   `long:"display" description:"Ask the user to confirm the address"`

	global *globalOptions
}

func newAddressCommand(global *globalOptions) *addressCommand {
	return &addressCommand{global: global}
}

func (x *addressCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"address",
		"Derive an address of a registered wallet",
		"Check the registration of the wallet and print its address "+
			"at the given change and index",
		x,
	)
	return err
}

func (x *addressCommand) Execute(_ []string) error {
	p, mac, err := x.registration()
	if err != nil {
		return err
	}
	d, err := x.global.device()
	if err != nil {
		return err
	}

	addr, err := d.GetWalletAddress(
		context.Background(), p, mac, x.Change, x.Index, x.Display,
	)
	if err != nil {
		return err
	}

	fmt.Fprintln(x.global.out, addr)
	return nil
}

type signCommand struct {
	registeredOptions

	Psbt string `long:"psbt" description:"The base64 encoded PSBT; read from stdin if not set"`

	global *globalOptions
}

func newSignCommand(global *globalOptions) *signCommand {
	return &signCommand{global: global}
}

func (x *signCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"sign",
		"Co-sign a PSBT spending from a registered wallet",
		"Show the transaction for approval, sign every input of the "+
			"wallet with the keys of the device and print the PSBT "+
			"with the partial signatures attached",
		x,
	)
	return err
}

func (x *signCommand) readPacket() (*psbt.Packet, error) {
	if x.Psbt != "" {
		return psbt.NewFromRawBytes(strings.NewReader(x.Psbt), true)
	}
	// Stdin also carries the seed prompt and the approval answers.
	if x.global.Seed == "" || !x.global.Yes {
		return nil, errors.New("reading the PSBT from stdin requires " +
			"--seed and --yes")
	}

	raw, err := io.ReadAll(x.global.stdin)
	if err != nil {
		return nil, err
	}
	return psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(string(raw))), true,
	)
}

func (x *signCommand) Execute(_ []string) error {
	p, mac, err := x.registration()
	if err != nil {
		return err
	}
	packet, err := x.readPacket()
	if err != nil {
		return fmt.Errorf("invalid psbt: %w", err)
	}
	d, err := x.global.device()
	if err != nil {
		return err
	}

	sigs, err := d.SignPsbt(context.Background(), packet, p, mac)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		mainLog.Debugf("Signed input %d with %s key %s",
			sig.InputIndex, sig.Kind(), hex.EncodeToString(sig.Tag()))
		fmt.Fprintf(x.global.out, "input %d %s: %x %x\n",
			sig.InputIndex, sig.Kind(), sig.Tag(), sig.Signature)
	}

	if err := signer.Attach(packet, sigs); err != nil {
		return err
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		return err
	}

	fmt.Fprintln(x.global.out, encoded)
	return nil
}
