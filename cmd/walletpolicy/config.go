package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vulpemventures/go-walletpolicy/device"
	"github.com/vulpemventures/go-walletpolicy/network"
	"github.com/vulpemventures/go-walletpolicy/walletpolicy"
	"golang.org/x/term"
)

const (
	defaultNetwork    = "mainnet"
	defaultDebugLevel = "info"
)

type globalOptions struct {
	Network    string `long:"network" short:"n" description:"The network keys and addresses belong to" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet"`
	Seed       string `long:"seed" description:"The hex encoded BIP32 seed of the device; read from the terminal if not set"`
	DebugLevel string `long:"debuglevel" short:"d" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	Yes        bool   `long:"yes" short:"y" description:"Approve every request without asking"`

	stdin *bufio.Reader
	out   io.Writer
}

func newGlobalOptions() *globalOptions {
	return &globalOptions{
		Network:    defaultNetwork,
		DebugLevel: defaultDebugLevel,
		stdin:      bufio.NewReader(os.Stdin),
		out:        os.Stdout,
	}
}

func (o *globalOptions) setup() (*network.Network, error) {
	net, err := network.FromName(o.Network)
	if err != nil {
		return nil, err
	}
	if err := parseAndSetDebugLevels(o.DebugLevel); err != nil {
		return nil, err
	}
	return net, nil
}

func (o *globalOptions) readSeed() ([]byte, error) {
	seedHex := o.Seed
	if seedHex == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, errors.New("no seed given and stdin is not " +
				"a terminal")
		}

		fmt.Fprint(os.Stderr, "Input hex encoded seed: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		seedHex = strings.TrimSpace(string(raw))
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return seed, nil
}

func (o *globalOptions) device() (*device.Device, error) {
	net, err := o.setup()
	if err != nil {
		return nil, err
	}
	seed, err := o.readSeed()
	if err != nil {
		return nil, err
	}

	cfg := device.DefaultConfig()
	cfg.Network = net
	cfg.Seed = seed
	cfg.Approver = &promptApprover{in: o.stdin, out: os.Stderr}
	if o.Yes {
		cfg.Approver = device.AutoApprover{}
	}

	return device.New(cfg)
}

type policyOptions struct {
	Name     string   `long:"name" description:"The name of the wallet" required:"true"`
	Template string   `long:"template" short:"t" description:"The descriptor template, e.g. wsh(sortedmulti(2,@0/**,@1/**))" required:"true"`
	Keys     []string `long:"key" short:"k" description:"Key information, in placeholder order; repeat for every key" required:"true"`
}

func (o *policyOptions) policy() (*walletpolicy.Policy, error) {
	return walletpolicy.New(o.Name, o.Template, o.Keys)
}

type registeredOptions struct {
	policyOptions

	HMAC string `long:"hmac" description:"The hex encoded registration hmac of the wallet" required:"true"`
}

func (o *registeredOptions) registration() (*walletpolicy.Policy, [32]byte,
	error) {

	var mac [32]byte

	p, err := o.policy()
	if err != nil {
		return nil, mac, err
	}
	raw, err := hex.DecodeString(o.HMAC)
	if err != nil {
		return nil, mac, fmt.Errorf("invalid hmac: %w", err)
	}
	if len(raw) != len(mac) {
		return nil, mac, fmt.Errorf("invalid hmac: expected %d bytes, "+
			"got %d", len(mac), len(raw))
	}
	copy(mac[:], raw)

	return p, mac, nil
}
