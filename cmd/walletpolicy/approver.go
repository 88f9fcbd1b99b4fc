package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/vulpemventures/go-walletpolicy/device"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/walletpolicy"
)

// promptApprover shows requests on out and reads a y/n answer from in.
type promptApprover struct {
	in  *bufio.Reader
	out io.Writer
}

func (a *promptApprover) ask(ctx context.Context, question string) (
	device.Decision, error) {

	if err := ctx.Err(); err != nil {
		return device.Rejected, err
	}

	fmt.Fprintf(a.out, "%s [y/N]: ", question)
	answer, err := a.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return device.Rejected, err
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return device.Approved, nil
	default:
		return device.Rejected, nil
	}
}

func (a *promptApprover) ApproveWalletPolicy(ctx context.Context,
	p *walletpolicy.Policy, keys []*keyinfo.KeyInfo) (device.Decision,
	error) {

	fmt.Fprintf(a.out, "Register wallet %q\n  policy: %s\n", p.Name,
		p.DescriptorTemplate)
	for i, k := range keys {
		owner := "external"
		if k.IsInternal() {
			owner = "ours"
		}
		fmt.Fprintf(a.out, "  @%d (%s): %s\n", i, owner, k)
	}
	return a.ask(ctx, "Approve wallet?")
}

func (a *promptApprover) ConfirmAddress(ctx context.Context, name,
	addr string) (device.Decision, error) {

	fmt.Fprintf(a.out, "Wallet %q\n  address: %s\n", name, addr)
	return a.ask(ctx, "Confirm address?")
}

func (a *promptApprover) ApproveTransaction(ctx context.Context,
	tx *device.TxSummary) (device.Decision, error) {

	fmt.Fprintln(a.out, tx)
	return a.ask(ctx, "Sign transaction?")
}
