package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/vulpemventures/go-walletpolicy/keyinfo"
	"github.com/vulpemventures/go-walletpolicy/walletpolicy"
)

// Decision is the answer of the user to an approval request. The zero value
// is a rejection.
type Decision uint8

const (
	// Rejected means the user declined the request.
	Rejected Decision = iota
	// Approved means the user accepted the request.
	Approved
)

func (d Decision) String() string {
	if d == Approved {
		return "approved"
	}
	return "rejected"
}

// Approver is the interactive channel with the user. Every method blocks
// until the user answers or ctx is done.
type Approver interface {
	// ApproveWalletPolicy shows a policy and its keys before it is
	// registered.
	ApproveWalletPolicy(ctx context.Context, p *walletpolicy.Policy,
		keys []*keyinfo.KeyInfo) (Decision, error)

	// ConfirmAddress shows an address of a registered wallet.
	ConfirmAddress(ctx context.Context, name, address string) (Decision,
		error)

	// ApproveTransaction shows the summary of a transaction before it is
	// signed.
	ApproveTransaction(ctx context.Context, tx *TxSummary) (Decision, error)
}

// OutputSummary is an output as shown to the user.
type OutputSummary struct {
	Index   int
	Address string
	Amount  btcutil.Amount

	// IsChange is set for outputs paying back to the change chain of
	// the wallet. ChangeIndex is their address index.
	IsChange    bool
	ChangeIndex uint32
}

// TxSummary is what the user approves before a transaction is signed.
type TxSummary struct {
	WalletName     string
	Inputs         int
	InternalInputs int
	Outputs        []OutputSummary
	Fee            btcutil.Amount
}

// Spent returns the total amount of the outputs that are not change.
func (s *TxSummary) Spent() btcutil.Amount {
	var total btcutil.Amount
	for _, o := range s.Outputs {
		if !o.IsChange {
			total += o.Amount
		}
	}
	return total
}

func (s *TxSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wallet %q, %d inputs (%d internal)\n", s.WalletName,
		s.Inputs, s.InternalInputs)
	for _, o := range s.Outputs {
		kind := "send"
		if o.IsChange {
			kind = fmt.Sprintf("change #%d", o.ChangeIndex)
		}
		fmt.Fprintf(&b, "  output %d: %v to %s (%s)\n", o.Index, o.Amount,
			o.Address, kind)
	}
	fmt.Fprintf(&b, "  fee: %v", s.Fee)
	return b.String()
}

// AutoApprover approves every request.
type AutoApprover struct{}

// ApproveWalletPolicy approves the policy.
func (AutoApprover) ApproveWalletPolicy(context.Context, *walletpolicy.Policy,
	[]*keyinfo.KeyInfo) (Decision, error) {

	return Approved, nil
}

// ConfirmAddress confirms the address.
func (AutoApprover) ConfirmAddress(context.Context, string, string) (
	Decision, error) {

	return Approved, nil
}

// ApproveTransaction approves the transaction.
func (AutoApprover) ApproveTransaction(context.Context, *TxSummary) (
	Decision, error) {

	return Approved, nil
}

// RejectingApprover rejects every request.
type RejectingApprover struct{}

// ApproveWalletPolicy rejects the policy.
func (RejectingApprover) ApproveWalletPolicy(context.Context,
	*walletpolicy.Policy, []*keyinfo.KeyInfo) (Decision, error) {

	return Rejected, nil
}

// ConfirmAddress rejects the address.
func (RejectingApprover) ConfirmAddress(context.Context, string, string) (
	Decision, error) {

	return Rejected, nil
}

// ApproveTransaction rejects the transaction.
func (RejectingApprover) ApproveTransaction(context.Context, *TxSummary) (
	Decision, error) {

	return Rejected, nil
}
