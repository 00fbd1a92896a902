// Package ledger defines the token-ledger collaborator boundary the charge
// strategies drive, and an in-memory reference implementation.
//
// The engine never stores balances itself; it only reads them and moves
// amounts between a payer and the recipient's custody. Implementations must
// make each individual transfer atomic; the engine relies on that and
// nothing more, accepting that a balance read at evaluate time may be stale
// by the time the reservation transfer runs.
package ledger

import (
	"context"
	"errors"
	"math/big"
)

// Errors returned by ledger implementations.
var (
	// ErrInsufficientBalance indicates the payer cannot cover a debit.
	ErrInsufficientBalance = errors.New("ledger: insufficient payer balance")

	// ErrInsufficientCustody indicates the custody account cannot cover a
	// refund credit. This should never happen when transfers are driven by
	// a correctly ordered reserve/settle pair.
	ErrInsufficientCustody = errors.New("ledger: insufficient custody balance")

	// ErrNegativeAmount indicates a transfer of a negative amount.
	ErrNegativeAmount = errors.New("ledger: negative amount")
)

// Ledger is the balance ledger collaborator. The recipient must hold
// direct-debit capability: no approval/allowance step is required before
// TransferInto.
type Ledger interface {
	// BalanceOf returns the payer's current balance in atomic token units.
	BalanceOf(ctx context.Context, payer string) (*big.Int, error)

	// TransferInto atomically debits amount from the payer into the
	// recipient's custody. Fails with ErrInsufficientBalance if the payer
	// cannot cover it; no partial transfer occurs.
	TransferInto(ctx context.Context, payer string, amount *big.Int) error

	// TransferOut atomically credits amount from the recipient's custody
	// back to the payer.
	TransferOut(ctx context.Context, payer string, amount *big.Int) error
}
