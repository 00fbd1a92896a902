package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

// MemLedger is an in-memory Ledger backed by a mutex-serialized balance
// table. Each transfer is atomic with respect to every other operation,
// which is exactly the guarantee the engine requires of a real ledger.
// Payer identities are compared case-insensitively (hex addresses).
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	custody  *big.Int
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances: make(map[string]*big.Int),
		custody:  new(big.Int),
	}
}

func key(payer string) string {
	return strings.ToLower(payer)
}

// Mint credits amount to the payer out of thin air. Test and demo seeding
// only; a real ledger owns issuance.
func (l *MemLedger) Mint(payer string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(payer)
	bal, ok := l.balances[k]
	if !ok {
		bal = new(big.Int)
		l.balances[k] = bal
	}
	bal.Add(bal, amount)
}

// BalanceOf implements Ledger.
func (l *MemLedger) BalanceOf(_ context.Context, payer string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[key(payer)]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

// TransferInto implements Ledger.
func (l *MemLedger) TransferInto(_ context.Context, payer string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[key(payer)]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	l.custody.Add(l.custody, amount)
	return nil
}

// TransferOut implements Ledger.
func (l *MemLedger) TransferOut(_ context.Context, payer string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.custody.Cmp(amount) < 0 {
		return ErrInsufficientCustody
	}

	k := key(payer)
	bal, ok := l.balances[k]
	if !ok {
		bal = new(big.Int)
		l.balances[k] = bal
	}
	l.custody.Sub(l.custody, amount)
	bal.Add(bal, amount)
	return nil
}

// Custody returns the recipient custody balance.
func (l *MemLedger) Custody() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.custody)
}
