// Package domain defines the ledger entities: the four account buckets,
// the immutable transaction record with its debit and credit legs, and
// the balance replay rules. Replaying a member's completed transactions
// reconstructs their balances.
package domain

import (
	"fmt"
	"time"
)

// Account names one of the four balance buckets a member owns. The empty
// account denotes an external counterparty (bank rails), used on the
// unrecorded side of deposits and withdrawals.
type Account string

const (
	// AccountMain is the spendable primary balance.
	AccountMain Account = "main"
	// AccountWallet is the contribution float used for circle payments.
	AccountWallet Account = "wallet"
	// AccountSecurityFund is collateral reserved for recruiting circles.
	AccountSecurityFund Account = "security_fund"
	// AccountLockedFunds is collateral committed to active circles.
	AccountLockedFunds Account = "locked_funds"
	// AccountExternal marks the off-ledger side of a deposit or withdrawal.
	AccountExternal Account = ""
)

// Valid reports whether the account is one of the member-owned buckets.
func (a Account) Valid() bool {
	switch a {
	case AccountMain, AccountWallet, AccountSecurityFund, AccountLockedFunds:
		return true
	}
	return false
}

// TxType categorizes a transaction for reporting.
type TxType string

const (
	TxCredit       TxType = "credit"
	TxDebit        TxType = "debit"
	TxTransfer     TxType = "transfer"
	TxContribution TxType = "contribution"
	TxWithdrawal   TxType = "withdrawal"
)

// TxStatus is the settlement state of a transaction. Completed transactions
// are immutable.
type TxStatus string

const (
	TxCompleted TxStatus = "completed"
	TxPending   TxStatus = "pending"
	TxFailed    TxStatus = "failed"
)

// Transaction is one immutable ledger log record. DebitAccount and
// CreditAccount carry the balance legs so the log alone reconstructs
// balances; either may be AccountExternal but not both.
type Transaction struct {
	ID            string
	MemberID      string
	Type          TxType
	Amount        int64
	Description   string
	GroupID       string
	Reference     string
	DebitAccount  Account
	CreditAccount Account
	Status        TxStatus
	CreatedAt     time.Time
}

// Validate checks the structural invariants of a transaction record.
func (t Transaction) Validate() error {
	if t.MemberID == "" {
		return fmt.Errorf("member id is required")
	}
	if t.Amount <= 0 {
		return fmt.Errorf("amount must be greater than zero")
	}
	switch t.Type {
	case TxCredit, TxDebit, TxTransfer, TxContribution, TxWithdrawal:
	default:
		return fmt.Errorf("transaction type %q is not valid", t.Type)
	}
	switch t.Status {
	case TxCompleted, TxPending, TxFailed:
	default:
		return fmt.Errorf("transaction status %q is not valid", t.Status)
	}
	if t.DebitAccount == AccountExternal && t.CreditAccount == AccountExternal {
		return fmt.Errorf("transaction must touch at least one account")
	}
	if t.DebitAccount != AccountExternal && !t.DebitAccount.Valid() {
		return fmt.Errorf("debit account %q is not valid", t.DebitAccount)
	}
	if t.CreditAccount != AccountExternal && !t.CreditAccount.Valid() {
		return fmt.Errorf("credit account %q is not valid", t.CreditAccount)
	}
	if t.DebitAccount == t.CreditAccount {
		return fmt.Errorf("debit and credit accounts must differ")
	}
	return nil
}

// Balances is the point-in-time state of a member's four accounts.
type Balances struct {
	Main         int64
	Wallet       int64
	SecurityFund int64
	LockedFunds  int64
}

// Get returns the balance of one account bucket.
func (b Balances) Get(a Account) int64 {
	switch a {
	case AccountMain:
		return b.Main
	case AccountWallet:
		return b.Wallet
	case AccountSecurityFund:
		return b.SecurityFund
	case AccountLockedFunds:
		return b.LockedFunds
	}
	return 0
}

func (b *Balances) set(a Account, value int64) {
	switch a {
	case AccountMain:
		b.Main = value
	case AccountWallet:
		b.Wallet = value
	case AccountSecurityFund:
		b.SecurityFund = value
	case AccountLockedFunds:
		b.LockedFunds = value
	}
}

// Apply replays one completed transaction against the balances. It fails
// when the debit leg would take an account negative, leaving b unchanged.
func (b Balances) Apply(t Transaction) (Balances, error) {
	if err := t.Validate(); err != nil {
		return b, err
	}
	next := b
	if t.DebitAccount != AccountExternal {
		remaining := next.Get(t.DebitAccount) - t.Amount
		if remaining < 0 {
			return b, fmt.Errorf("%s balance would go negative", t.DebitAccount)
		}
		next.set(t.DebitAccount, remaining)
	}
	if t.CreditAccount != AccountExternal {
		next.set(t.CreditAccount, next.Get(t.CreditAccount)+t.Amount)
	}
	return next, nil
}

// Total is the sum across all four buckets.
func (b Balances) Total() int64 {
	return b.Main + b.Wallet + b.SecurityFund + b.LockedFunds
}
