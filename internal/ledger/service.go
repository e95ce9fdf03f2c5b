// Package ledger owns per-member account balances and the append-only
// transaction log. Every balance-changing operation records exactly one
// immutable transaction.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/osusuhq/osusu/internal/ledger/domain"
	"github.com/osusuhq/osusu/internal/ledger/storage"
	"github.com/osusuhq/osusu/internal/platform/errors"
	"github.com/osusuhq/osusu/internal/platform/filter"
	"github.com/osusuhq/osusu/internal/platform/id"
	"github.com/osusuhq/osusu/internal/platform/keylock"
	"github.com/osusuhq/osusu/internal/platform/pagination"
	"github.com/osusuhq/osusu/internal/platform/timeouts"
	"go.einride.tech/aip/filtering"
)

// Service serializes ledger mutations per member and enforces the balance
// invariants before any state changes.
type Service struct {
	store       storage.Store
	locks       *keylock.Registry
	lockWait    time.Duration
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService creates a ledger service with default dependencies.
func NewService(store storage.Store) *Service {
	return &Service{
		store:       store,
		locks:       keylock.NewRegistry(),
		lockWait:    timeouts.LockAcquire,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// transactionFilter declares the queryable surface of the transaction log.
var transactionFilter = filter.NewDefinition(
	filter.Field{Name: "type", Column: "tx_type", Type: filtering.TypeString},
	filter.Field{Name: "status", Column: "status", Type: filtering.TypeString},
	filter.Field{Name: "group_id", Column: "group_id", Type: filtering.TypeString},
	filter.Field{Name: "reference", Column: "reference", Type: filtering.TypeString},
	filter.Field{Name: "amount", Column: "amount", Type: filtering.TypeInt},
	filter.Field{Name: "ts", Column: "created_at", Type: filtering.TypeTimestamp},
)

// withMemberLock runs fn while holding the member's ledger lock. A bounded
// wait applies; contention past the deadline surfaces as Busy.
func (s *Service) withMemberLock(ctx context.Context, memberID string, fn func(context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	release, err := s.locks.Acquire(lockCtx, "member/"+memberID)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.WithMetadata(errors.CodeBusy, "ledger account is busy", map[string]string{
				"member_id": memberID,
			})
		}
		return err
	}
	defer release()
	return fn(ctx)
}

// apply builds the record for one balance change and commits it with its
// balance legs. All mutations funnel through here.
func (s *Service) apply(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	if s.store == nil {
		return domain.Transaction{}, fmt.Errorf("ledger store is not configured")
	}
	txID, err := s.idGenerator()
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("generate transaction id: %w", err)
	}
	t.ID = txID
	t.Status = domain.TxCompleted
	t.CreatedAt = s.clock().UTC()

	if err := s.store.EnsureAccount(ctx, t.MemberID); err != nil {
		return domain.Transaction{}, err
	}
	if _, err := s.store.ApplyTransaction(ctx, t); err != nil {
		if stderrors.Is(err, storage.ErrInsufficientBalance) {
			return domain.Transaction{}, errors.WithMetadata(errors.CodeInsufficientFunds,
				fmt.Sprintf("%s balance below requested amount", t.DebitAccount),
				map[string]string{"member_id": t.MemberID, "account": string(t.DebitAccount)},
			)
		}
		return domain.Transaction{}, err
	}
	return t, nil
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return errors.New(errors.CodeInvalidAmount, "amount must be greater than zero")
	}
	return nil
}

// Deposit credits the main balance from an external source.
func (s *Service) Deposit(ctx context.Context, memberID string, amount int64) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxCredit,
			Amount:        amount,
			Description:   "Bank deposit",
			CreditAccount: domain.AccountMain,
		})
		return err
	})
	return out, err
}

// Withdraw debits the main balance toward an external destination.
func (s *Service) Withdraw(ctx context.Context, memberID string, amount int64) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:     memberID,
			Type:         domain.TxWithdrawal,
			Amount:       amount,
			Description:  "Bank withdrawal",
			DebitAccount: domain.AccountMain,
		})
		return err
	})
	return out, err
}

// ChargeFee debits the main balance for a platform fee.
func (s *Service) ChargeFee(ctx context.Context, memberID, groupID string, amount int64, description string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:     memberID,
			Type:         domain.TxDebit,
			Amount:       amount,
			Description:  description,
			GroupID:      groupID,
			DebitAccount: domain.AccountMain,
		})
		return err
	})
	return out, err
}

// RefundFee credits a previously charged fee back to the main balance.
func (s *Service) RefundFee(ctx context.Context, memberID, groupID string, amount int64, description string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxCredit,
			Amount:        amount,
			Description:   description,
			GroupID:       groupID,
			CreditAccount: domain.AccountMain,
		})
		return err
	})
	return out, err
}

// Transfer moves funds between the main and wallet balances.
func (s *Service) Transfer(ctx context.Context, memberID string, from, to domain.Account, amount int64) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	if (from != domain.AccountMain && from != domain.AccountWallet) || (to != domain.AccountMain && to != domain.AccountWallet) {
		return domain.Transaction{}, errors.New(errors.CodeInvalidAccount, "transfers move between main and wallet")
	}
	if from == to {
		return domain.Transaction{}, errors.New(errors.CodeInvalidAccount, "transfer accounts must differ")
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxTransfer,
			Amount:        amount,
			Description:   fmt.Sprintf("Transfer from %s to %s", from, to),
			DebitAccount:  from,
			CreditAccount: to,
		})
		return err
	})
	return out, err
}

// LockSecurityFund reserves collateral from main or wallet into the
// security fund bucket.
func (s *Service) LockSecurityFund(ctx context.Context, memberID string, from domain.Account, amount int64, groupID string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	if from != domain.AccountMain && from != domain.AccountWallet {
		return domain.Transaction{}, errors.New(errors.CodeInvalidAccount, "security fund locks draw from main or wallet")
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxTransfer,
			Amount:        amount,
			Description:   "Security fund lock",
			GroupID:       groupID,
			DebitAccount:  from,
			CreditAccount: domain.AccountSecurityFund,
		})
		return err
	})
	return out, err
}

// ReleaseSecurityFund returns reserved collateral to the wallet.
func (s *Service) ReleaseSecurityFund(ctx context.Context, memberID string, amount int64, groupID string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxTransfer,
			Amount:        amount,
			Description:   "Security fund release",
			GroupID:       groupID,
			DebitAccount:  domain.AccountSecurityFund,
			CreditAccount: domain.AccountWallet,
		})
		return err
	})
	return out, err
}

// CommitSecurityFund moves reserved collateral into the locked bucket when
// a circle activates.
func (s *Service) CommitSecurityFund(ctx context.Context, memberID string, amount int64, groupID string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxTransfer,
			Amount:        amount,
			Description:   "Security fund committed to active circle",
			GroupID:       groupID,
			DebitAccount:  domain.AccountSecurityFund,
			CreditAccount: domain.AccountLockedFunds,
		})
		return err
	})
	return out, err
}

// SettleSecurityFund returns committed collateral to main when a circle
// completes its rotation.
func (s *Service) SettleSecurityFund(ctx context.Context, memberID string, amount int64, groupID string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxTransfer,
			Amount:        amount,
			Description:   "Security fund settled after rotation",
			GroupID:       groupID,
			DebitAccount:  domain.AccountLockedFunds,
			CreditAccount: domain.AccountMain,
		})
		return err
	})
	return out, err
}

// RecordContribution debits the wallet for one cycle contribution.
func (s *Service) RecordContribution(ctx context.Context, memberID, groupID string, amount int64, description string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:     memberID,
			Type:         domain.TxContribution,
			Amount:       amount,
			Description:  description,
			GroupID:      groupID,
			DebitAccount: domain.AccountWallet,
		})
		return err
	})
	return out, err
}

// Disburse credits the cycle payout to the recipient's main balance.
func (s *Service) Disburse(ctx context.Context, memberID, groupID string, amount int64, description string) (domain.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	var out domain.Transaction
	err := s.withMemberLock(ctx, memberID, func(ctx context.Context) error {
		var err error
		out, err = s.apply(ctx, domain.Transaction{
			MemberID:      memberID,
			Type:          domain.TxCredit,
			Amount:        amount,
			Description:   description,
			GroupID:       groupID,
			CreditAccount: domain.AccountMain,
		})
		return err
	})
	return out, err
}

// GetBalances returns a member's balances, treating an unknown member as an
// empty account set.
func (s *Service) GetBalances(ctx context.Context, memberID string) (domain.Balances, error) {
	if s.store == nil {
		return domain.Balances{}, fmt.Errorf("ledger store is not configured")
	}
	balances, err := s.store.GetBalances(ctx, memberID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return domain.Balances{}, nil
		}
		return domain.Balances{}, err
	}
	return balances, nil
}

// ListTransactions returns one page of a member's transaction log filtered
// by an AIP-160 expression over type, status, group_id, reference, amount,
// and ts.
func (s *Service) ListTransactions(ctx context.Context, memberID, filterStr string, pageSize int, pageToken string) (storage.TransactionPage, error) {
	if s.store == nil {
		return storage.TransactionPage{}, fmt.Errorf("ledger store is not configured")
	}
	cond, err := transactionFilter.Parse(filterStr)
	if err != nil {
		return storage.TransactionPage{}, fmt.Errorf("transaction filter: %w", err)
	}
	pageSize = pagination.ClampPageSize(pageSize, pagination.PageSizeConfig{Default: 20, Max: 100})
	return s.store.ListTransactions(ctx, memberID, cond, pageSize, pageToken)
}
