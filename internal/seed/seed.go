// Package seed populates a fresh installation with demo members, balances,
// and a recruiting circle.
package seed

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	circleapp "github.com/osusuhq/osusu/internal/circle/app"
	"github.com/osusuhq/osusu/internal/circle/domain"
	"github.com/osusuhq/osusu/internal/ledger"
	ledgerdomain "github.com/osusuhq/osusu/internal/ledger/domain"
	"github.com/osusuhq/osusu/internal/member"
	memberstorage "github.com/osusuhq/osusu/internal/member/storage"
)

// Result summarizes what the seeder wrote.
type Result struct {
	Members int
	Groups  int
}

type demoMember struct {
	id          string
	displayName string
	kycStatus   member.KYCStatus
	deposit     int64
	wallet      int64
	history     member.HistoryDelta
}

var demoMembers = []demoMember{
	{
		id:          "amara",
		displayName: "Amara Okafor",
		kycStatus:   member.KYCVerified,
		deposit:     120_000,
		wallet:      60_000,
		history: member.HistoryDelta{
			OnTimeContributions:  24,
			DueContributions:     24,
			ActiveMemberships:    4,
			SecurityFundLocked:   40_000,
			SecurityFundRequired: 40_000,
		},
	},
	{
		id:          "chidi",
		displayName: "Chidi Eze",
		kycStatus:   member.KYCVerified,
		deposit:     80_000,
		wallet:      40_000,
		history: member.HistoryDelta{
			OnTimeContributions:  12,
			DueContributions:     12,
			SecurityFundLocked:   10_000,
			SecurityFundRequired: 10_000,
		},
	},
	{
		id:          "ngozi",
		displayName: "Ngozi Adeyemi",
		kycStatus:   member.KYCVerified,
		deposit:     25_000,
		wallet:      10_000,
	},
	{
		id:          "emeka",
		displayName: "Emeka Obi",
		kycStatus:   member.KYCPending,
		deposit:     5_000,
	},
}

// Apply writes the demo dataset. Running against an already-seeded
// installation is a no-op.
func Apply(ctx context.Context, stores circleapp.Stores) (Result, error) {
	if _, err := stores.Members.GetMember(ctx, demoMembers[0].id); err == nil {
		log.Printf("seed skipped: demo data already present")
		return Result{}, nil
	} else if !stderrors.Is(err, memberstorage.ErrNotFound) {
		return Result{}, err
	}

	ledgerSvc := ledger.NewService(stores.Ledger)
	circleSvc := circleapp.NewService(stores.Circle, stores.Members, ledgerSvc)

	var result Result
	openedAt := time.Now().UTC().AddDate(-2, 0, 0)
	for _, dm := range demoMembers {
		if err := stores.Members.PutMember(ctx, member.Member{
			ID:          dm.id,
			DisplayName: dm.displayName,
			KYCStatus:   dm.kycStatus,
			CreatedAt:   openedAt,
		}); err != nil {
			return result, fmt.Errorf("seed member %s: %w", dm.id, err)
		}
		if dm.history != (member.HistoryDelta{}) {
			if err := stores.Members.ApplyHistoryDelta(ctx, dm.id, dm.history); err != nil {
				return result, fmt.Errorf("seed history %s: %w", dm.id, err)
			}
		}
		if dm.deposit > 0 {
			if _, err := ledgerSvc.Deposit(ctx, dm.id, dm.deposit); err != nil {
				return result, fmt.Errorf("seed deposit %s: %w", dm.id, err)
			}
		}
		if dm.wallet > 0 {
			if _, err := ledgerSvc.Transfer(ctx, dm.id, ledgerdomain.AccountMain, ledgerdomain.AccountWallet, dm.wallet); err != nil {
				return result, fmt.Errorf("seed wallet %s: %w", dm.id, err)
			}
		}
		result.Members++
	}

	group, err := circleSvc.CreateGroup(ctx, domain.CreateGroupInput{
		Name:               "Market Women Circle",
		ContributionAmount: 5_000,
		Frequency:          domain.FrequencyMonthly,
		MaxMembers:         10,
		CreatedBy:          "amara",
	}, 50)
	if err != nil {
		return result, fmt.Errorf("seed group: %w", err)
	}
	result.Groups++

	if _, err := circleSvc.JoinGroup(ctx, group.ID, "chidi", 50); err != nil {
		return result, fmt.Errorf("seed join: %w", err)
	}

	log.Printf("seed complete members=%d groups=%d group_id=%s", result.Members, result.Groups, group.ID)
	return result, nil
}
