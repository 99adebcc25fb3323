package consistency

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/loanrecon/pkg/lock"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/schedule"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RepairResult struct {
	DryRun               bool     `json:"dry_run"`
	InstallmentsUpdated  int      `json:"installments_updated"`
	LoansUpdated         int      `json:"loans_updated"`
	SchedulesRegenerated int      `json:"schedules_regenerated"`
	Changes              []string `json:"changes"`
}

// Repairer fixes derivable inconsistencies. Running it twice changes nothing the
// second time.
type Repairer struct {
	storage   store.Storage
	schedules *schedule.Service
	locker    lock.Locker
	log       *zap.Logger
	now       func() time.Time
}

func NewRepairer(s store.Storage, schedules *schedule.Service, locker lock.Locker, log *zap.Logger) *Repairer {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Repairer{storage: s, schedules: schedules, locker: locker, log: log.Named("repair"), now: time.Now}
}

// RecomputeInstallmentStates re-derives every installment state from its paid amount
// and due date, then the loan's paid counters and its APPROVED/FINALIZED state from
// the installments, in the same unit as the installment writes.
func (r *Repairer) RecomputeInstallmentStates(ctx context.Context, dryRun bool) (*RepairResult, error) {
	result := &RepairResult{DryRun: dryRun, Changes: []string{}}
	today := r.now()

	err := r.eachLoan(ctx, "", func(loan *models.Loan) error {
		release, err := r.locker.Lock(ctx, lock.LoanKey(loan.ID))
		if err != nil {
			return fmt.Errorf("failed to lock loan %d: %w", loan.ID, err)
		}
		defer release()

		return r.storage.WithTx(ctx, func(tx store.Storage) error {
			installments, err := tx.ListInstallments(ctx, loan.ID)
			if err != nil {
				return err
			}
			paidCount, paidAmount := 0, decimal.Zero
			for _, inst := range installments {
				want := inst.StateAt(today)
				paidAmount = paidAmount.Add(inst.PaidAmount)
				if want == models.InstallmentPaid {
					paidCount++
				}
				if inst.State == want {
					continue
				}
				result.Changes = append(result.Changes,
					fmt.Sprintf("installment %d of loan %d: %s -> %s", inst.ID, loan.ID, inst.State, want))
				result.InstallmentsUpdated++
				if dryRun {
					continue
				}
				inst.State = want
				if err := tx.SaveInstallment(ctx, inst); err != nil {
					return err
				}
			}
			if len(installments) == 0 {
				return nil
			}

			current, err := tx.GetLoan(ctx, loan.ID)
			if err != nil {
				return err
			}
			state := loanStateFor(current, paidCount)
			if current.PaidInstallments == paidCount && current.PaidAmount.Equal(paidAmount) && current.State == state {
				return nil
			}
			result.Changes = append(result.Changes,
				fmt.Sprintf("loan %d: paid installments %d -> %d, paid amount %s -> %s, state %s -> %s",
					loan.ID, current.PaidInstallments, paidCount,
					current.PaidAmount.StringFixed(2), paidAmount.StringFixed(2), current.State, state))
			result.LoansUpdated++
			if dryRun {
				return nil
			}
			current.PaidInstallments = paidCount
			current.PaidAmount = paidAmount
			current.State = state
			current.UpdatedAt = today.UTC()
			return tx.UpdateLoan(ctx, current)
		})
	})
	if err != nil {
		return result, err
	}

	r.log.Info("installment states recomputed",
		zap.Bool("dry_run", dryRun),
		zap.Int("updated", result.InstallmentsUpdated),
		zap.Int("loans_updated", result.LoansUpdated))
	return result, nil
}

// RegenerateMissingSchedules generates the schedule of every APPROVED loan that has none.
func (r *Repairer) RegenerateMissingSchedules(ctx context.Context, dryRun bool) (*RepairResult, error) {
	result := &RepairResult{DryRun: dryRun, Changes: []string{}}

	err := r.eachLoan(ctx, models.LoanApproved, func(loan *models.Loan) error {
		installments, err := r.storage.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		if len(installments) > 0 {
			return nil
		}
		result.Changes = append(result.Changes, fmt.Sprintf("loan %d: generate %d installments", loan.ID, loan.InstallmentCount))
		result.SchedulesRegenerated++
		if dryRun {
			return nil
		}

		release, err := r.locker.Lock(ctx, lock.LoanKey(loan.ID))
		if err != nil {
			return fmt.Errorf("failed to lock loan %d: %w", loan.ID, err)
		}
		defer release()
		if _, err := r.schedules.Regenerate(ctx, loan.ID); err != nil {
			return fmt.Errorf("failed to regenerate schedule of loan %d: %w", loan.ID, err)
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	r.log.Info("missing schedules regenerated",
		zap.Bool("dry_run", dryRun),
		zap.Int("loans", result.SchedulesRegenerated))
	return result, nil
}

// loanStateFor applies the finalize rule both ways: an APPROVED loan with every
// installment paid is FINALIZED, a FINALIZED one missing a paid installment goes back
// to APPROVED. Other states are left alone.
func loanStateFor(loan *models.Loan, paidInstallments int) models.LoanState {
	complete := paidInstallments >= loan.InstallmentCount
	switch {
	case loan.State == models.LoanApproved && complete:
		return models.LoanFinalized
	case loan.State == models.LoanFinalized && !complete:
		return models.LoanApproved
	}
	return loan.State
}

func (r *Repairer) eachLoan(ctx context.Context, state models.LoanState, fn func(*models.Loan) error) error {
	var afterID int64
	for {
		page, err := r.storage.ListLoans(ctx, store.LoanFilter{State: state, AfterID: afterID, Limit: scanPageSize})
		if err != nil {
			return fmt.Errorf("failed to list loans: %w", err)
		}
		for _, loan := range page {
			if err := fn(loan); err != nil {
				return err
			}
			afterID = loan.ID
		}
		if len(page) < scanPageSize {
			return nil
		}
	}
}
