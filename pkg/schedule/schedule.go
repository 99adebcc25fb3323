// Package schedule builds fixed-installment amortization schedules.
//
// The periodic rate is always the nominal annual rate divided by twelve, even for
// WEEKLY and BIWEEKLY loans. That mismatch is long-standing behaviour that existing
// schedules depend on; it is logged at debug level and left unchanged until the
// business decides otherwise.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	hundred       = decimal.NewFromInt(100)
	monthsPerYear = decimal.NewFromInt(12)
)

// Generator produces installment lists. It holds no state besides its logger.
type Generator struct {
	log *zap.Logger
}

func NewGenerator(log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{log: log.Named("schedule")}
}

// Generate returns installments 1..N for the loan starting from baseDate.
// Nothing is produced when the loan terms are invalid.
func (g *Generator) Generate(loan models.Loan, baseDate time.Time) ([]models.Installment, error) {
	if err := validateTerms(loan, baseDate); err != nil {
		return nil, err
	}

	rate := PeriodicRate(loan.NominalAnnualRate)
	if loan.PaymentFrequency != models.FrequencyMonthly && !rate.IsZero() {
		g.log.Debug("monthly periodic rate applied to non-monthly loan",
			zap.Int64("loan_id", loan.ID),
			zap.String("frequency", string(loan.PaymentFrequency)))
	}

	installments := make([]models.Installment, 0, loan.InstallmentCount)
	balance := loan.Principal
	for k := 1; k <= loan.InstallmentCount; k++ {
		interest := decimal.Zero
		if !rate.IsZero() {
			interest = balance.Mul(rate).Round(2)
		}
		principalPart := loan.PeriodicAmount.Sub(interest)
		ending := balance.Sub(principalPart)

		installments = append(installments, models.Installment{
			LoanID:             loan.ID,
			SequenceNumber:     k,
			DueDate:            DueDate(baseDate, k, loan.PaymentFrequency),
			ScheduledAmount:    loan.PeriodicAmount,
			PrincipalComponent: principalPart,
			InterestComponent:  interest,
			StartingBalance:    balance,
			EndingBalance:      ending,
			PaidAmount:         decimal.Zero,
			State:              models.InstallmentPending,
		})
		balance = ending
	}

	if balance.Abs().GreaterThan(models.Cent) {
		g.log.Warn("schedule does not amortize to zero",
			zap.Int64("loan_id", loan.ID),
			zap.String("final_balance", balance.StringFixed(2)),
			zap.String("periodic_amount", loan.PeriodicAmount.StringFixed(2)))
	}
	return installments, nil
}

func validateTerms(loan models.Loan, baseDate time.Time) error {
	const op = "generate schedule"
	switch {
	case !loan.Principal.IsPositive():
		return models.Validationf(op, "principal must be positive, got %s", loan.Principal)
	case loan.InstallmentCount <= 0:
		return models.Validationf(op, "installment count must be positive, got %d", loan.InstallmentCount)
	case !loan.PeriodicAmount.IsPositive():
		return models.Validationf(op, "periodic amount must be positive, got %s", loan.PeriodicAmount)
	case loan.NominalAnnualRate.IsNegative():
		return models.Validationf(op, "nominal annual rate cannot be negative, got %s", loan.NominalAnnualRate)
	case !loan.PaymentFrequency.IsValid():
		return models.Validationf(op, "unknown payment frequency %q", loan.PaymentFrequency)
	case baseDate.IsZero():
		return models.Validationf(op, "base date is required")
	}
	return nil
}

// PeriodicRate converts a nominal annual percentage into the per-installment rate.
func PeriodicRate(nominalAnnualRate decimal.Decimal) decimal.Decimal {
	if nominalAnnualRate.IsZero() {
		return decimal.Zero
	}
	return nominalAnnualRate.Div(hundred).Div(monthsPerYear)
}

// DueDate returns the due date of installment k. MONTHLY keeps the base day of month,
// falling back to the last day of shorter months; other frequencies add whole days.
func DueDate(base time.Time, k int, freq models.PaymentFrequency) time.Time {
	base = models.DateOf(base)
	if days := freq.Days(); days > 0 {
		return base.AddDate(0, 0, days*k)
	}
	return addMonthsClamped(base, k)
}

func addMonthsClamped(base time.Time, months int) time.Time {
	y, m, d := base.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

// Service regenerates and persists schedules.
type Service struct {
	storage   store.Storage
	generator *Generator
	log       *zap.Logger
}

func NewService(s store.Storage, g *Generator, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{storage: s, generator: g, log: log.Named("schedule")}
}

// Regenerate replaces the loan's whole installment set with a freshly generated one.
// Loans that already received money keep their schedule.
func (s *Service) Regenerate(ctx context.Context, loanID int64) ([]models.Installment, error) {
	loan, err := s.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.PaidAmount.IsPositive() {
		return nil, models.Validationf("regenerate schedule", "loan %d already has %s applied", loan.ID, loan.PaidAmount.StringFixed(2))
	}
	installments, err := s.generator.Generate(*loan, loan.BaseDate)
	if err != nil {
		return nil, err
	}
	if err := s.storage.ReplaceInstallments(ctx, loan.ID, installments); err != nil {
		return nil, fmt.Errorf("failed to store schedule for loan %d: %w", loan.ID, err)
	}
	s.log.Info("schedule generated",
		zap.Int64("loan_id", loan.ID),
		zap.Int("installments", len(installments)))
	return installments, nil
}
