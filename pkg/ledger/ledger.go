// Package ledger handles loan and payment intake: creating loans, approving them
// with a generated schedule, and recording incoming payments.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/schedule"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/mcclellann/loanrecon/pkg/validation"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// CreateLoanRequest is the intake payload of a new loan.
type CreateLoanRequest struct {
	BorrowerID        int64           `json:"borrower_id" validate:"gt=0"`
	Principal         decimal.Decimal `json:"principal"`
	InstallmentCount  int             `json:"installment_count" validate:"gt=0,lte=600"`
	PeriodicAmount    decimal.Decimal `json:"periodic_amount"`
	NominalAnnualRate decimal.Decimal `json:"nominal_annual_rate"`
	PaymentFrequency  string          `json:"payment_frequency" validate:"required,oneof=WEEKLY BIWEEKLY MONTHLY"`
	BaseDate          string          `json:"base_date" validate:"required,datetime=2006-01-02"`
}

// RecordPaymentRequest is the intake payload of a payment from any source.
type RecordPaymentRequest struct {
	ExternalReference   string          `json:"external_reference" validate:"max=128"`
	Amount              decimal.Decimal `json:"amount"`
	PaidAt              string          `json:"paid_at" validate:"required,datetime=2006-01-02"`
	BorrowerID          int64           `json:"borrower_id" validate:"gt=0"`
	LoanID              *int64          `json:"loan_id,omitempty" validate:"omitempty,gt=0"`
	InstallmentSequence *int            `json:"installment_sequence,omitempty" validate:"omitempty,gt=0"`
	DocumentNumber      string          `json:"document_number" validate:"max=64"`
}

// Ledger handles the business logic for loan and payment intake.
type Ledger struct {
	storage   store.Storage
	generator *schedule.Generator
	log       *zap.Logger
	now       func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, g *schedule.Generator, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if g == nil {
		g = schedule.NewGenerator(log)
	}
	return &Ledger{storage: s, generator: g, log: log.Named("ledger"), now: time.Now}
}

// CreateLoan stores a DRAFT loan. Its schedule is generated on approval.
func (l *Ledger) CreateLoan(ctx context.Context, req CreateLoanRequest) (*models.Loan, error) {
	const op = "create loan"
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	if err := checkCents(op, "principal", req.Principal); err != nil {
		return nil, err
	}
	if err := checkCents(op, "periodic amount", req.PeriodicAmount); err != nil {
		return nil, err
	}
	baseDate, err := time.Parse(dateLayout, req.BaseDate)
	if err != nil {
		return nil, models.Validationf(op, "invalid base date %q", req.BaseDate)
	}

	now := l.now().UTC()
	loan := &models.Loan{
		BorrowerID:        req.BorrowerID,
		Principal:         req.Principal,
		InstallmentCount:  req.InstallmentCount,
		PeriodicAmount:    req.PeriodicAmount,
		NominalAnnualRate: req.NominalAnnualRate,
		PaymentFrequency:  models.PaymentFrequency(req.PaymentFrequency),
		BaseDate:          baseDate,
		State:             models.LoanDraft,
		PaidAmount:        decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	// Reject terms the generator would refuse before anything is stored.
	if _, err := l.generator.Generate(*loan, loan.BaseDate); err != nil {
		return nil, err
	}

	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}
	l.log.Info("loan created",
		zap.Int64("loan_id", loan.ID),
		zap.Int64("borrower_id", loan.BorrowerID),
		zap.String("principal", loan.Principal.StringFixed(2)))
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// ApproveLoan moves a DRAFT loan to APPROVED and stores its schedule in the same unit.
func (l *Ledger) ApproveLoan(ctx context.Context, id int64) (*models.Loan, []models.Installment, error) {
	const op = "approve loan"
	var (
		loan         *models.Loan
		installments []models.Installment
	)
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		var err error
		if loan, err = tx.GetLoan(ctx, id); err != nil {
			return err
		}
		if loan.State != models.LoanDraft {
			return models.Validationf(op, "loan %d is %s, only DRAFT loans can be approved", id, loan.State)
		}
		if installments, err = l.generator.Generate(*loan, loan.BaseDate); err != nil {
			return err
		}
		loan.State = models.LoanApproved
		loan.UpdatedAt = l.now().UTC()
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		return tx.ReplaceInstallments(ctx, loan.ID, installments)
	})
	if err != nil {
		return nil, nil, err
	}
	l.log.Info("loan approved", zap.Int64("loan_id", loan.ID), zap.Int("installments", len(installments)))
	return loan, installments, nil
}

// CancelLoan cancels a loan that has not received any money.
func (l *Ledger) CancelLoan(ctx context.Context, id int64) (*models.Loan, error) {
	const op = "cancel loan"
	var loan *models.Loan
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		var err error
		if loan, err = tx.GetLoan(ctx, id); err != nil {
			return err
		}
		if loan.State != models.LoanDraft && loan.State != models.LoanApproved {
			return models.Validationf(op, "loan %d is %s and cannot be cancelled", id, loan.State)
		}
		if loan.PaidAmount.IsPositive() {
			return models.Validationf(op, "loan %d has %s paid and cannot be cancelled", id, loan.PaidAmount.StringFixed(2))
		}
		loan.State = models.LoanCancelled
		loan.UpdatedAt = l.now().UTC()
		return tx.UpdateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("loan cancelled", zap.Int64("loan_id", loan.ID))
	return loan, nil
}

// ListInstallments returns the loan's schedule ordered by sequence number.
func (l *Ledger) ListInstallments(ctx context.Context, loanID int64) ([]*models.Installment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.ListInstallments(ctx, loanID)
}

// RecordPayment stores an UNRECONCILED payment. Loan and installment hints are kept
// as given; the allocation engine decides whether they hold.
func (l *Ledger) RecordPayment(ctx context.Context, req RecordPaymentRequest) (*models.Payment, error) {
	const op = "record payment"
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, models.Validationf(op, "amount must be positive, got %s", req.Amount)
	}
	if err := checkCents(op, "amount", req.Amount); err != nil {
		return nil, err
	}
	paidAt, err := time.Parse(dateLayout, req.PaidAt)
	if err != nil {
		return nil, models.Validationf(op, "invalid payment date %q", req.PaidAt)
	}

	p := &models.Payment{
		ExternalReference:    strings.TrimSpace(req.ExternalReference),
		Amount:               req.Amount.Round(2),
		PaidAt:               paidAt,
		BorrowerID:           req.BorrowerID,
		LoanID:               req.LoanID,
		InstallmentSequence:  req.InstallmentSequence,
		ReconciliationStatus: models.Unreconciled,
		AllocatedAmount:      decimal.Zero,
		DocumentNumber:       strings.TrimSpace(req.DocumentNumber),
	}
	if err := l.storage.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store payment: %w", err)
	}
	l.log.Info("payment recorded",
		zap.Int64("payment_id", p.ID),
		zap.Int64("borrower_id", p.BorrowerID),
		zap.String("amount", p.Amount.StringFixed(2)),
		zap.String("document_number", p.DocumentNumber))
	return p, nil
}

// GetPayment retrieves a payment by its ID.
func (l *Ledger) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return l.storage.GetPayment(ctx, id)
}

// checkCents rejects money with more than two decimals instead of rounding it.
func checkCents(op, name string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return models.Validationf(op, "%s %s has more than two decimals", name, amount)
	}
	return nil
}
