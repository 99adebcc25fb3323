package store

import (
	"context"

	"github.com/mcclellann/loanrecon/pkg/models"
)

// LoanFilter pages through loans in ascending id order.
type LoanFilter struct {
	State   models.LoanState // empty matches every state
	AfterID int64
	Limit   int // 0 means no limit
}

// PaymentFilter pages through payments in ascending id order.
type PaymentFilter struct {
	AfterID    int64
	Limit      int
	OnlyOpen   bool // allocated_amount < amount
	BorrowerID int64
}

// Storage defines the repository used by the schedule, allocation, reconciliation
// and consistency packages. Reads return plain copies; nothing is written until a
// Save/Create/Append call, and multi-record units go through WithTx.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id int64) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	ListLoans(ctx context.Context, f LoanFilter) ([]*models.Loan, error)
	ListLoansByBorrower(ctx context.Context, borrowerID int64) ([]*models.Loan, error)

	// ReplaceInstallments deletes every installment of the loan and inserts the given set.
	// IDs are assigned in sequence order and written back into the slice.
	ReplaceInstallments(ctx context.Context, loanID int64, installments []models.Installment) error
	GetInstallment(ctx context.Context, id int64) (*models.Installment, error)
	ListInstallments(ctx context.Context, loanID int64) ([]*models.Installment, error)
	SaveInstallment(ctx context.Context, inst *models.Installment) error

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]*models.Payment, error)
	// FindPaymentByDocument returns the lowest-id payment with the exact document number and status.
	FindPaymentByDocument(ctx context.Context, documentNumber string, status models.ReconciliationStatus) (*models.Payment, error)
	SavePayment(ctx context.Context, p *models.Payment) error
	CountPayments(ctx context.Context) (total int, reconciled int, err error)

	CreateAllocation(ctx context.Context, a *models.Allocation) error
	AllocationExists(ctx context.Context, paymentID, installmentID int64) (bool, error)
	ListAllocations(ctx context.Context, paymentID int64) ([]*models.Allocation, error)

	AppendReconciliationAudit(ctx context.Context, a *models.ReconciliationAudit) error
	ListReconciliationAudits(ctx context.Context, paymentID int64) ([]*models.ReconciliationAudit, error)

	// WithTx runs fn inside one unit of work. fn's error rolls everything back.
	// Calling WithTx on the Storage handed to fn joins the running unit.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	Close() error
}
