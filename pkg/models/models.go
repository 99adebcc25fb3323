package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cent is the tolerance used for every monetary comparison.
var Cent = decimal.New(1, -2)

type PaymentFrequency string

const (
	FrequencyWeekly   PaymentFrequency = "WEEKLY"
	FrequencyBiweekly PaymentFrequency = "BIWEEKLY"
	FrequencyMonthly  PaymentFrequency = "MONTHLY"
)

// Days returns the fixed period length for day-based frequencies, 0 for MONTHLY.
func (f PaymentFrequency) Days() int {
	switch f {
	case FrequencyWeekly:
		return 7
	case FrequencyBiweekly:
		return 14
	}
	return 0
}

func (f PaymentFrequency) IsValid() bool {
	return f == FrequencyWeekly || f == FrequencyBiweekly || f == FrequencyMonthly
}

type LoanState string

const (
	LoanDraft     LoanState = "DRAFT"
	LoanApproved  LoanState = "APPROVED"
	LoanFinalized LoanState = "FINALIZED"
	LoanDefaulted LoanState = "DEFAULTED"
	LoanCancelled LoanState = "CANCELLED"
)

type Loan struct {
	ID                int64            `json:"id"`
	BorrowerID        int64            `json:"borrower_id"`
	Principal         decimal.Decimal  `json:"principal"`
	InstallmentCount  int              `json:"installment_count"`
	PeriodicAmount    decimal.Decimal  `json:"periodic_amount"`
	NominalAnnualRate decimal.Decimal  `json:"nominal_annual_rate"` // percent, e.g. 18.5
	PaymentFrequency  PaymentFrequency `json:"payment_frequency"`
	BaseDate          time.Time        `json:"base_date"`
	State             LoanState        `json:"state"`
	PaidAmount        decimal.Decimal  `json:"paid_amount"`       // aggregate written by allocation
	PaidInstallments  int              `json:"paid_installments"` // aggregate written by allocation
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type InstallmentState string

const (
	InstallmentPending InstallmentState = "PENDING"
	InstallmentPartial InstallmentState = "PARTIAL"
	InstallmentPaid    InstallmentState = "PAID"
	InstallmentOverdue InstallmentState = "OVERDUE"
)

type Installment struct {
	ID                 int64            `json:"id"`
	LoanID             int64            `json:"loan_id"`
	SequenceNumber     int              `json:"sequence_number"`
	DueDate            time.Time        `json:"due_date"`
	ScheduledAmount    decimal.Decimal  `json:"scheduled_amount"`
	PrincipalComponent decimal.Decimal  `json:"principal_component"`
	InterestComponent  decimal.Decimal  `json:"interest_component"`
	StartingBalance    decimal.Decimal  `json:"starting_balance"`
	EndingBalance      decimal.Decimal  `json:"ending_balance"`
	PaidAmount         decimal.Decimal  `json:"paid_amount"`
	State              InstallmentState `json:"state"`
	LinkedPaymentID    *int64           `json:"linked_payment_id,omitempty"`
}

// Outstanding is the amount still owed on the installment.
func (i Installment) Outstanding() decimal.Decimal {
	return i.ScheduledAmount.Sub(i.PaidAmount)
}

// StateAt derives the installment state from its paid amount as of the given day.
func (i Installment) StateAt(today time.Time) InstallmentState {
	switch {
	case i.PaidAmount.GreaterThanOrEqual(i.ScheduledAmount.Sub(Cent)):
		return InstallmentPaid
	case i.PaidAmount.IsPositive():
		return InstallmentPartial
	case DateOf(i.DueDate).Before(DateOf(today)):
		return InstallmentOverdue
	default:
		return InstallmentPending
	}
}

type ReconciliationStatus string

const (
	Unreconciled ReconciliationStatus = "UNRECONCILED"
	Reconciled   ReconciliationStatus = "RECONCILED"
)

type Payment struct {
	ID                   int64                `json:"id"`
	ExternalReference    string               `json:"external_reference"`
	Amount               decimal.Decimal      `json:"amount"`
	PaidAt               time.Time            `json:"paid_at"`
	BorrowerID           int64                `json:"borrower_id"`
	LoanID               *int64               `json:"loan_id,omitempty"`
	InstallmentSequence  *int                 `json:"installment_sequence,omitempty"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status"`
	ReconciledAt         *time.Time           `json:"reconciled_at,omitempty"`
	AllocatedAmount      decimal.Decimal      `json:"allocated_amount"`
	DocumentNumber       string               `json:"document_number"`
}

// Available is the part of the payment not yet applied to installments.
func (p Payment) Available() decimal.Decimal {
	return p.Amount.Sub(p.AllocatedAmount)
}

// Allocation records one application of a payment to an installment.
type Allocation struct {
	ID            int64           `json:"id"`
	PaymentID     int64           `json:"payment_id"`
	InstallmentID int64           `json:"installment_id"`
	LoanID        int64           `json:"loan_id"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ReconciliationAudit struct {
	ID                int64     `json:"id"`
	PaymentID         int64     `json:"payment_id"`
	OldDocumentNumber string    `json:"old_document_number"`
	NewDocumentNumber string    `json:"new_document_number"`
	BorrowerID        int64     `json:"borrower_id"`
	Note              string    `json:"note"`
	Operator          string    `json:"operator"`
	Timestamp         time.Time `json:"timestamp"`
}

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
