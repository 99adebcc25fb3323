package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLoanRequest() CreateLoanRequest {
	return CreateLoanRequest{
		BorrowerID:        7,
		Principal:         decimal.RequireFromString("1200.00"),
		InstallmentCount:  12,
		PeriodicAmount:    decimal.RequireFromString("100.00"),
		NominalAnnualRate: decimal.Zero,
		PaymentFrequency:  "MONTHLY",
		BaseDate:          "2024-01-31",
	}
}

func newTestLedger() (*Ledger, *store.Memory) {
	s := store.NewMemory()
	l := NewLedger(s, nil, nil)
	l.now = func() time.Time { return time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC) }
	return l, s
}

func TestCreateLoan(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()

	loan, err := l.CreateLoan(ctx, validLoanRequest())
	require.NoError(t, err)
	assert.NotZero(t, loan.ID)
	assert.Equal(t, models.LoanDraft, loan.State)
	assert.True(t, loan.PaidAmount.IsZero())
	assert.Equal(t, time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC), loan.BaseDate)

	stored, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.BorrowerID, stored.BorrowerID)

	insts, err := s.ListInstallments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, insts, "draft loans have no schedule")
}

func TestCreateLoan_Validation(t *testing.T) {
	mutations := map[string]func(*CreateLoanRequest){
		"missing borrower":   func(r *CreateLoanRequest) { r.BorrowerID = 0 },
		"zero principal":     func(r *CreateLoanRequest) { r.Principal = decimal.Zero },
		"zero installments":  func(r *CreateLoanRequest) { r.InstallmentCount = 0 },
		"zero periodic":      func(r *CreateLoanRequest) { r.PeriodicAmount = decimal.Zero },
		"unknown frequency":  func(r *CreateLoanRequest) { r.PaymentFrequency = "DAILY" },
		"bad base date":      func(r *CreateLoanRequest) { r.BaseDate = "31/01/2024" },
		"negative rate":      func(r *CreateLoanRequest) { r.NominalAnnualRate = decimal.RequireFromString("-2") },
		"sub-cent principal": func(r *CreateLoanRequest) { r.Principal = decimal.RequireFromString("1200.005") },
		"sub-cent periodic":  func(r *CreateLoanRequest) { r.PeriodicAmount = decimal.RequireFromString("100.001") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			l, _ := newTestLedger()
			req := validLoanRequest()
			mutate(&req)
			loan, err := l.CreateLoan(context.Background(), req)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Nil(t, loan)
		})
	}
}

func TestApproveLoan_GeneratesSchedule(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()
	loan, err := l.CreateLoan(ctx, validLoanRequest())
	require.NoError(t, err)

	approved, insts, err := l.ApproveLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanApproved, approved.State)
	require.Len(t, insts, 12)
	assert.NotZero(t, insts[0].ID)
	assert.Equal(t, "2024-02-29", insts[0].DueDate.Format("2006-01-02"))

	stored, err := l.ListInstallments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 12)

	storedLoan, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanApproved, storedLoan.State)

	_, _, err = l.ApproveLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, models.ErrValidation, "approving twice is rejected")
}

func TestApproveLoan_UnknownLoan(t *testing.T) {
	l, _ := newTestLedger()
	_, _, err := l.ApproveLoan(context.Background(), 42)
	assert.True(t, models.IsNotFound(err))
}

func TestCancelLoan(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()
	loan, err := l.CreateLoan(ctx, validLoanRequest())
	require.NoError(t, err)

	cancelled, err := l.CancelLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanCancelled, cancelled.State)

	_, err = l.CancelLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, models.ErrValidation)

	paid, err := l.CreateLoan(ctx, validLoanRequest())
	require.NoError(t, err)
	paid.PaidAmount = decimal.RequireFromString("10.00")
	require.NoError(t, s.UpdateLoan(ctx, paid))
	_, err = l.CancelLoan(ctx, paid.ID)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRecordPayment(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()
	loanID := int64(3)
	seq := 2

	p, err := l.RecordPayment(ctx, RecordPaymentRequest{
		ExternalReference:   " xls-row-14 ",
		Amount:              decimal.RequireFromString("100.5"),
		PaidAt:              "2024-02-01",
		BorrowerID:          7,
		LoanID:              &loanID,
		InstallmentSequence: &seq,
		DocumentNumber:      "  DOC-001 ",
	})
	require.NoError(t, err)
	assert.Equal(t, "DOC-001", p.DocumentNumber)
	assert.Equal(t, "xls-row-14", p.ExternalReference)
	assert.Equal(t, models.Unreconciled, p.ReconciliationStatus)
	assert.Equal(t, "100.50", p.Amount.StringFixed(2))

	stored, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LoanID)
	assert.Equal(t, loanID, *stored.LoanID, "hints are stored even when unverified")
	assert.True(t, stored.AllocatedAmount.IsZero())
}

func TestRecordPayment_Validation(t *testing.T) {
	l, _ := newTestLedger()
	cases := map[string]RecordPaymentRequest{
		"zero amount":     {Amount: decimal.Zero, PaidAt: "2024-02-01", BorrowerID: 7},
		"negative amount": {Amount: decimal.RequireFromString("-5"), PaidAt: "2024-02-01", BorrowerID: 7},
		"sub-cent amount": {Amount: decimal.RequireFromString("10.005"), PaidAt: "2024-02-01", BorrowerID: 7},
		"missing date":    {Amount: decimal.RequireFromString("5"), BorrowerID: 7},
		"missing borrow":  {Amount: decimal.RequireFromString("5"), PaidAt: "2024-02-01"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.RecordPayment(context.Background(), req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}
