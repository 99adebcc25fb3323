package allocation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcclellann/loanrecon/pkg/lock"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/schedule"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fixture struct {
	ctx    context.Context
	store  store.Storage
	engine *Engine
}

func newFixture(t *testing.T, today time.Time) *fixture {
	t.Helper()
	return newFixtureWith(t, store.NewMemory(), today)
}

func newSQLiteFixture(t *testing.T, today time.Time) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "alloc.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return newFixtureWith(t, s, today)
}

func newFixtureWith(t *testing.T, s store.Storage, today time.Time) *fixture {
	t.Helper()
	return &fixture{
		ctx:    context.Background(),
		store:  s,
		engine: NewEngine(s, lock.NewKeyedMutex(), nil, WithClock(func() time.Time { return today })),
	}
}

// approvedLoan stores an APPROVED zero-rate loan with a generated schedule.
func (f *fixture) approvedLoan(t *testing.T, borrowerID int64, principal, periodic string, count int) (*models.Loan, []models.Installment) {
	t.Helper()
	loan := &models.Loan{
		BorrowerID:        borrowerID,
		Principal:         d(principal),
		InstallmentCount:  count,
		PeriodicAmount:    d(periodic),
		NominalAnnualRate: decimal.Zero,
		PaymentFrequency:  models.FrequencyMonthly,
		BaseDate:          date(2024, time.January, 1),
		State:             models.LoanApproved,
		PaidAmount:        decimal.Zero,
	}
	require.NoError(t, f.store.CreateLoan(f.ctx, loan))
	installments, err := schedule.NewGenerator(nil).Generate(*loan, loan.BaseDate)
	require.NoError(t, err)
	require.NoError(t, f.store.ReplaceInstallments(f.ctx, loan.ID, installments))
	return loan, installments
}

func (f *fixture) payment(t *testing.T, borrowerID int64, amount string, paidAt time.Time, loanID *int64, seq *int) *models.Payment {
	t.Helper()
	p := &models.Payment{
		BorrowerID:           borrowerID,
		Amount:               d(amount),
		PaidAt:               paidAt,
		LoanID:               loanID,
		InstallmentSequence:  seq,
		ReconciliationStatus: models.Unreconciled,
		AllocatedAmount:      decimal.Zero,
	}
	require.NoError(t, f.store.CreatePayment(f.ctx, p))
	return p
}

func (f *fixture) installment(t *testing.T, id int64) *models.Installment {
	t.Helper()
	inst, err := f.store.GetInstallment(f.ctx, id)
	require.NoError(t, err)
	return inst
}

func TestApply_TwoHalfPaymentsSettleOneInstallment(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	loan, insts := f.approvedLoan(t, 7, "100.00", "100.00", 1)
	target := insts[0]

	first := f.payment(t, 7, "50.00", date(2024, time.February, 1), &loan.ID, ptr(1))
	second := f.payment(t, 7, "50.00", date(2024, time.February, 1), &loan.ID, ptr(1))

	res, err := f.engine.AllocatePayment(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyExactKey, res.Strategy)
	assert.Equal(t, 1, res.Applied)
	got := f.installment(t, target.ID)
	assert.Equal(t, models.InstallmentPartial, got.State)
	assert.True(t, got.PaidAmount.Equal(d("50.00")))

	res, err = f.engine.AllocatePayment(f.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	got = f.installment(t, target.ID)
	assert.Equal(t, models.InstallmentPaid, got.State)
	assert.True(t, got.PaidAmount.Equal(d("100.00")))
	require.NotNil(t, got.LinkedPaymentID)
	assert.Equal(t, second.ID, *got.LinkedPaymentID)

	storedLoan, err := f.store.GetLoan(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, storedLoan.PaidAmount.Equal(d("100.00")))
	assert.Equal(t, 1, storedLoan.PaidInstallments)
	assert.Equal(t, models.LoanFinalized, storedLoan.State)

	for _, p := range []*models.Payment{first, second} {
		allocs, err := f.store.ListAllocations(f.ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, allocs, 1)
		assert.True(t, allocs[0].Amount.Equal(d("50.00")))
	}
}

func TestApply_ReplayIsNoOp(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	loan, insts := f.approvedLoan(t, 7, "300.00", "100.00", 3)
	p := f.payment(t, 7, "300.00", date(2024, time.February, 1), nil, nil)

	candidates := []Candidate{
		{Installment: insts[2]}, {Installment: insts[0]}, {Installment: insts[1]},
	}
	res, err := f.engine.Apply(f.ctx, *p, candidates)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, insts[0].ID, res.Outcomes[0].InstallmentID, "candidates are visited in id order")

	stored, err := f.store.GetPayment(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.AllocatedAmount.Equal(d("300.00")))
	require.NotNil(t, stored.LoanID, "loan hint is filled from the first allocation")
	assert.Equal(t, loan.ID, *stored.LoanID)

	again, err := f.engine.Apply(f.ctx, *stored, candidates)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Applied)
	for _, out := range again.Outcomes {
		assert.Nil(t, out.Err)
		assert.Equal(t, SkipLinked, out.Skipped)
	}

	replayed, err := f.store.GetPayment(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, replayed.AllocatedAmount.Equal(d("300.00")))
	storedLoan, err := f.store.GetLoan(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, storedLoan.PaidInstallments)
	assert.True(t, storedLoan.PaidAmount.Equal(d("300.00")))
}

func TestApply_CapacityExceededWhenPaymentIsSpent(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	_, insts := f.approvedLoan(t, 7, "200.00", "100.00", 2)
	p := f.payment(t, 7, "100.00", date(2024, time.February, 1), nil, nil)

	res, err := f.engine.Apply(f.ctx, *p, []Candidate{{Installment: insts[0]}, {Installment: insts[1]}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Outcomes, 2)
	require.NotNil(t, res.Outcomes[1].Err)
	assert.Equal(t, models.KindCapacityExceeded, res.Outcomes[1].Err.Kind)
	assert.ErrorIs(t, res.Outcomes[1].Err, models.ErrCapacityExceeded)

	assert.Equal(t, models.InstallmentPaid, f.installment(t, insts[0].ID).State)
	untouched := f.installment(t, insts[1].ID)
	assert.True(t, untouched.PaidAmount.IsZero())
	assert.Nil(t, untouched.LinkedPaymentID)
}

func TestApply_LeftoverGoesToFirstSkippedCandidate(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	_, insts := f.approvedLoan(t, 7, "200.00", "100.00", 2)
	p := f.payment(t, 7, "150.00", date(2024, time.February, 1), nil, nil)

	res, err := f.engine.Apply(f.ctx, *p, []Candidate{{Installment: insts[0]}, {Installment: insts[1]}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	assert.Equal(t, models.InstallmentPaid, f.installment(t, insts[0].ID).State)
	partial := f.installment(t, insts[1].ID)
	assert.Equal(t, models.InstallmentPartial, partial.State)
	assert.True(t, partial.PaidAmount.Equal(d("50.00")))

	stored, err := f.store.GetPayment(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.Available().IsZero())
}

func TestApply_OverdueWhenNothingPaidAndPastDue(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 15))
	_, insts := f.approvedLoan(t, 7, "200.00", "100.00", 2)
	p := f.payment(t, 7, "100.00", date(2024, time.March, 15), nil, nil)

	_, err := f.engine.Apply(f.ctx, *p, []Candidate{{Installment: insts[0]}})
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentPaid, f.installment(t, insts[0].ID).State)
	assert.Equal(t, models.InstallmentOverdue, f.installment(t, insts[1].ID).StateAt(date(2024, time.March, 15)))
}

func TestApply_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	_, err := f.engine.Apply(f.ctx, models.Payment{ID: 1, Amount: decimal.Zero}, nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestApply_MissingInstallmentIsNotFoundOutcome(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	p := f.payment(t, 7, "100.00", date(2024, time.February, 1), nil, nil)

	res, err := f.engine.Apply(f.ctx, *p, []Candidate{{Installment: models.Installment{ID: 999, LoanID: 1}}})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	require.NotNil(t, res.Outcomes[0].Err)
	assert.Equal(t, models.KindNotFound, res.Outcomes[0].Err.Kind)
}

func TestAllocatePayment_Unresolved(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	f.approvedLoan(t, 7, "100.00", "100.00", 1)
	p := f.payment(t, 7, "900.00", date(2024, time.February, 1), nil, nil)

	res, err := f.engine.AllocatePayment(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Empty(t, res.Outcomes)
}

func TestAllocatePayment_UnknownPayment(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	_, err := f.engine.AllocatePayment(f.ctx, 404)
	assert.True(t, models.IsNotFound(err))
}

func TestAllocatePayment_SkipsCancelledLoan(t *testing.T) {
	f := newFixture(t, date(2024, time.February, 1))
	loan, insts := f.approvedLoan(t, 7, "100.00", "100.00", 1)
	loan.State = models.LoanCancelled
	require.NoError(t, f.store.UpdateLoan(f.ctx, loan))

	p := f.payment(t, 7, "100.00", date(2024, time.February, 1), &loan.ID, ptr(1))
	res, err := f.engine.AllocatePayment(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Empty(t, res.Outcomes, "a cancelled loan offers no candidates")

	// Candidates resolved before the cancellation are refused when applied.
	res, err = f.engine.Apply(f.ctx, *p, []Candidate{{Installment: insts[0]}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	require.Len(t, res.Outcomes, 1)
	require.NotNil(t, res.Outcomes[0].Err)
	assert.Equal(t, models.KindValidation, res.Outcomes[0].Err.Kind)

	stored, err := f.store.GetLoan(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanCancelled, stored.State)
	assert.True(t, stored.PaidAmount.IsZero())
	assert.True(t, f.installment(t, insts[0].ID).PaidAmount.IsZero())
	payment, err := f.store.GetPayment(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, payment.AllocatedAmount.IsZero())
}

func TestApply_ConcurrentPaymentsDoNotOverpayInstallment(t *testing.T) {
	f := newSQLiteFixture(t, date(2024, time.February, 1))
	loan, insts := f.approvedLoan(t, 7, "100.00", "100.00", 1)

	const callers = 8
	payments := make([]*models.Payment, callers)
	for i := range payments {
		payments[i] = f.payment(t, 7, "100.00", date(2024, time.February, 1), &loan.ID, ptr(1))
	}

	var g errgroup.Group
	for _, p := range payments {
		g.Go(func() error {
			_, err := f.engine.Apply(f.ctx, *p, []Candidate{{Installment: insts[0]}})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got := f.installment(t, insts[0].ID)
	assert.True(t, got.PaidAmount.LessThanOrEqual(got.ScheduledAmount.Add(models.Cent)), "paid %s", got.PaidAmount)
	assert.True(t, got.PaidAmount.Equal(d("100.00")))
	assert.Equal(t, models.InstallmentPaid, got.State)

	allocated := decimal.Zero
	funded := 0
	for _, p := range payments {
		allocs, err := f.store.ListAllocations(f.ctx, p.ID)
		require.NoError(t, err)
		for _, a := range allocs {
			allocated = allocated.Add(a.Amount)
		}
		if len(allocs) > 0 {
			funded++
		}
	}
	assert.True(t, allocated.Equal(got.PaidAmount), "allocations %s, paid %s", allocated, got.PaidAmount)
	assert.Equal(t, 1, funded, "exactly one payment settles the installment")

	storedLoan, err := f.store.GetLoan(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, storedLoan.PaidAmount.Equal(d("100.00")))
	assert.Equal(t, 1, storedLoan.PaidInstallments)
	assert.Equal(t, models.LoanFinalized, storedLoan.State)
}
