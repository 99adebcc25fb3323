package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadsReturnCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	loan := sampleLoan(7)
	require.NoError(t, m.CreateLoan(ctx, loan))

	got, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	got.State = models.LoanCancelled

	again, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanDraft, again.State, "mutating a read does not write through")

	p := samplePayment(7, "10.00", "0", "")
	loanID := loan.ID
	p.LoanID = &loanID
	require.NoError(t, m.CreatePayment(ctx, p))
	*p.LoanID = 99

	stored, err := m.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.ID, *stored.LoanID)
}

func TestMemory_WithTxRestoresOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := samplePayment(7, "100.00", "0", "DOC-1")
	require.NoError(t, m.CreatePayment(ctx, p))
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx Storage) error {
		reloaded, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		reloaded.AllocatedAmount = d("100.00")
		if err := tx.SavePayment(ctx, reloaded); err != nil {
			return err
		}
		if err := tx.AppendReconciliationAudit(ctx, &models.ReconciliationAudit{PaymentID: p.ID}); err != nil {
			return err
		}
		return tx.WithTx(ctx, func(Storage) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	stored, err := m.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.AllocatedAmount.IsZero())
	audits, err := m.ListReconciliationAudits(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestMemory_PaymentQueries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	spent := samplePayment(7, "100.00", "100.00", "DOC-1")
	open := samplePayment(7, "100.00", "0", "DOC-1")
	other := samplePayment(8, "5.00", "0", "DOC-2")
	for _, p := range []*models.Payment{spent, open, other} {
		require.NoError(t, m.CreatePayment(ctx, p))
	}

	found, err := m.FindPaymentByDocument(ctx, "DOC-1", models.Unreconciled)
	require.NoError(t, err)
	assert.Equal(t, spent.ID, found.ID)

	openOnly, err := m.ListPayments(ctx, PaymentFilter{OnlyOpen: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, openOnly, 1)
	assert.Equal(t, open.ID, openOnly[0].ID)

	after, err := m.ListPayments(ctx, PaymentFilter{AfterID: open.ID})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, other.ID, after[0].ID)

	require.NoError(t, m.CreateAllocation(ctx, &models.Allocation{PaymentID: open.ID, InstallmentID: 1, Amount: d("1.00")}))
	err = m.CreateAllocation(ctx, &models.Allocation{PaymentID: open.ID, InstallmentID: 1, Amount: d("1.00")})
	assert.ErrorIs(t, err, models.ErrConsistency)
}

func TestMemory_RollbackKeepsWritesOutsideTheUnit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")
	started := make(chan struct{})
	release := make(chan struct{})

	unit := make(chan error, 1)
	go func() {
		unit <- m.WithTx(ctx, func(tx Storage) error {
			if err := tx.CreatePayment(ctx, samplePayment(7, "10.00", "0", "IN-UNIT")); err != nil {
				return err
			}
			close(started)
			<-release
			return boom
		})
	}()
	<-started

	outside := samplePayment(8, "20.00", "0", "OUTSIDE")
	written := make(chan error, 1)
	go func() { written <- m.CreatePayment(ctx, outside) }()
	close(release)

	require.ErrorIs(t, <-unit, boom)
	require.NoError(t, <-written)

	stored, err := m.GetPayment(ctx, outside.ID)
	require.NoError(t, err)
	assert.Equal(t, "OUTSIDE", stored.DocumentNumber)
	_, err = m.FindPaymentByDocument(ctx, "IN-UNIT", models.Unreconciled)
	assert.True(t, models.IsNotFound(err), "the unit's own write is rolled back")
}
