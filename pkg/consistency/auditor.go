// Package consistency scans stored loans and payments for broken invariants and
// offers explicit, idempotent repairs for the ones that can be derived.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMedium   Severity = "MEDIUM"
	SeverityMinor    Severity = "MINOR"
)

// Finding codes.
const (
	CodePaidWithoutAmount        = "paid_without_amount"
	CodeApprovedWithoutSchedule  = "approved_without_schedule"
	CodeInstallmentCountMismatch = "installment_count_mismatch"
	CodeSequenceGap              = "sequence_gap"
	CodePaidAllocatedMismatch    = "paid_allocated_mismatch"
	CodeInstallmentOverpaid      = "installment_overpaid"
	CodePaymentOverallocated     = "payment_overallocated"
	CodePaymentOrphanLoan        = "payment_orphan_loan"
	CodeBorrowerMismatch         = "borrower_mismatch"
	CodeLoanPaidDrift            = "loan_paid_drift"
	CodePaymentAllocationDrift   = "payment_allocation_drift"
)

var severities = map[string]Severity{
	CodePaidWithoutAmount:        SeverityCritical,
	CodeApprovedWithoutSchedule:  SeverityMedium,
	CodeInstallmentCountMismatch: SeverityMedium,
	CodeSequenceGap:              SeverityMedium,
	CodePaidAllocatedMismatch:    SeverityCritical,
	CodeInstallmentOverpaid:      SeverityCritical,
	CodePaymentOverallocated:     SeverityCritical,
	CodePaymentOrphanLoan:        SeverityMedium,
	CodeBorrowerMismatch:         SeverityMinor,
	CodeLoanPaidDrift:            SeverityCritical,
	CodePaymentAllocationDrift:   SeverityCritical,
}

const (
	DefaultSampleLimit = 5
	scanPageSize       = 200
)

type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	LoansScanned    int              `json:"loans_scanned"`
	PaymentsScanned int              `json:"payments_scanned"`
	Findings        []Finding        `json:"findings"`
	BySeverity      map[Severity]int `json:"by_severity"`
}

// Clean reports whether the scan found nothing.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// Finding returns the finding for code, if any.
func (r *Report) Finding(code string) (Finding, bool) {
	for _, f := range r.Findings {
		if f.Code == code {
			return f, true
		}
	}
	return Finding{}, false
}

// Auditor is read-only: it reports violations and never raises them as errors.
type Auditor struct {
	storage     store.Storage
	log         *zap.Logger
	sampleLimit int
}

func NewAuditor(s store.Storage, log *zap.Logger, sampleLimit int) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}
	return &Auditor{storage: s, log: log.Named("consistency"), sampleLimit: sampleLimit}
}

type collector struct {
	limit    int
	findings map[string]*Finding
}

func (c *collector) add(code, format string, args ...any) {
	f, ok := c.findings[code]
	if !ok {
		f = &Finding{Code: code, Severity: severities[code], Examples: []string{}}
		c.findings[code] = f
	}
	f.Count++
	if len(f.Examples) < c.limit {
		f.Examples = append(f.Examples, fmt.Sprintf(format, args...))
	}
}

// Scan pages through every loan and payment and groups violations by code.
func (a *Auditor) Scan(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{GeneratedAt: started.UTC(), BySeverity: map[Severity]int{}}
	c := &collector{limit: a.sampleLimit, findings: map[string]*Finding{}}
	loans := map[int64]*models.Loan{}
	// Per loan: what the installments say was paid, and what allocation rows put there.
	installmentPaid := map[int64]decimal.Decimal{}
	allocatedToLoan := map[int64]decimal.Decimal{}

	var afterID int64
	for {
		page, err := a.storage.ListLoans(ctx, store.LoanFilter{AfterID: afterID, Limit: scanPageSize})
		if err != nil {
			return nil, fmt.Errorf("failed to list loans: %w", err)
		}
		for _, loan := range page {
			loans[loan.ID] = loan
			paid, err := a.checkLoan(ctx, c, loan)
			if err != nil {
				return nil, err
			}
			installmentPaid[loan.ID] = paid
			afterID = loan.ID
		}
		report.LoansScanned += len(page)
		if len(page) < scanPageSize {
			break
		}
	}

	afterID = 0
	for {
		page, err := a.storage.ListPayments(ctx, store.PaymentFilter{AfterID: afterID, Limit: scanPageSize})
		if err != nil {
			return nil, fmt.Errorf("failed to list payments: %w", err)
		}
		for _, p := range page {
			if err := a.checkPayment(ctx, c, loans, allocatedToLoan, p); err != nil {
				return nil, err
			}
			afterID = p.ID
		}
		report.PaymentsScanned += len(page)
		if len(page) < scanPageSize {
			break
		}
	}

	checkPaidAllocated(c, loans, installmentPaid, allocatedToLoan)

	for _, f := range c.findings {
		report.Findings = append(report.Findings, *f)
		report.BySeverity[f.Severity] += f.Count
	}
	sort.Slice(report.Findings, func(i, j int) bool {
		if ri, rj := rank(report.Findings[i].Severity), rank(report.Findings[j].Severity); ri != rj {
			return ri < rj
		}
		return report.Findings[i].Code < report.Findings[j].Code
	})

	a.log.Info("consistency scan finished",
		zap.Int("loans", report.LoansScanned),
		zap.Int("payments", report.PaymentsScanned),
		zap.Int("critical", report.BySeverity[SeverityCritical]),
		zap.Int("medium", report.BySeverity[SeverityMedium]),
		zap.Int("minor", report.BySeverity[SeverityMinor]),
		zap.Duration("duration", time.Since(started)))
	return report, nil
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityMedium:
		return 1
	}
	return 2
}

// checkLoan reports schedule problems of one loan and returns what its installments
// record as paid.
func (a *Auditor) checkLoan(ctx context.Context, c *collector, loan *models.Loan) (decimal.Decimal, error) {
	installments, err := a.storage.ListInstallments(ctx, loan.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list installments of loan %d: %w", loan.ID, err)
	}

	if len(installments) == 0 {
		if loan.State == models.LoanApproved {
			c.add(CodeApprovedWithoutSchedule, "loan %d is APPROVED with no installments", loan.ID)
		}
		return decimal.Zero, nil
	}
	if len(installments) != loan.InstallmentCount {
		c.add(CodeInstallmentCountMismatch, "loan %d has %d installments, expected %d", loan.ID, len(installments), loan.InstallmentCount)
	}
	for i, inst := range installments {
		if inst.SequenceNumber != i+1 {
			c.add(CodeSequenceGap, "loan %d: position %d holds sequence %d", loan.ID, i+1, inst.SequenceNumber)
			break
		}
	}

	paid := decimal.Zero
	for _, inst := range installments {
		paid = paid.Add(inst.PaidAmount)
		if inst.State == models.InstallmentPaid && !inst.PaidAmount.IsPositive() {
			c.add(CodePaidWithoutAmount, "installment %d of loan %d is PAID with paid amount %s", inst.ID, loan.ID, inst.PaidAmount.StringFixed(2))
		}
		if inst.PaidAmount.GreaterThan(inst.ScheduledAmount.Add(models.Cent)) {
			c.add(CodeInstallmentOverpaid, "installment %d of loan %d paid %s over scheduled %s", inst.ID, loan.ID, inst.PaidAmount.StringFixed(2), inst.ScheduledAmount.StringFixed(2))
		}
	}
	if paid.Sub(loan.PaidAmount).Abs().GreaterThan(models.Cent) {
		c.add(CodeLoanPaidDrift, "loan %d paid amount %s, installments sum to %s", loan.ID, loan.PaidAmount.StringFixed(2), paid.StringFixed(2))
	}
	return paid, nil
}

func (a *Auditor) checkPayment(ctx context.Context, c *collector, loans map[int64]*models.Loan, allocatedToLoan map[int64]decimal.Decimal, p *models.Payment) error {
	if p.AllocatedAmount.GreaterThan(p.Amount) {
		c.add(CodePaymentOverallocated, "payment %d allocated %s of %s", p.ID, p.AllocatedAmount.StringFixed(2), p.Amount.StringFixed(2))
	}

	allocations, err := a.storage.ListAllocations(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to list allocations of payment %d: %w", p.ID, err)
	}
	allocated := decimal.Zero
	for _, alloc := range allocations {
		allocated = allocated.Add(alloc.Amount)
		allocatedToLoan[alloc.LoanID] = allocatedToLoan[alloc.LoanID].Add(alloc.Amount)
	}
	if allocated.Sub(p.AllocatedAmount).Abs().GreaterThan(models.Cent) {
		c.add(CodePaymentAllocationDrift, "payment %d allocated amount %s, allocations sum to %s", p.ID, p.AllocatedAmount.StringFixed(2), allocated.StringFixed(2))
	}

	if p.LoanID == nil {
		return nil
	}
	loan, ok := loans[*p.LoanID]
	if !ok {
		c.add(CodePaymentOrphanLoan, "payment %d references missing loan %d", p.ID, *p.LoanID)
		return nil
	}
	if loan.BorrowerID != p.BorrowerID {
		c.add(CodeBorrowerMismatch, "payment %d borrower %d, loan %d borrower %d", p.ID, p.BorrowerID, loan.ID, loan.BorrowerID)
	}
	return nil
}

// checkPaidAllocated compares, per loan, the paid amount recorded on its installments
// with the money payments allocated to it.
func checkPaidAllocated(c *collector, loans map[int64]*models.Loan, installmentPaid, allocatedToLoan map[int64]decimal.Decimal) {
	ids := make([]int64, 0, len(loans))
	for id := range loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		paid := installmentPaid[id]
		allocated := allocatedToLoan[id]
		if paid.Sub(allocated).Abs().GreaterThan(models.Cent) {
			c.add(CodePaidAllocatedMismatch, "loan %d installments paid %s, payments allocated %s", id, paid.StringFixed(2), allocated.StringFixed(2))
		}
	}
}
