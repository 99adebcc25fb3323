package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mcclellann/loanrecon/pkg/lock"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Skip reasons reported for candidates that were already settled by this payment.
const (
	SkipLinked    = "installment already linked to payment"
	SkipAllocated = "allocation already recorded"
	SkipPaid      = "installment already paid"
)

// Outcome is the result of applying a payment to one candidate. Exactly one of
// Allocation, Err or Skipped is set.
type Outcome struct {
	InstallmentID int64              `json:"installment_id"`
	Allocation    *models.Allocation `json:"allocation,omitempty"`
	Err           *models.Error      `json:"error,omitempty"`
	Skipped       string             `json:"skipped,omitempty"`
}

// ApplyResult summarizes one Apply call.
type ApplyResult struct {
	PaymentID int64     `json:"payment_id"`
	Strategy  string    `json:"strategy,omitempty"`
	Applied   int       `json:"applied"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Engine applies payments to resolved candidates, one transaction per candidate.
type Engine struct {
	storage  store.Storage
	locker   lock.Locker
	resolver *Resolver
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

// WithClock overrides the clock used for allocation timestamps and OVERDUE derivation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithResolver replaces the default matcher pipeline.
func WithResolver(r *Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func NewEngine(s store.Storage, locker lock.Locker, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	e := &Engine{
		storage:  s,
		locker:   locker,
		resolver: NewResolver(),
		log:      log.Named("allocation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AllocatePayment resolves candidates for the stored payment and applies it.
func (e *Engine) AllocatePayment(ctx context.Context, paymentID int64) (*ApplyResult, error) {
	p, err := e.storage.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	lc, err := NewContextCache(e.storage).Get(ctx, *p)
	if err != nil {
		return nil, err
	}
	candidates := e.resolver.Resolve(*p, lc)
	if len(candidates) == 0 {
		e.log.Info("payment unresolved", zap.Int64("payment_id", p.ID), zap.Int64("borrower_id", p.BorrowerID))
		return &ApplyResult{PaymentID: p.ID}, nil
	}
	return e.Apply(ctx, *p, candidates)
}

// Apply allocates the payment across candidates in ascending installment id.
// Candidates that do not fit the remaining capacity are skipped; if capacity is
// left once every candidate was visited, it goes as a partial allocation to the
// first candidate skipped for capacity. Replaying the same call is a no-op.
func (e *Engine) Apply(ctx context.Context, payment models.Payment, candidates []Candidate) (*ApplyResult, error) {
	const op = "apply payment"
	if !payment.Amount.IsPositive() {
		return nil, models.Validationf(op, "payment %d amount must be positive, got %s", payment.ID, payment.Amount)
	}

	release, err := e.locker.Lock(ctx, lock.PaymentKey(payment.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment %d: %w", payment.ID, err)
	}
	defer release()

	ordered := orderCandidates(candidates)
	result := &ApplyResult{PaymentID: payment.ID, Outcomes: make([]Outcome, 0, len(ordered))}
	if len(ordered) > 0 {
		result.Strategy = ordered[0].Strategy
	}

	firstCapacitySkip := -1
	for _, c := range ordered {
		out, err := e.applyOne(ctx, payment.ID, c.Installment, false)
		if err != nil {
			return result, err
		}
		if out.Err != nil && out.Err.Kind == models.KindCapacityExceeded && firstCapacitySkip < 0 {
			firstCapacitySkip = len(result.Outcomes)
		}
		result.Outcomes = append(result.Outcomes, out)
	}

	if firstCapacitySkip >= 0 {
		current, err := e.storage.GetPayment(ctx, payment.ID)
		if err != nil {
			return result, err
		}
		if current.Available().IsPositive() {
			c := ordered[firstCapacitySkip]
			out, err := e.applyOne(ctx, payment.ID, c.Installment, true)
			if err != nil {
				return result, err
			}
			result.Outcomes[firstCapacitySkip] = out
		}
	}

	for _, out := range result.Outcomes {
		if out.Allocation != nil {
			result.Applied++
		}
	}
	e.log.Info("payment applied",
		zap.Int64("payment_id", payment.ID),
		zap.String("strategy", result.Strategy),
		zap.Int("candidates", len(ordered)),
		zap.Int("applied", result.Applied))
	return result, nil
}

func orderCandidates(candidates []Candidate) []Candidate {
	seen := make(map[int64]bool, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if seen[c.Installment.ID] {
			continue
		}
		seen[c.Installment.ID] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Installment.ID < out[j].Installment.ID })
	return out
}

// applyOne runs one candidate as its own unit of work under the loan lock. Business
// outcomes are reported in the Outcome; only storage failures are returned as errors.
func (e *Engine) applyOne(ctx context.Context, paymentID int64, target models.Installment, partial bool) (Outcome, error) {
	const op = "apply candidate"
	out := Outcome{InstallmentID: target.ID}

	release, err := e.locker.Lock(ctx, lock.LoanKey(target.LoanID))
	if err != nil {
		return out, fmt.Errorf("failed to lock loan %d: %w", target.LoanID, err)
	}
	defer release()

	err = e.storage.WithTx(ctx, func(tx store.Storage) error {
		inst, err := tx.GetInstallment(ctx, target.ID)
		if err != nil {
			return err
		}
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}

		if inst.LinkedPaymentID != nil && *inst.LinkedPaymentID == p.ID {
			out.Skipped = SkipLinked
			return nil
		}
		exists, err := tx.AllocationExists(ctx, p.ID, inst.ID)
		if err != nil {
			return err
		}
		if exists {
			out.Skipped = SkipAllocated
			return nil
		}
		if inst.State == models.InstallmentPaid || inst.Outstanding().LessThanOrEqual(models.Cent) {
			out.Skipped = SkipPaid
			return nil
		}

		loan, err := tx.GetLoan(ctx, inst.LoanID)
		if err != nil {
			return err
		}
		if loan.State != models.LoanApproved {
			out.Err = models.Validationf(op, "loan %d is %s and does not accept payments", loan.ID, loan.State)
			return nil
		}

		available := p.Available()
		outstanding := inst.Outstanding()
		if !available.IsPositive() || (!partial && outstanding.GreaterThan(available.Add(models.Cent))) {
			out.Err = models.CapacityExceededf(op, "installment %d outstanding %s exceeds available %s of payment %d",
				inst.ID, outstanding.StringFixed(2), available.StringFixed(2), p.ID)
			return nil
		}

		amount := decimal.Min(outstanding, available)
		now := e.now()
		inst.PaidAmount = inst.PaidAmount.Add(amount)
		inst.State = inst.StateAt(now)
		inst.LinkedPaymentID = &p.ID
		if err := tx.SaveInstallment(ctx, inst); err != nil {
			return err
		}

		p.AllocatedAmount = p.AllocatedAmount.Add(amount)
		if p.LoanID == nil {
			loanID := inst.LoanID
			p.LoanID = &loanID
		}
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}

		alloc := &models.Allocation{
			PaymentID:     p.ID,
			InstallmentID: inst.ID,
			LoanID:        inst.LoanID,
			Amount:        amount,
			CreatedAt:     now.UTC(),
		}
		if err := tx.CreateAllocation(ctx, alloc); err != nil {
			return err
		}

		loan.PaidAmount = loan.PaidAmount.Add(amount)
		if inst.State == models.InstallmentPaid {
			loan.PaidInstallments++
			if loan.State == models.LoanApproved && loan.PaidInstallments >= loan.InstallmentCount {
				loan.State = models.LoanFinalized
			}
		}
		loan.UpdatedAt = now.UTC()
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		out.Allocation = alloc
		return nil
	})

	var typed *models.Error
	switch {
	case err == nil:
	case errors.As(err, &typed) && typed.Kind != models.KindConsistency:
		out.Err = typed
		return out, nil
	case errors.As(err, &typed):
		// A concurrent writer recorded the same pair first.
		out.Skipped = SkipAllocated
		return out, nil
	default:
		return out, fmt.Errorf("failed to apply payment %d to installment %d: %w", paymentID, target.ID, err)
	}

	switch {
	case out.Err != nil:
		e.log.Info("candidate skipped",
			zap.Int64("payment_id", paymentID),
			zap.Int64("installment_id", target.ID),
			zap.String("kind", string(out.Err.Kind)),
			zap.String("detail", out.Err.Detail))
	case out.Skipped != "":
		e.log.Debug("candidate already settled",
			zap.Int64("payment_id", paymentID),
			zap.Int64("installment_id", target.ID),
			zap.String("reason", out.Skipped))
	default:
		e.log.Debug("allocation recorded",
			zap.Int64("payment_id", paymentID),
			zap.Int64("installment_id", target.ID),
			zap.String("amount", out.Allocation.Amount.StringFixed(2)),
			zap.Bool("partial_fill", partial))
	}
	return out, nil
}
