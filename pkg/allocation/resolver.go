package allocation

import (
	"sort"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Strategy names, in resolution order.
const (
	StrategyExactKey        = "exact_key"
	StrategyExactDate       = "exact_date"
	StrategyDateRange       = "date_range"
	StrategyAmountProximity = "amount_proximity"
)

var (
	tolerance20 = decimal.New(20, -2)
	tolerance30 = decimal.New(30, -2)
)

// Candidate is an installment a payment may be allocated to.
type Candidate struct {
	Installment models.Installment
	Strategy    string
	AmountDelta decimal.Decimal // |payment.Amount - installment.ScheduledAmount|
	DayDistance int             // |payment.PaidAt - installment.DueDate| in days
}

// LoanContext is everything the matchers may look at for one borrower.
type LoanContext struct {
	BorrowerID   int64
	Loans        map[int64]models.Loan
	Installments []models.Installment
}

// Matcher is a pure matching strategy over a payment and the borrower's installments.
type Matcher struct {
	Name  string
	Match func(p models.Payment, lc LoanContext) []Candidate
}

// Resolver runs matchers in order; the first one returning candidates wins.
type Resolver struct {
	matchers []Matcher
}

// NewResolver builds a resolver with the given pipeline, or the default one when empty.
func NewResolver(matchers ...Matcher) *Resolver {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Resolver{matchers: matchers}
}

// DefaultMatchers is the standard pipeline: key, same day, ±30 days, closest amount.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Name: StrategyExactKey, Match: MatchExactKey},
		{Name: StrategyExactDate, Match: MatchExactDate},
		{Name: StrategyDateRange, Match: MatchDateRange},
		{Name: StrategyAmountProximity, Match: MatchAmountProximity},
	}
}

// Resolve returns the candidates of the first matching strategy. An empty result
// means the payment is unresolved, which is not an error.
func (r *Resolver) Resolve(p models.Payment, lc LoanContext) []Candidate {
	for _, m := range r.matchers {
		if found := m.Match(p, lc); len(found) > 0 {
			for i := range found {
				found[i].Strategy = m.Name
			}
			return found
		}
	}
	return nil
}

// MatchExactKey uses the loan id and installment sequence carried by the payment.
func MatchExactKey(p models.Payment, lc LoanContext) []Candidate {
	if p.LoanID == nil || p.InstallmentSequence == nil {
		return nil
	}
	if !lc.accepts(*p.LoanID) {
		return nil
	}
	for _, inst := range lc.Installments {
		if inst.LoanID == *p.LoanID && inst.SequenceNumber == *p.InstallmentSequence {
			return []Candidate{newCandidate(p, inst)}
		}
	}
	return nil
}

// MatchExactDate finds open installments due on the payment day within ±20% of the amount.
func MatchExactDate(p models.Payment, lc LoanContext) []Candidate {
	return filterOpen(p, lc, func(c Candidate) bool {
		return c.DayDistance == 0 && withinTolerance(p.Amount, c.Installment.ScheduledAmount, tolerance20)
	})
}

// MatchDateRange finds open installments due within 30 days and ±30% of the amount.
func MatchDateRange(p models.Payment, lc LoanContext) []Candidate {
	return filterOpen(p, lc, func(c Candidate) bool {
		return c.DayDistance <= 30 && withinTolerance(p.Amount, c.Installment.ScheduledAmount, tolerance30)
	})
}

// MatchAmountProximity returns the single open installment within ±20% and 60 days
// whose scheduled amount is closest to the payment.
func MatchAmountProximity(p models.Payment, lc LoanContext) []Candidate {
	found := filterOpen(p, lc, func(c Candidate) bool {
		return c.DayDistance <= 60 && withinTolerance(p.Amount, c.Installment.ScheduledAmount, tolerance20)
	})
	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool {
		if c := found[i].AmountDelta.Cmp(found[j].AmountDelta); c != 0 {
			return c < 0
		}
		if !found[i].Installment.DueDate.Equal(found[j].Installment.DueDate) {
			return found[i].Installment.DueDate.Before(found[j].Installment.DueDate)
		}
		return found[i].Installment.ID < found[j].Installment.ID
	})
	return found[:1]
}

// accepts reports whether the loan is known and still takes payments. DRAFT,
// CANCELLED and FINALIZED loans never receive allocations.
func (lc LoanContext) accepts(loanID int64) bool {
	loan, ok := lc.Loans[loanID]
	return ok && loan.State == models.LoanApproved
}

// filterOpen applies keep to the borrower's unpaid installments on APPROVED loans.
func filterOpen(p models.Payment, lc LoanContext, keep func(Candidate) bool) []Candidate {
	var out []Candidate
	for _, inst := range lc.Installments {
		if inst.State == models.InstallmentPaid || !lc.accepts(inst.LoanID) {
			continue
		}
		if lc.Loans[inst.LoanID].BorrowerID != p.BorrowerID {
			continue
		}
		c := newCandidate(p, inst)
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func newCandidate(p models.Payment, inst models.Installment) Candidate {
	return Candidate{
		Installment: inst,
		AmountDelta: p.Amount.Sub(inst.ScheduledAmount).Abs(),
		DayDistance: dayDistance(p.PaidAt, inst.DueDate),
	}
}

func withinTolerance(amount, scheduled, pct decimal.Decimal) bool {
	return amount.Sub(scheduled).Abs().LessThanOrEqual(scheduled.Mul(pct))
}

func dayDistance(a, b time.Time) int {
	days := int(models.DateOf(a).Sub(models.DateOf(b)).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
