package allocation

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
)

// ContextCache memoizes LoanContexts by borrower. A cache lives for one batch run
// and is passed explicitly; entries are invalidated when an apply touches the borrower.
type ContextCache struct {
	storage store.Storage

	mu      sync.Mutex
	entries map[int64]LoanContext
	hits    int
	misses  int
}

func NewContextCache(s store.Storage) *ContextCache {
	return &ContextCache{storage: s, entries: make(map[int64]LoanContext)}
}

// Get returns the borrower's context, plus the hinted loan's installments when the
// payment names a loan that belongs to someone else.
func (c *ContextCache) Get(ctx context.Context, p models.Payment) (LoanContext, error) {
	c.mu.Lock()
	lc, ok := c.entries[p.BorrowerID]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if !ok {
		var err error
		if lc, err = LoadLoanContext(ctx, c.storage, p.BorrowerID); err != nil {
			return LoanContext{}, err
		}
		c.mu.Lock()
		c.entries[p.BorrowerID] = lc
		c.mu.Unlock()
	}
	return withHintedLoan(ctx, c.storage, lc, p)
}

// Invalidate drops the borrower's cached context.
func (c *ContextCache) Invalidate(borrowerID int64) {
	c.mu.Lock()
	delete(c.entries, borrowerID)
	c.mu.Unlock()
}

// Stats returns hit and miss counts for logging.
func (c *ContextCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// LoadLoanContext reads every loan and installment of the borrower.
func LoadLoanContext(ctx context.Context, s store.Storage, borrowerID int64) (LoanContext, error) {
	loans, err := s.ListLoansByBorrower(ctx, borrowerID)
	if err != nil {
		return LoanContext{}, fmt.Errorf("failed to load loans of borrower %d: %w", borrowerID, err)
	}
	lc := LoanContext{BorrowerID: borrowerID, Loans: make(map[int64]models.Loan, len(loans))}
	for _, loan := range loans {
		lc.Loans[loan.ID] = *loan
		insts, err := s.ListInstallments(ctx, loan.ID)
		if err != nil {
			return LoanContext{}, fmt.Errorf("failed to load installments of loan %d: %w", loan.ID, err)
		}
		for _, inst := range insts {
			lc.Installments = append(lc.Installments, *inst)
		}
	}
	return lc, nil
}

func withHintedLoan(ctx context.Context, s store.Storage, lc LoanContext, p models.Payment) (LoanContext, error) {
	if p.LoanID == nil {
		return lc, nil
	}
	if _, ok := lc.Loans[*p.LoanID]; ok {
		return lc, nil
	}
	loan, err := s.GetLoan(ctx, *p.LoanID)
	if err != nil {
		if models.IsNotFound(err) {
			return lc, nil
		}
		return LoanContext{}, err
	}
	insts, err := s.ListInstallments(ctx, loan.ID)
	if err != nil {
		return LoanContext{}, fmt.Errorf("failed to load installments of loan %d: %w", loan.ID, err)
	}
	out := LoanContext{
		BorrowerID:   lc.BorrowerID,
		Loans:        make(map[int64]models.Loan, len(lc.Loans)+1),
		Installments: append([]models.Installment(nil), lc.Installments...),
	}
	for id, l := range lc.Loans {
		out.Loans[id] = l
	}
	out.Loans[loan.ID] = *loan
	for _, inst := range insts {
		out.Installments = append(out.Installments, *inst)
	}
	return out, nil
}
