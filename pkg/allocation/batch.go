package allocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/mcclellann/loanrecon/pkg/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultBatchWorkers = 4

// BatchOptions bounds one allocation run. AfterID is the checkpoint from a previous
// run; Limit caps how many open payments are loaded (0 = all).
type BatchOptions struct {
	AfterID int64 `json:"after_id"`
	Limit   int   `json:"limit" validate:"gte=0,lte=10000"`
	DryRun  bool  `json:"dry_run"`
	Workers int   `json:"workers" validate:"gte=0,lte=64"`
}

type BatchFailure struct {
	PaymentID int64  `json:"payment_id"`
	Error     string `json:"error"`
}

// BatchReport is the outcome of RunBatch. LastID is the highest payment id such that
// every loaded payment up to it was processed; pass it as AfterID to resume.
type BatchReport struct {
	RunID      uuid.UUID      `json:"run_id"`
	DryRun     bool           `json:"dry_run"`
	Processed  int            `json:"processed"`
	Matched    int            `json:"matched"`
	Applied    int            `json:"applied"`
	Unresolved int            `json:"unresolved"`
	Failures   []BatchFailure `json:"failures"`
	LastID     int64          `json:"last_id"`
	Duration   time.Duration  `json:"duration"`
}

// RunBatch allocates open payments. Payments are grouped by loan hint, or by borrower
// when there is none; groups run on a bounded worker pool and each group is processed
// sequentially in id order. A failing payment is recorded and never aborts the run.
func (e *Engine) RunBatch(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	if err := validation.Struct("run allocation batch", opts); err != nil {
		return nil, err
	}
	started := time.Now()
	report := &BatchReport{RunID: uuid.New(), DryRun: opts.DryRun, LastID: opts.AfterID}
	log := e.log.With(zap.String("run_id", report.RunID.String()))

	payments, err := e.storage.ListPayments(ctx, store.PaymentFilter{
		AfterID:  opts.AfterID,
		Limit:    opts.Limit,
		OnlyOpen: true,
	})
	if err != nil {
		return report, fmt.Errorf("failed to load open payments: %w", err)
	}
	log.Info("allocation batch started",
		zap.Int64("after_id", opts.AfterID),
		zap.Int("payments", len(payments)),
		zap.Bool("dry_run", opts.DryRun))

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultBatchWorkers
	}
	cache := NewContextCache(e.storage)

	var mu sync.Mutex
	processed := make(map[int64]bool, len(payments))
	record := func(p *models.Payment, matched bool, applied int, err error) {
		mu.Lock()
		defer mu.Unlock()
		processed[p.ID] = true
		report.Processed++
		switch {
		case err != nil:
			report.Failures = append(report.Failures, BatchFailure{PaymentID: p.ID, Error: err.Error()})
		case !matched:
			report.Unresolved++
		default:
			report.Matched++
			report.Applied += applied
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, group := range groupPayments(payments) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, p := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				matched, applied, err := e.processPayment(gctx, cache, p, opts.DryRun)
				if err != nil {
					log.Warn("payment allocation failed", zap.Int64("payment_id", p.ID), zap.Error(err))
				}
				record(p, matched, applied, err)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	for _, p := range payments {
		if !processed[p.ID] {
			break
		}
		report.LastID = p.ID
	}
	report.Duration = time.Since(started)

	hits, misses := cache.Stats()
	log.Info("allocation batch finished",
		zap.Int("processed", report.Processed),
		zap.Int("matched", report.Matched),
		zap.Int("applied", report.Applied),
		zap.Int("unresolved", report.Unresolved),
		zap.Int("failures", len(report.Failures)),
		zap.Int64("last_id", report.LastID),
		zap.Int("cache_hits", hits),
		zap.Int("cache_misses", misses),
		zap.Duration("duration", report.Duration))

	if waitErr == nil {
		waitErr = ctx.Err()
	}
	return report, waitErr
}

func (e *Engine) processPayment(ctx context.Context, cache *ContextCache, p *models.Payment, dryRun bool) (bool, int, error) {
	lc, err := cache.Get(ctx, *p)
	if err != nil {
		return false, 0, err
	}
	candidates := e.resolver.Resolve(*p, lc)
	if len(candidates) == 0 {
		return false, 0, nil
	}
	if dryRun {
		return true, 0, nil
	}
	result, err := e.Apply(ctx, *p, candidates)
	if result != nil && result.Applied > 0 {
		cache.Invalidate(p.BorrowerID)
		for _, c := range candidates {
			if loan, ok := lc.Loans[c.Installment.LoanID]; ok && loan.BorrowerID != p.BorrowerID {
				cache.Invalidate(loan.BorrowerID)
			}
		}
	}
	if err != nil {
		return true, 0, err
	}
	return true, result.Applied, nil
}

// groupPayments keeps id order inside each group and orders groups by their first id.
func groupPayments(payments []*models.Payment) [][]*models.Payment {
	index := make(map[string]int)
	var groups [][]*models.Payment
	for _, p := range payments {
		key := fmt.Sprintf("borrower:%d", p.BorrowerID)
		if p.LoanID != nil {
			key = fmt.Sprintf("loan:%d", *p.LoanID)
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}
