// Package reconciliation matches bank statement rows to recorded payments and
// reverses reconciliations with an audit trail.
package reconciliation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/mcclellann/loanrecon/pkg/validation"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Row statuses as reported back to the statement uploader.
const (
	StatusReconciled = "CONCILIADO"
	StatusPending    = "PENDIENTE"
	StatusError      = "ERROR"
)

const defaultOperator = "system"

type RowResult struct {
	Line           int    `json:"line"`
	Date           string `json:"fecha"`
	DocumentNumber string `json:"numero_documento"`
	Status         string `json:"status"`
	PaymentID      *int64 `json:"payment_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Summary struct {
	Total      int `json:"total"`
	Reconciled int `json:"reconciled"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
}

type MatchResult struct {
	RunID   uuid.UUID   `json:"run_id"`
	Rows    []RowResult `json:"rows"`
	Summary Summary     `json:"summary"`
}

// ReverseRequest undoes the reconciliation of one payment. NewDocumentNumber and
// NewBorrowerID are optional corrections applied in the same unit.
type ReverseRequest struct {
	BorrowerID        int64  `json:"borrower_id" validate:"gt=0"`
	DocumentNumber    string `json:"old_document_number" validate:"required,max=64"`
	NewDocumentNumber string `json:"new_document_number" validate:"max=64"`
	NewBorrowerID     int64  `json:"new_borrower_id" validate:"gte=0"`
	Note              string `json:"note" validate:"max=500"`
	Operator          string `json:"operator" validate:"max=100"`
}

type Metrics struct {
	Total      int             `json:"total"`
	Reconciled int             `json:"reconciled"`
	Pending    int             `json:"pending"`
	Rate       decimal.Decimal `json:"rate"` // percent, two decimals
}

// Ledger owns the RECONCILED/UNRECONCILED lifecycle of payments.
type Ledger struct {
	storage store.Storage
	log     *zap.Logger
	now     func() time.Time
}

func NewLedger(s store.Storage, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{storage: s, log: log.Named("reconciliation"), now: time.Now}
}

// MatchStatement reconciles each row against the lowest-id UNRECONCILED payment with
// the same document number. Every row is its own unit of work; a failing row is
// reported with status ERROR and the rest of the statement still runs.
func (l *Ledger) MatchStatement(ctx context.Context, rows []StatementRow) (*MatchResult, error) {
	const op = "match statement"
	normalized := make([]StatementRow, len(rows))
	for i, r := range rows {
		normalized[i] = StatementRow{Date: strings.TrimSpace(r.Date), DocumentNumber: strings.TrimSpace(r.DocumentNumber)}
	}
	if err := validation.Struct(op, statementBatch{Rows: normalized}); err != nil {
		return nil, err
	}

	result := &MatchResult{RunID: uuid.New(), Rows: make([]RowResult, 0, len(normalized))}
	log := l.log.With(zap.String("run_id", result.RunID.String()))

	for i, row := range normalized {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res := RowResult{Line: i + 1, Date: row.Date, DocumentNumber: row.DocumentNumber}
		paymentID, err := l.matchRow(ctx, row)
		switch {
		case err == nil:
			res.Status = StatusReconciled
			res.PaymentID = &paymentID
			result.Summary.Reconciled++
		case models.IsNotFound(err):
			res.Status = StatusPending
			result.Summary.Pending++
		default:
			res.Status = StatusError
			res.Error = err.Error()
			result.Summary.Failed++
			log.Error("statement row failed",
				zap.Int("line", res.Line),
				zap.String("document_number", row.DocumentNumber),
				zap.Error(err))
		}
		result.Rows = append(result.Rows, res)
	}
	result.Summary.Total = len(result.Rows)

	log.Info("statement matched",
		zap.Int("rows", result.Summary.Total),
		zap.Int("reconciled", result.Summary.Reconciled),
		zap.Int("pending", result.Summary.Pending),
		zap.Int("failed", result.Summary.Failed))
	return result, nil
}

func (l *Ledger) matchRow(ctx context.Context, row StatementRow) (int64, error) {
	statementDate, err := time.Parse(DateLayout, row.Date)
	if err != nil {
		return 0, models.Validationf("match statement row", "invalid date %q", row.Date)
	}
	var paymentID int64
	err = l.storage.WithTx(ctx, func(tx store.Storage) error {
		p, err := tx.FindPaymentByDocument(ctx, row.DocumentNumber, models.Unreconciled)
		if err != nil {
			return err
		}
		p.ReconciliationStatus = models.Reconciled
		p.ReconciledAt = &statementDate
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		paymentID = p.ID
		return nil
	})
	return paymentID, err
}

// Reverse moves the borrower's RECONCILED payment with the given document number back
// to UNRECONCILED and appends exactly one audit record.
func (l *Ledger) Reverse(ctx context.Context, req ReverseRequest) (*models.ReconciliationAudit, error) {
	const op = "reverse reconciliation"
	req.DocumentNumber = strings.TrimSpace(req.DocumentNumber)
	req.NewDocumentNumber = strings.TrimSpace(req.NewDocumentNumber)
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = defaultOperator
	}

	var audit *models.ReconciliationAudit
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		p, err := findReconciled(ctx, tx, req.BorrowerID, req.DocumentNumber)
		if err != nil {
			return err
		}

		newDocument := p.DocumentNumber
		if req.NewDocumentNumber != "" {
			newDocument = req.NewDocumentNumber
		}
		audit = &models.ReconciliationAudit{
			PaymentID:         p.ID,
			OldDocumentNumber: p.DocumentNumber,
			NewDocumentNumber: newDocument,
			BorrowerID:        p.BorrowerID,
			Note:              req.Note,
			Operator:          operator,
			Timestamp:         l.now().UTC(),
		}

		p.ReconciliationStatus = models.Unreconciled
		p.ReconciledAt = nil
		p.DocumentNumber = newDocument
		if req.NewBorrowerID > 0 {
			p.BorrowerID = req.NewBorrowerID
		}
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		return tx.AppendReconciliationAudit(ctx, audit)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("reconciliation reversed",
		zap.Int64("payment_id", audit.PaymentID),
		zap.Int64("audit_id", audit.ID),
		zap.String("old_document_number", audit.OldDocumentNumber),
		zap.String("new_document_number", audit.NewDocumentNumber),
		zap.String("operator", audit.Operator))
	return audit, nil
}

func findReconciled(ctx context.Context, s store.Storage, borrowerID int64, documentNumber string) (*models.Payment, error) {
	payments, err := s.ListPayments(ctx, store.PaymentFilter{BorrowerID: borrowerID})
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.ReconciliationStatus == models.Reconciled && p.DocumentNumber == documentNumber {
			return p, nil
		}
	}
	return nil, models.NotFoundf("reverse reconciliation", "no reconciled payment with document %q for borrower %d", documentNumber, borrowerID)
}

// Metrics reports how many payments are reconciled. Every stored payment is active:
// payments are never voided, whatever state their loan is in. Rate is 0 when there
// are no payments.
func (l *Ledger) Metrics(ctx context.Context) (Metrics, error) {
	total, reconciled, err := l.storage.CountPayments(ctx)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{Total: total, Reconciled: reconciled, Pending: total - reconciled, Rate: decimal.Zero}
	if total > 0 {
		m.Rate = decimal.NewFromInt(int64(reconciled)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(total))).
			Round(2)
	}
	return m, nil
}

// Audits returns the reversal history of a payment, oldest first.
func (l *Ledger) Audits(ctx context.Context, paymentID int64) ([]*models.ReconciliationAudit, error) {
	if _, err := l.storage.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return l.storage.ListReconciliationAudits(ctx, paymentID)
}
