package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mcclellann/loanrecon/pkg/models"
)

// Memory is an in-memory Storage for tests and local runs. Reads hand out copies so
// callers never mutate stored state without an explicit Save.
//
// Units of work are serialized on txMu, and so is every write made outside a unit,
// so a rollback only ever discards the unit's own writes. Reads outside a unit may
// observe a running unit's uncommitted writes.
type Memory struct {
	*memDB
	txMu sync.Mutex
}

// memDB holds the data and implements every read and write without unit handling.
type memDB struct {
	mu sync.RWMutex
	st memState
}

type memState struct {
	loans        map[int64]models.Loan
	installments map[int64]models.Installment
	payments     map[int64]models.Payment
	allocations  []models.Allocation
	audits       []models.ReconciliationAudit
	nextID       int64
}

func NewMemory() *Memory {
	return &Memory{memDB: &memDB{st: memState{
		loans:        make(map[int64]models.Loan),
		installments: make(map[int64]models.Installment),
		payments:     make(map[int64]models.Payment),
	}}}
}

func (s memState) clone() memState {
	c := memState{
		loans:        make(map[int64]models.Loan, len(s.loans)),
		installments: make(map[int64]models.Installment, len(s.installments)),
		payments:     make(map[int64]models.Payment, len(s.payments)),
		allocations:  append([]models.Allocation(nil), s.allocations...),
		audits:       append([]models.ReconciliationAudit(nil), s.audits...),
		nextID:       s.nextID,
	}
	for k, v := range s.loans {
		c.loans[k] = v
	}
	for k, v := range s.installments {
		c.installments[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

func (m *memDB) id() int64 {
	m.st.nextID++
	return m.st.nextID
}

// WithTx serializes units of work and restores the previous state when fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	tx := &memTx{memDB: m.memDB}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.st.clone()
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// memTx is the Storage handed to WithTx callbacks; nested WithTx joins the unit.
type memTx struct {
	*memDB
}

func (t *memTx) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	return fn(t)
}

func (m *Memory) CreateLoan(ctx context.Context, loan *models.Loan) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.CreateLoan(ctx, loan)
}

func (m *Memory) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.UpdateLoan(ctx, loan)
}

func (m *Memory) ReplaceInstallments(ctx context.Context, loanID int64, installments []models.Installment) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.ReplaceInstallments(ctx, loanID, installments)
}

func (m *Memory) SaveInstallment(ctx context.Context, inst *models.Installment) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.SaveInstallment(ctx, inst)
}

func (m *Memory) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.CreatePayment(ctx, p)
}

func (m *Memory) SavePayment(ctx context.Context, p *models.Payment) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.SavePayment(ctx, p)
}

func (m *Memory) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.CreateAllocation(ctx, a)
}

func (m *Memory) AppendReconciliationAudit(ctx context.Context, a *models.ReconciliationAudit) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.memDB.AppendReconciliationAudit(ctx, a)
}

func (m *memDB) CreateLoan(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan.ID = m.id()
	m.st.loans[loan.ID] = *loan
	return nil
}

func (m *memDB) GetLoan(_ context.Context, id int64) (*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.st.loans[id]
	if !ok {
		return nil, models.NotFoundf("get loan", "loan %d not found", id)
	}
	return &loan, nil
}

func (m *memDB) UpdateLoan(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.loans[loan.ID]; !ok {
		return models.NotFoundf("update loan", "loan %d not found", loan.ID)
	}
	m.st.loans[loan.ID] = *loan
	return nil
}

func (m *memDB) ListLoans(_ context.Context, f LoanFilter) ([]*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Loan
	for _, l := range m.st.loans {
		if l.ID <= f.AfterID || (f.State != "" && l.State != f.State) {
			continue
		}
		loan := l
		out = append(out, &loan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memDB) ListLoansByBorrower(_ context.Context, borrowerID int64) ([]*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Loan
	for _, l := range m.st.loans {
		if l.BorrowerID == borrowerID {
			loan := l
			out = append(out, &loan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDB) ReplaceInstallments(_ context.Context, loanID int64, installments []models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.loans[loanID]; !ok {
		return models.NotFoundf("replace installments", "loan %d not found", loanID)
	}
	for id, inst := range m.st.installments {
		if inst.LoanID == loanID {
			delete(m.st.installments, id)
		}
	}
	for i := range installments {
		installments[i].LoanID = loanID
		installments[i].ID = m.id()
		m.st.installments[installments[i].ID] = installments[i]
	}
	return nil
}

func (m *memDB) GetInstallment(_ context.Context, id int64) (*models.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.st.installments[id]
	if !ok {
		return nil, models.NotFoundf("get installment", "installment %d not found", id)
	}
	return copyInstallment(inst), nil
}

func (m *memDB) ListInstallments(_ context.Context, loanID int64) ([]*models.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Installment
	for _, inst := range m.st.installments {
		if inst.LoanID == loanID {
			out = append(out, copyInstallment(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (m *memDB) SaveInstallment(_ context.Context, inst *models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.st.installments[inst.ID]
	if !ok {
		return models.NotFoundf("save installment", "installment %d not found", inst.ID)
	}
	cur.PaidAmount = inst.PaidAmount
	cur.State = inst.State
	cur.LinkedPaymentID = copyID(inst.LinkedPaymentID)
	m.st.installments[inst.ID] = cur
	return nil
}

func (m *memDB) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	m.st.payments[p.ID] = *copyPayment(*p)
	return nil
}

func (m *memDB) GetPayment(_ context.Context, id int64) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.payments[id]
	if !ok {
		return nil, models.NotFoundf("get payment", "payment %d not found", id)
	}
	return copyPayment(p), nil
}

func (m *memDB) ListPayments(_ context.Context, f PaymentFilter) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Payment
	for _, p := range m.st.payments {
		if p.ID <= f.AfterID {
			continue
		}
		if f.BorrowerID != 0 && p.BorrowerID != f.BorrowerID {
			continue
		}
		if f.OnlyOpen && !p.Available().IsPositive() {
			continue
		}
		out = append(out, copyPayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memDB) FindPaymentByDocument(_ context.Context, documentNumber string, status models.ReconciliationStatus) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Payment
	for _, p := range m.st.payments {
		if p.DocumentNumber != documentNumber || p.ReconciliationStatus != status {
			continue
		}
		if found == nil || p.ID < found.ID {
			found = copyPayment(p)
		}
	}
	if found == nil {
		return nil, models.NotFoundf("find payment", "no %s payment with document %q", status, documentNumber)
	}
	return found, nil
}

func (m *memDB) SavePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.payments[p.ID]; !ok {
		return models.NotFoundf("save payment", "payment %d not found", p.ID)
	}
	m.st.payments[p.ID] = *copyPayment(*p)
	return nil
}

func (m *memDB) CountPayments(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reconciled := 0
	for _, p := range m.st.payments {
		if p.ReconciliationStatus == models.Reconciled {
			reconciled++
		}
	}
	return len(m.st.payments), reconciled, nil
}

func (m *memDB) CreateAllocation(_ context.Context, a *models.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.st.allocations {
		if existing.PaymentID == a.PaymentID && existing.InstallmentID == a.InstallmentID {
			return models.Consistencyf("create allocation", "payment %d already allocated to installment %d", a.PaymentID, a.InstallmentID)
		}
	}
	a.ID = m.id()
	m.st.allocations = append(m.st.allocations, *a)
	return nil
}

func (m *memDB) AllocationExists(_ context.Context, paymentID, installmentID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.st.allocations {
		if a.PaymentID == paymentID && a.InstallmentID == installmentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDB) ListAllocations(_ context.Context, paymentID int64) ([]*models.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Allocation
	for _, a := range m.st.allocations {
		if a.PaymentID == paymentID {
			alloc := a
			out = append(out, &alloc)
		}
	}
	return out, nil
}

func (m *memDB) AppendReconciliationAudit(_ context.Context, a *models.ReconciliationAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	m.st.audits = append(m.st.audits, *a)
	return nil
}

func (m *memDB) ListReconciliationAudits(_ context.Context, paymentID int64) ([]*models.ReconciliationAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ReconciliationAudit
	for _, a := range m.st.audits {
		if a.PaymentID == paymentID {
			audit := a
			out = append(out, &audit)
		}
	}
	return out, nil
}

func (m *memDB) Close() error {
	return nil
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyInstallment(inst models.Installment) *models.Installment {
	inst.LinkedPaymentID = copyID(inst.LinkedPaymentID)
	return &inst
}

func copyPayment(p models.Payment) *models.Payment {
	p.LoanID = copyID(p.LoanID)
	if p.InstallmentSequence != nil {
		seq := *p.InstallmentSequence
		p.InstallmentSequence = &seq
	}
	if p.ReconciledAt != nil {
		at := *p.ReconciledAt
		p.ReconciledAt = &at
	}
	return &p
}
