package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcclellann/loanrecon/pkg/allocation"
	"github.com/mcclellann/loanrecon/pkg/consistency"
	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/lock"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/reconciliation"
	"github.com/mcclellann/loanrecon/pkg/schedule"
	"github.com/mcclellann/loanrecon/pkg/store"
	"go.uber.org/zap"
)

// ServerOptions tunes the HTTP surface.
type ServerOptions struct {
	SampleLimit int
	MaxBodySize int64
	Workers     int
}

// Server holds the services behind the API.
type Server struct {
	ledger    *ledger.Ledger
	schedules *schedule.Service
	engine    *allocation.Engine
	recon     *reconciliation.Ledger
	auditor   *consistency.Auditor
	repairer  *consistency.Repairer
	storage   store.Storage // Keep a reference to the storage to close it
	log       *zap.Logger
	opts      ServerOptions
}

func NewServer(s store.Storage, locker lock.Locker, log *zap.Logger, opts ServerOptions) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	generator := schedule.NewGenerator(log)
	schedules := schedule.NewService(s, generator, log)
	return &Server{
		ledger:    ledger.NewLedger(s, generator, log),
		schedules: schedules,
		engine:    allocation.NewEngine(s, locker, log),
		recon:     reconciliation.NewLedger(s, log),
		auditor:   consistency.NewAuditor(s, log, opts.SampleLimit),
		repairer:  consistency.NewRepairer(s, schedules, locker, log),
		storage:   s,
		log:       log.Named("http"),
		opts:      opts,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestLogger, s.limitBody)

	router.HandleFunc("/loans", s.createLoanHandler).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id:[0-9]+}", s.getLoanHandler).Methods(http.MethodGet)
	router.HandleFunc("/loans/{id:[0-9]+}/approve", s.approveLoanHandler).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id:[0-9]+}/cancel", s.cancelLoanHandler).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id:[0-9]+}/schedule", s.regenerateScheduleHandler).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id:[0-9]+}/installments", s.listInstallmentsHandler).Methods(http.MethodGet)

	router.HandleFunc("/payments", s.recordPaymentHandler).Methods(http.MethodPost)
	router.HandleFunc("/payments/{id:[0-9]+}", s.getPaymentHandler).Methods(http.MethodGet)
	router.HandleFunc("/payments/{id:[0-9]+}/allocate", s.allocatePaymentHandler).Methods(http.MethodPost)
	router.HandleFunc("/payments/{id:[0-9]+}/audits", s.listAuditsHandler).Methods(http.MethodGet)
	router.HandleFunc("/allocations/run", s.runAllocationsHandler).Methods(http.MethodPost)

	router.HandleFunc("/reconciliation/statements", s.matchStatementHandler).Methods(http.MethodPost)
	router.HandleFunc("/reconciliation/reversals", s.reverseHandler).Methods(http.MethodPost)
	router.HandleFunc("/reconciliation/metrics", s.metricsHandler).Methods(http.MethodGet)

	router.HandleFunc("/consistency/report", s.consistencyReportHandler).Methods(http.MethodGet)
	router.HandleFunc("/consistency/repair", s.repairHandler).Methods(http.MethodPost)
	return router
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.ledger.CreateLoan(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.ledger.GetLoan(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, installments, err := s.ledger.ApproveLoan(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan": loan, "installments": installments})
}

func (s *Server) cancelLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.ledger.CancelLoan(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) regenerateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	installments, err := s.schedules.Regenerate(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	installments, err := s.ledger.ListInstallments(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.RecordPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	payment, err := s.ledger.RecordPayment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	payment, err := s.ledger.GetPayment(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) allocatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.AllocatePayment(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listAuditsHandler(w http.ResponseWriter, r *http.Request) {
	audits, err := s.recon.Audits(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audits)
}

func (s *Server) runAllocationsHandler(w http.ResponseWriter, r *http.Request) {
	opts := allocation.BatchOptions{Workers: s.opts.Workers}
	if !s.decodeOptional(w, r, &opts) {
		return
	}
	report, err := s.engine.RunBatch(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// matchStatementHandler accepts either a CSV upload (text/csv) or a JSON body
// of the form {"rows": [{"fecha": ..., "numero_documento": ...}]}.
func (s *Server) matchStatementHandler(w http.ResponseWriter, r *http.Request) {
	var rows []reconciliation.StatementRow
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		parsed, err := reconciliation.ParseStatement(r.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rows = parsed
	} else {
		var req struct {
			Rows []reconciliation.StatementRow `json:"rows"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		rows = req.Rows
	}

	result, err := s.recon.MatchStatement(r.Context(), rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) reverseHandler(w http.ResponseWriter, r *http.Request) {
	var req reconciliation.ReverseRequest
	if !s.decode(w, r, &req) {
		return
	}
	audit, err := s.recon.Reverse(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, audit)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.recon.Metrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) consistencyReportHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditor.Scan(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// repairHandler runs both repairs. Pass ?dry_run=true to only report what would change.
func (s *Server) repairHandler(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, models.Validationf("repair", "dry_run must be a boolean, got %q", raw))
			return
		}
		dryRun = parsed
	}

	schedules, err := s.repairer.RegenerateMissingSchedules(r.Context(), dryRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	states, err := s.repairer.RecomputeInstallmentStates(r.Context(), dryRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "states": states})
}

func pathID(r *http.Request) int64 {
	// the route pattern only admits digits
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, models.Validationf("decode request", "invalid JSON body: %v", err))
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.writeError(w, r, models.Validationf("decode request", "invalid JSON body: %v", err))
	return false
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	var typed *models.Error
	if errors.As(err, &typed) {
		resp.Kind = typed.Kind
	}

	status := http.StatusInternalServerError
	switch {
	case models.IsClientError(err):
		status = http.StatusBadRequest
	case models.IsNotFound(err):
		status = http.StatusNotFound
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)))
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodySize)
		next.ServeHTTP(w, r)
	})
}
