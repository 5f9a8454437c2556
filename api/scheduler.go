/*
scheduler.go - Periodic ledger integrity audit

PURPOSE:
  Replays every certificate ledger on a fixed interval and reports the ones
  whose history can no longer be trusted (duplicate authorization records,
  refunds exceeding a capture). Operations on such a certificate already
  fail; the audit finds them before a customer does.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Read-only: nothing is repaired, findings are logged and counted
  - Keeps the report of the last completed run for GET /api/audit

USAGE:
  scheduler := NewAuditScheduler(handler, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/balance.go: replay rules
  - internal/platform/metrics: "audit" operation counter
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/warp/giftcert-ledger/ledger"
)

// AuditReport summarizes one audit run. Failures holds certificates whose
// ledger could not be loaded at all.
type AuditReport struct {
	Checked    int               `json:"checked"`
	Corrupt    []AuditFinding    `json:"corrupt"`
	Failures   map[string]string `json:"failures,omitempty"`
	ListError  string            `json:"list_error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// AuditFinding names a certificate whose ledger failed replay.
type AuditFinding struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// AuditScheduler replays certificate ledgers in the background.
type AuditScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	reportMu sync.RWMutex
	last     *AuditReport
}

// NewAuditScheduler creates a scheduler. A non-positive interval yields a
// disabled scheduler that can still be run by hand.
func NewAuditScheduler(h *Handler, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{
		Handler:       h,
		CheckInterval: interval,
		Enabled:       interval > 0,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Handler.Logger.Info("audit scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Handler.Logger.Info("audit scheduler started", "interval", s.CheckInterval.String())
}

// Stop stops the scheduler and waits for a run in progress.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Handler.Logger.Info("audit scheduler stopped")
	}
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow audits every certificate once and stores the report.
func (s *AuditScheduler) RunNow(ctx context.Context) AuditReport {
	h := s.Handler
	report := AuditReport{StartedAt: h.now(), Corrupt: []AuditFinding{}}

	certs, err := h.Store.ListCertificates(ctx)
	if err != nil {
		h.Logger.ErrorContext(ctx, "audit: list certificates", "error", err)
		report.ListError = err.Error()
	}

	for _, cert := range certs {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		txs, err := h.Store.Transactions(ctx, cert.Code)
		if err == nil {
			_, err = ledger.Balance(cert, txs)
		}
		h.Metrics.Observe("audit", start, err)
		report.Checked++

		switch {
		case err == nil:
		case ledger.IsFatal(err):
			h.Logger.ErrorContext(ctx, "audit: corrupt ledger", "certificate", cert.Code, "error", err)
			report.Corrupt = append(report.Corrupt, AuditFinding{Code: string(cert.Code), Error: err.Error()})
		default:
			h.Logger.WarnContext(ctx, "audit: load ledger", "certificate", cert.Code, "error", err)
			if report.Failures == nil {
				report.Failures = map[string]string{}
			}
			report.Failures[string(cert.Code)] = err.Error()
		}
	}
	report.FinishedAt = h.now()

	h.Logger.InfoContext(ctx, "audit completed",
		"checked", report.Checked, "corrupt", len(report.Corrupt))

	s.reportMu.Lock()
	s.last = &report
	s.reportMu.Unlock()
	return report
}

// LastReport returns the most recent completed run, if any.
func (s *AuditScheduler) LastReport() (AuditReport, bool) {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	if s.last == nil {
		return AuditReport{}, false
	}
	return *s.last, true
}

// ServeReport answers GET /api/audit.
func (s *AuditScheduler) ServeReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "No audit has run yet", "audit_pending", nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
