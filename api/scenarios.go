/*
scenarios.go - Demo ledgers for testing and demonstrations

PURPOSE:
  Each scenario registers a fresh certificate and drives it through the
  engine, so the resulting ledger is exactly what real traffic would have
  written. Nothing is reset; scenario certificate codes carry a random
  suffix and never collide with existing ones.

AVAILABLE SCENARIOS:
  fresh:                  100.00, untouched                    → 100.00
  authorized:             authorize 30.00                      →  70.00
  partially-refunded:     authorize, capture 30.00, refund 10  →  80.00
  reversed:               authorize 30.00, reverse 30.00       → 100.00
  reversed-after-capture: authorize, capture 30.00, reverse    → 100.00
                          (recorded as a full refund)

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "partially-refunded"}
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/giftcert-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	steps func(ctx context.Context, e *ledger.Engine, cert ledger.GiftCertificate) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "fresh",
			Name:        "Fresh Certificate",
			Description: "100.00 certificate with no transactions",
		},
		steps: func(context.Context, *ledger.Engine, ledger.GiftCertificate) error { return nil },
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "authorized",
			Name:        "Open Authorization",
			Description: "30.00 reserved, not yet captured",
		},
		steps: func(ctx context.Context, e *ledger.Engine, cert ledger.GiftCertificate) error {
			_, err := e.PreAuthorize(ctx, cert, decimal.NewFromInt(30))
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "partially-refunded",
			Name:        "Partially Refunded",
			Description: "30.00 captured, 10.00 refunded",
		},
		steps: func(ctx context.Context, e *ledger.Engine, cert ledger.GiftCertificate) error {
			auth, err := e.PreAuthorize(ctx, cert, decimal.NewFromInt(30))
			if err != nil {
				return err
			}
			if _, err := e.Capture(ctx, cert, auth.AuthorizationCode, decimal.NewFromInt(30)); err != nil {
				return err
			}
			_, err = e.Refund(ctx, cert, auth.AuthorizationCode, decimal.NewFromInt(10))
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "reversed",
			Name:        "Reversed Authorization",
			Description: "30.00 reserved then released before capture",
		},
		steps: func(ctx context.Context, e *ledger.Engine, cert ledger.GiftCertificate) error {
			auth, err := e.PreAuthorize(ctx, cert, decimal.NewFromInt(30))
			if err != nil {
				return err
			}
			_, err = e.ReversePreAuthorization(ctx, cert, auth.AuthorizationCode, decimal.NewFromInt(30))
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "reversed-after-capture",
			Name:        "Reversed After Capture",
			Description: "30.00 captured then reversed, which refunds the capture",
		},
		steps: func(ctx context.Context, e *ledger.Engine, cert ledger.GiftCertificate) error {
			auth, err := e.PreAuthorize(ctx, cert, decimal.NewFromInt(30))
			if err != nil {
				return err
			}
			if _, err := e.Capture(ctx, cert, auth.AuthorizationCode, decimal.NewFromInt(30)); err != nil {
				return err
			}
			_, err = e.ReversePreAuthorization(ctx, cert, auth.AuthorizationCode, decimal.NewFromInt(30))
			return err
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available demo ledgers.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario builds one demo ledger and returns its balance.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Scenario not found", "scenario_not_found",
			fmt.Errorf("unknown scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	cert := ledger.GiftCertificate{
		Code:           ledger.CertificateCode(fmt.Sprintf("%s-%s", sc.ID, uuid.NewString()[:8])),
		PurchaseAmount: decimal.NewFromInt(100),
		CreatedAt:      h.now(),
	}
	if err := h.Store.SaveCertificate(ctx, cert); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if err := sc.steps(ctx, h.Engine, cert); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	balance, err := h.balanceDTO(r, cert)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.Logger.InfoContext(ctx, "scenario loaded", "scenario", sc.ID, "certificate", cert.Code)
	writeJSON(w, http.StatusCreated, ScenarioLoadedDTO{
		Scenario:    sc.ScenarioDTO,
		Certificate: toCertificateDTO(cert),
		Balance:     balance,
	})
}
