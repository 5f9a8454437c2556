/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every monetary amount crosses the wire as a decimal string ("30.00"),
  never a JSON number, so no client-side float rounding can alter it.

VALIDATION:
  Request shape is checked with go-playground/validator struct tags;
  business rules stay in the ledger engine.
*/
package api

import (
	"time"

	"github.com/warp/giftcert-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateCertificateRequest registers a gift certificate. Codes appear in
// URL paths, so they are limited to letters, digits, '-' and '_'.
type CreateCertificateRequest struct {
	Code           string `json:"code" validate:"required,max=64,certcode"`
	PurchaseAmount string `json:"purchase_amount" validate:"required,numeric"`
}

// AmountRequest is the body of every ledger operation.
type AmountRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

// LoadScenarioRequest selects a demo ledger.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type CertificateDTO struct {
	Code           string `json:"code"`
	PurchaseAmount string `json:"purchase_amount"`
	Balance        string `json:"balance,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

type TransactionDTO struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	AuthorizationCode string `json:"authorization_code"`
	Amount            string `json:"amount"`
	CreatedAt         string `json:"created_at"`
}

// OperationDTO mirrors ledger.Response.
type OperationDTO struct {
	AuthorizationCode   string         `json:"authorization_code"`
	GiftCertificateCode string         `json:"gift_certificate_code"`
	Transaction         TransactionDTO `json:"transaction"`
}

type AuthorizationDTO struct {
	AuthorizationCode string `json:"authorization_code"`
	Status            string `json:"status"`
	Authorized        string `json:"authorized"`
	Captured          string `json:"captured"`
	Refunded          string `json:"refunded"`
	Holding           string `json:"holding"`
	AuthorizedAt      string `json:"authorized_at"`
}

type BalanceDTO struct {
	Code           string             `json:"code"`
	PurchaseAmount string             `json:"purchase_amount"`
	Allocated      string             `json:"allocated"`
	Balance        string             `json:"balance"`
	Authorizations []AuthorizationDTO `json:"authorizations"`
	AsOf           string             `json:"as_of"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScenarioLoadedDTO struct {
	Scenario    ScenarioDTO    `json:"scenario"`
	Certificate CertificateDTO `json:"certificate"`
	Balance     BalanceDTO     `json:"balance"`
}

// ErrorResponse is the body of every non-2xx reply. Code is a stable
// machine-readable reason (e.g. "insufficient_balance").
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCertificateDTO(c ledger.GiftCertificate) CertificateDTO {
	dto := CertificateDTO{
		Code:           string(c.Code),
		PurchaseAmount: c.PurchaseAmount.StringFixed(2),
	}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                string(tx.ID),
		Type:              tx.Type.String(),
		AuthorizationCode: tx.AuthorizationCode,
		Amount:            tx.Amount.StringFixed(2),
		CreatedAt:         tx.CreatedAt.Format(time.RFC3339),
	}
}

func toOperationDTO(r *ledger.Response) OperationDTO {
	return OperationDTO{
		AuthorizationCode:   r.AuthorizationCode,
		GiftCertificateCode: string(r.GiftCertificateCode),
		Transaction:         toTransactionDTO(r.Transaction),
	}
}

func toAuthorizationDTO(s ledger.AuthorizationSummary) AuthorizationDTO {
	return AuthorizationDTO{
		AuthorizationCode: s.AuthorizationCode,
		Status:            string(s.Status),
		Authorized:        s.Authorized.StringFixed(2),
		Captured:          s.Captured.StringFixed(2),
		Refunded:          s.Refunded.StringFixed(2),
		Holding:           s.Contribution.StringFixed(2),
		AuthorizedAt:      s.AuthorizedAt.Format(time.RFC3339),
	}
}
