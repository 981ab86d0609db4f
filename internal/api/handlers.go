/**
 * @description
 * This file contains the HTTP handlers for the credits-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the ledger's business logic.
 *
 * Error mapping:
 *   missing/invalid fields            -> 400
 *   unknown earn rule                 -> 404
 *   insufficient credits              -> 402
 *   client request id payload clash   -> 409
 *   earn rate limit                   -> 429 (+ Retry-After)
 *   storage unavailable               -> 503 (safe to retry with the same id)
 *
 * An idempotent replay answers 200 with the original transaction; a fresh
 * commit answers 201.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/rules, internal/store: Service logic, models, errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ecoquest/credits-service/internal/app"
	"github.com/ecoquest/credits-service/internal/domain"
	"github.com/ecoquest/credits-service/internal/rules"
	"github.com/ecoquest/credits-service/internal/store"
)

// CreditsHandlers holds the application service that handlers will use.
type CreditsHandlers struct {
	service *app.Service
}

// NewCreditsHandlers creates a new instance of CreditsHandlers.
func NewCreditsHandlers(service *app.Service) *CreditsHandlers {
	return &CreditsHandlers{service: service}
}

// transactionResponse is sent back to the mobile client after a ledger
// operation. Replayed tells the client its retry was absorbed rather than
// applied a second time.
type transactionResponse struct {
	Transaction *domain.CreditTransaction `json:"transaction"`
	Replayed    bool                      `json:"replayed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// EnsureAccountHandler returns the caller's credit account, creating it on
// first contact.
func (h *CreditsHandlers) EnsureAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	account, err := h.service.EnsureAccount(r.Context(), userID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=ensure_account outcome=failed user_id=%s err=%v", userID, err)
		if errors.Is(err, app.ErrStorageUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "Credits service is temporarily unavailable")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Unable to load credits account")
		return
	}

	h.writeJSON(w, http.StatusOK, account)
}

// EarnCreditsHandler handles rule-based earn requests.
func (h *CreditsHandlers) EarnCreditsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.EarnCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=earn_credits outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.EarnCredits(r.Context(), userID, req)
	if err != nil {
		h.writeLedgerError(w, "earn_credits", userID, err)
		return
	}

	log.Printf("level=info component=api endpoint=earn_credits outcome=committed user_id=%s rule=%s amount=%d replayed=%t",
		userID, req.RuleCode, result.Transaction.Amount, result.Replayed)
	h.writeJSON(w, committedStatus(result), transactionResponse{Transaction: result.Transaction, Replayed: result.Replayed})
}

// RedeemCreditsHandler handles reward redemption requests.
func (h *CreditsHandlers) RedeemCreditsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.RedeemCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=redeem_credits outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.RedeemCredits(r.Context(), userID, req)
	if err != nil {
		h.writeLedgerError(w, "redeem_credits", userID, err)
		return
	}

	log.Printf("level=info component=api endpoint=redeem_credits outcome=committed user_id=%s item_id=%s cost=%d replayed=%t",
		userID, req.ItemID, req.Cost, result.Replayed)
	h.writeJSON(w, committedStatus(result), transactionResponse{Transaction: result.Transaction, Replayed: result.Replayed})
}

// DonateCreditsHandler handles donation requests.
func (h *CreditsHandlers) DonateCreditsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.DonateCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=donate_credits outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.DonateCredits(r.Context(), userID, req)
	if err != nil {
		h.writeLedgerError(w, "donate_credits", userID, err)
		return
	}

	log.Printf("level=info component=api endpoint=donate_credits outcome=committed user_id=%s project_id=%s amount=%d replayed=%t",
		userID, req.ProjectID, req.Amount, result.Replayed)
	h.writeJSON(w, committedStatus(result), transactionResponse{Transaction: result.Transaction, Replayed: result.Replayed})
}

// ListTransactionsHandler returns a page of the caller's transaction history,
// newest first.
func (h *CreditsHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	opts := domain.TransactionListOptions{
		Limit:  parseQueryInt(r, "limit"),
		Offset: parseQueryInt(r, "offset"),
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID, opts)
	if err != nil {
		log.Printf("level=warn component=api endpoint=list_transactions outcome=failed user_id=%s err=%v", userID, err)
		if errors.Is(err, app.ErrStorageUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "Credits service is temporarily unavailable")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Unable to load transactions")
		return
	}
	if transactions == nil {
		transactions = []domain.CreditTransaction{}
	}

	h.writeJSON(w, http.StatusOK, transactions)
}

// writeLedgerError maps service errors onto HTTP statuses without leaking
// request metadata into response bodies.
func (h *CreditsHandlers) writeLedgerError(w http.ResponseWriter, endpoint string, userID uuid.UUID, err error) {
	log.Printf("level=warn component=api endpoint=%s outcome=failed user_id=%s err=%v", endpoint, userID, err)

	var rateLimited *app.RateLimitedError
	switch {
	case errors.Is(err, app.ErrMissingClientRequestID),
		errors.Is(err, app.ErrMissingRuleCode),
		errors.Is(err, app.ErrMissingSourceType),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidConfidence):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rules.ErrUnknownRule):
		h.writeError(w, http.StatusNotFound, "Unknown earn rule")
	case errors.Is(err, store.ErrInsufficientCredits):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient credits")
	case errors.Is(err, store.ErrClientRequestConflict):
		h.writeError(w, http.StatusConflict, "client_request_id was already used with a different payload")
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many earn submissions, slow down")
	case errors.Is(err, app.ErrStorageUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "Credits service is temporarily unavailable")
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func committedStatus(result *domain.LedgerResult) int {
	if result.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func parseQueryInt(r *http.Request, name string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func (h *CreditsHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *CreditsHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
