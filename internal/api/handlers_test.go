package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ecoquest/credits-service/internal/app"
	"github.com/ecoquest/credits-service/internal/domain"
	"github.com/ecoquest/credits-service/internal/rules"
	"github.com/ecoquest/credits-service/internal/store"
)

// ledgerRepoStub lets each test script the storage outcomes it needs.
type ledgerRepoStub struct {
	store.Repository
	ensureAccountFn    func(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error)
	applyTransactionFn func(ctx context.Context, params store.ApplyTransactionParams) (*domain.CreditTransaction, bool, error)
	findTransactionsFn func(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.CreditTransaction, error)
}

func (s *ledgerRepoStub) EnsureAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	return s.ensureAccountFn(ctx, userID)
}

func (s *ledgerRepoStub) ApplyTransaction(ctx context.Context, params store.ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
	return s.applyTransactionFn(ctx, params)
}

func (s *ledgerRepoStub) FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.CreditTransaction, error) {
	return s.findTransactionsFn(ctx, userID, opts)
}

func newTestHandlers(repo store.Repository) *CreditsHandlers {
	svc := app.NewService(repo, rules.NewResolver(), nil)
	svc.ConfigureStorageRetry(0, time.Millisecond)
	return NewCreditsHandlers(svc)
}

func authenticatedRequest(t *testing.T, userID uuid.UUID, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	return req.WithContext(withAuthenticatedUser(req.Context(), userID))
}

func stubTransaction(userID uuid.UUID, params store.ApplyTransactionParams, balanceAfter int64) *domain.CreditTransaction {
	return &domain.CreditTransaction{
		ID:                     uuid.New(),
		AccountID:              uuid.New(),
		UserID:                 userID,
		Type:                   params.Type,
		Amount:                 params.Amount,
		BalanceAfter:           balanceAfter,
		SourceType:             params.SourceType,
		VerificationConfidence: params.VerificationConfidence,
		Metadata:               params.Metadata,
		ClientRequestID:        params.ClientRequestID,
		CreatedAt:              time.Now().UTC(),
	}
}

func TestEarnCreditsHandler_FreshCommitAnswers201(t *testing.T) {
	userID := uuid.New()
	repo := &ledgerRepoStub{
		applyTransactionFn: func(ctx context.Context, params store.ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
			if params.Type != domain.TxEarn || params.Amount != 10 {
				t.Fatalf("unexpected apply params: type=%s amount=%d", params.Type, params.Amount)
			}
			return stubTransaction(userID, params, 10), false, nil
		},
	}
	h := newTestHandlers(repo)

	req := authenticatedRequest(t, userID, http.MethodPost, "/credits/earn", map[string]interface{}{
		"rule_code":         "cycle_commute",
		"confidence_tier":   "high",
		"source_type":       "gps_checkin",
		"client_request_id": "req-1",
	})
	rr := httptest.NewRecorder()
	h.EarnCreditsHandler(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Transaction domain.CreditTransaction `json:"transaction"`
		Replayed    bool                     `json:"replayed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Replayed {
		t.Fatal("fresh commit must not be marked replayed")
	}
	if resp.Transaction.Amount != 10 || resp.Transaction.BalanceAfter != 10 {
		t.Fatalf("unexpected transaction: amount=%d balance_after=%d", resp.Transaction.Amount, resp.Transaction.BalanceAfter)
	}
}

func TestEarnCreditsHandler_ReplayAnswers200(t *testing.T) {
	userID := uuid.New()
	repo := &ledgerRepoStub{
		applyTransactionFn: func(ctx context.Context, params store.ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
			return stubTransaction(userID, params, 10), true, nil
		},
	}
	h := newTestHandlers(repo)

	req := authenticatedRequest(t, userID, http.MethodPost, "/credits/earn", map[string]interface{}{
		"rule_code":         "cycle_commute",
		"confidence_tier":   "high",
		"source_type":       "gps_checkin",
		"client_request_id": "req-1",
	})
	rr := httptest.NewRecorder()
	h.EarnCreditsHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", rr.Code)
	}
	var resp struct {
		Replayed bool `json:"replayed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Replayed {
		t.Fatal("expected replayed=true in response")
	}
}

func TestEarnCreditsHandler_ErrorStatuses(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name       string
		body       map[string]interface{}
		applyErr   error
		wantStatus int
	}{
		{
			name: "missing client_request_id",
			body: map[string]interface{}{
				"rule_code": "cycle_commute", "source_type": "gps_checkin",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown rule",
			body: map[string]interface{}{
				"rule_code": "no_such_rule", "source_type": "gps_checkin", "client_request_id": "req-1",
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "conflicting request id reuse",
			body: map[string]interface{}{
				"rule_code": "cycle_commute", "source_type": "gps_checkin", "client_request_id": "req-1",
			},
			applyErr:   store.ErrClientRequestConflict,
			wantStatus: http.StatusConflict,
		},
		{
			name: "storage unavailable",
			body: map[string]interface{}{
				"rule_code": "cycle_commute", "source_type": "gps_checkin", "client_request_id": "req-1",
			},
			applyErr:   &pgconn.PgError{Code: "08006", Message: "connection reset"},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &ledgerRepoStub{
				applyTransactionFn: func(ctx context.Context, params store.ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
					if tt.applyErr != nil {
						return nil, false, tt.applyErr
					}
					return stubTransaction(userID, params, params.Amount), false, nil
				},
			}
			h := newTestHandlers(repo)

			req := authenticatedRequest(t, userID, http.MethodPost, "/credits/earn", tt.body)
			rr := httptest.NewRecorder()
			h.EarnCreditsHandler(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRedeemCreditsHandler_InsufficientCreditsAnswers402(t *testing.T) {
	userID := uuid.New()
	repo := &ledgerRepoStub{
		applyTransactionFn: func(ctx context.Context, params store.ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
			return nil, false, store.ErrInsufficientCredits
		},
	}
	h := newTestHandlers(repo)

	req := authenticatedRequest(t, userID, http.MethodPost, "/credits/redeem", map[string]interface{}{
		"item_id": "tree-kit", "item_name": "Tree Planting Kit", "cost": 80, "client_request_id": "req-2",
	})
	rr := httptest.NewRecorder()
	h.RedeemCreditsHandler(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
}

func TestRedeemCreditsHandler_InvalidCostAnswers400(t *testing.T) {
	userID := uuid.New()
	h := newTestHandlers(&ledgerRepoStub{})

	req := authenticatedRequest(t, userID, http.MethodPost, "/credits/redeem", map[string]interface{}{
		"item_id": "tree-kit", "item_name": "Tree Planting Kit", "cost": -5, "client_request_id": "req-2",
	})
	rr := httptest.NewRecorder()
	h.RedeemCreditsHandler(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDonateCreditsHandler_FreshCommitAnswers201(t *testing.T) {
	userID := uuid.New()
	repo := &ledgerRepoStub{
		applyTransactionFn: func(ctx context.Context, params store.ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
			if params.Type != domain.TxDonate || params.Amount != -120 {
				t.Fatalf("unexpected apply params: type=%s amount=%d", params.Type, params.Amount)
			}
			return stubTransaction(userID, params, 180), false, nil
		},
	}
	h := newTestHandlers(repo)

	req := authenticatedRequest(t, userID, http.MethodPost, "/credits/donate", map[string]interface{}{
		"project_id": "mangrove-restoration", "project_name": "Mangrove Restoration", "amount": 120, "client_request_id": "req-3",
	})
	rr := httptest.NewRecorder()
	h.DonateCreditsHandler(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestEarnCreditsHandler_RateLimitedAnswers429WithRetryAfter(t *testing.T) {
	userID := uuid.New()
	h := newTestHandlers(&ledgerRepoStub{})
	h.service.SetEarnRateLimiter(scriptedLimiter{count: 31, retryAfter: 9}, 30)

	req := authenticatedRequest(t, userID, http.MethodPost, "/credits/earn", map[string]interface{}{
		"rule_code": "cycle_commute", "source_type": "gps_checkin", "client_request_id": "req-4",
	})
	rr := httptest.NewRecorder()
	h.EarnCreditsHandler(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "9" {
		t.Fatalf("expected Retry-After=9, got %q", got)
	}
}

type scriptedLimiter struct {
	count      int
	retryAfter int
}

func (s scriptedLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, s.retryAfter, nil
}

func TestEarnCreditsHandler_MalformedBodyAnswers400(t *testing.T) {
	userID := uuid.New()
	h := newTestHandlers(&ledgerRepoStub{})

	req := httptest.NewRequest(http.MethodPost, "/credits/earn", bytes.NewBufferString("{not json"))
	req = req.WithContext(withAuthenticatedUser(req.Context(), userID))
	rr := httptest.NewRecorder()
	h.EarnCreditsHandler(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestEarnCreditsHandler_MissingAuthContextAnswers500(t *testing.T) {
	h := newTestHandlers(&ledgerRepoStub{})

	req := httptest.NewRequest(http.MethodPost, "/credits/earn", bytes.NewBufferString("{}"))
	rr := httptest.NewRecorder()
	h.EarnCreditsHandler(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when auth context is absent, got %d", rr.Code)
	}
}

func TestEnsureAccountHandler_ReturnsAccount(t *testing.T) {
	userID := uuid.New()
	repo := &ledgerRepoStub{
		ensureAccountFn: func(ctx context.Context, id uuid.UUID) (*domain.CreditAccount, error) {
			return &domain.CreditAccount{ID: uuid.New(), UserID: id, Balance: 42, TotalEarned: 90}, nil
		},
	}
	h := newTestHandlers(repo)

	req := authenticatedRequest(t, userID, http.MethodGet, "/credits/account", nil)
	rr := httptest.NewRecorder()
	h.EnsureAccountHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var account domain.CreditAccount
	if err := json.Unmarshal(rr.Body.Bytes(), &account); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if account.UserID != userID || account.Balance != 42 {
		t.Fatalf("unexpected account: user_id=%s balance=%d", account.UserID, account.Balance)
	}
}

func TestListTransactionsHandler_EmptyHistoryAnswersEmptyArray(t *testing.T) {
	userID := uuid.New()
	repo := &ledgerRepoStub{
		findTransactionsFn: func(ctx context.Context, id uuid.UUID, opts domain.TransactionListOptions) ([]domain.CreditTransaction, error) {
			return nil, nil
		},
	}
	h := newTestHandlers(repo)

	req := authenticatedRequest(t, userID, http.MethodGet, "/credits/transactions", nil)
	rr := httptest.NewRecorder()
	h.ListTransactionsHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := bytes.TrimSpace(rr.Body.Bytes()); string(body) != "[]" {
		t.Fatalf("expected empty JSON array, got %s", body)
	}
}

func TestListTransactionsHandler_ForwardsPagination(t *testing.T) {
	userID := uuid.New()
	var captured domain.TransactionListOptions
	repo := &ledgerRepoStub{
		findTransactionsFn: func(ctx context.Context, id uuid.UUID, opts domain.TransactionListOptions) ([]domain.CreditTransaction, error) {
			captured = opts
			return []domain.CreditTransaction{}, nil
		},
	}
	h := newTestHandlers(repo)

	req := authenticatedRequest(t, userID, http.MethodGet, "/credits/transactions?limit=5&offset=10", nil)
	rr := httptest.NewRecorder()
	h.ListTransactionsHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.Limit != 5 || captured.Offset != 10 {
		t.Fatalf("expected limit=5 offset=10, got limit=%d offset=%d", captured.Limit, captured.Offset)
	}
}
