/**
 * @description
 * This file contains the core business logic for the credits-service. The `Service`
 * struct orchestrates the ledger operations — Earn, Redeem, Donate — plus account
 * reads and transaction history, coordinating between the database repository,
 * the rule resolver, the balance cache, and the message broker.
 *
 * Key properties:
 * - Every mutating operation requires a client request id and is idempotent:
 *   a retry with the same id replays the original result instead of applying
 *   the effect twice.
 * - Transient storage errors are retried a bounded number of times before the
 *   operation surfaces ErrStorageUnavailable; domain failures never retry.
 * - Events publish to RabbitMQ only after the ledger commit is durable.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store, internal/rules: Models, data access, rule table.
 * - internal/metrics: Prometheus instrumentation.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ecoquest/credits-service/internal/domain"
	"github.com/ecoquest/credits-service/internal/metrics"
	"github.com/ecoquest/credits-service/internal/rules"
	"github.com/ecoquest/credits-service/internal/store"
	"github.com/ecoquest/credits-service/pkg/rabbitmq"
)

var (
	ErrMissingClientRequestID = errors.New("client_request_id is required")
	ErrMissingRuleCode        = errors.New("rule_code is required")
	ErrMissingSourceType      = errors.New("source_type is required")
	ErrInvalidAmount          = errors.New("amount must be a positive integer")
	ErrInvalidConfidence      = errors.New("verification_confidence must be between 0 and 1")
	ErrStorageUnavailable     = errors.New("credits storage is unavailable")
)

// RateLimitedError is returned when the earn rate limiter rejects a request.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("earn rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// RateLimiter is a fixed-window counter keyed by subject.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

const (
	creditEventsExchange = "credit_events"

	earnSourceFallbackConfidence = 1.0

	sourceTypeRedemption = "redemption"
	sourceTypeDonation   = "donation"
)

// Service provides the core business logic for the credits ledger.
type Service struct {
	repo          store.Repository
	resolver      *rules.Resolver
	eventProducer rabbitmq.Publisher
	balanceCache  *BalanceCache
	earnLimiter   RateLimiter

	earnRateLimitPerMinute int
	retryAttempts          int
	retryBackoff           time.Duration
}

// NewService creates a new credits service instance. The producer may be nil
// when the broker is unavailable; event publishing then degrades to a log line.
func NewService(repo store.Repository, resolver *rules.Resolver, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		resolver:      resolver,
		eventProducer: producer,
		retryAttempts: 2,
		retryBackoff:  150 * time.Millisecond,
	}
}

// SetBalanceCache attaches the optional read-through balance cache.
func (s *Service) SetBalanceCache(cache *BalanceCache) {
	s.balanceCache = cache
}

// SetEarnRateLimiter attaches the optional earn submission limiter.
func (s *Service) SetEarnRateLimiter(limiter RateLimiter, perMinute int) {
	s.earnLimiter = limiter
	s.earnRateLimitPerMinute = perMinute
}

// ConfigureStorageRetry overrides the transient-error retry policy.
func (s *Service) ConfigureStorageRetry(attempts int, backoff time.Duration) {
	if attempts >= 0 {
		s.retryAttempts = attempts
	}
	if backoff > 0 {
		s.retryBackoff = backoff
	}
}

// EnsureAccount returns the caller's credit account, creating it on first
// contact. Reads go through the balance cache when one is attached; the cache
// is a staleness-bounded mirror, never the source of truth.
func (s *Service) EnsureAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	if account, ok := s.cachedAccount(ctx, userID); ok {
		return account, nil
	}

	var account *domain.CreditAccount
	err := s.withRetry(ctx, func() error {
		var opErr error
		account, opErr = s.repo.EnsureAccount(ctx, userID)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	s.cacheAccount(ctx, account)
	return account, nil
}

// EarnCredits resolves the rule code and confidence tier to a point amount
// and appends a positive EARN transaction.
func (s *Service) EarnCredits(ctx context.Context, userID uuid.UUID, req domain.EarnCreditsRequest) (*domain.LedgerResult, error) {
	start := time.Now()
	if req.ClientRequestID == "" {
		metrics.OperationRejected(domain.TxEarn, "missing_client_request_id")
		return nil, ErrMissingClientRequestID
	}
	if req.RuleCode == "" {
		metrics.OperationRejected(domain.TxEarn, "missing_rule_code")
		return nil, ErrMissingRuleCode
	}
	if req.SourceType == "" {
		metrics.OperationRejected(domain.TxEarn, "missing_source_type")
		return nil, ErrMissingSourceType
	}

	confidence := earnSourceFallbackConfidence
	if req.VerificationConfidence != nil {
		confidence = *req.VerificationConfidence
		if confidence < 0 || confidence > 1 {
			metrics.OperationRejected(domain.TxEarn, "invalid_confidence")
			return nil, ErrInvalidConfidence
		}
	}

	tier := req.ConfidenceTier
	if tier == "" {
		tier = domain.ConfidenceMedium
	}

	if err := s.consumeEarnRateLimit(ctx, userID); err != nil {
		metrics.OperationRejected(domain.TxEarn, "rate_limited")
		return nil, err
	}

	points, err := s.resolver.Resolve(req.RuleCode, tier)
	if err != nil {
		metrics.OperationRejected(domain.TxEarn, "unknown_rule")
		return nil, err
	}

	result, err := s.apply(ctx, store.ApplyTransactionParams{
		UserID:                 userID,
		Type:                   domain.TxEarn,
		Amount:                 points,
		SourceType:             req.SourceType,
		VerificationConfidence: confidence,
		Metadata:               req.Metadata,
		ClientRequestID:        req.ClientRequestID,
		ProofHash:              req.ProofHash,
		SponsorPoolID:          req.SponsorPoolID,
		CountsTowardEarned:     true,
	})
	if err != nil {
		return nil, err
	}

	s.finishOperation(ctx, result, "credits.earned", start)
	return result, nil
}

// RedeemCredits appends a negative REDEEM transaction for a reward item. The
// balance check happens inside the storage layer's atomic section against the
// locked account row, so two concurrent redemptions cannot jointly overdraw.
func (s *Service) RedeemCredits(ctx context.Context, userID uuid.UUID, req domain.RedeemCreditsRequest) (*domain.LedgerResult, error) {
	start := time.Now()
	if req.ClientRequestID == "" {
		metrics.OperationRejected(domain.TxRedeem, "missing_client_request_id")
		return nil, ErrMissingClientRequestID
	}
	if req.Cost <= 0 {
		metrics.OperationRejected(domain.TxRedeem, "invalid_amount")
		return nil, ErrInvalidAmount
	}

	itemID := req.ItemID
	result, err := s.apply(ctx, store.ApplyTransactionParams{
		UserID:                 userID,
		Type:                   domain.TxRedeem,
		Amount:                 -req.Cost,
		SourceType:             sourceTypeRedemption,
		VerificationConfidence: 1,
		Metadata: mergeMetadata(req.Metadata, map[string]interface{}{
			"item_id":   req.ItemID,
			"item_name": req.ItemName,
		}),
		ClientRequestID: req.ClientRequestID,
		RedemptionID:    &itemID,
	})
	if err != nil {
		return nil, err
	}

	s.finishOperation(ctx, result, "credits.redeemed", start)
	return result, nil
}

// DonateCredits appends a negative DONATE transaction toward a project.
// Preconditions and concurrency guarantees mirror RedeemCredits.
func (s *Service) DonateCredits(ctx context.Context, userID uuid.UUID, req domain.DonateCreditsRequest) (*domain.LedgerResult, error) {
	start := time.Now()
	if req.ClientRequestID == "" {
		metrics.OperationRejected(domain.TxDonate, "missing_client_request_id")
		return nil, ErrMissingClientRequestID
	}
	if req.Amount <= 0 {
		metrics.OperationRejected(domain.TxDonate, "invalid_amount")
		return nil, ErrInvalidAmount
	}

	result, err := s.apply(ctx, store.ApplyTransactionParams{
		UserID:                 userID,
		Type:                   domain.TxDonate,
		Amount:                 -req.Amount,
		SourceType:             sourceTypeDonation,
		VerificationConfidence: 1,
		Metadata: mergeMetadata(req.Metadata, map[string]interface{}{
			"project_id":   req.ProjectID,
			"project_name": req.ProjectName,
		}),
		ClientRequestID: req.ClientRequestID,
	})
	if err != nil {
		return nil, err
	}

	s.finishOperation(ctx, result, "credits.donated", start)
	return result, nil
}

// ListTransactions returns a page of the caller's ledger history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.CreditTransaction, error) {
	var transactions []domain.CreditTransaction
	err := s.withRetry(ctx, func() error {
		var opErr error
		transactions, opErr = s.repo.FindTransactionsByUserID(ctx, userID, opts)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// apply runs the atomic ledger commit with the retry policy and classifies
// the outcome for metrics.
func (s *Service) apply(ctx context.Context, params store.ApplyTransactionParams) (*domain.LedgerResult, error) {
	var tx *domain.CreditTransaction
	var replayed bool
	err := s.withRetry(ctx, func() error {
		var opErr error
		tx, replayed, opErr = s.repo.ApplyTransaction(ctx, params)
		return opErr
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientCredits):
			metrics.OperationRejected(params.Type, "insufficient_credits")
		case errors.Is(err, store.ErrClientRequestConflict):
			metrics.OperationRejected(params.Type, "request_conflict")
		case errors.Is(err, ErrStorageUnavailable):
			metrics.OperationRejected(params.Type, "storage_unavailable")
		default:
			metrics.OperationRejected(params.Type, "storage_error")
		}
		return nil, err
	}
	return &domain.LedgerResult{Transaction: tx, Replayed: replayed}, nil
}

// finishOperation handles the post-commit bookkeeping shared by all mutating
// operations: cache invalidation, event publishing, metrics. A replayed
// result publishes nothing, since the original commit already did.
func (s *Service) finishOperation(ctx context.Context, result *domain.LedgerResult, routingKey string, start time.Time) {
	tx := result.Transaction
	metrics.ObserveOperationDuration(tx.Type, time.Since(start))

	if result.Replayed {
		metrics.OperationReplayed(tx.Type)
		return
	}
	metrics.OperationCommitted(tx.Type)

	s.invalidateCachedAccount(ctx, tx.UserID)
	s.publishEvent(ctx, routingKey, tx)
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, tx *domain.CreditTransaction) {
	event := domain.CreditEvent{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		UserID:        tx.UserID,
		Type:          tx.Type,
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		SourceType:    tx.SourceType,
		Timestamp:     tx.CreatedAt,
	}

	if s.eventProducer == nil {
		log.Printf("level=warn component=app msg=\"event producer unavailable; credit event dropped\" routing_key=%s transaction_id=%s", routingKey, tx.ID)
		return
	}
	// Publishing is best-effort: the ledger is already durable, and consumers
	// reconcile from the transaction log if they miss an event.
	if err := s.eventProducer.Publish(ctx, creditEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=app msg=\"credit event publish failed\" routing_key=%s transaction_id=%s err=%v", routingKey, tx.ID, err)
	}
}

func (s *Service) consumeEarnRateLimit(ctx context.Context, userID uuid.UUID) error {
	if s.earnLimiter == nil || s.earnRateLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.earnLimiter.Consume(ctx, "earn", userID.String(), s.earnRateLimitPerMinute, time.Minute)
	if err != nil {
		// A broken limiter must not block the ledger.
		log.Printf("level=warn component=app msg=\"earn rate limiter unavailable; allowing request\" user_id=%s err=%v", userID, err)
		return nil
	}
	if count > s.earnRateLimitPerMinute {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) cachedAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, bool) {
	if s.balanceCache == nil {
		return nil, false
	}
	return s.balanceCache.Get(ctx, userID)
}

func (s *Service) cacheAccount(ctx context.Context, account *domain.CreditAccount) {
	if s.balanceCache == nil || account == nil {
		return
	}
	s.balanceCache.Set(ctx, account)
}

func (s *Service) invalidateCachedAccount(ctx context.Context, userID uuid.UUID) {
	if s.balanceCache == nil {
		return
	}
	s.balanceCache.Invalidate(ctx, userID)
}

// withRetry runs op, retrying transient storage failures with linear backoff.
// Domain errors return immediately; exhausting the budget wraps the last
// error in ErrStorageUnavailable so callers see one retryable failure kind.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryBackoff):
			}
		}
		err = op()
		if err == nil || !store.IsRetryable(err) {
			return err
		}
		log.Printf("level=warn component=app msg=\"transient storage error\" attempt=%d err=%v", attempt+1, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// mergeMetadata overlays operation fields onto the caller's metadata bag
// without mutating the original map.
func mergeMetadata(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		merged[k] = v
	}
	return merged
}
