/**
 * @description
 * This file defines the core domain models for the credits-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Credit amounts are stored as `int64` in the ledger's base unit (whole
 *   credits), which avoids floating-point inaccuracies in balance arithmetic.
 * - Transaction rows are append-only: once written they are never mutated
 *   or deleted, and `balance_after` snapshots the account balance as of that
 *   row so the full history reconstructs every intermediate balance.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType is the business reason for a credit movement.
type TransactionType string

const (
	TxEarn   TransactionType = "EARN"
	TxRedeem TransactionType = "REDEEM"
	TxDonate TransactionType = "DONATE"

	// Reserved for administrative and compensating flows. No operation in
	// this service produces them yet; they exist so stored rows written by
	// future tooling decode cleanly.
	TxSponsorTopup TransactionType = "SPONSOR_TOPUP"
	TxPenalty      TransactionType = "PENALTY"
	TxReversal     TransactionType = "REVERSAL"
)

// ConfidenceTier is a coarse classification of how certain the verification
// pipeline is that a claimed action actually happened. The ledger only
// consumes the tier; scoring photos/videos/geofences is someone else's job.
type ConfidenceTier string

const (
	ConfidenceLow    ConfidenceTier = "low"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceHigh   ConfidenceTier = "high"
)

// CreditAccount is a user's credits wallet. Exactly one exists per user and
// it is created lazily on first ledger interaction.
type CreditAccount struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreditTransaction is one immutable, signed balance movement. It maps
// directly to the `credit_transactions` table.
type CreditTransaction struct {
	ID                     uuid.UUID              `json:"id"`
	AccountID              uuid.UUID              `json:"account_id"`
	UserID                 uuid.UUID              `json:"user_id"`
	Type                   TransactionType        `json:"type"`
	Amount                 int64                  `json:"amount"`
	BalanceAfter           int64                  `json:"balance_after"`
	SourceType             string                 `json:"source_type"`
	VerificationConfidence float64                `json:"verification_confidence"`
	Metadata               map[string]interface{} `json:"metadata"`
	ClientRequestID        string                 `json:"client_request_id"`
	ProofHash              *string                `json:"proof_hash,omitempty"`
	SponsorPoolID          *string                `json:"sponsor_pool_id,omitempty"`
	RedemptionID           *string                `json:"redemption_id,omitempty"`
	RelatedTransactionID   *uuid.UUID             `json:"related_transaction_id,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
}

// EarnCreditsRequest is the DTO for incoming earn API requests. The point
// amount is never client-supplied; it is resolved server-side from the rule
// code and confidence tier.
type EarnCreditsRequest struct {
	RuleCode               string                 `json:"rule_code"`
	ConfidenceTier         ConfidenceTier         `json:"confidence_tier"`
	SourceType             string                 `json:"source_type"`
	ClientRequestID        string                 `json:"client_request_id"`
	VerificationConfidence *float64               `json:"verification_confidence,omitempty"` // defaults to 1
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
	ProofHash              *string                `json:"proof_hash,omitempty"`
	SponsorPoolID          *string                `json:"sponsor_pool_id,omitempty"`
}

// RedeemCreditsRequest is the DTO for incoming redemption API requests.
type RedeemCreditsRequest struct {
	ItemID          string                 `json:"item_id"`
	ItemName        string                 `json:"item_name"`
	Cost            int64                  `json:"cost"`
	ClientRequestID string                 `json:"client_request_id"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// DonateCreditsRequest is the DTO for incoming donation API requests.
type DonateCreditsRequest struct {
	ProjectID       string                 `json:"project_id"`
	ProjectName     string                 `json:"project_name"`
	Amount          int64                  `json:"amount"`
	ClientRequestID string                 `json:"client_request_id"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// TransactionListOptions controls pagination for a user's transaction history.
type TransactionListOptions struct {
	Limit  int
	Offset int
}

// LedgerResult is what a mutating ledger operation hands back: the committed
// transaction plus whether it was freshly committed or replayed from a
// previous submission with the same client request id.
type LedgerResult struct {
	Transaction *CreditTransaction
	Replayed    bool
}

// CreditEvent is the message payload published to RabbitMQ after a ledger
// operation commits. Downstream consumers (quest progress, analytics) react
// asynchronously; the ledger is already durable by the time this is sent.
type CreditEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	SourceType    string          `json:"source_type"`
	Timestamp     time.Time       `json:"timestamp"`
}
