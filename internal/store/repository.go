/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the credits-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/ecoquest/credits-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// There is deliberately no generic balance-mutation method: the only way a
// balance changes is through ApplyTransaction, which commits the transaction
// row and the account update as one atomic unit.
type Repository interface {
	// EnsureAccount returns the account for the user, creating it with a zero
	// balance on first contact. Safe under concurrent first access.
	EnsureAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error)

	// FindAccountByUserID returns the account without creating one.
	FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error)

	// ApplyTransaction atomically appends one ledger transaction and updates
	// the owning account. The account row is locked for the duration, so
	// concurrent mutations of the same account serialize. If the client
	// request id was already used with an equivalent payload the stored
	// transaction is returned with replayed=true and no state changes; a
	// reuse with a different payload fails with ErrClientRequestConflict.
	// Debits that would take the balance negative fail with
	// ErrInsufficientCredits and leave no trace.
	ApplyTransaction(ctx context.Context, params ApplyTransactionParams) (*domain.CreditTransaction, bool, error)

	// FindTransactionsByUserID returns the user's transactions newest first.
	FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.CreditTransaction, error)

	// FindTransactionByClientRequestID returns the transaction a request id
	// produced, if any. Used for diagnostics; the idempotent replay path in
	// ApplyTransaction does not depend on it.
	FindTransactionByClientRequestID(ctx context.Context, accountID uuid.UUID, clientRequestID string) (*domain.CreditTransaction, error)
}

// ApplyTransactionParams carries everything needed to commit one signed
// balance movement. Amount is positive for EARN and negative for REDEEM and
// DONATE; CountsTowardEarned controls whether total_earned advances.
type ApplyTransactionParams struct {
	UserID                 uuid.UUID
	Type                   domain.TransactionType
	Amount                 int64
	SourceType             string
	VerificationConfidence float64
	Metadata               map[string]interface{}
	ClientRequestID        string
	ProofHash              *string
	SponsorPoolID          *string
	RedemptionID           *string
	CountsTowardEarned     bool
}
