/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed for the credits ledger: lazy account creation,
 * the atomic apply-transaction path, and transaction history reads.
 *
 * The schema it targets:
 *
 *   credit_accounts(id uuid pk, user_id uuid unique, balance bigint CHECK >= 0,
 *                   total_earned bigint, created_at, updated_at)
 *   credit_transactions(id uuid pk, seq bigserial, account_id, user_id, type,
 *                   amount bigint, balance_after bigint, source_type text,
 *                   verification_confidence double precision, metadata jsonb,
 *                   client_request_id text, proof_hash, sponsor_pool_id,
 *                   redemption_id, related_transaction_id, created_at,
 *                   UNIQUE (account_id, client_request_id))
 *
 * @dependencies
 * - context, encoding/json, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ecoquest/credits-service/internal/domain"
)

var (
	ErrAccountNotFound       = errors.New("credit account not found")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrTransactionNotFound   = errors.New("credit transaction not found")
	ErrClientRequestConflict = errors.New("client request id was already used with a different payload")
)

const txColumns = `id, account_id, user_id, type, amount, balance_after, source_type,
	verification_confidence, metadata, client_request_id, proof_hash, sponsor_pool_id,
	redemption_id, related_transaction_id, created_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureAccount returns the user's credit account, creating a zero-balance one
// on first contact. The insert races safely: ON CONFLICT DO NOTHING plus the
// unique constraint on user_id means concurrent first requests agree on a
// single row.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	insertQuery := `
		INSERT INTO credit_accounts (user_id, balance, total_earned)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, insertQuery, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure credit account: %w", err)
	}

	return r.FindAccountByUserID(ctx, userID)
}

// FindAccountByUserID retrieves a user's credit account from the database.
func (r *PostgresRepository) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	var account domain.CreditAccount
	query := `SELECT id, user_id, balance, total_earned, created_at, updated_at FROM credit_accounts WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&account.ID, &account.UserID, &account.Balance, &account.TotalEarned,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ApplyTransaction commits one signed balance movement as a single database
// transaction: lock the account row, detect idempotent replays, enforce the
// non-negative balance invariant, append the ledger row, update the account.
// Either everything below commits or nothing does.
func (r *PostgresRepository) ApplyTransaction(ctx context.Context, params ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Ensure the account exists, then lock its row. The FOR UPDATE lock is
	// what serializes concurrent mutations of the same account; operations on
	// other accounts proceed in parallel.
	ensureQuery := `
		INSERT INTO credit_accounts (user_id, balance, total_earned)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err = tx.Exec(ctx, ensureQuery, params.UserID); err != nil {
		return nil, false, fmt.Errorf("failed to ensure credit account: %w", err)
	}

	var accountID uuid.UUID
	var balance, totalEarned int64
	lockQuery := `
		SELECT id, balance, total_earned
		FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE
	`
	if err = tx.QueryRow(ctx, lockQuery, params.UserID).Scan(&accountID, &balance, &totalEarned); err != nil {
		return nil, false, fmt.Errorf("failed to lock credit account: %w", err)
	}

	// 2. Idempotency guard. With the account row locked, any prior write with
	// this client request id is visible here, so read-then-write is race-free.
	existing, err := findTransactionByRequestID(ctx, tx, accountID, params.ClientRequestID)
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		if !equivalentRequest(existing, params) {
			return nil, false, ErrClientRequestConflict
		}
		return existing, true, nil
	}

	// 3. Balance precondition, checked against the authoritative locked row,
	// never against anything the client claims to know.
	balanceAfter := balance + params.Amount
	if balanceAfter < 0 {
		return nil, false, ErrInsufficientCredits
	}

	earnedDelta := int64(0)
	if params.CountsTowardEarned && params.Amount > 0 {
		earnedDelta = params.Amount
	}

	metadataJSON, err := marshalMetadata(params.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode transaction metadata: %w", err)
	}

	// 4. Append the ledger row.
	result := &domain.CreditTransaction{
		AccountID:              accountID,
		UserID:                 params.UserID,
		Type:                   params.Type,
		Amount:                 params.Amount,
		BalanceAfter:           balanceAfter,
		SourceType:             params.SourceType,
		VerificationConfidence: params.VerificationConfidence,
		Metadata:               params.Metadata,
		ClientRequestID:        params.ClientRequestID,
		ProofHash:              params.ProofHash,
		SponsorPoolID:          params.SponsorPoolID,
		RedemptionID:           params.RedemptionID,
	}
	insertQuery := `
		INSERT INTO credit_transactions (
			account_id, user_id, type, amount, balance_after, source_type,
			verification_confidence, metadata, client_request_id, proof_hash,
			sponsor_pool_id, redemption_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		accountID, params.UserID, string(params.Type), params.Amount, balanceAfter,
		params.SourceType, params.VerificationConfidence, metadataJSON,
		params.ClientRequestID, params.ProofHash, params.SponsorPoolID, params.RedemptionID,
	).Scan(&result.ID, &result.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent duplicate slipped past the locked read (e.g. a replica
			// promotion mid-flight). The unique constraint is the backstop:
			// surface the original rather than double-applying.
			return r.replayAfterConflict(ctx, accountID, params)
		}
		return nil, false, fmt.Errorf("failed to append credit transaction: %w", err)
	}

	// 5. Update the account inside the same database transaction.
	updateQuery := `
		UPDATE credit_accounts
		SET balance = $1, total_earned = total_earned + $2, updated_at = NOW()
		WHERE id = $3
	`
	if _, err = tx.Exec(ctx, updateQuery, balanceAfter, earnedDelta, accountID); err != nil {
		return nil, false, fmt.Errorf("failed to update credit account: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit credit transaction: %w", err)
	}
	return result, false, nil
}

// replayAfterConflict re-reads the transaction that won a duplicate-insert
// race. The enclosing database transaction is already aborted at this point,
// so the lookup runs on the pool.
func (r *PostgresRepository) replayAfterConflict(ctx context.Context, accountID uuid.UUID, params ApplyTransactionParams) (*domain.CreditTransaction, bool, error) {
	existing, err := r.FindTransactionByClientRequestID(ctx, accountID, params.ClientRequestID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conflicting transaction: %w", err)
	}
	if !equivalentRequest(existing, params) {
		return nil, false, ErrClientRequestConflict
	}
	return existing, true, nil
}

// FindTransactionsByUserID retrieves a page of the user's ledger history,
// newest first. Ties on created_at break by insertion order via seq, so the
// returned order matches the order balance_after was computed in.
func (r *PostgresRepository) FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.CreditTransaction, error) {
	limit, offset := clampListOptions(opts)

	query := `
		SELECT ` + txColumns + `
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.CreditTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// FindTransactionByClientRequestID resolves the transaction a client request
// id produced for an account, if any.
func (r *PostgresRepository) FindTransactionByClientRequestID(ctx context.Context, accountID uuid.UUID, clientRequestID string) (*domain.CreditTransaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM credit_transactions
		WHERE account_id = $1 AND client_request_id = $2
	`
	return scanTransaction(r.db.QueryRow(ctx, query, accountID, clientRequestID))
}

func findTransactionByRequestID(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, clientRequestID string) (*domain.CreditTransaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM credit_transactions
		WHERE account_id = $1 AND client_request_id = $2
	`
	return scanTransaction(tx.QueryRow(ctx, query, accountID, clientRequestID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.CreditTransaction, error) {
	var tx domain.CreditTransaction
	var metadataJSON []byte
	err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.UserID, &tx.Type, &tx.Amount, &tx.BalanceAfter,
		&tx.SourceType, &tx.VerificationConfidence, &metadataJSON, &tx.ClientRequestID,
		&tx.ProofHash, &tx.SponsorPoolID, &tx.RedemptionID, &tx.RelatedTransactionID,
		&tx.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
	}
	return &tx, nil
}

// equivalentRequest decides whether a stored transaction and an incoming
// request are the same logical operation. Type, amount and source type pin it
// down; metadata is an opaque bag the ledger does not interpret, so it does
// not participate.
func equivalentRequest(existing *domain.CreditTransaction, params ApplyTransactionParams) bool {
	return existing.Type == params.Type &&
		existing.Amount == params.Amount &&
		existing.SourceType == params.SourceType
}

// clampListOptions bounds pagination inputs to sane values.
func clampListOptions(opts domain.TransactionListOptions) (limit, offset int) {
	limit = opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsRetryable reports whether a storage error is transient (connection-level)
// and safe to retry without risking a double apply. Constraint and domain
// failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. Class 40: serialization/deadlock
		// rollbacks, which Postgres asks the client to retry.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40")
	}
	return false
}
