// Package ledger holds the durable money state: per-user quota balances and
// an append-only transaction log implementing reserve -> settle/compensate.
// The balance is only ever mutated through a conditional decrement or an
// unconditional increment inside a single sqlite transaction, so concurrent
// reservations can never jointly overdraw an account.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced to the dispatch pipeline.
var (
	// ErrInsufficientQuota means the conditional decrement matched no row:
	// the balance is below the requested amount.
	ErrInsufficientQuota = errors.New("ledger: insufficient quota")
	// ErrNoAccount means the user has no quota row yet.
	ErrNoAccount = errors.New("ledger: account not found")
	// ErrTxnNotFound means the referenced transaction does not exist.
	ErrTxnNotFound = errors.New("ledger: transaction not found")
)

// TxnType classifies a ledger row.
type TxnType string

const (
	TxnBonus  TxnType = "BONUS"
	TxnDebit  TxnType = "DEBIT"
	TxnRefund TxnType = "REFUND"
)

// TxnStatus is the lifecycle state of a row. A DEBIT starts PENDING and is
// flipped exactly once: to SUCCESS on settlement or to COMPENSATED when a
// sibling REFUND row is inserted. REFUND and BONUS rows are born final.
type TxnStatus string

const (
	StatusPending     TxnStatus = "PENDING"
	StatusSuccess     TxnStatus = "SUCCESS"
	StatusRefunded    TxnStatus = "REFUNDED"
	StatusCompensated TxnStatus = "COMPENSATED"
)

// Quota is one user's balance row.
type Quota struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Type         TxnType   `json:"type"`
	Status       TxnStatus `json:"status"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	RelatedID    string    `json:"related_id,omitempty"`
	IdemKey      string    `json:"idem_key,omitempty"`
	ScopeID      string    `json:"scope_id,omitempty"`
	OutcomeRef   string    `json:"outcome_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Reservation is the result of a successful Reserve.
type Reservation struct {
	// ID is the DEBIT transaction id. Empty for zero-amount reservations,
	// which create no row.
	ID string
	// BalanceAfter is the balance the debit left behind.
	BalanceAfter int64
	// Amount is what the debit row recorded. On a replay this is the
	// original amount, which may differ from the caller's current cost.
	Amount int64
	// Replayed is true when an idempotency key matched an existing debit.
	Replayed bool
}

// Store is the sqlite-backed ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and migrates) the ledger database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for sibling stores sharing the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS quotas (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL CHECK(balance >= 0),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_txns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES quotas(user_id),
			type TEXT NOT NULL CHECK(type IN ('BONUS', 'DEBIT', 'REFUND')),
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'SUCCESS', 'REFUNDED', 'COMPENSATED')),
			delta INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			related_id TEXT,
			idem_key TEXT,
			scope_id TEXT NOT NULL DEFAULT '',
			outcome_ref TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idem
			ON ledger_txns(idem_key) WHERE idem_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_txns(user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_pending ON ledger_txns(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_related ON ledger_txns(related_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// EnsureAccount creates the quota row for userID on first reference, seeding
// it with a one-time bonus transaction. Existing accounts are returned as-is.
func (s *Store) EnsureAccount(ctx context.Context, userID string, bonus int64) (Quota, error) {
	var quota Quota
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ensure account tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO quotas (user_id, balance, created_at, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(user_id) DO NOTHING;
		`, userID, bonus)
		if err != nil {
			return fmt.Errorf("insert quota: %w", err)
		}
		created, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("quota rows affected: %w", err)
		}
		if created == 1 && bonus > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_txns (id, user_id, type, status, delta, balance_after, scope_id)
				VALUES (?, ?, ?, ?, ?, ?, 'signup');
			`, uuid.NewString(), userID, TxnBonus, StatusSuccess, bonus, bonus); err != nil {
				return fmt.Errorf("insert bonus txn: %w", err)
			}
			if s.logger != nil {
				s.logger.Info("account created with signup bonus", "user_id", userID, "bonus", bonus)
			}
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT user_id, balance, created_at, updated_at FROM quotas WHERE user_id = ?;
		`, userID).Scan(&quota.UserID, &quota.Balance, &quota.CreatedAt, &quota.UpdatedAt); err != nil {
			return fmt.Errorf("select quota: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Quota{}, err
	}
	return quota, nil
}

// Reserve conditionally debits amount from userID's balance and records a
// PENDING DEBIT in the same transaction. When idemKey matches an existing
// row the original reservation is returned without re-debiting. A zero
// amount is a no-op success used for free-tier tasks.
func (s *Store) Reserve(ctx context.Context, userID string, amount int64, scope, idemKey string) (Reservation, error) {
	if amount < 0 {
		return Reservation{}, fmt.Errorf("ledger: negative reserve amount %d", amount)
	}
	if amount == 0 {
		balance, err := s.Balance(ctx, userID)
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{BalanceAfter: balance}, nil
	}

	var out Reservation
	err := retryOnBusy(ctx, 5, func() error {
		out = Reservation{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reserve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if idemKey != "" {
			var id string
			var balanceAfter, delta int64
			err := tx.QueryRowContext(ctx, `
				SELECT id, balance_after, delta FROM ledger_txns WHERE idem_key = ?;
			`, idemKey).Scan(&id, &balanceAfter, &delta)
			switch {
			case err == nil:
				out = Reservation{ID: id, BalanceAfter: balanceAfter, Amount: -delta, Replayed: true}
				return tx.Commit()
			case errors.Is(err, sql.ErrNoRows):
				// First sight of this key, fall through to the debit.
			default:
				return fmt.Errorf("lookup idem key: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE quotas
			SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND balance >= ?;
		`, amount, userID, amount)
		if err != nil {
			return fmt.Errorf("conditional debit: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("debit rows affected: %w", err)
		}
		if affected == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM quotas WHERE user_id = ?;`, userID).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNoAccount
				}
				return fmt.Errorf("check account: %w", err)
			}
			return ErrInsufficientQuota
		}

		var balanceAfter int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM quotas WHERE user_id = ?;`, userID).Scan(&balanceAfter); err != nil {
			return fmt.Errorf("read balance after debit: %w", err)
		}

		id := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_txns (id, user_id, type, status, delta, balance_after, idem_key, scope_id)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?);
		`, id, userID, TxnDebit, StatusPending, -amount, balanceAfter, idemKey, scope)
		if err != nil {
			if isUniqueViolation(err) {
				// Lost a race on the idem key: the winner's debit stands.
				return errIdemRace
			}
			return fmt.Errorf("insert debit txn: %w", err)
		}

		out = Reservation{ID: id, BalanceAfter: balanceAfter, Amount: amount}
		return tx.Commit()
	})
	if errors.Is(err, errIdemRace) {
		return s.lookupByIdemKey(ctx, idemKey)
	}
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

var errIdemRace = errors.New("ledger: concurrent idempotent reserve")

func (s *Store) lookupByIdemKey(ctx context.Context, idemKey string) (Reservation, error) {
	var id string
	var balanceAfter, delta int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance_after, delta FROM ledger_txns WHERE idem_key = ?;
	`, idemKey).Scan(&id, &balanceAfter, &delta)
	if err != nil {
		return Reservation{}, fmt.Errorf("lookup idem key after race: %w", err)
	}
	return Reservation{ID: id, BalanceAfter: balanceAfter, Amount: -delta, Replayed: true}, nil
}

// Settle flips a PENDING debit to SUCCESS. Settling an already-settled debit
// is a no-op so the terminal-outcome path can be retried safely.
func (s *Store) Settle(ctx context.Context, debitID, outcomeRef string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE ledger_txns
			SET status = ?, outcome_ref = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND type = ? AND status = ?;
		`, StatusSuccess, outcomeRef, debitID, TxnDebit, StatusPending)
		if err != nil {
			return fmt.Errorf("settle debit: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("settle rows affected: %w", err)
		}
		if affected == 1 {
			return nil
		}

		var status TxnStatus
		err = s.db.QueryRowContext(ctx, `
			SELECT status FROM ledger_txns WHERE id = ? AND type = ?;
		`, debitID, TxnDebit).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("settle %s: %w", debitID, ErrTxnNotFound)
		}
		if err != nil {
			return fmt.Errorf("check debit status: %w", err)
		}
		if status == StatusSuccess {
			return nil // already settled
		}
		return fmt.Errorf("settle %s: debit is %s, not PENDING", debitID, status)
	})
}

// Compensate refunds a reserved amount after a failed task: the balance is
// incremented and a REFUND row linked to the originating debit is inserted,
// atomically. The original debit is flipped PENDING -> COMPENSATED in the
// same transaction, so a second Compensate for the same debit returns the
// existing refund instead of double-crediting.
func (s *Store) Compensate(ctx context.Context, userID string, amount int64, relatedDebitID, scope string) (Transaction, error) {
	if amount < 0 {
		return Transaction{}, fmt.Errorf("ledger: negative refund amount %d", amount)
	}

	var out Transaction
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin compensate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_txns
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND type = ? AND status = ?;
		`, StatusCompensated, relatedDebitID, TxnDebit, StatusPending)
		if err != nil {
			return fmt.Errorf("mark debit compensated: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("compensate rows affected: %w", err)
		}
		if affected == 0 {
			// Not PENDING anymore: either already compensated (return the
			// sibling refund) or settled/missing (caller bug).
			existing, err := s.refundForDebitTx(ctx, tx, relatedDebitID)
			if err != nil {
				return err
			}
			out = existing
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE quotas SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;
		`, amount, userID); err != nil {
			return fmt.Errorf("credit refund: %w", err)
		}

		var balanceAfter int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM quotas WHERE user_id = ?;`, userID).Scan(&balanceAfter); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoAccount
			}
			return fmt.Errorf("read balance after refund: %w", err)
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_txns (id, user_id, type, status, delta, balance_after, related_id, scope_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, id, userID, TxnRefund, StatusRefunded, amount, balanceAfter, relatedDebitID, scope); err != nil {
			return fmt.Errorf("insert refund txn: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit compensate tx: %w", err)
		}
		out = Transaction{
			ID:           id,
			UserID:       userID,
			Type:         TxnRefund,
			Status:       StatusRefunded,
			Delta:        amount,
			BalanceAfter: balanceAfter,
			RelatedID:    relatedDebitID,
			ScopeID:      scope,
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

func (s *Store) refundForDebitTx(ctx context.Context, tx *sql.Tx, debitID string) (Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, type, status, delta, balance_after,
			COALESCE(related_id, ''), COALESCE(idem_key, ''), scope_id,
			COALESCE(outcome_ref, ''), created_at, updated_at
		FROM ledger_txns WHERE related_id = ? AND type = ?;
	`, debitID, TxnRefund)
	txn, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("compensate %s: debit not compensable and no refund exists: %w", debitID, ErrTxnNotFound)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("lookup existing refund: %w", err)
	}
	return txn, nil
}

// AddBonus credits amount to an existing account and records a BONUS row.
func (s *Store) AddBonus(ctx context.Context, userID string, amount int64) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("ledger: bonus amount must be positive, got %d", amount)
	}

	var out Transaction
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bonus tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE quotas SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;
		`, amount, userID)
		if err != nil {
			return fmt.Errorf("credit bonus: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("bonus rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNoAccount
		}

		var balanceAfter int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM quotas WHERE user_id = ?;`, userID).Scan(&balanceAfter); err != nil {
			return fmt.Errorf("read balance after bonus: %w", err)
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_txns (id, user_id, type, status, delta, balance_after, scope_id)
			VALUES (?, ?, ?, ?, ?, ?, 'bonus');
		`, id, userID, TxnBonus, StatusSuccess, amount, balanceAfter); err != nil {
			return fmt.Errorf("insert bonus txn: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit bonus tx: %w", err)
		}
		out = Transaction{
			ID: id, UserID: userID, Type: TxnBonus, Status: StatusSuccess,
			Delta: amount, BalanceAfter: balanceAfter, ScopeID: "bonus",
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// Balance returns the current balance for userID.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM quotas WHERE user_id = ?;`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoAccount
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Transaction returns one ledger row by id.
func (s *Store) Transaction(ctx context.Context, id string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, status, delta, balance_after,
			COALESCE(related_id, ''), COALESCE(idem_key, ''), scope_id,
			COALESCE(outcome_ref, ''), created_at, updated_at
		FROM ledger_txns WHERE id = ?;
	`, id)
	txn, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrTxnNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("select txn: %w", err)
	}
	return txn, nil
}

// Transactions lists userID's most recent ledger rows, newest first.
func (s *Store) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, status, delta, balance_after,
			COALESCE(related_id, ''), COALESCE(idem_key, ''), scope_id,
			COALESCE(outcome_ref, ''), created_at, updated_at
		FROM ledger_txns
		WHERE user_id = ?
		ORDER BY rowid DESC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query txns: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan txn: %w", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txn rows: %w", err)
	}
	return out, nil
}

// StalePendingDebits returns PENDING debits created before cutoff. The
// watchdog compensates these: a debit still PENDING long after its task
// should have finished means the executor never reported a terminal outcome.
func (s *Store) StalePendingDebits(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, status, delta, balance_after,
			COALESCE(related_id, ''), COALESCE(idem_key, ''), scope_id,
			COALESCE(outcome_ref, ''), created_at, updated_at
		FROM ledger_txns
		WHERE type = ? AND status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?;
	`, TxnDebit, StatusPending, cutoff.UTC().Format("2006-01-02 15:04:05"), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale debits: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stale debit: %w", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale debit rows: %w", err)
	}
	return out, nil
}

// ExpireStaleDebits compensates every PENDING debit older than olderThan and
// returns how many were refunded. A debit this old means its task never
// reported a terminal outcome; the user gets the reserved amount back.
func (s *Store) ExpireStaleDebits(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.StalePendingDebits(ctx, time.Now().Add(-olderThan), 100)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, debit := range stale {
		amount := -debit.Delta
		if amount <= 0 {
			continue
		}
		if _, err := s.Compensate(ctx, debit.UserID, amount, debit.ID, debit.ScopeID); err != nil {
			return refunded, fmt.Errorf("expire debit %s: %w", debit.ID, err)
		}
		refunded++
		if s.logger != nil {
			s.logger.Warn("compensated stale pending debit",
				"debit_id", debit.ID, "user_id", debit.UserID,
				"amount", amount, "age", time.Since(debit.CreatedAt).Round(time.Second))
		}
	}
	return refunded, nil
}

func scanTransaction(scanFn func(dest ...any) error) (Transaction, error) {
	var txn Transaction
	err := scanFn(
		&txn.ID,
		&txn.UserID,
		&txn.Type,
		&txn.Status,
		&txn.Delta,
		&txn.BalanceAfter,
		&txn.RelatedID,
		&txn.IdemKey,
		&txn.ScopeID,
		&txn.OutcomeRef,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	return txn, err
}
