package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Amounts are NUMERIC(20,0)
// columns bounded to the uint64 range by CHECK constraints.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves an account's balance
func (p *PostgresStore) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	var available, totalIn, totalOut string
	bal := &Balance{Address: addr}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM ledger_balances WHERE address = $1
	`, addr).Scan(&available, &totalIn, &totalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}

	if bal.Available, err = parseAmount(available); err != nil {
		return nil, err
	}
	if bal.TotalIn, err = parseAmount(totalIn); err != nil {
		return nil, err
	}
	if bal.TotalOut, err = parseAmount(totalOut); err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds deposited funds to an account.
func (p *PostgresStore) Credit(ctx context.Context, addr string, amount uint64, txHash, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditTx(ctx, tx, addr, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, addr, EntryDeposit, amount, txHash, "", description); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDeposit
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDeposit
		}
		return err
	}
	return nil
}

// Withdraw removes available funds from an account.
func (p *PostgresStore) Withdraw(ctx context.Context, addr string, amount uint64, txHash string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitTx(ctx, tx, addr, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, addr, EntryWithdrawal, amount, txHash, "", "withdrawal"); err != nil {
		return err
	}
	return tx.Commit()
}

// Lock debits the account and credits custody in one transaction.
func (p *PostgresStore) Lock(ctx context.Context, addr string, amount uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitTx(ctx, tx, addr, amount); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_custody (id, balance, updated_at)
		VALUES (1, $1::NUMERIC(20,0), NOW())
		ON CONFLICT (id) DO UPDATE SET
			balance    = ledger_custody.balance + $1::NUMERIC(20,0),
			updated_at = NOW()
	`, formatAmount(amount))
	if err != nil {
		if isCheckViolation(err) {
			return ErrOverflow
		}
		return fmt.Errorf("failed to update custody: %w", err)
	}
	if err := insertEntry(ctx, tx, addr, EntryLock, amount, "", reference, "escrow_lock"); err != nil {
		return err
	}
	return tx.Commit()
}

// Release debits custody and credits the account in one transaction.
func (p *PostgresStore) Release(ctx context.Context, addr string, amount uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_custody SET
			balance    = balance - $1::NUMERIC(20,0),
			updated_at = NOW()
		WHERE id = 1 AND balance >= $1::NUMERIC(20,0)
	`, formatAmount(amount))
	if err != nil {
		return fmt.Errorf("failed to update custody: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return ErrInsufficientCustody
	}

	if err := creditTx(ctx, tx, addr, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, addr, EntryRelease, amount, "", reference, "escrow_release"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CustodyBalance(ctx context.Context) (uint64, error) {
	var balance string
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT balance FROM ledger_custody WHERE id = 1), 0)::TEXT`,
	).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return parseAmount(balance)
}

// GetHistory retrieves ledger entries for an account, newest first.
func (p *PostgresStore) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount, COALESCE(tx_hash, ''), COALESCE(reference, ''),
		       COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE address = $1
		ORDER BY id DESC
		LIMIT $2
	`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var (
			e      Entry
			id     int64
			amount string
		)
		if err := rows.Scan(&id, &e.Address, &e.Type, &amount, &e.TxHash, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = uint64(id)
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// HasDeposit checks if a deposit has been processed
func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE tx_hash = $1 AND type = 'deposit')
	`, txHash).Scan(&exists)
	return exists, err
}

// Totals sums deposits, withdrawals, available balances and custody.
func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	var deposits, withdrawals, available, custody string
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE type = 'deposit'), 0)::TEXT,
			COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE type = 'withdrawal'), 0)::TEXT,
			COALESCE((SELECT SUM(available) FROM ledger_balances), 0)::TEXT,
			COALESCE((SELECT balance FROM ledger_custody WHERE id = 1), 0)::TEXT
	`).Scan(&deposits, &withdrawals, &available, &custody)
	if err != nil {
		return nil, err
	}

	var t Totals
	for _, f := range []struct {
		dst *uint64
		src string
	}{
		{&t.Deposits, deposits},
		{&t.Withdrawals, withdrawals},
		{&t.Available, available},
		{&t.Custody, custody},
	} {
		if *f.dst, err = parseAmount(f.src); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func creditTx(ctx context.Context, tx execer, addr string, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (address, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,0), $2::NUMERIC(20,0), NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = ledger_balances.available + $2::NUMERIC(20,0),
			total_in   = ledger_balances.total_in  + $2::NUMERIC(20,0),
			updated_at = NOW()
	`, addr, formatAmount(amount))
	if err != nil {
		if isCheckViolation(err) {
			return ErrOverflow
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

// debitTx relies on the row lock taken by UPDATE; the WHERE clause keeps
// available from going negative.
func debitTx(ctx context.Context, tx execer, addr string, amount uint64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2::NUMERIC(20,0),
			total_out  = total_out + $2::NUMERIC(20,0),
			updated_at = NOW()
		WHERE address = $1 AND available >= $2::NUMERIC(20,0)
	`, addr, formatAmount(amount))
	if err != nil {
		if isCheckViolation(err) {
			return ErrOverflow
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func insertEntry(ctx context.Context, tx execer, addr, typ string, amount uint64, txHash, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (address, type, amount, tx_hash, reference, description, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,0), $4, $5, $6, NOW())
	`, addr, typ, formatAmount(amount), nullString(txHash), nullString(reference), description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// isCheckViolation reports whether err is a CHECK constraint failure, which
// here means a uint64 bound was crossed.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

// isUniqueViolation reports whether err is a unique index failure, which on
// ledger_entries means the deposit tx hash was already credited.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
