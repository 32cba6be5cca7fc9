package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create claims the next counter value and inserts the escrow and its
// metadata in one transaction.
func (p *PostgresStore) Create(ctx context.Context, e *Escrow, meta *Metadata) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_id FROM escrow_counter WHERE id = 1 FOR UPDATE`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if uint64(last)+1 != e.ID {
		return fmt.Errorf("%w: %d (last %d)", ErrIDConflict, e.ID, last)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_counter (id, last_id) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_id = EXCLUDED.last_id`,
		int64(e.ID),
	); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, seller, buyer, amount, fee, start_height, duration,
			state, listing_id, confirmed_by_1, confirmed_by_2, refund_amount,
			resolution, settled_height, created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,0), $5::NUMERIC(20,0), $6, $7,
			$8, $9, $10, $11, $12::NUMERIC(20,0),
			$13, $14, $15, $16, $17
		)`,
		int64(e.ID), e.Seller, e.Buyer, formatUint(e.Amount), formatUint(e.Fee),
		int64(e.StartHeight), int64(e.Duration),
		string(e.State), int64(e.ListingID),
		nullString(e.Confirmations[0]), nullString(e.Confirmations[1]), formatUint(e.RefundAmount),
		nullString(string(e.Resolution)), int64(e.SettledHeight),
		e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	if err != nil {
		return err
	}

	md := Metadata{}
	if meta != nil {
		md = *meta
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO escrow_metadata (escrow_id, description, terms) VALUES ($1, $2, $3)`,
		int64(e.ID), md.Description, md.Terms,
	); err != nil {
		return err
	}

	return tx.Commit()
}

const escrowColumns = `id, seller, buyer, amount, fee, start_height, duration,
		       state, listing_id, confirmed_by_1, confirmed_by_2, refund_amount,
		       resolution, settled_height, created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, int64(id))

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetMetadata(ctx context.Context, id uint64) (*Metadata, error) {
	var md Metadata
	err := p.db.QueryRowContext(ctx,
		`SELECT description, terms FROM escrow_metadata WHERE escrow_id = $1`, int64(id),
	).Scan(&md.Description, &md.Terms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &md, nil
}

// Update writes the mutable columns. Parties, amounts, fee, start height,
// duration and listing are never rewritten.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, confirmed_by_1 = $2, confirmed_by_2 = $3,
			refund_amount = $4::NUMERIC(20,0), resolution = $5, settled_height = $6,
			updated_at = $7, resolved_at = $8
		WHERE id = $9`,
		string(e.State), nullString(e.Confirmations[0]), nullString(e.Confirmations[1]),
		formatUint(e.RefundAmount), nullString(string(e.Resolution)), int64(e.SettledHeight),
		e.UpdatedAt, nullTime(e.ResolvedAt),
		int64(e.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) LastID(ctx context.Context) (uint64, error) {
	var last int64
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(last_id), 0) FROM escrow_counter`).Scan(&last); err != nil {
		return 0, err
	}
	return uint64(last), nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer = $1 OR seller = $1
		ORDER BY id DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListTimedOut(ctx context.Context, height uint64, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = 'active'
		  AND $1 > start_height
		  AND $1 - start_height > duration
		ORDER BY id
		LIMIT $2`, int64(height), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	var (
		e                                  Escrow
		id, startHeight, duration, listing int64
		settledHeight                      int64
		amount, fee, refund                string
		state                              string
		confirmed1, confirmed2, resolution sql.NullString
		resolvedAt                         sql.NullTime
	)
	err := row.Scan(
		&id, &e.Seller, &e.Buyer, &amount, &fee, &startHeight, &duration,
		&state, &listing, &confirmed1, &confirmed2, &refund,
		&resolution, &settledHeight, &e.CreatedAt, &e.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID = uint64(id)
	e.StartHeight = uint64(startHeight)
	e.Duration = uint64(duration)
	e.ListingID = uint64(listing)
	e.SettledHeight = uint64(settledHeight)
	e.State = State(state)
	e.Resolution = Resolution(resolution.String)
	e.Confirmations = Confirmations{confirmed1.String, confirmed2.String}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	if e.Amount, err = parseUint(amount); err != nil {
		return nil, fmt.Errorf("escrow %d amount: %w", id, err)
	}
	if e.Fee, err = parseUint(fee); err != nil {
		return nil, fmt.Errorf("escrow %d fee: %w", id, err)
	}
	if e.RefundAmount, err = parseUint(refund); err != nil {
		return nil, fmt.Errorf("escrow %d refund: %w", id, err)
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
