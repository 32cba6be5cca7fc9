package registry

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateIdentity(ctx context.Context, identity *Identity) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO identities (address, name, score, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, updated_at
	`, identity.Address, identity.Name, identity.Score).Scan(&identity.CreatedAt, &identity.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrIdentityExists
	}
	return err
}

func (p *PostgresStore) GetIdentity(ctx context.Context, address string) (*Identity, error) {
	identity := &Identity{}
	err := p.db.QueryRowContext(ctx, `
		SELECT address, name, score, created_at, updated_at
		FROM identities WHERE address = $1
	`, address).Scan(&identity.Address, &identity.Name, &identity.Score, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// AdjustScore updates the row only when the result stays in bounds, then
// records the change in the same transaction.
func (p *PostgresStore) AdjustScore(ctx context.Context, address string, delta int64) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var score int64
	err = tx.QueryRowContext(ctx, `
		UPDATE identities SET score = score + $2, updated_at = NOW()
		WHERE address = $1 AND score + $2 BETWEEN $3 AND $4
		RETURNING score
	`, address, delta, MinScore, MaxScore).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM identities WHERE address = $1)`, address,
		).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, ErrIdentityNotFound
		}
		return 0, ErrReputationOverflow
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_changes (address, delta, score, created_at)
		VALUES ($1, $2, $3, NOW())
	`, address, delta, score); err != nil {
		return 0, err
	}
	return score, tx.Commit()
}

func (p *PostgresStore) ScoreHistory(ctx context.Context, address string, limit int) ([]*ScoreChange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, delta, score, created_at
		FROM reputation_changes
		WHERE address = $1
		ORDER BY id DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ScoreChange
	for rows.Next() {
		var (
			c  ScoreChange
			id int64
		)
		if err := rows.Scan(&id, &c.Address, &c.Delta, &c.Score, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ID = uint64(id)
		result = append(result, &c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) TopIdentities(ctx context.Context, limit int) ([]*Identity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, name, score, created_at, updated_at
		FROM identities
		ORDER BY score DESC, address
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Identity
	for rows.Next() {
		identity := &Identity{}
		if err := rows.Scan(&identity.Address, &identity.Name, &identity.Score, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, identity)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateListing(ctx context.Context, listing *Listing) error {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO listings (owner, title, description, price, active, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,0), $5, NOW())
		RETURNING id, created_at
	`, listing.Owner, listing.Title, listing.Description, strconv.FormatUint(listing.Price, 10), listing.Active,
	).Scan(&id, &listing.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return err
	}
	listing.ID = uint64(id)
	return nil
}

const listingColumns = `id, owner, title, COALESCE(description, ''), price, active, created_at`

func (p *PostgresStore) GetListing(ctx context.Context, id uint64) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, int64(id))
	listing, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	return listing, err
}

func (p *PostgresStore) SetListingActive(ctx context.Context, id uint64, active bool) error {
	result, err := p.db.ExecContext(ctx, `UPDATE listings SET active = $2 WHERE id = $1`, int64(id), active)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) ListListings(ctx context.Context, owner string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE $1 = '' OR owner = $1
		ORDER BY id DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, listing)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row scanner) (*Listing, error) {
	var (
		l     Listing
		id    int64
		price string
	)
	if err := row.Scan(&id, &l.Owner, &l.Title, &l.Description, &price, &l.Active, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.ID = uint64(id)
	v, err := strconv.ParseUint(price, 10, 64)
	if err != nil {
		return nil, err
	}
	l.Price = v
	return &l, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
