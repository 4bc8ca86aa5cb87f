package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the party does not exist.
	ErrNotFound = errors.New("party: not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("party: email already exists")
)

// Repository handles data access for parties.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Party, error)
	GetByEmail(ctx context.Context, email string) (Party, error)
	GetByID(ctx context.Context, partyID string) (Party, error)
}

// CreateParams contains write parameters for creating parties. An empty ID
// defers to the database default.
type CreateParams struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed party repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const partyColumns = `id::text, email, full_name, password_hash, created_at, updated_at`

// Create inserts a new party with hashed password.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Party, error) {
	const insertSQL = `
		INSERT INTO parties (id, email, full_name, password_hash)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4)
		RETURNING ` + partyColumns

	p, err := scanParty(r.pool.QueryRow(ctx, insertSQL, params.ID, params.Email, params.FullName, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Party{}, ErrDuplicateEmail
		}
		return Party{}, fmt.Errorf("party: create: %w", err)
	}
	return p, nil
}

// GetByEmail retrieves a party by email address.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Party, error) {
	const selectSQL = `SELECT ` + partyColumns + ` FROM parties WHERE email = $1`

	p, err := scanParty(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("party: get by email: %w", err)
	}
	return p, nil
}

// GetByID retrieves a party by ID.
func (r *PGRepository) GetByID(ctx context.Context, partyID string) (Party, error) {
	const selectSQL = `SELECT ` + partyColumns + ` FROM parties WHERE id = $1`

	p, err := scanParty(r.pool.QueryRow(ctx, selectSQL, partyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("party: get by id: %w", err)
	}
	return p, nil
}

func scanParty(row pgx.Row) (Party, error) {
	var p Party
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FullName,
		&p.PasswordHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
