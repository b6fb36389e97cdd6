package keys

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists key records in the api_keys table.
type PostgresStore struct {
	conn *sql.DB
}

func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{conn: conn}
}

const recordColumns = `
	id, owner_id, name, key_hash, key_prefix, scopes, state, created_at,
	expires_at, grace_until, replaced_by_key_id, rotated_from_id,
	was_compromised, last_used_at
`

func (s *PostgresStore) GetByHash(ctx context.Context, keyHash string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE key_hash = $1`
	return s.scanOne(s.conn.QueryRowContext(ctx, query, keyHash))
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE id = $1`
	return s.scanOne(s.conn.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO api_keys (
			id, owner_id, name, key_hash, key_prefix, scopes, state, created_at,
			expires_at, grace_until, replaced_by_key_id, rotated_from_id,
			was_compromised, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			scopes = EXCLUDED.scopes,
			state = EXCLUDED.state,
			expires_at = EXCLUDED.expires_at,
			grace_until = EXCLUDED.grace_until,
			replaced_by_key_id = EXCLUDED.replaced_by_key_id,
			was_compromised = EXCLUDED.was_compromised,
			last_used_at = EXCLUDED.last_used_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.OwnerID,
		rec.Name,
		rec.KeyHash,
		rec.Prefix,
		pq.Array(rec.Scopes),
		string(rec.State),
		rec.CreatedAt,
		rec.ExpiresAt,
		rec.GraceUntil,
		rec.ReplacedByKeyID,
		rec.RotatedFromID,
		rec.WasCompromised,
		rec.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("put key record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := s.conn.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list key records: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + ` FROM api_keys
		WHERE state IN ('active', 'grace_period')
		  AND (
			(state = 'grace_period' AND grace_until IS NOT NULL AND grace_until < $1)
			OR (expires_at IS NOT NULL AND expires_at < $1)
		  )
	`
	rows, err := s.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list expirable key records: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanOne(row rowScanner) (*Record, error) {
	var rec Record
	var state string
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Name,
		&rec.KeyHash,
		&rec.Prefix,
		pq.Array(&rec.Scopes),
		&state,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.GraceUntil,
		&rec.ReplacedByKeyID,
		&rec.RotatedFromID,
		&rec.WasCompromised,
		&rec.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan key record: %w", err)
	}
	rec.State = State(state)
	return &rec, nil
}

func (s *PostgresStore) scanAll(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
