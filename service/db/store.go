package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/planwallet/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the payments table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS payments (
    id                   TEXT PRIMARY KEY,
    address              TEXT NOT NULL,
    network              TEXT NOT NULL,
    plan_type            TEXT NOT NULL,
    price_lamports       BIGINT NOT NULL,
    blockhash            TEXT NOT NULL DEFAULT '',
    signature            TEXT,
    status               TEXT NOT NULL,
    attempts             INTEGER NOT NULL DEFAULT 0,
    failure_stage        TEXT,
    failure_reason       TEXT,
    chain_unknown        BOOLEAN NOT NULL DEFAULT FALSE,
    registration         TEXT NOT NULL DEFAULT 'none',
    registration_message TEXT,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS payments_address_network_idx ON payments (address, network, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS payments_signature_idx ON payments (signature) WHERE signature IS NOT NULL;
`

const paymentColumns = `id, address, network, plan_type, price_lamports, blockhash, signature, status,
    attempts, failure_stage, failure_reason, chain_unknown, registration, registration_message,
    created_at, updated_at`

// Store is the Postgres payment journal.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Migrate creates the journal schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SavePayment inserts p or updates the existing row with the same ID.
func (s *Store) SavePayment(ctx context.Context, p *Payment) (err error) {
	defer s.observe("save_payment", time.Now(), &err)

	const q = `
INSERT INTO payments (` + paymentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET
    blockhash = EXCLUDED.blockhash,
    signature = EXCLUDED.signature,
    status = EXCLUDED.status,
    attempts = EXCLUDED.attempts,
    failure_stage = EXCLUDED.failure_stage,
    failure_reason = EXCLUDED.failure_reason,
    chain_unknown = EXCLUDED.chain_unknown,
    registration = EXCLUDED.registration,
    registration_message = EXCLUDED.registration_message,
    updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Registration == "" {
		p.Registration = RegistrationNone
	}

	_, err = s.pool.Exec(ctx, q,
		p.ID, p.Address, p.Network, p.PlanType, p.PriceLamports, p.Blockhash, p.Signature, p.Status,
		p.Attempts, p.FailureStage, p.FailureReason, p.ChainUnknown, p.Registration, p.RegistrationMessage,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", p.ID, err)
	}
	return nil
}

// GetPayment returns the payment with id, or ErrPaymentNotFound.
func (s *Store) GetPayment(ctx context.Context, id string) (p *Payment, err error) {
	defer s.observe("get_payment", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err = scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %s: %w", id, err)
	}
	return p, nil
}

// ListPayments returns the most recent attempts for an address, newest first.
func (s *Store) ListPayments(ctx context.Context, address, network string, limit int32) (ps []*Payment, err error) {
	defer s.observe("list_payments", time.Now(), &err)

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+`
FROM payments
WHERE address = $1 AND network = $2
ORDER BY created_at DESC
LIMIT $3`, address, network, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return collectPayments(rows)
}

// ListUnresolved returns attempts that may have charged the payer without a
// successful registration, oldest first.
func (s *Store) ListUnresolved(ctx context.Context, address, network string) (ps []*Payment, err error) {
	defer s.observe("list_unresolved", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+`
FROM payments
WHERE address = $1 AND network = $2 AND (
    status = 'submitted'
    OR (status = 'failed' AND chain_unknown)
    OR (status = 'confirmed' AND registration IN ('none', 'unavailable'))
)
ORDER BY created_at ASC`, address, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved payments: %w", err)
	}
	return collectPayments(rows)
}

func (s *Store) observe(operation string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, "payments", time.Since(start).Seconds(), *err)
	}
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.Address, &p.Network, &p.PlanType, &p.PriceLamports, &p.Blockhash, &p.Signature, &p.Status,
		&p.Attempts, &p.FailureStage, &p.FailureReason, &p.ChainUnknown, &p.Registration, &p.RegistrationMessage,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return out, nil
}
