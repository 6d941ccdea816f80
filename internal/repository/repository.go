package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"regpay/backend/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrMissingRegID = errors.New("registration id is required")

// Repository is the durable transaction store. One jsonb record per
// registration id; callers own the read-merge-write cycle (the store
// performs no merging and takes no locks).
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetRegistration returns the last persisted record for the id, or an
// empty record when none exists. "Not found" is never an error on this
// path: the browser-return handler polls before the webhook may have
// written anything.
func (r *Repository) GetRegistration(ctx context.Context, regID string) (models.Registration, error) {
	regID = strings.TrimSpace(regID)
	if regID == "" {
		return models.Registration{}, ErrMissingRegID
	}
	var raw []byte
	err := r.pool.QueryRow(ctx, `
SELECT data
FROM registrations
WHERE reg_id = $1;`, regID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Registration{}, nil
		}
		return models.Registration{}, err
	}
	var out models.Registration
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Registration{}, err
	}
	return out, nil
}

// PutRegistration atomically replaces the record for the id, creating
// it when absent. Callers merge before writing.
func (r *Repository) PutRegistration(ctx context.Context, regID string, record models.Registration) error {
	regID = strings.TrimSpace(regID)
	if regID == "" {
		return ErrMissingRegID
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO registrations (reg_id, data)
VALUES ($1, $2::jsonb)
ON CONFLICT (reg_id)
DO UPDATE SET
	data = EXCLUDED.data,
	updated_at = now();`, regID, raw)
	return err
}

// ClaimInvoice records that an invoice is being issued for the gateway
// transaction id. The first caller per id wins; redelivered webhooks
// see false and skip document creation.
func (r *Repository) ClaimInvoice(ctx context.Context, transactionID, regID string) (bool, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return false, errors.New("transaction id is required")
	}
	cmd, err := r.pool.Exec(ctx, `
INSERT INTO invoice_claims (transaction_id, reg_id)
VALUES ($1, $2)
ON CONFLICT (transaction_id) DO NOTHING;`, transactionID, strings.TrimSpace(regID))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}
