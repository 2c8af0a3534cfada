package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.DeviceBindingRepository = (*DeviceBindingRepo)(nil)

const (
	getDeviceBindingSQL = `
SELECT user_id, jid, created_at, updated_at
FROM device_bindings
WHERE user_id = $1`

	upsertDeviceBindingSQL = `
INSERT INTO device_bindings (user_id, jid)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET jid = EXCLUDED.jid, updated_at = NOW()`

	deleteDeviceBindingSQL = `DELETE FROM device_bindings WHERE user_id = $1`
)

// DeviceBindingRepo persists which whatsmeow device each user key paired.
type DeviceBindingRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceBindingRepo(pool *pgxpool.Pool) *DeviceBindingRepo {
	return &DeviceBindingRepo{pool: pool}
}

func (r *DeviceBindingRepo) Get(ctx context.Context, userID string) (*domain.DeviceBinding, error) {
	var b domain.DeviceBinding
	err := r.pool.QueryRow(ctx, getDeviceBindingSQL, userID).Scan(&b.UserID, &b.DeviceJID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDeviceNotBound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device binding: %w", err)
	}
	return &b, nil
}

func (r *DeviceBindingRepo) Upsert(ctx context.Context, userID, deviceJID string) error {
	if _, err := r.pool.Exec(ctx, upsertDeviceBindingSQL, userID, deviceJID); err != nil {
		return fmt.Errorf("failed to upsert device binding: %w", err)
	}
	return nil
}

// Delete removes the binding; deleting an absent binding is not an error.
func (r *DeviceBindingRepo) Delete(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, deleteDeviceBindingSQL, userID); err != nil {
		return fmt.Errorf("failed to delete device binding: %w", err)
	}
	return nil
}
