package domain

import (
	"context"
	"time"
)

// DeviceBinding links a caller-supplied user key to the network device it paired, so a
// restarted process can reconnect without showing a new QR code.
type DeviceBinding struct {
	UserID    string
	DeviceJID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeviceBindingRepository interface {
	Get(ctx context.Context, userID string) (*DeviceBinding, error)
	Upsert(ctx context.Context, userID, deviceJID string) error
	Delete(ctx context.Context, userID string) error
}
