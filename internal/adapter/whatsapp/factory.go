package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
)

var _ domain.ClientFactory = (*Factory)(nil)

// NewContainer opens the whatsmeow device store on the shared pgx pool and applies its
// schema upgrades.
func NewContainer(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger, level slog.Level) (*sqlstore.Container, error) {
	db := stdlib.OpenDBFromPool(pool)
	container := sqlstore.NewWithDB(db, "postgres", NewLogger(log, level).Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade whatsmeow store: %w", err)
	}
	return container, nil
}

// deviceStore is the part of *sqlstore.Container the factory needs.
type deviceStore interface {
	GetDevice(ctx context.Context, jid types.JID) (*store.Device, error)
	NewDevice() *store.Device
}

// Factory builds whatsmeow clients, reusing the device a user paired before when a
// binding exists.
type Factory struct {
	devices  deviceStore
	bindings domain.DeviceBindingRepository
	log      *slog.Logger
	level    slog.Level
}

func NewFactory(devices *sqlstore.Container, bindings domain.DeviceBindingRepository, log *slog.Logger, level slog.Level) *Factory {
	return &Factory{devices: devices, bindings: bindings, log: log, level: level}
}

func (f *Factory) NewClient(ctx context.Context, userID string, sink domain.EventSink) (domain.AutomationClient, error) {
	device, err := f.device(ctx, userID)
	if err != nil {
		return nil, err
	}

	log := f.log.With("user_id", userID)
	wa := whatsmeow.NewClient(device, NewLogger(log, f.level).Sub("Client"))
	return newClient(userID, wa, f.bindings, sink, log), nil
}

// device resolves the stored device for userID, falling back to a fresh one when the
// user never paired or the device was unlinked since.
func (f *Factory) device(ctx context.Context, userID string) (*store.Device, error) {
	if f.bindings == nil {
		return f.devices.NewDevice(), nil
	}

	binding, err := f.bindings.Get(ctx, userID)
	if errors.Is(err, domain.ErrDeviceNotBound) {
		return f.devices.NewDevice(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device binding: %w", err)
	}

	jid, err := types.ParseJID(binding.DeviceJID)
	if err != nil {
		f.log.Warn("Discarding unparseable device binding", "user_id", userID, "jid", binding.DeviceJID, "error", err)
		return f.devices.NewDevice(), nil
	}

	device, err := f.devices.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		f.log.Info("Bound device no longer in store, pairing again", "user_id", userID, "jid", jid.String())
		if err := f.bindings.Delete(ctx, userID); err != nil {
			f.log.Warn("Failed to delete stale device binding", "user_id", userID, "error", err)
		}
		return f.devices.NewDevice(), nil
	}
	return device, nil
}
