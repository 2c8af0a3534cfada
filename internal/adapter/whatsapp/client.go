// Package whatsapp implements the automation client on top of whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/codesabhinav/whatsapp-me/internal/platform/retry"
	"github.com/jonboulle/clockwork"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

const (
	bindingTimeout    = 5 * time.Second
	connectAttempts   = 3
	connectBackoff    = time.Second
	connectMaxBackoff = 5 * time.Second
)

var _ domain.AutomationClient = (*Client)(nil)

var errClientDestroyed = errors.New("client destroyed")

// Client is one user's whatsmeow connection.
type Client struct {
	userID   string
	wa       *whatsmeow.Client
	bindings domain.DeviceBindingRepository
	sink     domain.EventSink
	log      *slog.Logger
	clock    clockwork.Clock
	connect  func() error

	// connMu serialises Connect against Destroy's Disconnect.
	connMu sync.Mutex

	mu        sync.Mutex
	handlerID uint32
	runCancel context.CancelFunc
	closed    bool
}

func newClient(userID string, wa *whatsmeow.Client, bindings domain.DeviceBindingRepository, sink domain.EventSink, log *slog.Logger) *Client {
	c := &Client{
		userID:   userID,
		wa:       wa,
		bindings: bindings,
		sink:     sink,
		log:      log,
		clock:    clockwork.NewRealClock(),
		connect:  wa.Connect,
	}
	c.handlerID = wa.AddEventHandler(c.handleEvent)
	return c
}

// Initialize connects to the network. An unpaired device first opens the QR channel so
// pairing codes are emitted as they rotate. Both stop once the client is destroyed.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientDestroyed
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	if c.wa.Store.ID == nil {
		qrCh, err := c.wa.GetQRChannel(runCtx)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to open pairing channel: %w", err)
		}
		go c.consumeQR(qrCh)
	}
	c.mu.Unlock()

	return c.connectWithRetry(runCtx)
}

// connectWithRetry retries Connect until it succeeds, ctx ends or the client is
// destroyed. A destroyed client never dials again.
func (c *Client) connectWithRetry(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts:    connectAttempts,
		InitialBackoff: connectBackoff,
		MaxBackoff:     connectMaxBackoff,
		Clock:          c.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.log.Warn("Connect attempt failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	retryable := func(err error) bool {
		return !errors.Is(err, errClientDestroyed) && retry.Always(err)
	}

	err := retry.DoVoid(ctx, policy, retryable, func(context.Context) error {
		c.connMu.Lock()
		defer c.connMu.Unlock()
		if c.isClosed() {
			return errClientDestroyed
		}
		if err := c.connect(); err != nil && !errors.Is(err, whatsmeow.ErrAlreadyConnected) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if e, ok := translateQR(item); ok {
			c.emit(e)
		}
	}
}

func (c *Client) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.log.Info("Device paired", "jid", e.ID.String(), "platform", e.Platform)
		go c.saveBinding(e.ID.String())
	case *events.LoggedOut:
		go c.deleteBinding()
	}

	if e, ok := translate(evt); ok {
		c.emit(e)
	}
}

func (c *Client) emit(e domain.Event) {
	if c.isClosed() {
		return
	}
	c.sink(e)
}

func (c *Client) saveBinding(jid string) {
	if c.bindings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bindingTimeout)
	defer cancel()
	if err := c.bindings.Upsert(ctx, c.userID, jid); err != nil {
		c.log.Error("Failed to save device binding", "jid", jid, "error", err)
	}
}

func (c *Client) deleteBinding() {
	if c.bindings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bindingTimeout)
	defer cancel()
	if err := c.bindings.Delete(ctx, c.userID); err != nil {
		c.log.Warn("Failed to delete device binding", "error", err)
	}
}

func (c *Client) SendMessage(ctx context.Context, address, body string) error {
	if c.wa.Store.ID == nil {
		return domain.ErrClientNotLoggedIn
	}
	jid, err := toJID(address)
	if err != nil {
		return err
	}

	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := c.wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", jid, err)
	}
	return nil
}

// Logout unlinks the device. A device that never finished pairing has nothing to
// unlink.
func (c *Client) Logout(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return nil
	}
	if err := c.wa.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Destroy closes the connection and stops event delivery. The device stays linked.
func (c *Client) Destroy(_ context.Context) error {
	if !c.shutdown() {
		return nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.wa.RemoveEventHandler(c.handlerID)
	c.wa.Disconnect()
	return nil
}

// shutdown marks the client closed and cancels a running Initialize. It reports false
// when the client was already closed.
func (c *Client) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	cancel := c.runCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}
