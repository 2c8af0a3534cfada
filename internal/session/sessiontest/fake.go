// Package sessiontest provides in-memory automation clients for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
)

var _ domain.AutomationClient = (*Client)(nil)
var _ domain.ClientFactory = (*Factory)(nil)

// SentMessage records one SendMessage call.
type SentMessage struct {
	Address string
	Body    string
}

// Client is a scriptable domain.AutomationClient. Tests drive the session state machine
// by calling Emit.
type Client struct {
	UserID string

	SendFn     func(ctx context.Context, address, body string) error
	InitErr    error
	LogoutErr  error
	DestroyErr error

	sink domain.EventSink

	mu          sync.Mutex
	initialized int
	loggedOut   int
	destroyed   int
	sent        []SentMessage
}

func (c *Client) Initialize(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized++
	return c.InitErr
}

func (c *Client) SendMessage(ctx context.Context, address, body string) error {
	c.mu.Lock()
	c.sent = append(c.sent, SentMessage{Address: address, Body: body})
	fn := c.SendFn
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, address, body)
	}
	return nil
}

func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut++
	return c.LogoutErr
}

func (c *Client) Destroy(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	return c.DestroyErr
}

// Emit raises an event as if it came from the messaging network.
func (c *Client) Emit(e domain.Event) {
	c.sink(e)
}

func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized > 0
}

func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed > 0
}

func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut > 0
}

func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Factory hands out Clients and remembers every one it built, per user.
type Factory struct {
	// Err, when set, fails every NewClient call.
	Err error
	// Configure customises each client before it is returned.
	Configure func(*Client)

	mu      sync.Mutex
	clients map[string][]*Client
}

func NewFactory() *Factory {
	return &Factory{clients: make(map[string][]*Client)}
}

func (f *Factory) NewClient(ctx context.Context, userID string, sink domain.EventSink) (domain.AutomationClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	if sink == nil {
		return nil, errors.New("sessiontest: nil event sink")
	}

	c := &Client{UserID: userID, sink: sink}
	if f.Configure != nil {
		f.Configure(c)
	}
	f.clients[userID] = append(f.clients[userID], c)
	return c, nil
}

// Clients returns every client built for userID, oldest first.
func (f *Factory) Clients(userID string) []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients[userID]...)
}

// Latest returns the most recent client built for userID, or nil.
func (f *Factory) Latest(userID string) *Client {
	clients := f.Clients(userID)
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

// Recorder is a domain.SessionObserver that keeps every notification.
type Recorder struct {
	mu      sync.Mutex
	changes []domain.Session
	removed []string
}

func (r *Recorder) SessionChanged(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, s)
}

func (r *Recorder) SessionRemoved(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, userID)
}

func (r *Recorder) Changes() []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Session(nil), r.changes...)
}

func (r *Recorder) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}
