package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	commandBufferSize      = 256
	commandTimeout         = 5 * time.Second
	stopTimeout            = 15 * time.Second
	defaultTeardownTimeout = 10 * time.Second
)

// Registry owns the mapping from user key to Session and drives each Session's state
// machine from the events raised by its automation handle.
type Registry struct {
	cmdCh           chan registryCmd
	factory         domain.ClientFactory
	clock           clockwork.Clock
	observers       []domain.SessionObserver
	teardownTimeout time.Duration
	commandTimeout  time.Duration

	// entries is owned by the run goroutine.
	entries map[string]*domain.Session

	lifecycle context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once
}

type Option func(*Registry)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithObservers registers observers notified after every state change.
func WithObservers(observers ...domain.SessionObserver) Option {
	return func(r *Registry) { r.observers = append(r.observers, observers...) }
}

// WithTeardownTimeout bounds handle construction and Destroy calls.
func WithTeardownTimeout(d time.Duration) Option {
	return func(r *Registry) { r.teardownTimeout = d }
}

func NewRegistry(factory domain.ClientFactory, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cmdCh:           make(chan registryCmd, commandBufferSize),
		factory:         factory,
		clock:           clockwork.NewRealClock(),
		teardownTimeout: defaultTeardownTimeout,
		commandTimeout:  commandTimeout,
		entries:         make(map[string]*domain.Session),
		lifecycle:       ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// GetOrCreate returns the session for userID, creating a PENDING one if none exists.
// Creation is asynchronous: the handle is constructed and initialized out-of-band, so
// the returned session must not be assumed ready. A FAILED session is torn down and
// rebuilt, and the returned snapshot is in the transitional DISCONNECTED state.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (domain.Session, error) {
	replyCh := make(chan domain.Session, 1)
	if err := r.send(ctx, getOrCreateCmd{userID: userID, replyChannel: replyCh}); err != nil {
		return domain.Session{}, err
	}
	return await(ctx, r, replyCh)
}

// Get looks up the session for userID without side effects.
func (r *Registry) Get(ctx context.Context, userID string) (domain.Session, bool, error) {
	replyCh := make(chan lookupReply, 1)
	if err := r.send(ctx, getCmd{userID: userID, replyChannel: replyCh}); err != nil {
		return domain.Session{}, false, err
	}
	reply, err := await(ctx, r, replyCh)
	return reply.session, reply.found, err
}

// Remove deletes the entry for userID and returns what was removed. The caller owns the
// returned handle and is responsible for tearing it down.
func (r *Registry) Remove(ctx context.Context, userID string) (domain.Session, bool, error) {
	replyCh := make(chan lookupReply, 1)
	if err := r.send(ctx, removeCmd{userID: userID, replyChannel: replyCh}); err != nil {
		return domain.Session{}, false, err
	}
	reply, err := await(ctx, r, replyCh)
	return reply.session, reply.found, err
}

// Count returns the number of registered sessions.
func (r *Registry) Count(ctx context.Context) (int, error) {
	replyCh := make(chan int, 1)
	if err := r.send(ctx, countCmd{replyChannel: replyCh}); err != nil {
		return 0, err
	}
	return await(ctx, r, replyCh)
}

// Stop tears down every handle (without logging out) and stops the registry.
// Blocks until the registry goroutine has exited or the stop timeout is reached.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		select {
		case r.cmdCh <- stopCmd{}:
		case <-r.done:
			return
		}

		timeout := r.clock.NewTimer(stopTimeout)
		defer timeout.Stop()

		select {
		case <-r.done:
			slog.Info("Session registry stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Session registry stop timeout exceeded", "timeout", stopTimeout)
		}
	})
}

func (r *Registry) send(ctx context.Context, cmd registryCmd) error {
	select {
	case r.cmdCh <- cmd:
		return nil
	case <-r.done:
		return domain.ErrRegistryStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a command from a background goroutine, dropping it once stopped.
func (r *Registry) post(cmd registryCmd) {
	select {
	case r.cmdCh <- cmd:
	case <-r.done:
	}
}

func await[T any](ctx context.Context, r *Registry, replyCh <-chan T) (T, error) {
	timer := r.clock.NewTimer(r.commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-replyCh:
		return v, nil
	case <-r.done:
		return zero, domain.ErrRegistryStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.Chan():
		return zero, fmt.Errorf("registry command timed out after %v", r.commandTimeout)
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer r.cancel()

	for cmd := range r.cmdCh {
		if _, ok := cmd.(stopCmd); ok {
			r.handleStop()
			return
		}
		r.dispatch(cmd)
	}
}

// dispatch handles one command, isolating panics so a single bad event cannot take the
// registry down.
func (r *Registry) dispatch(cmd registryCmd) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Session registry panic recovered", "panic", p, "command_type", fmt.Sprintf("%T", cmd))
		}
	}()

	switch c := cmd.(type) {
	case getOrCreateCmd:
		c.replyChannel <- r.handleGetOrCreate(c.userID)
	case getCmd:
		entry, ok := r.entries[c.userID]
		c.replyChannel <- snapshot(entry, ok)
	case removeCmd:
		c.replyChannel <- r.handleRemove(c.userID)
	case countCmd:
		c.replyChannel <- len(r.entries)
	case eventCmd:
		r.handleEvent(c)
	case attachCmd:
		r.handleAttach(c)
	case rebuildCmd:
		r.handleRebuild(c)
	default:
		slog.Warn("Session registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
}

func snapshot(entry *domain.Session, ok bool) lookupReply {
	if !ok {
		return lookupReply{}
	}
	return lookupReply{session: *entry, found: true}
}

func (r *Registry) handleGetOrCreate(userID string) domain.Session {
	entry, ok := r.entries[userID]
	if !ok {
		return *r.createSession(userID)
	}

	if entry.Readiness == domain.ReadinessFailed {
		slog.Info("Rebuilding failed session", "user_id", userID, "session_id", entry.ID, "reason", entry.LastError)
		r.transition(entry, domain.ReadinessDisconnected, "", entry.LastError)
		r.teardown(*entry, true)
	}
	return *entry
}

func (r *Registry) handleRemove(userID string) lookupReply {
	entry, ok := r.entries[userID]
	if !ok {
		return lookupReply{}
	}

	delete(r.entries, userID)
	for _, o := range r.observers {
		o.SessionRemoved(userID)
	}
	slog.Info("Session removed", "user_id", userID, "session_id", entry.ID)
	return lookupReply{session: *entry, found: true}
}

func (r *Registry) createSession(userID string) *domain.Session {
	now := r.clock.Now()
	entry := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Readiness: domain.ReadinessPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.entries[userID] = entry
	r.notify(entry)

	slog.Info("Session created", "user_id", userID, "session_id", entry.ID)
	r.attach(userID, entry.ID)
	return entry
}

// attach constructs the handle for sessionID off the actor goroutine.
func (r *Registry) attach(userID, sessionID string) {
	sink := r.sinkFor(userID, sessionID)

	r.workers.Add(1)
	go func() {
		defer r.workers.Done()

		ctx, cancel := context.WithTimeout(r.lifecycle, r.teardownTimeout)
		client, err := r.factory.NewClient(ctx, userID, sink)
		cancel()

		r.post(attachCmd{userID: userID, sessionID: sessionID, client: client, err: err})
	}()
}

func (r *Registry) sinkFor(userID, sessionID string) domain.EventSink {
	return func(e domain.Event) {
		r.post(eventCmd{userID: userID, sessionID: sessionID, event: e})
	}
}

func (r *Registry) handleAttach(c attachCmd) {
	entry, ok := r.entries[c.userID]
	if !ok || entry.ID != c.sessionID || entry.Client != nil {
		if c.client != nil {
			slog.Debug("Discarding handle for stale session", "user_id", c.userID, "session_id", c.sessionID)
			r.teardown(domain.Session{ID: c.sessionID, UserID: c.userID, Client: c.client}, false)
		}
		return
	}

	if c.err != nil {
		slog.Error("Failed to create automation client", "user_id", c.userID, "session_id", c.sessionID, "error", c.err)
		r.transition(entry, domain.ReadinessFailed, "", c.err.Error())
		return
	}

	entry.Client = c.client
	r.initialize(c.userID, c.sessionID, c.client)
}

// initialize starts the handle asynchronously. An initialization error surfaces as an
// auth-failure event for the same session.
func (r *Registry) initialize(userID, sessionID string, client domain.AutomationClient) {
	sink := r.sinkFor(userID, sessionID)

	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		if err := client.Initialize(r.lifecycle); err != nil {
			slog.Error("Automation client initialization failed", "user_id", userID, "session_id", sessionID, "error", err)
			sink(domain.Event{Kind: domain.EventAuthFailure, Reason: err.Error()})
		}
	}()
}

func (r *Registry) handleEvent(c eventCmd) {
	entry, ok := r.entries[c.userID]
	if !ok || entry.ID != c.sessionID {
		slog.Debug("Dropping event from stale session", "user_id", c.userID, "session_id", c.sessionID, "event", c.event.Kind)
		return
	}

	// The handle is being torn down, so even a late ready is stale: the replacement
	// session reports its own state once attached.
	if entry.Readiness == domain.ReadinessDisconnected {
		slog.Debug("Dropping event while session is transitioning", "user_id", c.userID, "event", c.event.Kind)
		return
	}

	switch c.event.Kind {
	case domain.EventPairingCode:
		r.transition(entry, domain.ReadinessAwaitingPairing, c.event.Payload, "")
		slog.Info("Pairing code received", "user_id", c.userID, "session_id", entry.ID)

	case domain.EventReady:
		r.transition(entry, domain.ReadinessReady, "", "")
		slog.Info("Session ready", "user_id", c.userID, "session_id", entry.ID)

	case domain.EventAuthFailure:
		r.transition(entry, domain.ReadinessFailed, "", c.event.Reason)
		slog.Error("Authentication failure", "user_id", c.userID, "session_id", entry.ID, "reason", c.event.Reason)

	case domain.EventDisconnected:
		slog.Warn("Session disconnected", "user_id", c.userID, "session_id", entry.ID, "reason", c.event.Reason)
		r.transition(entry, domain.ReadinessDisconnected, "", c.event.Reason)
		r.teardown(*entry, true)

	default:
		slog.Warn("Unknown automation event", "user_id", c.userID, "event", c.event.Kind)
	}
}

// teardown destroys old's handle off the actor goroutine. With rebuild set, a
// replacement session is requested once the old handle is gone.
func (r *Registry) teardown(old domain.Session, rebuild bool) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()

		if old.Client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.teardownTimeout)
			if err := old.Client.Destroy(ctx); err != nil {
				slog.Warn("Failed to destroy automation client", "user_id", old.UserID, "session_id", old.ID, "error", err)
			}
			cancel()
		}

		if rebuild {
			r.post(rebuildCmd{userID: old.UserID, oldSessionID: old.ID})
		}
	}()
}

func (r *Registry) handleRebuild(c rebuildCmd) {
	entry, ok := r.entries[c.userID]
	if !ok || entry.ID != c.oldSessionID {
		slog.Debug("Skipping rebuild, session already replaced or removed", "user_id", c.userID, "old_session_id", c.oldSessionID)
		return
	}

	replacement := r.createSession(c.userID)
	slog.Info("Session rebuilt", "user_id", c.userID, "old_session_id", c.oldSessionID, "session_id", replacement.ID)
}

func (r *Registry) transition(entry *domain.Session, to domain.Readiness, payload, reason string) {
	entry.Readiness = to
	entry.PairingPayload = payload
	if reason != "" || to == domain.ReadinessReady {
		entry.LastError = reason
	}
	entry.UpdatedAt = r.clock.Now()
	r.notify(entry)
}

func (r *Registry) notify(entry *domain.Session) {
	for _, o := range r.observers {
		o.SessionChanged(*entry)
	}
}

func (r *Registry) handleStop() {
	slog.Info("Session registry shutting down", "sessions", len(r.entries))

	var wg sync.WaitGroup
	for userID, entry := range r.entries {
		if entry.Client == nil {
			continue
		}
		wg.Add(1)
		go func(s domain.Session) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.teardownTimeout)
			defer cancel()
			if err := s.Client.Destroy(ctx); err != nil {
				slog.Warn("Failed to destroy automation client on shutdown", "user_id", s.UserID, "error", err)
			}
		}(*entry)
		delete(r.entries, userID)
	}
	wg.Wait()
}
