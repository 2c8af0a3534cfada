package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/codesabhinav/whatsapp-me/internal/session/sessiontest"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *sessiontest.Factory) {
	t.Helper()
	factory := sessiontest.NewFactory()
	r := NewRegistry(factory, opts...)
	t.Cleanup(r.Stop)
	return r, factory
}

// waitForClient waits until the n-th client for userID has been attached and initialized.
func waitForClient(t *testing.T, f *sessiontest.Factory, userID string, n int) *sessiontest.Client {
	t.Helper()
	require.Eventually(t, func() bool {
		clients := f.Clients(userID)
		return len(clients) >= n && clients[n-1].Initialized()
	}, waitFor, tick)
	return f.Clients(userID)[n-1]
}

func mustGet(t *testing.T, r *Registry, userID string) domain.Session {
	t.Helper()
	s, ok, err := r.Get(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok, "expected session for %s", userID)
	return s
}

// readinessOf is safe to call from require.Eventually conditions.
func readinessOf(r *Registry, userID string) domain.Readiness {
	s, ok, err := r.Get(context.Background(), userID)
	if err != nil || !ok {
		return ""
	}
	return s.Readiness
}

func TestGetOrCreate_CreatesPendingSessionAndInitializes(t *testing.T) {
	r, factory := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", s.UserID)
	assert.Equal(t, domain.ReadinessPending, s.Readiness)
	assert.Empty(t, s.PairingPayload)
	assert.NotEmpty(t, s.ID)

	client := waitForClient(t, factory, "alice", 1)
	assert.Equal(t, "alice", client.UserID)
	assert.Same(t, client, mustGet(t, r, "alice").Client.(*sessiontest.Client))
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	r, factory := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	second, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	waitForClient(t, factory, "alice", 1)
	assert.Len(t, factory.Clients("alice"), 1)
}

func TestGetOrCreate_ConcurrentCallersShareOneSession(t *testing.T) {
	r, factory := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(ctx, "shared")
			assert.NoError(t, err)
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	waitForClient(t, factory, "shared", 1)
	assert.Len(t, factory.Clients("shared"), 1)

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGet_AbsentHasNoSideEffects(t *testing.T) {
	r, factory := newTestRegistry(t)
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, factory.Clients("ghost"))
}

func TestPairingCode_AwaitingPairingAndReplacesPayload(t *testing.T) {
	r, factory := newTestRegistry(t)
	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	client := waitForClient(t, factory, "alice", 1)

	client.Emit(domain.Event{Kind: domain.EventPairingCode, Payload: "qr-1"})
	s := mustGet(t, r, "alice")
	assert.Equal(t, domain.ReadinessAwaitingPairing, s.Readiness)
	assert.Equal(t, "qr-1", s.PairingPayload)
	assert.True(t, s.NeedsPairing())

	client.Emit(domain.Event{Kind: domain.EventPairingCode, Payload: "qr-2"})
	s = mustGet(t, r, "alice")
	assert.Equal(t, domain.ReadinessAwaitingPairing, s.Readiness)
	assert.Equal(t, "qr-2", s.PairingPayload)
}

func TestReady_AlwaysClearsPayload(t *testing.T) {
	tests := []struct {
		name  string
		prior []domain.Event
	}{
		{"from pending", nil},
		{"from awaiting pairing", []domain.Event{{Kind: domain.EventPairingCode, Payload: "qr"}}},
		{"from failed", []domain.Event{{Kind: domain.EventAuthFailure, Reason: "bad creds"}}},
		{"from ready", []domain.Event{{Kind: domain.EventReady}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, factory := newTestRegistry(t)
			_, err := r.GetOrCreate(context.Background(), "alice")
			require.NoError(t, err)
			client := waitForClient(t, factory, "alice", 1)

			for _, e := range tt.prior {
				client.Emit(e)
			}
			client.Emit(domain.Event{Kind: domain.EventReady})

			s := mustGet(t, r, "alice")
			assert.Equal(t, domain.ReadinessReady, s.Readiness)
			assert.Empty(t, s.PairingPayload)
			assert.Empty(t, s.LastError)
			assert.True(t, s.IsReady())
		})
	}
}

func TestPairingCode_DowngradesReadySession(t *testing.T) {
	r, factory := newTestRegistry(t)
	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	client := waitForClient(t, factory, "alice", 1)

	client.Emit(domain.Event{Kind: domain.EventReady})
	client.Emit(domain.Event{Kind: domain.EventPairingCode, Payload: "re-pair"})

	s := mustGet(t, r, "alice")
	assert.Equal(t, domain.ReadinessAwaitingPairing, s.Readiness)
	assert.Equal(t, "re-pair", s.PairingPayload)
}

func TestDisconnected_ReplacesSessionWithFreshPending(t *testing.T) {
	r, factory := newTestRegistry(t)
	ctx := context.Background()

	original, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	oldClient := waitForClient(t, factory, "alice", 1)
	oldClient.Emit(domain.Event{Kind: domain.EventReady})

	oldClient.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: "phone offline"})

	newClient := waitForClient(t, factory, "alice", 2)
	assert.True(t, oldClient.Destroyed())
	assert.False(t, oldClient.LoggedOut())
	assert.NotSame(t, oldClient, newClient)

	s := mustGet(t, r, "alice")
	assert.NotEqual(t, original.ID, s.ID)
	assert.Equal(t, domain.ReadinessPending, s.Readiness)
	assert.Empty(t, s.PairingPayload)

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDisconnected_TransitionalStateDropsEvents(t *testing.T) {
	r, factory := newTestRegistry(t)
	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	client := waitForClient(t, factory, "alice", 1)

	client.Emit(domain.Event{Kind: domain.EventDisconnected, Reason: "stream replaced"})
	client.Emit(domain.Event{Kind: domain.EventReady})

	// Either still transitioning or already rebuilt; never ready on the old handle.
	s := mustGet(t, r, "alice")
	assert.NotEqual(t, domain.ReadinessReady, s.Readiness)
}

func TestDisconnected_DestroyFailureStillRebuilds(t *testing.T) {
	r, factory := newTestRegistry(t)
	factory.Configure = func(c *sessiontest.Client) {
		c.DestroyErr = errors.New("browser already gone")
	}

	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	client := waitForClient(t, factory, "alice", 1)

	client.Emit(domain.Event{Kind: domain.EventDisconnected})

	waitForClient(t, factory, "alice", 2)
	assert.Equal(t, domain.ReadinessPending, mustGet(t, r, "alice").Readiness)
}

func TestStaleHandleEventsAreIgnored(t *testing.T) {
	r, factory := newTestRegistry(t)
	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	oldClient := waitForClient(t, factory, "alice", 1)

	oldClient.Emit(domain.Event{Kind: domain.EventDisconnected})
	waitForClient(t, factory, "alice", 2)
	replacement := mustGet(t, r, "alice")

	oldClient.Emit(domain.Event{Kind: domain.EventReady})
	oldClient.Emit(domain.Event{Kind: domain.EventDisconnected})

	s := mustGet(t, r, "alice")
	assert.Equal(t, replacement.ID, s.ID)
	assert.Equal(t, domain.ReadinessPending, s.Readiness)
	assert.Len(t, factory.Clients("alice"), 2)
}

func TestAuthFailure_MarksFailedAndNextRequestRebuilds(t *testing.T) {
	r, factory := newTestRegistry(t)
	ctx := context.Background()

	original, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	client := waitForClient(t, factory, "alice", 1)
	client.Emit(domain.Event{Kind: domain.EventPairingCode, Payload: "qr"})
	client.Emit(domain.Event{Kind: domain.EventAuthFailure, Reason: "invalid credentials"})

	s := mustGet(t, r, "alice")
	assert.Equal(t, domain.ReadinessFailed, s.Readiness)
	assert.Empty(t, s.PairingPayload)
	assert.Equal(t, "invalid credentials", s.LastError)

	transitioning, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ReadinessDisconnected, transitioning.Readiness)

	waitForClient(t, factory, "alice", 2)
	assert.True(t, client.Destroyed())
	rebuilt := mustGet(t, r, "alice")
	assert.NotEqual(t, original.ID, rebuilt.ID)
	assert.Equal(t, domain.ReadinessPending, rebuilt.Readiness)
}

func TestInitializeError_BecomesAuthFailure(t *testing.T) {
	r, factory := newTestRegistry(t)
	factory.Configure = func(c *sessiontest.Client) {
		c.InitErr = errors.New("websocket dial failed")
	}

	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return readinessOf(r, "alice") == domain.ReadinessFailed
	}, waitFor, tick)
	assert.Equal(t, "websocket dial failed", mustGet(t, r, "alice").LastError)
}

func TestFactoryError_MarksSessionFailed(t *testing.T) {
	r, factory := newTestRegistry(t)
	factory.Err = errors.New("device store unavailable")

	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return readinessOf(r, "alice") == domain.ReadinessFailed
	}, waitFor, tick)

	s := mustGet(t, r, "alice")
	assert.Nil(t, s.Client)
	assert.Equal(t, "device store unavailable", s.LastError)
}

func TestRemove(t *testing.T) {
	recorder := &sessiontest.Recorder{}
	r, factory := newTestRegistry(t, WithObservers(recorder))
	ctx := context.Background()

	created, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	client := waitForClient(t, factory, "alice", 1)

	removed, ok, err := r.Remove(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, removed.ID)
	assert.Same(t, client, removed.Client.(*sessiontest.Client))

	_, ok, err = r.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// The removed handle can no longer mutate the registry.
	client.Emit(domain.Event{Kind: domain.EventReady})
	_, ok, err = r.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"alice"}, recorder.Removed())

	_, ok, err = r.Remove(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObservers_SeeEveryTransition(t *testing.T) {
	recorder := &sessiontest.Recorder{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	r, factory := newTestRegistry(t, WithObservers(recorder), WithClock(clock))

	_, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	client := waitForClient(t, factory, "alice", 1)

	clock.Advance(time.Minute)
	client.Emit(domain.Event{Kind: domain.EventPairingCode, Payload: "qr"})
	client.Emit(domain.Event{Kind: domain.EventReady})
	mustGet(t, r, "alice")

	changes := recorder.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, domain.ReadinessPending, changes[0].Readiness)
	assert.Equal(t, domain.ReadinessAwaitingPairing, changes[1].Readiness)
	assert.Equal(t, domain.ReadinessReady, changes[2].Readiness)
	assert.Equal(t, clock.Now(), changes[2].UpdatedAt)
	assert.Equal(t, clock.Now().Add(-time.Minute), changes[0].CreatedAt)
}

func TestStop_DestroysHandlesAndRejectsCommands(t *testing.T) {
	factory := sessiontest.NewFactory()
	r := NewRegistry(factory)
	ctx := context.Background()

	_, err := r.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, "bob")
	require.NoError(t, err)
	alice := waitForClient(t, factory, "alice", 1)
	bob := waitForClient(t, factory, "bob", 1)

	r.Stop()
	r.Stop()

	assert.True(t, alice.Destroyed())
	assert.True(t, bob.Destroyed())
	assert.False(t, alice.LoggedOut())

	_, err = r.GetOrCreate(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrRegistryStopped)
	_, _, err = r.Get(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrRegistryStopped)
}

func TestGetOrCreate_CancelledContext(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the send or the reply observes the cancelled context; a
	// registry that accepted the command may still answer first.
	_, err := r.GetOrCreate(ctx, "alice")
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
