package domain

import "time"

// Readiness is the lifecycle state of a Session.
type Readiness string

const (
	ReadinessPending         Readiness = "pending"
	ReadinessAwaitingPairing Readiness = "awaiting_pairing"
	ReadinessReady           Readiness = "ready"
	ReadinessDisconnected    Readiness = "disconnected"
	ReadinessFailed          Readiness = "failed"
)

// AllReadiness lists every state, in lifecycle order.
var AllReadiness = []Readiness{
	ReadinessPending,
	ReadinessAwaitingPairing,
	ReadinessReady,
	ReadinessDisconnected,
	ReadinessFailed,
}

// Session is a point-in-time copy of one user's registry entry. ID identifies the
// Session instance: a session rebuilt after a disconnect has a new ID under the same
// UserID.
type Session struct {
	ID             string
	UserID         string
	Readiness      Readiness
	PairingPayload string
	LastError      string
	Client         AutomationClient
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s Session) IsReady() bool {
	return s.Readiness == ReadinessReady
}

// NeedsPairing reports whether a pairing payload is waiting to be scanned.
func (s Session) NeedsPairing() bool {
	return s.Readiness == ReadinessAwaitingPairing && s.PairingPayload != ""
}

// SessionObserver is notified after every registry state change. Implementations are
// called from the registry goroutine and must not block.
type SessionObserver interface {
	SessionChanged(s Session)
	SessionRemoved(userID string)
}

// SessionStatus is the public, payload-free view of a Session used by the status
// endpoint, the websocket stream and the redis event feed.
type SessionStatus struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Readiness Readiness `json:"readiness"`
	NeedsQR   bool      `json:"needsQr"`
	Connected bool      `json:"connected"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s Session) Status() SessionStatus {
	return SessionStatus{
		UserID:    s.UserID,
		SessionID: s.ID,
		Readiness: s.Readiness,
		NeedsQR:   s.NeedsPairing(),
		Connected: s.IsReady(),
		LastError: s.LastError,
		UpdatedAt: s.UpdatedAt,
	}
}

// RemovedStatus is the status published once a user's session has been logged out.
func RemovedStatus(userID string, at time.Time) SessionStatus {
	return SessionStatus{
		UserID:    userID,
		Readiness: ReadinessDisconnected,
		UpdatedAt: at,
	}
}
