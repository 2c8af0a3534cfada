package whatsapp

import (
	"fmt"
	"strings"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

const (
	qrEventCode    = "code"
	qrEventSuccess = "success"
	qrEventTimeout = "timeout"
	qrEventError   = "error"
	qrErrorPrefix  = "err-"
)

// translateQR maps one pairing channel item onto a lifecycle event.
func translateQR(item whatsmeow.QRChannelItem) (domain.Event, bool) {
	switch {
	case item.Event == qrEventCode:
		return domain.Event{Kind: domain.EventPairingCode, Payload: item.Code}, true
	case item.Event == qrEventSuccess:
		// Readiness arrives through events.Connected.
		return domain.Event{}, false
	case item.Event == qrEventTimeout:
		return domain.Event{Kind: domain.EventDisconnected, Reason: "pairing timed out"}, true
	case item.Event == qrEventError:
		reason := "pairing failed"
		if item.Error != nil {
			reason = fmt.Sprintf("pairing failed: %v", item.Error)
		}
		return domain.Event{Kind: domain.EventAuthFailure, Reason: reason}, true
	case strings.HasPrefix(item.Event, qrErrorPrefix):
		return domain.Event{Kind: domain.EventAuthFailure, Reason: strings.TrimPrefix(item.Event, qrErrorPrefix)}, true
	default:
		return domain.Event{}, false
	}
}

// translate maps a whatsmeow event onto a lifecycle event. Transient disconnects are
// ignored: whatsmeow reconnects on its own and reports the outcome again.
func translate(evt any) (domain.Event, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return domain.Event{Kind: domain.EventReady}, true
	case *events.LoggedOut:
		return domain.Event{Kind: domain.EventDisconnected, Reason: fmt.Sprintf("logged out: %s", e.Reason)}, true
	case *events.StreamReplaced:
		return domain.Event{Kind: domain.EventDisconnected, Reason: "stream replaced by another connection"}, true
	case *events.ConnectFailure:
		reason := fmt.Sprintf("connect failure: %s", e.Reason)
		if e.Message != "" {
			reason += ": " + e.Message
		}
		return domain.Event{Kind: domain.EventDisconnected, Reason: reason}, true
	case *events.TemporaryBan:
		return domain.Event{Kind: domain.EventAuthFailure, Reason: e.String()}, true
	case *events.ClientOutdated:
		return domain.Event{Kind: domain.EventAuthFailure, Reason: "client outdated"}, true
	default:
		return domain.Event{}, false
	}
}
