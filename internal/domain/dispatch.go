package domain

// SendStatus is the outcome of one destination in a batch send.
type SendStatus string

const (
	SendStatusSent    SendStatus = "sent"
	SendStatusFailed  SendStatus = "failed"
	SendStatusSkipped SendStatus = "skipped"
)

// SendResult is the per-destination outcome; Number echoes the caller's input verbatim.
type SendResult struct {
	Number  any        `json:"number"`
	Address string     `json:"address,omitempty"`
	Status  SendStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
}

// ChatSuffix is the addressing domain appended to bare phone numbers.
const ChatSuffix = "@c.us"
