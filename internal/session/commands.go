package session

import "github.com/codesabhinav/whatsapp-me/internal/domain"

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type lookupReply struct {
	session domain.Session
	found   bool
}

type getOrCreateCmd struct {
	baseRegistryCmd
	userID       string
	replyChannel chan domain.Session
}

type getCmd struct {
	baseRegistryCmd
	userID       string
	replyChannel chan lookupReply
}

type removeCmd struct {
	baseRegistryCmd
	userID       string
	replyChannel chan lookupReply
}

type countCmd struct {
	baseRegistryCmd
	replyChannel chan int
}

// eventCmd carries one automation event raised by the handle of sessionID.
type eventCmd struct {
	baseRegistryCmd
	userID    string
	sessionID string
	event     domain.Event
}

// attachCmd delivers the result of constructing the handle for sessionID.
type attachCmd struct {
	baseRegistryCmd
	userID    string
	sessionID string
	client    domain.AutomationClient
	err       error
}

// rebuildCmd replaces oldSessionID with a fresh session once its handle is torn down.
type rebuildCmd struct {
	baseRegistryCmd
	userID       string
	oldSessionID string
}

type stopCmd struct {
	baseRegistryCmd
}
