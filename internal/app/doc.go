// Package app provides the application service layer.
//
// Orchestrates the gateway use cases: registering (pairing) a session, reporting its
// status, dispatching outbound messages and logging out. Sits between the HTTP handlers
// and the session registry; depends on interfaces, not concrete implementations.
package app
