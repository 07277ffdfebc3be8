// Package sshmanager owns the pool of live SSH sessions to managed endpoints.
//
// # Architecture
//
// A [Manager] maps opaque 64-character hex tokens to [Session] values. Each
// session exclusively owns one *ssh.Client. Commands go through the policy
// [Gate] before a channel is opened; a blocked command never reaches the
// transport. Transfers borrow a [DataChannel] from a pooled session via
// [Manager.AcquireChannel] and run one remote command per ssh.Session.
//
// # Lifecycle
//
//	Connect -> connected -> Disconnect | idle eviction | keepalive failure | transport loss
//
// Teardown is single-shot: whichever path removes the token from the pool
// first closes terminals, data channels and the client, writes one audit
// entry and publishes one event. An explicit Disconnect of a token that is
// already gone returns a not-found error.
//
// The endpoint status written back to the host registry follows the pool:
// connecting while dialing, connected on success, error on a failed attempt
// with no other live session, disconnected once the last session ends.
//
// # Rate Limiting
//
// Connection attempts are limited per endpoint with a one-minute sliding
// window. Consecutive failures block the endpoint for BlockDuration. Denials
// carry a retry_after attribute.
//
// # Log Prefixes
//
// All log output uses the ssh logger name.
package sshmanager
