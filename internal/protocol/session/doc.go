// Package session owns dispatcher<->executor session transport helpers.
//
// Ownership boundary:
// - transport config, timeouts, and TLS/mTLS policy
// - hello/hello.ack control lines exchanged at connect time
// - exec / exec.result / error frame encoding
// - retry backoff for callers that wrap connect
//
// Wire order on one connection:
// - optional TLS handshake
// - hello (dispatcher) -> hello.ack (executor), one JSON line each
// - exec frames; each reply reuses the request message_id
package session
