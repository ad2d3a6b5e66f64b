// Package timeouts defines shared timeout constants used by the relay
// process. Centralizing these values keeps the HTTP surface and the
// WebSocket relay in agreement.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Write caps a single WebSocket frame write, including forwards into a
// host connection.
const Write = 10 * time.Second

// Handshake caps the WebSocket upgrade handshake.
const Handshake = 10 * time.Second

// IdlePeer is how long a relay connection may stay silent before it is
// terminated.
const IdlePeer = 5 * time.Minute

// LivenessPing is the interval between relay pings.
const LivenessPing = 30 * time.Second
