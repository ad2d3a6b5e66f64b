package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypiea/relay/internal/services/relay/uploads"
)

type connRole int

const (
	roleUnset connRole = iota
	roleHost
	roleSender
)

func (r connRole) String() string {
	switch r {
	case roleHost:
		return "host"
	case roleSender:
		return "sender"
	default:
		return "unset"
	}
}

// relayConn is one accepted WebSocket. Writes may come from any goroutine
// (a sender forwards into its host) and are serialised by writeMu. The role,
// token, transferID and sink fields belong to the connection's read loop.
type relayConn struct {
	id           string
	remote       string
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
	liveness     *livenessMonitor

	role       connRole
	token      string
	transferID string
	sink       *uploads.Sink
	// fallback marks a transfer started without a host; sinkFailed records
	// that its upload file could not be opened.
	fallback   bool
	sinkFailed bool
}

// live reports whether the connection can still accept writes.
func (c *relayConn) live() bool {
	return c != nil && !c.closed.Load()
}

func (c *relayConn) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.write(websocket.TextMessage, payload)
}

func (c *relayConn) writeBinary(payload []byte) error {
	return c.write(websocket.BinaryMessage, payload)
}

func (c *relayConn) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

func (c *relayConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// terminate drops the socket without a close handshake.
func (c *relayConn) terminate() error {
	c.closed.Store(true)
	return c.ws.Close()
}
