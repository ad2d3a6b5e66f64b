package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypiea/relay/internal/services/relay/storage"
	"github.com/skypiea/relay/internal/services/relay/uploads"
)

const (
	testCode  = "AB3Q"
	testToken = "tok123"

	// badTokenCode resolves to a token that cannot name an upload directory.
	badTokenCode = "BAD1"
	badToken     = "bad/token"
)

type staticResolver map[string]storage.ConnectionInfo

func (s staticResolver) Resolve(_ context.Context, code string) (storage.ConnectionInfo, error) {
	info, ok := s[code]
	if !ok {
		return storage.ConnectionInfo{}, storage.ErrNotFound
	}
	return info, nil
}

type relayHarness struct {
	relay       *Relay
	server      *httptest.Server
	clock       *clock.Mock
	hook        *logtest.Hook
	uploadsRoot string
}

func newRelayHarness(t *testing.T, mutate ...func(*RelayOptions)) *relayHarness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	root := t.TempDir()
	dir, err := uploads.Open(root)
	require.NoError(t, err)

	mock := clock.NewMock()
	opts := RelayOptions{
		Resolver: staticResolver{
			testCode:     {Token: testToken, Code: testCode, Address: "10.0.0.2", Port: 3000},
			badTokenCode: {Token: badToken, Code: badTokenCode},
		},
		Uploads: dir,
		Logger:  logrus.NewEntry(logger),
		Clock:   mock,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	relay, err := NewRelay(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		_ = relay.Close()
		srv.Close()
	})
	return &relayHarness{
		relay:       relay,
		server:      srv,
		clock:       mock,
		hook:        hook,
		uploadsRoot: root,
	}
}

func (h *relayHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *relayHarness) onlyConn(t *testing.T) *relayConn {
	t.Helper()
	h.relay.connsMu.Lock()
	defer h.relay.connsMu.Unlock()
	require.Len(t, h.relay.conns, 1)
	for _, conn := range h.relay.conns {
		return conn
	}
	return nil
}

func (h *relayHarness) registerHost(t *testing.T) *websocket.Conn {
	t.Helper()
	host := h.dial(t)
	sendJSON(t, host, map[string]any{"type": "host-register", "token": testToken})
	msg := readJSON(t, host)
	require.Equal(t, "registered", msg["type"])
	require.Equal(t, testToken, msg["token"])
	return host
}

func (h *relayHarness) initSender(t *testing.T, transferID string, filename string) *websocket.Conn {
	t.Helper()
	sender := h.dial(t)
	sendJSON(t, sender, map[string]any{
		"type":       "init",
		"token":      testToken,
		"code":       testCode,
		"transferId": transferID,
		"filename":   filename,
		"totalSize":  0,
	})
	return sender
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func sendBinary(t *testing.T, conn *websocket.Conn, payload []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))
}

func readFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return messageType, payload
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	messageType, payload := readFrame(t, conn)
	require.Equal(t, websocket.TextMessage, messageType, "payload: %q", payload)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	messageType, payload := readFrame(t, conn)
	require.Equal(t, websocket.BinaryMessage, messageType, "payload: %q", payload)
	return payload
}

func expectError(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"], "message: %v", msg)
	assert.Equal(t, message, msg["message"])
}

func TestRelayEndToEndTransferThroughHost(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)

	sender := h.dial(t)
	sendJSON(t, sender, map[string]any{
		"type":       "init",
		"token":      testToken,
		"code":       testCode,
		"transferId": "t-1",
		"filename":   "a.bin",
		"totalSize":  1024,
	})

	start := readJSON(t, host)
	assert.Equal(t, map[string]any{
		"type":       "start",
		"transferId": "t-1",
		"filename":   "a.bin",
		"totalSize":  float64(1024),
	}, start)
	assert.Equal(t, map[string]any{"type": "offset", "offset": float64(0)}, readJSON(t, sender))

	chunk := make([]byte, 1024)
	for i := range chunk {
		chunk[i] = byte(i % 251)
	}
	sendBinary(t, sender, chunk)
	assert.Equal(t, chunk, readBinary(t, host))

	sendJSON(t, sender, map[string]any{"type": "done"})
	complete := readJSON(t, host)
	assert.Equal(t, "complete", complete["type"])
	assert.Equal(t, "t-1", complete["transferId"])
	filename, ok := complete["filename"]
	assert.True(t, ok, "host complete must carry filename")
	assert.Nil(t, filename)
	assert.Equal(t, map[string]any{"type": "complete", "transferId": "t-1"}, readJSON(t, sender))

	record, ok := h.relay.hub.transfer(testToken, "t-1")
	require.True(t, ok)
	assert.Equal(t, "a.bin", record.Filename)
	assert.Equal(t, int64(1024), record.TotalSize)
	assert.Equal(t, int64(1024), record.ReceivedBytes)
	assert.NotNil(t, record.CompletedAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.transfers.WithLabelValues("host")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.completed))
}

func TestRelayInitValidation(t *testing.T) {
	h := newRelayHarness(t)
	sender := h.dial(t)

	sendJSON(t, sender, map[string]any{"type": "init", "token": testToken, "transferId": "t-1"})
	expectError(t, sender, "init requires token, code, transferId")

	sendJSON(t, sender, map[string]any{"type": "init", "token": "forged", "code": testCode, "transferId": "t-1"})
	expectError(t, sender, "invalid code or token")

	sendJSON(t, sender, map[string]any{"type": "init", "token": testToken, "code": "ZZZZ", "transferId": "t-1"})
	expectError(t, sender, "invalid code or token")

	// Rejected init leaves the connection without a transfer.
	sendBinary(t, sender, []byte("data"))
	expectError(t, sender, "no active transfer")
	_, ok := h.relay.hub.transfer(testToken, "t-1")
	assert.False(t, ok)

	sendJSON(t, sender, map[string]any{"type": "init", "token": testToken, "code": testCode, "transferId": "t-1"})
	assert.Equal(t, "offset", readJSON(t, sender)["type"])
	record, ok := h.relay.hub.transfer(testToken, "t-1")
	require.True(t, ok)
	assert.Equal(t, "upload-0", record.Filename)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.relay.metrics.errors.WithLabelValues("VALIDATION")))
}

func TestRelayHostEvictionKeepsNewestHost(t *testing.T) {
	h := newRelayHarness(t)
	first := h.registerHost(t)
	second := h.registerHost(t)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return h.relay.connectionCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.NotNil(t, h.relay.hub.lookupHost(testToken), "closing the evicted host must not unregister its successor")

	sender := h.initSender(t, "t-1", "a.bin")
	assert.Equal(t, "start", readJSON(t, second)["type"])
	assert.Equal(t, "offset", readJSON(t, sender)["type"])

	sendBinary(t, sender, []byte("chunk"))
	assert.Equal(t, []byte("chunk"), readBinary(t, second))
}

func TestRelayHostReRegisterForAnotherTokenReleasesPrevious(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)

	sendJSON(t, host, map[string]any{"type": "host-register", "token": "other"})
	assert.Equal(t, "registered", readJSON(t, host)["type"])
	assert.Nil(t, h.relay.hub.lookupHost(testToken))
	assert.NotNil(t, h.relay.hub.lookupHost("other"))
}

func TestRelayHostRegisterRequiresToken(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t)
	sendJSON(t, conn, map[string]any{"type": "host-register", "token": "  "})
	expectError(t, conn, "missing token")
	assert.Equal(t, 0, h.relay.hub.hostCount())
}

func TestRelayHostDisconnectedDropsFrames(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)
	sender := h.initSender(t, "t-1", "a.bin")
	assert.Equal(t, "start", readJSON(t, host)["type"])
	assert.Equal(t, "offset", readJSON(t, sender)["type"])

	require.NoError(t, host.Close())
	require.Eventually(t, func() bool { return h.relay.hub.lookupHost(testToken) == nil }, 3*time.Second, 5*time.Millisecond)

	sendBinary(t, sender, []byte("late"))
	expectError(t, sender, "Host disconnected")

	record, ok := h.relay.hub.transfer(testToken, "t-1")
	require.True(t, ok)
	assert.Equal(t, int64(0), record.ReceivedBytes)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.forwards.WithLabelValues("binary", "dropped_no_peer")))
}

func TestRelayPreservesFrameOrderAndContent(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)
	sender := h.initSender(t, "t-1", "big.bin")
	readJSON(t, host)
	readJSON(t, sender)

	const frames = 64
	var total int64
	sent := make([][]byte, 0, frames)
	for i := 0; i < frames; i++ {
		frame := make([]byte, i*37+1)
		for j := range frame {
			frame[j] = byte(i + j)
		}
		sent = append(sent, frame)
		total += int64(len(frame))
		sendBinary(t, sender, frame)
	}
	for i := 0; i < frames; i++ {
		require.Equal(t, sent[i], readBinary(t, host), "frame %d", i)
	}

	require.Eventually(t, func() bool {
		record, _ := h.relay.hub.transfer(testToken, "t-1")
		return record.ReceivedBytes == total
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRelayFallbackPersistsWithoutHost(t *testing.T) {
	h := newRelayHarness(t)
	sender := h.initSender(t, "t-1", "report.txt")
	assert.Equal(t, "offset", readJSON(t, sender)["type"])

	for _, chunk := range []string{"hello ", "relay ", "world"} {
		sendBinary(t, sender, []byte(chunk))
	}
	sendJSON(t, sender, map[string]any{"type": "done"})
	assert.Equal(t, map[string]any{"type": "complete", "transferId": "t-1"}, readJSON(t, sender))

	content, err := os.ReadFile(filepath.Join(h.uploadsRoot, testToken, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello relay world", string(content))

	record, ok := h.relay.hub.transfer(testToken, "t-1")
	require.True(t, ok)
	assert.Equal(t, int64(len(content)), record.ReceivedBytes)
	assert.NotNil(t, record.CompletedAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.transfers.WithLabelValues("fallback")))
}

func TestRelayFallbackSinkFinalizedOnReinit(t *testing.T) {
	h := newRelayHarness(t)
	sender := h.initSender(t, "t-1", "first.txt")
	readJSON(t, sender)
	sendBinary(t, sender, []byte("first"))

	sendJSON(t, sender, map[string]any{
		"type": "init", "token": testToken, "code": testCode, "transferId": "t-2", "filename": "../second.txt",
	})
	readJSON(t, sender)

	content, err := os.ReadFile(filepath.Join(h.uploadsRoot, testToken, "first.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))

	sendBinary(t, sender, []byte("second"))
	sendJSON(t, sender, map[string]any{"type": "done"})
	readJSON(t, sender)
	content, err = os.ReadFile(filepath.Join(h.uploadsRoot, testToken, "second.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))
}

func TestRelayDoneRequiresTransferContext(t *testing.T) {
	h := newRelayHarness(t)
	h.relay.hub.recordTransfer(testToken, transferRecord{TransferID: "t-1"})

	conn := h.dial(t)
	sendJSON(t, conn, map[string]any{"type": "done"})
	expectError(t, conn, "missing transfer context")

	sendJSON(t, conn, map[string]any{"type": "done", "token": testToken})
	expectError(t, conn, "missing transfer context")

	record, ok := h.relay.hub.transfer(testToken, "t-1")
	require.True(t, ok)
	assert.Nil(t, record.CompletedAt)
}

func TestRelayDoneWithInlineContext(t *testing.T) {
	h := newRelayHarness(t)
	h.relay.hub.recordTransfer(testToken, transferRecord{TransferID: "t-1"})

	conn := h.dial(t)
	sendJSON(t, conn, map[string]any{"type": "done", "token": testToken, "transferId": "t-1"})
	assert.Equal(t, map[string]any{"type": "complete", "transferId": "t-1"}, readJSON(t, conn))

	record, ok := h.relay.hub.transfer(testToken, "t-1")
	require.True(t, ok)
	assert.NotNil(t, record.CompletedAt)
}

func TestRelayDoneForwardsFilenameToHost(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)
	sender := h.initSender(t, "t-1", "a.bin")
	readJSON(t, host)
	readJSON(t, sender)

	sendJSON(t, sender, map[string]any{"type": "done", "filename": "a.bin"})
	assert.Equal(t, map[string]any{"type": "complete", "transferId": "t-1", "filename": "a.bin"}, readJSON(t, host))
	readJSON(t, sender)

	// The connection stays usable for another transfer.
	sendJSON(t, sender, map[string]any{"type": "init", "token": testToken, "code": testCode, "transferId": "t-2"})
	assert.Equal(t, "t-2", readJSON(t, host)["transferId"])
	assert.Equal(t, "offset", readJSON(t, sender)["type"])
}

func TestRelayControlForwardedToHost(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)

	sender := h.dial(t)
	sendJSON(t, sender, map[string]any{"type": "control", "action": "pause", "token": testToken, "transferId": "t-1"})
	assert.Equal(t, map[string]any{"type": "control", "action": "pause", "transferId": "t-1"}, readJSON(t, host))
	assert.Equal(t, map[string]any{"type": "ack", "message": "forwarded control to host"}, readJSON(t, sender))
}

func TestRelayControlWithoutHost(t *testing.T) {
	h := newRelayHarness(t)
	sender := h.dial(t)

	sendJSON(t, sender, map[string]any{"type": "control", "action": "resume", "token": testToken})
	expectError(t, sender, "no host connected to accept control")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.errors.WithLabelValues("PEER_UNAVAILABLE")))
}

func TestRelayControlValidation(t *testing.T) {
	h := newRelayHarness(t)
	h.registerHost(t)
	sender := h.dial(t)

	sendJSON(t, sender, map[string]any{"type": "control", "action": "pause"})
	expectError(t, sender, "missing control token/action")

	sendJSON(t, sender, map[string]any{"type": "control", "token": testToken})
	expectError(t, sender, "missing control token/action")

	sendJSON(t, sender, map[string]any{"type": "control", "token": testToken, "action": "rewind"})
	expectError(t, sender, "unsupported control action")
}

func TestRelayHostControlIsAcknowledgedNotDelivered(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)
	sender := h.initSender(t, "t-1", "a.bin")
	readJSON(t, host)
	readJSON(t, sender)

	sendJSON(t, host, map[string]any{"type": "control", "action": "stop", "transferId": "t-1"})
	assert.Equal(t, map[string]any{"type": "ack", "message": "host->control stop"}, readJSON(t, host))

	// The next frame the sender sees answers its own noop, so no control
	// was queued ahead of it.
	sendJSON(t, sender, map[string]any{"type": "noop"})
	expectError(t, sender, "unknown type")
}

func TestRelayMalformedMessagesKeepConnectionOpen(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expectError(t, conn, "invalid json")

	sendJSON(t, conn, map[string]any{"token": testToken})
	expectError(t, conn, "missing type")

	sendJSON(t, conn, map[string]any{"type": ""})
	expectError(t, conn, "missing type")

	sendJSON(t, conn, map[string]any{"type": "teleport"})
	expectError(t, conn, "unknown type")

	sendBinary(t, conn, []byte{0x01})
	expectError(t, conn, "no active transfer")

	sendJSON(t, conn, map[string]any{"type": "host-register", "token": testToken})
	assert.Equal(t, "registered", readJSON(t, conn)["type"])
}

func TestRelayBinaryFromHostIsRejected(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)
	sendBinary(t, host, []byte("nope"))
	expectError(t, host, "no active transfer")
}

func TestRelayStatusMessagesAreLogged(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t)

	sendJSON(t, conn, map[string]any{"type": "paused", "transferId": "t-1", "message": "user paused"})
	sendJSON(t, conn, map[string]any{"type": "noop"})
	expectError(t, conn, "unknown type")

	var found *logrus.Entry
	for _, entry := range h.hook.AllEntries() {
		if entry.Message == "status message" && entry.Data["type"] == "paused" {
			found = entry
		}
	}
	require.NotNil(t, found, "paused status was not logged")
	assert.Equal(t, "t-1", found.Data["transfer"])
	assert.Equal(t, "user paused", found.Data["message"])
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.statusMessages.WithLabelValues("paused")))
}

func TestRelayClosesIdleConnection(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t)
	conn.SetPingHandler(func(string) error { return nil })

	sendJSON(t, conn, map[string]any{"type": "noop"})
	expectError(t, conn, "unknown type")

	for i := 0; i < 11; i++ {
		h.clock.Add(30 * time.Second)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "connection was not closed by the relay")
	}
	require.Eventually(t, func() bool { return h.relay.connectionCount() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.idleTerminations))
}

func TestRelayKeepsPeriodicallyActiveConnection(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t)

	for i := 0; i < 5; i++ {
		sendJSON(t, conn, map[string]any{"type": "noop"})
		expectError(t, conn, "unknown type")
		for step := 0; step < 4; step++ {
			h.clock.Add(30 * time.Second)
		}
	}

	sendJSON(t, conn, map[string]any{"type": "noop"})
	expectError(t, conn, "unknown type")
	assert.Equal(t, 1, h.relay.connectionCount())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.relay.metrics.idleTerminations))
}

func TestRelayPongRefreshesActivity(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t)

	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- payload
		}
	}()

	sendJSON(t, conn, map[string]any{"type": "noop"})
	select {
	case <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no reply to noop")
	}
	server := h.onlyConn(t)

	for i := 0; i < 9; i++ {
		h.clock.Add(30 * time.Second)
	}
	require.Eventually(t, func() bool { return server.liveness.idleFor() < time.Minute }, 3*time.Second, 5*time.Millisecond)

	for i := 0; i < 6; i++ {
		h.clock.Add(30 * time.Second)
	}
	require.Never(t, func() bool {
		return testutil.ToFloat64(h.relay.metrics.idleTerminations) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRelayForwardResults(t *testing.T) {
	h := newRelayHarness(t)
	host := h.registerHost(t)

	result := h.relay.forward(testToken, "test", func(conn *relayConn) error {
		return conn.writeJSON(ackMessage{Type: msgAck, Message: "direct"})
	})
	assert.Equal(t, forwardDelivered, result)
	assert.Equal(t, "direct", readJSON(t, host)["message"])

	result = h.relay.forward(testToken, "test", func(*relayConn) error {
		return errors.New("boom")
	})
	assert.Equal(t, forwardTransportError, result)
	require.Eventually(t, func() bool { return h.relay.hub.lookupHost(testToken) == nil }, 3*time.Second, 5*time.Millisecond)

	result = h.relay.forward("unknown", "test", func(*relayConn) error {
		t.Fatal("send must not run without a host")
		return nil
	})
	assert.Equal(t, forwardDroppedNoPeer, result)

	for _, want := range []forwardResult{forwardDelivered, forwardTransportError, forwardDroppedNoPeer} {
		assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.forwards.WithLabelValues("test", want.String())), want.String())
	}
}

func TestRelayCloseTerminatesConnections(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.registerHost(t)

	require.NoError(t, h.relay.Close())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return h.relay.connectionCount() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.relay.hub.hostCount())
}

func TestRelayRetentionSweepsCompletedTransfers(t *testing.T) {
	h := newRelayHarness(t)
	h.relay.SeedSession(testToken)
	h.relay.hub.recordTransfer(testToken, transferRecord{TransferID: "t-1"})
	h.relay.hub.completeTransfer(testToken, "t-1", h.clock.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.relay.RunRetention(ctx, time.Minute) }()

	require.Eventually(t, func() bool {
		h.clock.Add(time.Minute)
		_, ok := h.relay.hub.transfer(testToken, "t-1")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	dir, err := uploads.Open(t.TempDir())
	require.NoError(t, err)

	_, err = NewRelay(RelayOptions{Uploads: dir})
	require.Error(t, err)
	_, err = NewRelay(RelayOptions{Resolver: staticResolver{}})
	require.Error(t, err)
}

func TestRelayTerminatesHostThatStopsReading(t *testing.T) {
	h := newRelayHarness(t, func(opts *RelayOptions) {
		opts.WriteTimeout = 200 * time.Millisecond
	})
	host := h.registerHost(t)
	sender := h.initSender(t, "t-1", "big.bin")
	assert.Equal(t, "start", readJSON(t, host)["type"])
	assert.Equal(t, "offset", readJSON(t, sender)["type"])

	// The host never reads again, so its socket buffers fill and a forward
	// eventually misses the write deadline.
	go func() {
		frame := make([]byte, 16*1024*1024)
		for i := 0; i < 8; i++ {
			if err := sender.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}()

	require.NoError(t, sender.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, payload, err := sender.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, map[string]any{"type": "error", "message": "Host disconnected"}, msg)

	require.Eventually(t, func() bool { return h.relay.hub.lookupHost(testToken) == nil }, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.relay.metrics.forwards.WithLabelValues("binary", "transport_error")), float64(1))
}

func TestRelayPersistedTransferDoesNotNotifyLateHost(t *testing.T) {
	h := newRelayHarness(t)
	sender := h.initSender(t, "t-1", "late.txt")
	assert.Equal(t, "offset", readJSON(t, sender)["type"])

	host := h.registerHost(t)
	sendBinary(t, sender, []byte("to disk"))
	sendJSON(t, sender, map[string]any{"type": "done", "filename": "late.txt"})
	assert.Equal(t, map[string]any{"type": "complete", "transferId": "t-1"}, readJSON(t, sender))

	// Neither the chunk nor a complete was queued for the host.
	sendJSON(t, host, map[string]any{"type": "noop"})
	expectError(t, host, "unknown type")

	content, err := os.ReadFile(filepath.Join(h.uploadsRoot, testToken, "late.txt"))
	require.NoError(t, err)
	assert.Equal(t, "to disk", string(content))
}

func TestRelayReportsUnavailableUploadStorage(t *testing.T) {
	h := newRelayHarness(t)
	sender := h.dial(t)
	sendJSON(t, sender, map[string]any{
		"type": "init", "token": badToken, "code": badTokenCode, "transferId": "t-1", "filename": "a.bin",
	})
	assert.Equal(t, "offset", readJSON(t, sender)["type"])

	sendBinary(t, sender, []byte("chunk"))
	expectError(t, sender, "upload storage unavailable")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.relay.metrics.errors.WithLabelValues("STORAGE")))
}
