package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	apperrors "github.com/skypiea/relay/internal/platform/errors"
	"github.com/skypiea/relay/internal/platform/timeouts"
	"github.com/skypiea/relay/internal/services/relay/storage"
	"github.com/skypiea/relay/internal/services/relay/uploads"
)

const (
	// DefaultMaxFrameBytes caps a single inbound WebSocket message.
	DefaultMaxFrameBytes = 50 * 1024 * 1024

	tracerName = "github.com/skypiea/relay/internal/services/relay/app"
)

// CodeResolver looks up the connection record behind a pairing code.
type CodeResolver interface {
	Resolve(ctx context.Context, code string) (storage.ConnectionInfo, error)
}

// RelayOptions configures a Relay. Resolver and Uploads are required.
type RelayOptions struct {
	Resolver      CodeResolver
	Uploads       *uploads.Dir
	Logger        *logrus.Entry
	Clock         clock.Clock
	IdleTimeout   time.Duration
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64
}

// Relay pairs senders with hosts by token and moves transfer frames between
// them, persisting to the upload tree when no host is registered.
type Relay struct {
	hub          *relayHub
	resolver     CodeResolver
	uploads      *uploads.Dir
	log          *logrus.Entry
	clock        clock.Clock
	tracer       trace.Tracer
	metrics      *relayMetrics
	upgrader     websocket.Upgrader
	idleTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	maxFrame     int64

	connsMu sync.Mutex
	conns   map[string]*relayConn
}

// NewRelay builds a relay with its own hub and metrics registry.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Resolver == nil {
		return nil, errors.New("code resolver is required")
	}
	if opts.Uploads == nil {
		return nil, errors.New("uploads dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = timeouts.IdlePeer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = timeouts.LivenessPing
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = timeouts.Write
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}

	hub := newRelayHub()
	r := &Relay{
		hub:      hub,
		resolver: opts.Resolver,
		uploads:  opts.Uploads,
		log:      opts.Logger.WithField("component", "relay"),
		clock:    opts.Clock,
		tracer:   otel.Tracer(tracerName),
		metrics: newRelayMetrics(func() float64 {
			return float64(hub.hostCount())
		}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: timeouts.Handshake,
			// Pairing is authorised by token possession, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		idleTimeout:  opts.IdleTimeout,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		maxFrame:     opts.MaxFrameBytes,
		conns:        make(map[string]*relayConn),
	}
	return r, nil
}

// SeedSession creates the transfer session for token ahead of the first init.
func (r *Relay) SeedSession(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	r.hub.createOrGetSession(token)
}

// SweepCompleted drops completed transfer records older than retention.
func (r *Relay) SweepCompleted(retention time.Duration) int {
	return r.hub.sweepCompleted(r.clock.Now().Add(-retention))
}

// RunRetention sweeps completed transfers every retention interval until ctx
// ends. A non-positive retention disables the sweep.
func (r *Relay) RunRetention(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := r.clock.Ticker(retention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := r.SweepCompleted(retention); removed > 0 {
				r.log.WithField("removed", removed).Info("swept completed transfers")
			}
		}
	}
}

// MetricsHandler exposes the relay registry in Prometheus text format.
func (r *Relay) MetricsHandler() http.Handler {
	return r.metrics.handler()
}

// Close terminates every open relay connection.
func (r *Relay) Close() error {
	r.connsMu.Lock()
	open := make([]*relayConn, 0, len(r.conns))
	for _, conn := range r.conns {
		open = append(open, conn)
	}
	r.connsMu.Unlock()

	var err error
	for _, conn := range open {
		if closeErr := conn.terminate(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close connection %s: %w", conn.id, closeErr))
		}
	}
	return err
}

func (r *Relay) connectionCount() int {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	return len(r.conns)
}

func (r *Relay) track(conn *relayConn) {
	r.connsMu.Lock()
	r.conns[conn.id] = conn
	r.connsMu.Unlock()
	r.metrics.connections.Inc()
}

func (r *Relay) untrack(conn *relayConn) {
	r.connsMu.Lock()
	delete(r.conns, conn.id)
	r.connsMu.Unlock()
	r.metrics.connections.Dec()
}

// ServeHTTP upgrades the request and runs the relay protocol until the peer
// goes away.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).WithField("remote", req.RemoteAddr).Debug("websocket upgrade failed")
		return
	}
	conn := &relayConn{
		id:           uuid.NewString(),
		remote:       req.RemoteAddr,
		ws:           ws,
		writeTimeout: r.writeTimeout,
	}
	conn.liveness = newLivenessMonitor(r.clock, r.idleTimeout, conn.ping, func(idle time.Duration) {
		r.log.WithFields(logrus.Fields{
			"conn": conn.id,
			"idle": idle.String(),
		}).Info("terminating idle connection")
		r.metrics.idleTerminations.Inc()
		_ = conn.terminate()
	})
	r.serveConn(req.Context(), conn)
}

func (r *Relay) serveConn(ctx context.Context, conn *relayConn) {
	ctx, span := r.tracer.Start(ctx, "relay.connection", trace.WithAttributes(
		attribute.String("relay.conn_id", conn.id),
	))
	defer span.End()

	r.track(conn)
	log := r.log.WithFields(logrus.Fields{"conn": conn.id, "remote": conn.remote})
	log.Debug("connection opened")

	conn.ws.SetReadLimit(r.maxFrame)
	conn.ws.SetPongHandler(func(string) error {
		conn.liveness.touch()
		return nil
	})

	livenessDone := make(chan struct{})
	go conn.liveness.run(r.clock.Ticker(r.pingInterval), livenessDone)

	defer func() {
		close(livenessDone)
		r.teardown(conn)
		span.SetAttributes(attribute.String("relay.role", conn.role.String()))
		log.WithField("role", conn.role.String()).Debug("connection closed")
	}()

	for {
		messageType, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if !conn.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.WithError(err).Debug("read failed")
			}
			return
		}
		conn.liveness.touch()

		switch messageType {
		case websocket.TextMessage:
			r.handleText(ctx, conn, payload)
		case websocket.BinaryMessage:
			if err := r.handleBinary(conn, payload); err != nil {
				r.fail(conn, err)
			}
		}
	}
}

func (r *Relay) teardown(conn *relayConn) {
	conn.closed.Store(true)
	if conn.role == roleHost && conn.token != "" {
		if r.hub.unregisterHost(conn.token, conn.id) {
			r.log.WithFields(logrus.Fields{"conn": conn.id, "token": conn.token}).Info("host unregistered")
		}
	}
	if conn.sink != nil {
		_ = conn.sink.Close()
		conn.sink = nil
	}
	_ = conn.ws.Close()
	r.untrack(conn)
}

func (r *Relay) handleText(ctx context.Context, conn *relayConn, payload []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.fail(conn, apperrors.Wrap(apperrors.CodeProtocol, "invalid json", err))
		return
	}
	msgType := strings.TrimSpace(msg.Type)
	if msgType == "" {
		r.fail(conn, apperrors.New(apperrors.CodeProtocol, "missing type"))
		return
	}

	var err error
	switch msgType {
	case msgHostRegister:
		err = r.handleHostRegister(conn, msg)
	case msgInit:
		err = r.handleInit(ctx, conn, msg)
	case msgDone:
		err = r.handleDone(ctx, conn, msg)
	case msgControl:
		err = r.handleControl(conn, msg)
	case msgPaused, msgResumed, msgStopped, msgError:
		r.handleStatus(conn, msgType, msg)
	default:
		err = apperrors.New(apperrors.CodeProtocol, "unknown type")
	}
	if err != nil {
		r.fail(conn, err)
	}
}

// fail answers client-visible errors with an error message and logs the rest.
func (r *Relay) fail(conn *relayConn, err error) {
	code := apperrors.CodeOf(err)
	r.metrics.errors.WithLabelValues(string(code)).Inc()
	log := r.log.WithError(err).WithFields(logrus.Fields{
		"conn": conn.id,
		"role": conn.role.String(),
		"code": string(code),
	})
	if !code.Reply() {
		log.Warn("relay error")
		return
	}
	log.Debug("relay error reply")
	r.reply(conn, errorMessage{Type: msgError, Message: apperrors.MessageOf(err)})
}

func (r *Relay) reply(conn *relayConn, v any) {
	if err := conn.writeJSON(v); err != nil {
		r.log.WithError(err).WithField("conn", conn.id).Debug("reply failed")
	}
}

func (r *Relay) handleHostRegister(conn *relayConn, msg inboundMessage) error {
	token := strings.TrimSpace(msg.Token)
	if token == "" {
		return apperrors.New(apperrors.CodeProtocol, "missing token")
	}
	if conn.role == roleHost && conn.token != "" && conn.token != token {
		r.hub.unregisterHost(conn.token, conn.id)
	}
	r.finalizeSink(conn)
	conn.role = roleHost
	conn.token = token
	conn.transferID = ""
	r.hub.registerHost(token, conn)

	r.log.WithFields(logrus.Fields{"conn": conn.id, "token": token}).Info("host registered")
	r.reply(conn, registeredMessage{Type: msgRegistered, Token: token})
	return nil
}

func (r *Relay) handleInit(ctx context.Context, conn *relayConn, msg inboundMessage) error {
	ctx, span := r.tracer.Start(ctx, "relay.init")
	defer span.End()

	token := strings.TrimSpace(msg.Token)
	code := strings.TrimSpace(msg.Code)
	transferID := strings.TrimSpace(msg.TransferID)
	if token == "" || code == "" || transferID == "" {
		span.SetStatus(codes.Error, "incomplete init")
		return apperrors.New(apperrors.CodeProtocol, "init requires token, code, transferId")
	}
	span.SetAttributes(attribute.String("relay.transfer_id", transferID))

	// The pair must match the issued record byte for byte.
	info, err := r.resolver.Resolve(ctx, code)
	if err == nil && (info.Code != msg.Code || subtle.ConstantTimeCompare([]byte(info.Token), []byte(msg.Token)) != 1) {
		err = errors.New("code or token mismatch")
	}
	if err != nil {
		span.SetStatus(codes.Error, "invalid code or token")
		return apperrors.Wrap(apperrors.CodeValidation, "invalid code or token", err)
	}

	if conn.role == roleHost && conn.token != "" {
		r.hub.unregisterHost(conn.token, conn.id)
	}
	r.finalizeSink(conn)

	now := r.clock.Now()
	filename := ""
	if msg.Filename != nil {
		filename = strings.TrimSpace(*msg.Filename)
	}
	if filename == "" {
		filename = fmt.Sprintf("upload-%d", now.UnixMilli())
	}
	totalSize := msg.TotalSize
	if totalSize < 0 {
		totalSize = 0
	}

	conn.role = roleSender
	conn.token = token
	conn.transferID = transferID
	conn.fallback = false
	conn.sinkFailed = false
	r.hub.recordTransfer(token, transferRecord{
		TransferID: transferID,
		Filename:   filename,
		TotalSize:  totalSize,
		StartedAt:  now,
	})

	log := r.log.WithFields(logrus.Fields{
		"conn":     conn.id,
		"token":    token,
		"transfer": transferID,
		"filename": filename,
	})
	if r.hub.lookupHost(token).live() {
		r.forward(token, msgStart, func(host *relayConn) error {
			return host.writeJSON(startMessage{
				Type:       msgStart,
				TransferID: transferID,
				Filename:   filename,
				TotalSize:  totalSize,
			})
		})
		r.metrics.transfers.WithLabelValues("host").Inc()
		span.SetAttributes(attribute.String("relay.path", "host"))
		log.Info("transfer started")
	} else {
		conn.fallback = true
		sink, err := r.uploads.OpenSink(token, filename)
		if err != nil {
			log.WithError(err).Error("open fallback sink")
			conn.sinkFailed = true
		} else {
			conn.sink = sink
		}
		r.metrics.transfers.WithLabelValues("fallback").Inc()
		span.SetAttributes(attribute.String("relay.path", "fallback"))
		log.Info("transfer started without host, persisting")
	}

	r.reply(conn, offsetMessage{Type: msgOffset, Offset: 0})
	return nil
}

func (r *Relay) handleBinary(conn *relayConn, payload []byte) error {
	if conn.role != roleSender || conn.token == "" {
		return apperrors.New(apperrors.CodeProtocol, "no active transfer")
	}

	if conn.sinkFailed {
		return apperrors.New(apperrors.CodeStorage, "upload storage unavailable")
	}
	if conn.sink != nil {
		n, err := conn.sink.Write(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeTransport, "persist frame", err)
		}
		r.hub.addReceived(conn.token, conn.transferID, n)
		r.metrics.persistedBytes.Add(float64(n))
		return nil
	}

	switch r.forward(conn.token, "binary", func(host *relayConn) error {
		return host.writeBinary(payload)
	}) {
	case forwardDelivered:
		r.hub.addReceived(conn.token, conn.transferID, len(payload))
		r.metrics.forwardedBytes.Add(float64(len(payload)))
	case forwardDroppedNoPeer, forwardTransportError:
		return apperrors.New(apperrors.CodePeerUnavailable, "Host disconnected")
	}
	return nil
}

func (r *Relay) handleDone(ctx context.Context, conn *relayConn, msg inboundMessage) error {
	_, span := r.tracer.Start(ctx, "relay.done")
	defer span.End()

	token := conn.token
	if token == "" {
		token = strings.TrimSpace(msg.Token)
	}
	transferID := conn.transferID
	if transferID == "" {
		transferID = strings.TrimSpace(msg.TransferID)
	}
	if token == "" || transferID == "" {
		span.SetStatus(codes.Error, "missing transfer context")
		return apperrors.New(apperrors.CodeProtocol, "missing transfer context")
	}
	span.SetAttributes(attribute.String("relay.transfer_id", transferID))

	// A host that registered during a persisted transfer never saw its start.
	persisted := conn.fallback && conn.transferID == transferID
	if !persisted && r.hub.lookupHost(token).live() {
		r.forward(token, msgComplete, func(host *relayConn) error {
			return host.writeJSON(hostCompleteMessage{
				Type:       msgComplete,
				TransferID: transferID,
				Filename:   msg.Filename,
			})
		})
	}
	r.finalizeSink(conn)
	r.hub.completeTransfer(token, transferID, r.clock.Now())
	if conn.transferID == transferID {
		conn.transferID = ""
		conn.fallback = false
		conn.sinkFailed = false
	}
	r.metrics.completed.Inc()

	r.log.WithFields(logrus.Fields{
		"conn":     conn.id,
		"token":    token,
		"transfer": transferID,
	}).Info("transfer complete")
	r.reply(conn, completeMessage{Type: msgComplete, TransferID: transferID})
	return nil
}

func (r *Relay) handleControl(conn *relayConn, msg inboundMessage) error {
	token := strings.TrimSpace(msg.Token)
	if token == "" {
		token = conn.token
	}
	action := strings.TrimSpace(msg.Action)
	if token == "" || action == "" {
		return apperrors.New(apperrors.CodeProtocol, "missing control token/action")
	}
	if !validControlAction(action) {
		return apperrors.New(apperrors.CodeProtocol, "unsupported control action")
	}

	log := r.log.WithFields(logrus.Fields{
		"conn":   conn.id,
		"token":  token,
		"action": action,
	})
	if conn.role == roleHost {
		// Host control has no sender route; acknowledge and drop.
		log.Info("host control acknowledged")
		r.reply(conn, ackMessage{Type: msgAck, Message: "host->control " + action})
		return nil
	}

	result := r.forward(token, msgControl, func(host *relayConn) error {
		return host.writeJSON(controlMessage{
			Type:       msgControl,
			Action:     action,
			TransferID: strings.TrimSpace(msg.TransferID),
		})
	})
	if result != forwardDelivered {
		return apperrors.New(apperrors.CodePeerUnavailable, "no host connected to accept control")
	}
	log.WithField("result", result.String()).Info("control forwarded")
	r.reply(conn, ackMessage{Type: msgAck, Message: "forwarded control to host"})
	return nil
}

func (r *Relay) handleStatus(conn *relayConn, msgType string, msg inboundMessage) {
	r.metrics.statusMessages.WithLabelValues(msgType).Inc()
	r.log.WithFields(logrus.Fields{
		"conn":     conn.id,
		"role":     conn.role.String(),
		"type":     msgType,
		"transfer": msg.TransferID,
		"message":  msg.Message,
	}).Info("status message")
}

// finalizeSink completes and detaches the connection's fallback sink.
func (r *Relay) finalizeSink(conn *relayConn) {
	if conn.sink == nil {
		return
	}
	sink := conn.sink
	conn.sink = nil
	if err := sink.Finalize(); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"conn": conn.id,
			"path": sink.Path(),
		}).Error("finalize upload")
		return
	}
	r.log.WithFields(logrus.Fields{
		"conn":    conn.id,
		"path":    sink.Path(),
		"written": sink.Written(),
	}).Info("upload saved")
}
