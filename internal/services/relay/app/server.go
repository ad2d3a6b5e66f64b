// Package server hosts the relay HTTP process: the /ws relay endpoint, the
// pairing-code routes and the upload folder routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/skypiea/relay/internal/platform/timeouts"
	"github.com/skypiea/relay/internal/services/relay/registry"
	"github.com/skypiea/relay/internal/services/relay/storage"
	"github.com/skypiea/relay/internal/services/relay/storage/memory"
	"github.com/skypiea/relay/internal/services/relay/storage/sqlite"
	"github.com/skypiea/relay/internal/services/relay/uploads"
)

// Config defines the inputs for the relay process.
type Config struct {
	HTTPAddr string
	// PublicAddr is the address embedded in issued codes. Empty means the
	// first non-loopback IPv4 address of this machine.
	PublicAddr        string
	UploadsDir        string
	DBPath            string
	AllowedOrigins    []string
	MaxConnections    int
	TransferRetention time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxFrameBytes     int64
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *logrus.Entry
	Clock             clock.Clock
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	maxConnections  int
	retention       time.Duration
	shutdownTimeout time.Duration
	httpServer      *http.Server
	relay           *Relay
	store           storage.ConnectionStore
	log             *logrus.Entry
}

// NewServer builds a configured relay server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	port, err := portOf(httpAddr)
	if err != nil {
		return nil, err
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.MaxConnections < 0 {
		return nil, errors.New("max connections must not be negative")
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	publicAddr := strings.TrimSpace(config.PublicAddr)
	if publicAddr == "" {
		publicAddr = localIPv4()
	}

	dir, err := uploads.Open(config.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("open uploads: %w", err)
	}
	store, err := openStore(config.DBPath)
	if err != nil {
		return nil, err
	}

	var relay *Relay
	codes, err := registry.New(store, registry.Config{
		Address: publicAddr,
		Port:    port,
		OnIssue: func(token string) { relay.SeedSession(token) },
		Now:     clk.Now,
		Logger:  logger,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("init registry: %w", err), store.Close())
	}
	relay, err = NewRelay(RelayOptions{
		Resolver:      codes,
		Uploads:       dir,
		Logger:        logger,
		Clock:         clk,
		IdleTimeout:   config.IdleTimeout,
		PingInterval:  config.PingInterval,
		MaxFrameBytes: config.MaxFrameBytes,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("init relay: %w", err), store.Close())
	}

	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: newHandler(handlerDeps{
			relay:          relay,
			registry:       codes,
			uploads:        dir,
			log:            logger.WithField("component", "http"),
			allowedOrigins: config.AllowedOrigins,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		maxConnections:  config.MaxConnections,
		retention:       config.TransferRetention,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		relay:           relay,
		store:           store,
		log:             logger,
	}, nil
}

func openStore(path string) (storage.ConnectionStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return memory.New(), nil
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open connection store: %w", err)
	}
	return store, nil
}

func portOf(addr string) (int, error) {
	_, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse http address: %w", err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid http port %q", rawPort)
	}
	return port, nil
}

// localIPv4 returns the first non-loopback IPv4 address, or 127.0.0.1.
func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run creates and serves a relay server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			server.log.WithError(err).Warn("close relay server")
		}
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the transfer retention sweep until
// the context ends, then closes every relay connection.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpAddr, err)
	}
	if s.maxConnections > 0 {
		listener = netutil.LimitListener(listener, s.maxConnections)
	}
	s.log.WithField("addr", listener.Addr().String()).Info("relay server listening")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return s.relay.RunRetention(groupCtx, s.retention)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		// Shutdown does not track hijacked connections.
		err := multierr.Append(s.httpServer.Shutdown(shutdownCtx), s.relay.Close())
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close releases server resources.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return multierr.Combine(s.relay.Close(), s.store.Close())
}
