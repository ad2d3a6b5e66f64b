// Package relay parses relay command flags and composes the relay server.
package relay

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/skypiea/relay/internal/platform/cmd"
	"github.com/skypiea/relay/internal/platform/logging"
	server "github.com/skypiea/relay/internal/services/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr          string        `env:"SKYPIEA_RELAY_HTTP_ADDR"          envDefault:":3000"`
	PublicAddr        string        `env:"SKYPIEA_RELAY_PUBLIC_ADDR"`
	UploadsDir        string        `env:"SKYPIEA_RELAY_UPLOADS_DIR"        envDefault:"uploads"`
	DBPath            string        `env:"SKYPIEA_RELAY_DB_PATH"`
	AllowedOrigins    []string      `env:"SKYPIEA_RELAY_ALLOWED_ORIGINS"    envSeparator:","`
	MaxConnections    int           `env:"SKYPIEA_RELAY_MAX_CONNECTIONS"    envDefault:"0"`
	TransferRetention time.Duration `env:"SKYPIEA_RELAY_TRANSFER_RETENTION" envDefault:"0s"`
	LogLevel          string        `env:"SKYPIEA_LOG_LEVEL"                envDefault:"info"`
	LogFormat         string        `env:"SKYPIEA_LOG_FORMAT"               envDefault:"text"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	origins := strings.Join(cfg.AllowedOrigins, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.PublicAddr, "public-addr", cfg.PublicAddr, "address embedded in issued codes")
	fs.StringVar(&cfg.UploadsDir, "uploads-dir", cfg.UploadsDir, "directory for uploads received without a host")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite path for issued codes (empty keeps them in memory)")
	fs.StringVar(&origins, "allowed-origins", origins, "comma separated CORS origins")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "concurrent connection cap (0 is unlimited)")
	fs.DurationVar(&cfg.TransferRetention, "transfer-retention", cfg.TransferRetention, "how long completed transfers are remembered (0 keeps them)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = splitOrigins(origins)
	return cfg, nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// Run configures logging and serves the relay until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.Configure(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			PublicAddr:        cfg.PublicAddr,
			UploadsDir:        cfg.UploadsDir,
			DBPath:            cfg.DBPath,
			AllowedOrigins:    cfg.AllowedOrigins,
			MaxConnections:    cfg.MaxConnections,
			TransferRetention: cfg.TransferRetention,
			Logger:            logger.WithField("service", entrypoint.ServiceRelay),
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
