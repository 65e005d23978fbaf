package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/Prismer-AI/Prismer/sdk/chatsync/pebblecache"
)

// Environment variables override the config file.
const (
	envToken     = "CHATSYNC_TOKEN"
	envBaseURL   = "CHATSYNC_BASE_URL"
	envTransport = "CHATSYNC_TRANSPORT"
	envLogLevel  = "CHATSYNC_LOG_LEVEL"
)

var errNoToken = errors.New("no access token; run 'chatsync init <token>' or set " + envToken)

// loadDotEnv loads .env from the working directory if present.
func loadDotEnv() {
	_ = godotenv.Load()
}

// applyEnv overlays environment overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envToken); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv(envTransport); v != "" {
		cfg.Realtime.Transport = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

// engineConfig maps the file config onto the engine's.
func engineConfig(cfg *Config) chatsync.Config {
	return chatsync.Config{
		BaseURL:            cfg.Default.BaseURL,
		Transport:          chatsync.TransportKind(cfg.Realtime.Transport),
		PendingCorrections: cfg.Realtime.PendingCorrections,
		Realtime: chatsync.RealtimeConfig{
			MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
			HeartbeatInterval:    time.Duration(cfg.Realtime.HeartbeatSeconds) * time.Second,
			PollInterval:         time.Duration(cfg.Realtime.PollSeconds) * time.Second,
		},
	}
}

// newLogger builds a console logger on stderr at level.
func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.WarnLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}

// credentialsFor picks the JWT-aware provider for JWTs and the static one
// for opaque tokens.
func credentialsFor(token string, logger *zap.Logger) chatsync.CredentialProvider {
	onInvalid := func(err error) {
		logger.Warn("access token rejected; run 'chatsync init' with a new token", zap.Error(err))
	}
	if strings.Count(token, ".") == 2 {
		return chatsync.NewJWTCredentials(token, onInvalid)
	}
	return chatsync.NewStaticCredentials(token, onInvalid)
}

// session bundles an engine with the resources the CLI opened for it.
type session struct {
	engine   *chatsync.Engine
	logger   *zap.Logger
	registry *prometheus.Registry
	cache    *pebblecache.Storage
}

// openSession loads config, applies env overrides, and wires an engine
// with the pebble snapshot cache when one is configured.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	s := &session{logger: logger, registry: prometheus.NewRegistry()}
	opts := []chatsync.Option{
		chatsync.WithLogger(logger),
		chatsync.WithMetrics(s.registry),
	}
	if cfg.Cache.Dir != "" {
		s.cache, err = pebblecache.Open(cfg.Cache.Dir)
		if err != nil {
			logger.Sync()
			return nil, err
		}
		opts = append(opts, chatsync.WithSnapshotStorage(s.cache))
	}

	s.engine = chatsync.NewEngine(engineConfig(cfg), credentialsFor(cfg.Auth.Token, logger), opts...)
	if err := s.engine.Hydrate(); err != nil {
		logger.Warn("snapshot cache unreadable", zap.Error(err))
	}
	return s, nil
}

func (s *session) Close() {
	s.engine.Disconnect()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("close snapshot cache", zap.Error(err))
		}
	}
	s.logger.Sync()
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
