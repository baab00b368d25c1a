package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envVarListenAddr      = "REMOTEEYE_LISTEN_ADDR"
	envVarMode            = "REMOTEEYE_MODE"
	envVarLogFormat       = "REMOTEEYE_LOG_FORMAT"
	envVarLogLevel        = "REMOTEEYE_LOG_LEVEL"
	envVarShutdownTimeout = "REMOTEEYE_SHUTDOWN_TIMEOUT"

	// Token authority knobs.
	envVarJWTSecret       = "JWT_SECRET"
	envVarAccessTokenTTL  = "ACCESS_TOKEN_TTL"
	envVarRefreshTokenTTL = "REFRESH_TOKEN_TTL"
	envVarPairingCodeTTL  = "PAIRING_CODE_TTL"

	// Session/presence knobs.
	envVarHeartbeatInterval = "HEARTBEAT_INTERVAL"
	envVarHeartbeatMisses   = "HEARTBEAT_GRACE_MULTIPLE"

	// Command queue knobs.
	envVarCommandQueueDepth = "COMMAND_QUEUE_DEPTH"

	// Gateway hardening knobs.
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarSendQueueDepth       = "SEND_QUEUE_DEPTH"

	// Durable store.
	envVarMongoURI      = "MONGO_URI"
	envVarMongoDatabase = "MONGO_DATABASE"

	// Wake escalation.
	envVarFCMEndpoint    = "FCM_ENDPOINT"
	envVarFCMServerKey   = "FCM_SERVER_KEY"
	envVarWakeTimeout    = "WAKE_PUSH_TIMEOUT"
	envVarMQTTBrokerURL  = "MQTT_BROKER_URL"
	envVarMQTTUsername   = "MQTT_USERNAME"
	envVarMQTTPassword   = "MQTT_PASSWORD"
	envVarMQTTWakePrefix = "MQTT_WAKE_TOPIC_PREFIX"

	// Recording blob storage (S3/R2-compatible).
	envVarBlobEndpoint  = "BLOB_ENDPOINT"
	envVarBlobRegion    = "BLOB_REGION"
	envVarBlobBucket    = "BLOB_BUCKET"
	envVarBlobAccessKey = "BLOB_ACCESS_KEY_ID"
	envVarBlobSecretKey = "BLOB_SECRET_ACCESS_KEY"
	envVarBlobURLTTL    = "BLOB_URL_TTL"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultAccessTokenTTL       = 60 * time.Minute
	DefaultRefreshTokenTTL      = 7 * 24 * time.Hour
	DefaultPairingCodeTTL       = 10 * time.Minute
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatMisses      = 3
	DefaultCommandQueueDepth    = 100
	DefaultMaxMessageBytes      = int64(1 << 20) // base64 media frames are large
	DefaultMaxMessagesPerSecond = 60
	DefaultWSIdleTimeout        = 90 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultSendQueueDepth       = 256
	DefaultWakeTimeout          = 5 * time.Second
	DefaultMQTTWakePrefix       = "remoteeye/wake/"
	DefaultBlobURLTTL           = time.Hour
	DefaultMongoDatabase        = "remoteeye"

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	PairingCodeTTL  time.Duration

	HeartbeatInterval      time.Duration
	HeartbeatGraceMultiple int

	CommandQueueDepth int

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	SendQueueDepth       int

	MongoURI      string
	MongoDatabase string

	FCMEndpoint     string
	FCMServerKey    string
	WakePushTimeout time.Duration
	MQTTBrokerURL   string
	MQTTUsername    string
	MQTTPassword    string
	MQTTWakePrefix  string

	BlobEndpoint  string
	BlobRegion    string
	BlobBucket    string
	BlobAccessKey string
	BlobSecretKey string
	BlobURLTTL    time.Duration
}

// Load builds the configuration from a .env file (if present), environment
// variables, and command-line flags, in increasing order of precedence.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, "")
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeStr)
	}
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "")
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeStr)
	}

	cfg := Config{
		MongoURI:       envOrDefault(lookup, envVarMongoURI, ""),
		MongoDatabase:  envOrDefault(lookup, envVarMongoDatabase, DefaultMongoDatabase),
		JWTSecret:      envOrDefault(lookup, envVarJWTSecret, ""),
		FCMEndpoint:    envOrDefault(lookup, envVarFCMEndpoint, ""),
		FCMServerKey:   envOrDefault(lookup, envVarFCMServerKey, ""),
		MQTTBrokerURL:  envOrDefault(lookup, envVarMQTTBrokerURL, ""),
		MQTTUsername:   envOrDefault(lookup, envVarMQTTUsername, ""),
		MQTTPassword:   envOrDefault(lookup, envVarMQTTPassword, ""),
		MQTTWakePrefix: envOrDefault(lookup, envVarMQTTWakePrefix, DefaultMQTTWakePrefix),
		BlobEndpoint:   envOrDefault(lookup, envVarBlobEndpoint, ""),
		BlobRegion:     envOrDefault(lookup, envVarBlobRegion, "auto"),
		BlobBucket:     envOrDefault(lookup, envVarBlobBucket, ""),
		BlobAccessKey:  envOrDefault(lookup, envVarBlobAccessKey, ""),
		BlobSecretKey:  envOrDefault(lookup, envVarBlobSecretKey, ""),
	}

	var err error
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = envDurationOrDefault(lookup, envVarAccessTokenTTL, DefaultAccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = envDurationOrDefault(lookup, envVarRefreshTokenTTL, DefaultRefreshTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.PairingCodeTTL, err = envDurationOrDefault(lookup, envVarPairingCodeTTL, DefaultPairingCodeTTL); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatGraceMultiple, err = envIntOrDefault(lookup, envVarHeartbeatMisses, DefaultHeartbeatMisses); err != nil {
		return Config{}, err
	}
	if cfg.CommandQueueDepth, err = envIntOrDefault(lookup, envVarCommandQueueDepth, DefaultCommandQueueDepth); err != nil {
		return Config{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxMsgBytes)
	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.WSIdleTimeout, err = envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval, err = envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueDepth, err = envIntOrDefault(lookup, envVarSendQueueDepth, DefaultSendQueueDepth); err != nil {
		return Config{}, err
	}
	if cfg.WakePushTimeout, err = envDurationOrDefault(lookup, envVarWakeTimeout, DefaultWakeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BlobURLTTL, err = envDurationOrDefault(lookup, envVarBlobURLTTL, DefaultBlobURLTTL); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("remoteeye-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "listen address (host:port)")
	modeFlag := fs.String("mode", modeStr, "run mode: dev|prod")
	logFormatFlag := fs.String("log-format", logFormatDefault, "log format: text|json")
	logLevelFlag := fs.String("log-level", logLevelDefault, "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = *listenAddr
	if cfg.Mode, err = parseMode(*modeFlag); err != nil {
		return Config{}, err
	}
	if cfg.LogFormat, err = parseLogFormat(*logFormatFlag); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(*logLevelFlag); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would run but misbehave.
func (c Config) Validate() error {
	if c.Mode == ModeProd && c.JWTSecret == "" {
		return fmt.Errorf("%s is required in prod mode", envVarJWTSecret)
	}
	if c.HeartbeatGraceMultiple < 2 {
		return fmt.Errorf("%s must be at least 2", envVarHeartbeatMisses)
	}
	if c.CommandQueueDepth < 1 {
		return fmt.Errorf("%s must be positive", envVarCommandQueueDepth)
	}
	if c.PairingCodeTTL <= 0 {
		return fmt.Errorf("%s must be positive", envVarPairingCodeTTL)
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("%s must exceed %s", envVarRefreshTokenTTL, envVarAccessTokenTTL)
	}
	return nil
}

// BlobConfigured reports whether presigned recording uploads are available.
func (c Config) BlobConfigured() bool {
	return c.BlobEndpoint != "" && c.BlobBucket != "" && c.BlobAccessKey != "" && c.BlobSecretKey != ""
}

// MQTTWakeConfigured reports whether the MQTT wake channel is available.
func (c Config) MQTTWakeConfigured() bool { return c.MQTTBrokerURL != "" }

// FCMConfigured reports whether the FCM wake channel is available.
func (c Config) FCMConfigured() bool { return c.FCMEndpoint != "" && c.FCMServerKey != "" }

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	if mode == string(ModeProd) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if mode == string(ModeProd) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}
