package main

import (
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/EnrollPipe/internal/messaging"
	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/notify"
	"github.com/BTreeMap/EnrollPipe/internal/store"
	"github.com/BTreeMap/EnrollPipe/internal/util"
)

// Default configuration values.
const (
	DefaultStateDir           = "/var/lib/enrollpipe"
	DefaultAppDBFileName      = "enrollpipe.db"
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	DefaultGenAIProvider      = "openai"
	DefaultAPIAddr            = ":8080"
)

// Config holds the service configuration. Environment variables (optionally
// from .env) provide defaults that command line flags override.
type Config struct {
	StateDir      string
	AppDBDSN      string
	WhatsAppDBDSN string
	LogLevel      string

	GenAIProvider string
	GenAIModel    string
	OpenAIKey     string
	GeminiKey     string

	APIAddr      string
	SettingsPath string
	TimeZone     string
	RedisURL     string
	ImageKey     string
	Workers      int

	OutboxPollInterval time.Duration

	WhatsAppEnabled bool
	QROutput        string
	NumericCode     bool

	MetaPageToken   string
	MetaVerifyToken string
	MetaAppSecret   string

	Operators       string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	TwilioOperators string

	SearchAPIKey   string
	SearchEngineID string
	KnowledgePath  string
}

// loadEnvironmentConfig reads .env (when present) and the process environment.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("loadEnvironmentConfig: no .env file loaded", "error", err)
	}

	stateDir := util.GetEnv("ENROLLPIPE_STATE_DIR", DefaultStateDir)
	cfg := Config{
		StateDir:        stateDir,
		AppDBDSN:        util.GetEnv("DATABASE_DSN", util.GetEnv("DATABASE_URL", "")),
		WhatsAppDBDSN:   util.GetEnv("WHATSAPP_DB_DSN", ""),
		LogLevel:        util.GetEnv("LOG_LEVEL", "info"),
		GenAIProvider:   util.GetEnv("GENAI_PROVIDER", DefaultGenAIProvider),
		GenAIModel:      util.GetEnv("GENAI_MODEL", ""),
		OpenAIKey:       util.GetEnv("OPENAI_API_KEY", ""),
		GeminiKey:       util.GetEnv("GEMINI_API_KEY", util.GetEnv("API_KEY", "")),
		APIAddr:         util.GetEnv("API_ADDR", DefaultAPIAddr),
		SettingsPath:    util.GetEnv("ENROLLPIPE_SETTINGS", ""),
		TimeZone:        util.GetEnv("TIMEZONE", ""),
		RedisURL:        util.GetEnv("REDIS_URL", ""),
		ImageKey:        util.GetEnv("IMAGE_ENCRYPTION_KEY", ""),
		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", true),
		MetaPageToken:   util.GetEnv("META_PAGE_TOKEN", ""),
		MetaVerifyToken: util.GetEnv("META_VERIFY_TOKEN", ""),
		MetaAppSecret:   util.GetEnv("META_APP_SECRET", ""),
		Operators:       util.GetEnv("OPERATOR_RECIPIENTS", ""),
		TwilioSID:       util.GetEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioToken:     util.GetEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:      util.GetEnv("TWILIO_FROM_NUMBER", ""),
		TwilioOperators: util.GetEnv("TWILIO_OPERATOR_NUMBERS", ""),
		SearchAPIKey:    util.GetEnv("GOOGLE_API_KEY", ""),
		SearchEngineID:  util.GetEnv("SEARCH_ENGINE_ID", ""),
		KnowledgePath:   util.GetEnv("KNOWLEDGE_FILE", ""),

		OutboxPollInterval: util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", store.DefaultOutboxPollInterval),
	}

	slog.Debug("loadEnvironmentConfig: environment loaded",
		"stateDir", cfg.StateDir,
		"appDSN_set", cfg.AppDBDSN != "",
		"whatsappDSN_set", cfg.WhatsAppDBDSN != "",
		"provider", cfg.GenAIProvider,
		"openaiKey_set", cfg.OpenAIKey != "",
		"geminiKey_set", cfg.GeminiKey != "",
		"redis_set", cfg.RedisURL != "",
		"imageKey_set", cfg.ImageKey != "",
		"meta_set", cfg.MetaPageToken != "",
		"twilio_set", cfg.TwilioSID != "")
	return cfg
}

// parseCommandLineFlags applies args on top of cfg and fills database DSNs
// that are still empty from the state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg Config) (Config, error) {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for EnrollPipe data (overrides $ENROLLPIPE_STATE_DIR)")
	fs.StringVar(&cfg.AppDBDSN, "db-dsn", cfg.AppDBDSN, "application database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_DSN)")
	fs.StringVar(&cfg.WhatsAppDBDSN, "whatsapp-db-dsn", cfg.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	fs.StringVar(&cfg.GenAIProvider, "genai-provider", cfg.GenAIProvider, "inference provider: openai or gemini (overrides $GENAI_PROVIDER)")
	fs.StringVar(&cfg.GenAIModel, "genai-model", cfg.GenAIModel, "inference model name (overrides $GENAI_MODEL)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.GeminiKey, "gemini-api-key", cfg.GeminiKey, "Gemini API key (overrides $GEMINI_API_KEY)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "HTTP listen address (overrides $API_ADDR)")
	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "YAML file with bank details and office hours (overrides $ENROLLPIPE_SETTINGS)")
	fs.StringVar(&cfg.TimeZone, "timezone", cfg.TimeZone, "reference time zone for appointments (overrides $TIMEZONE)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for cross-instance per-user locks (overrides $REDIS_URL)")
	fs.StringVar(&cfg.ImageKey, "image-key", cfg.ImageKey, "base64 AES key sealing stored images (overrides $IMAGE_ENCRYPTION_KEY)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "messages processed concurrently (0 uses the default)")
	fs.DurationVar(&cfg.OutboxPollInterval, "outbox-poll-interval", cfg.OutboxPollInterval, "how often pending operator notifications are retried (overrides $OUTBOX_POLL_INTERVAL)")
	fs.BoolVar(&cfg.WhatsAppEnabled, "whatsapp", cfg.WhatsAppEnabled, "connect to WhatsApp (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write the WhatsApp login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "print the raw WhatsApp pairing code instead of a QR code")
	fs.StringVar(&cfg.MetaPageToken, "meta-page-token", cfg.MetaPageToken, "Meta page access token (overrides $META_PAGE_TOKEN)")
	fs.StringVar(&cfg.MetaVerifyToken, "meta-verify-token", cfg.MetaVerifyToken, "Meta webhook verify token (overrides $META_VERIFY_TOKEN)")
	fs.StringVar(&cfg.MetaAppSecret, "meta-app-secret", cfg.MetaAppSecret, "Meta app secret for webhook signatures (overrides $META_APP_SECRET)")
	fs.StringVar(&cfg.Operators, "operator", cfg.Operators, "comma-separated operator recipients, platform:id or a WhatsApp number (overrides $OPERATOR_RECIPIENTS)")
	fs.StringVar(&cfg.TwilioSID, "twilio-account-sid", cfg.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&cfg.TwilioToken, "twilio-auth-token", cfg.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&cfg.TwilioFrom, "twilio-from", cfg.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)")
	fs.StringVar(&cfg.TwilioOperators, "twilio-operator", cfg.TwilioOperators, "comma-separated operator numbers notified through Twilio (overrides $TWILIO_OPERATOR_NUMBERS)")
	fs.StringVar(&cfg.SearchAPIKey, "search-api-key", cfg.SearchAPIKey, "Google Custom Search API key (overrides $GOOGLE_API_KEY)")
	fs.StringVar(&cfg.SearchEngineID, "search-engine-id", cfg.SearchEngineID, "Google programmable search engine id (overrides $SEARCH_ENGINE_ID)")
	fs.StringVar(&cfg.KnowledgePath, "knowledge-file", cfg.KnowledgePath, "knowledge base text file or directory (overrides $KNOWLEDGE_FILE)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.AppDBDSN == "" {
		cfg.AppDBDSN = filepath.Join(cfg.StateDir, DefaultAppDBFileName)
	}
	if cfg.WhatsAppDBDSN == "" {
		cfg.WhatsAppDBDSN = "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	switch cfg.GenAIProvider {
	case "openai", "gemini":
	default:
		return cfg, fmt.Errorf("unknown genai provider %q", cfg.GenAIProvider)
	}

	slog.Debug("parseCommandLineFlags: flags parsed",
		"stateDir", cfg.StateDir,
		"appDSN", redactDSN(cfg.AppDBDSN),
		"apiAddr", cfg.APIAddr,
		"provider", cfg.GenAIProvider,
		"whatsapp", cfg.WhatsAppEnabled)
	return cfg, nil
}

// parseLevel maps a level name to slog; unknown names fall back to info.
func parseLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// redactDSN hides everything but the scheme of URL-style DSNs.
func redactDSN(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme + "://***"
	}
	return dsn
}

// parseRecipients reads entries like "whatsapp:5216141234567" or
// "facebook:PSID". A bare value is a WhatsApp number.
func parseRecipients(s string) ([]notify.Recipient, error) {
	var out []notify.Recipient
	for _, entry := range util.SplitList(s) {
		platform, id, ok := strings.Cut(entry, ":")
		if !ok {
			platform, id = string(models.PlatformWhatsApp), entry
		}
		p := models.Platform(strings.ToLower(strings.TrimSpace(platform)))
		if !p.IsValid() {
			return nil, fmt.Errorf("operator %q: unknown platform %q", entry, platform)
		}
		if p == models.PlatformWhatsApp {
			canonical, err := messaging.CanonicalPhone(id)
			if err != nil {
				return nil, fmt.Errorf("operator %q: %w", entry, err)
			}
			id = canonical
		}
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("operator %q: empty id", entry)
		}
		out = append(out, notify.Recipient{Platform: p, ID: strings.TrimSpace(id)})
	}
	return out, nil
}
