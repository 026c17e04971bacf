package main

import (
	"context"
	"encoding/base64"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/EnrollPipe/internal/enrollment"
	"github.com/BTreeMap/EnrollPipe/internal/messaging"
	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/notify"
	"github.com/BTreeMap/EnrollPipe/internal/store"
)

var configEnv = []string{
	"ENROLLPIPE_STATE_DIR", "DATABASE_DSN", "DATABASE_URL", "WHATSAPP_DB_DSN", "LOG_LEVEL",
	"GENAI_PROVIDER", "GENAI_MODEL", "OPENAI_API_KEY", "GEMINI_API_KEY", "API_KEY", "API_ADDR",
	"ENROLLPIPE_SETTINGS", "TIMEZONE", "REDIS_URL", "IMAGE_ENCRYPTION_KEY", "WHATSAPP_ENABLED",
	"META_PAGE_TOKEN", "META_VERIFY_TOKEN", "META_APP_SECRET", "OPERATOR_RECIPIENTS",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_OPERATOR_NUMBERS",
	"GOOGLE_API_KEY", "SEARCH_ENGINE_ID", "KNOWLEDGE_FILE", "OUTBOX_POLL_INTERVAL",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("enrollpipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg := loadEnvironmentConfig()

	if cfg.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, DefaultStateDir)
	}
	if cfg.GenAIProvider != DefaultGenAIProvider {
		t.Errorf("GenAIProvider = %q, want %q", cfg.GenAIProvider, DefaultGenAIProvider)
	}
	if cfg.APIAddr != DefaultAPIAddr {
		t.Errorf("APIAddr = %q, want %q", cfg.APIAddr, DefaultAPIAddr)
	}
	if !cfg.WhatsAppEnabled {
		t.Error("WhatsApp should be enabled by default")
	}
	if cfg.OutboxPollInterval != store.DefaultOutboxPollInterval {
		t.Errorf("OutboxPollInterval = %v, want %v", cfg.OutboxPollInterval, store.DefaultOutboxPollInterval)
	}
	if cfg.AppDBDSN != "" || cfg.WhatsAppDBDSN != "" {
		t.Errorf("DSNs should be empty before flag parsing, got %q and %q", cfg.AppDBDSN, cfg.WhatsAppDBDSN)
	}
}

func TestLoadEnvironmentConfigFallbacks(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db/enroll")
	t.Setenv("API_KEY", "gemini-legacy")
	t.Setenv("WHATSAPP_ENABLED", "false")

	cfg := loadEnvironmentConfig()
	if cfg.AppDBDSN != "postgres://u:p@db/enroll" {
		t.Errorf("DATABASE_URL should back AppDBDSN, got %q", cfg.AppDBDSN)
	}
	if cfg.GeminiKey != "gemini-legacy" {
		t.Errorf("API_KEY should back GeminiKey, got %q", cfg.GeminiKey)
	}
	if cfg.WhatsAppEnabled {
		t.Error("WHATSAPP_ENABLED=false ignored")
	}

	t.Setenv("DATABASE_DSN", "/data/app.db")
	if cfg := loadEnvironmentConfig(); cfg.AppDBDSN != "/data/app.db" {
		t.Errorf("DATABASE_DSN should win over DATABASE_URL, got %q", cfg.AppDBDSN)
	}
}

func TestParseCommandLineFlagsDerivesDSNs(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := parseCommandLineFlags(newFlagSet(), []string{"-state-dir", "/tmp/ep"}, loadEnvironmentConfig())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := filepath.Join("/tmp/ep", DefaultAppDBFileName); cfg.AppDBDSN != want {
		t.Errorf("AppDBDSN = %q, want %q", cfg.AppDBDSN, want)
	}
	if want := "file:/tmp/ep/" + DefaultWhatsAppDBFileName + "?_foreign_keys=on"; cfg.WhatsAppDBDSN != want {
		t.Errorf("WhatsAppDBDSN = %q, want %q", cfg.WhatsAppDBDSN, want)
	}
}

func TestParseCommandLineFlagsOverrideEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("GENAI_PROVIDER", "openai")

	cfg, err := parseCommandLineFlags(newFlagSet(), []string{
		"-api-addr", ":7000",
		"-genai-provider", "gemini",
		"-db-dsn", "postgres://u:p@db/x",
		"-operator", "5216141234567",
		"-workers", "4",
		"-outbox-poll-interval", "30s",
		"-whatsapp=false",
	}, loadEnvironmentConfig())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.APIAddr != ":7000" || cfg.GenAIProvider != "gemini" || cfg.Workers != 4 || cfg.WhatsAppEnabled || cfg.OutboxPollInterval != 30*time.Second {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.AppDBDSN != "postgres://u:p@db/x" {
		t.Errorf("explicit DSN replaced: %q", cfg.AppDBDSN)
	}
}

func TestParseCommandLineFlagsRejectsUnknownProvider(t *testing.T) {
	clearConfigEnv(t)
	if _, err := parseCommandLineFlags(newFlagSet(), []string{"-genai-provider", "llama"}, loadEnvironmentConfig()); err == nil {
		t.Error("expected an error for an unknown provider")
	}
	if _, err := parseCommandLineFlags(newFlagSet(), []string{"-no-such-flag"}, loadEnvironmentConfig()); err == nil {
		t.Error("expected an error for an unknown flag")
	}
}

func TestParseRecipients(t *testing.T) {
	got, err := parseRecipients(" +52 1 614 123 4567 , facebook:987654, instagram:ig-1,")
	if err != nil {
		t.Fatalf("parseRecipients: %v", err)
	}
	want := []notify.Recipient{
		{Platform: models.PlatformWhatsApp, ID: "5216141234567"},
		{Platform: models.PlatformFacebook, ID: "987654"},
		{Platform: models.PlatformInstagram, ID: "ig-1"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d recipients, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("recipient %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"telegram:1", "12", "facebook: "} {
		if _, err := parseRecipients(bad); err == nil {
			t.Errorf("parseRecipients(%q) should fail", bad)
		}
	}
	if got, err := parseRecipients(""); err != nil || len(got) != 0 {
		t.Errorf("empty list: %v, %v", got, err)
	}
}

func TestParseLevelAndRedact(t *testing.T) {
	if parseLevel("debug") != slog.LevelDebug || parseLevel("WARN") != slog.LevelWarn || parseLevel("nonsense") != slog.LevelInfo {
		t.Error("parseLevel mapping wrong")
	}
	if got := redactDSN("postgres://user:secret@db/x"); strings.Contains(got, "secret") {
		t.Errorf("redactDSN leaked credentials: %q", got)
	}
	if got := redactDSN("/var/lib/enrollpipe/enrollpipe.db"); got != "/var/lib/enrollpipe/enrollpipe.db" {
		t.Errorf("file paths should be shown as is, got %q", got)
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	dir := t.TempDir()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	st, err := openStore(Config{AppDBDSN: filepath.Join(dir, "app.db"), ImageKey: key})
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	p := models.NewProfile("5216141234567", models.PlatformWhatsApp, time.Now())
	if err := st.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	got, err := st.GetProfile(ctx, p.ID)
	if err != nil || got == nil {
		t.Fatalf("GetProfile: %v, %v", got, err)
	}

	if _, err := openStore(Config{AppDBDSN: filepath.Join(dir, "other.db"), ImageKey: "not base64!"}); err == nil {
		t.Error("expected an error for an invalid image key")
	}
}

func TestBuildDeliverers(t *testing.T) {
	router := messaging.NewRouter(nil)
	settings := enrollment.DefaultSettings()

	ds, err := buildDeliverers(Config{}, router, settings)
	if err != nil || len(ds) != 0 {
		t.Errorf("no operators: got %d deliverers, err %v", len(ds), err)
	}

	ds, err = buildDeliverers(Config{
		Operators:       "5216141234567",
		TwilioOperators: "+5216149876543",
		TwilioSID:       "AC123",
		TwilioToken:     "token",
		TwilioFrom:      "+14155238886",
	}, router, settings)
	if err != nil {
		t.Fatalf("buildDeliverers: %v", err)
	}
	if len(ds) != 2 {
		t.Errorf("got %d deliverers, want 2", len(ds))
	}

	if _, err := buildDeliverers(Config{TwilioOperators: "+5216149876543"}, router, settings); err == nil {
		t.Error("Twilio recipients without credentials should fail")
	}
}

func TestForwardStopsOnCancel(t *testing.T) {
	from := make(chan models.InboundMessage, 1)
	to := make(chan models.InboundMessage, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- forward(ctx, from, to) }()

	from <- models.InboundMessage{SenderID: "a", Text: "hola"}
	select {
	case msg := <-to:
		if msg.SenderID != "a" {
			t.Errorf("forwarded %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not forwarded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("forward returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("forward did not stop")
	}
}
