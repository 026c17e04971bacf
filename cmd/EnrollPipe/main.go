// Command EnrollPipe runs the enrollment assistant: it receives WhatsApp and
// Meta messages, answers questions, walks prospective students through
// enrollment and notifies operators of completed enrollments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/EnrollPipe/internal/api"
	"github.com/BTreeMap/EnrollPipe/internal/conversation"
	"github.com/BTreeMap/EnrollPipe/internal/enrollment"
	"github.com/BTreeMap/EnrollPipe/internal/genai"
	"github.com/BTreeMap/EnrollPipe/internal/information"
	"github.com/BTreeMap/EnrollPipe/internal/lockfile"
	"github.com/BTreeMap/EnrollPipe/internal/messaging"
	"github.com/BTreeMap/EnrollPipe/internal/metrics"
	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/notify"
	"github.com/BTreeMap/EnrollPipe/internal/security"
	"github.com/BTreeMap/EnrollPipe/internal/store"
	"github.com/BTreeMap/EnrollPipe/internal/util"
	"github.com/BTreeMap/EnrollPipe/internal/whatsapp"
)

func main() {
	initializeLogger("info")

	cfg, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], loadEnvironmentConfig())
	if err != nil {
		slog.Error("EnrollPipe: invalid configuration", "error", err)
		os.Exit(2)
	}
	initializeLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("EnrollPipe: exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("EnrollPipe: exited")
}

func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)}))
	slog.SetDefault(logger)
}

// openStore picks SQLite or PostgreSQL from the DSN and seals images when a
// key is configured.
func openStore(cfg Config) (store.Store, error) {
	var opts []store.Option
	if cfg.ImageKey != "" {
		sealer, err := security.NewAESSealerFromBase64(cfg.ImageKey)
		if err != nil {
			return nil, fmt.Errorf("image encryption key: %w", err)
		}
		opts = append(opts, store.WithSealer(sealer))
	} else {
		slog.Warn("openStore: IMAGE_ENCRYPTION_KEY not set, ID images are stored unencrypted")
	}

	if store.DetectDSNType(cfg.AppDBDSN) == "postgres" {
		slog.Debug("openStore: using PostgreSQL", "dsn", redactDSN(cfg.AppDBDSN))
		return store.NewPostgresStore(append(opts, store.WithPostgresDSN(cfg.AppDBDSN))...)
	}
	slog.Debug("openStore: using SQLite", "path", cfg.AppDBDSN)
	return store.NewSQLiteStore(append(opts, store.WithSQLiteDSN(cfg.AppDBDSN))...)
}

func newGenAIClient(ctx context.Context, cfg Config) (genai.ClientInterface, error) {
	var opts []genai.Option
	if cfg.GenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.GenAIModel))
	}
	if cfg.GenAIProvider == "gemini" {
		return genai.NewGeminiClient(ctx, append(opts, genai.WithAPIKey(cfg.GeminiKey))...)
	}
	return genai.NewClient(append(opts, genai.WithAPIKey(cfg.OpenAIKey))...)
}

func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDBDSN)}
	if cfg.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
	}
	if cfg.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildDeliverers returns the operator notification channels that are configured.
func buildDeliverers(cfg Config, gateway messaging.Gateway, settings enrollment.Settings) ([]notify.Deliverer, error) {
	loc, err := settings.Location()
	if err != nil {
		return nil, err
	}
	var out []notify.Deliverer

	recipients, err := parseRecipients(cfg.Operators)
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		out = append(out, notify.NewGatewayDeliverer(gateway, loc, recipients...))
	}

	if numbers := util.SplitList(cfg.TwilioOperators); len(numbers) > 0 {
		tw, err := notify.NewTwilioDeliverer(loc, numbers,
			notify.WithAccountSID(cfg.TwilioSID),
			notify.WithAuthToken(cfg.TwilioToken),
			notify.WithFrom(cfg.TwilioFrom))
		if err != nil {
			return nil, fmt.Errorf("twilio operator channel: %w", err)
		}
		out = append(out, tw)
	}
	return out, nil
}

// forward copies messages from a platform service into the shared inbound queue.
func forward(ctx context.Context, from <-chan models.InboundMessage, to chan<- models.InboundMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-from:
			if !ok {
				return nil
			}
			select {
			case to <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// run wires every component and blocks until ctx is cancelled or one of the
// long-running parts fails.
func run(ctx context.Context, cfg Config) error {
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	settings, err := enrollment.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}
	if cfg.TimeZone != "" {
		settings.TimeZone = cfg.TimeZone
	}
	loc, err := settings.Location()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	llm, err := newGenAIClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	inbound := make(chan models.InboundMessage, messaging.DefaultChannelBufferSize)
	router := messaging.NewRouter(m)

	if cfg.WhatsAppEnabled {
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		defer wa.Disconnect()
		svc := messaging.NewWhatsAppService(wa)
		svc.Start(ctx)
		router.Register(svc, models.PlatformWhatsApp)
		g.Go(func() error { return forward(ctx, svc.Messages(), inbound) })
	}

	var apiOpts []api.Option
	if cfg.MetaPageToken != "" {
		meta, err := messaging.NewMetaClient(messaging.WithPageToken(cfg.MetaPageToken))
		if err != nil {
			return fmt.Errorf("meta: %w", err)
		}
		router.Register(meta, models.PlatformFacebook, models.PlatformInstagram, models.PlatformMeta)
		apiOpts = append(apiOpts, api.WithMeta(meta, cfg.MetaVerifyToken, cfg.MetaAppSecret))
	}
	if !cfg.WhatsAppEnabled && cfg.MetaPageToken == "" {
		return errors.New("no messaging platform enabled: enable WhatsApp or set a Meta page token")
	}

	machine := enrollment.NewMachine(st, router,
		enrollment.NewExtractionService(llm),
		enrollment.NewDataExtractionAssistant(llm),
		enrollment.NewScheduler(llm, loc),
		enrollment.WithNotifier(notify.NewOutboxNotifier(st)),
		enrollment.WithMetrics(m),
		enrollment.WithSettings(settings),
	)

	knowledge, err := information.LoadKnowledge(cfg.KnowledgePath)
	if err != nil {
		return err
	}
	infoOpts := []information.Option{information.WithKnowledge(knowledge), information.WithMetrics(m)}
	if searcher, err := information.NewGoogleSearch(information.WithSearchCredentials(cfg.SearchAPIKey, cfg.SearchEngineID)); err == nil {
		infoOpts = append(infoOpts, information.WithSearcher(searcher))
	} else {
		slog.Warn("run: web search disabled", "error", err)
	}
	assistant := information.NewAssistant(llm, st, router, machine, infoOpts...)

	procOpts := []conversation.Option{conversation.WithDedup(st), conversation.WithMetrics(m)}
	if cfg.RedisURL != "" {
		rdb, err := conversation.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		procOpts = append(procOpts, conversation.WithLocker(conversation.NewRedisLocker(rdb)))
		slog.Info("run: using Redis per-user locks")
	}
	proc := conversation.NewProcessor(st, machine, assistant, router, procOpts...)

	deliverers, err := buildDeliverers(cfg, router, settings)
	if err != nil {
		return err
	}
	if len(deliverers) == 0 {
		slog.Warn("run: no operator recipients configured, completed enrollments will not be forwarded")
	}
	dispatcher := notify.NewDispatcher(st, m, deliverers...)
	outbox := store.NewOutboxSender(st, dispatcher.Send, cfg.OutboxPollInterval, 0)
	if err := outbox.RecoverStaleMessages(); err != nil {
		slog.Error("run: outbox recovery failed", "error", err)
	}
	if n, err := st.PruneInbound(time.Now().Add(-store.DefaultDedupRetention)); err != nil {
		slog.Error("run: inbound dedup prune failed", "error", err)
	} else if n > 0 {
		slog.Info("run: pruned inbound dedup records", "count", n)
	}

	server := api.NewServer(inbound, append(apiOpts, api.WithGatherer(reg))...)

	g.Go(func() error {
		outbox.Run(ctx)
		return nil
	})
	g.Go(func() error { return proc.Run(ctx, inbound, cfg.Workers) })
	g.Go(func() error { return server.Run(ctx, cfg.APIAddr) })

	slog.Info("run: EnrollPipe started",
		"apiAddr", cfg.APIAddr,
		"whatsapp", cfg.WhatsAppEnabled,
		"meta", cfg.MetaPageToken != "",
		"provider", cfg.GenAIProvider,
		"operatorChannels", len(deliverers))
	return g.Wait()
}
