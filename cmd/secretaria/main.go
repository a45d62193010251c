package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/saudezap/secretaria/internal/api"
	"github.com/saudezap/secretaria/internal/extract"
	"github.com/saudezap/secretaria/internal/flow"
	"github.com/saudezap/secretaria/internal/inbound"
	"github.com/saudezap/secretaria/internal/intake"
	"github.com/saudezap/secretaria/internal/lockfile"
	"github.com/saudezap/secretaria/internal/messaging"
	"github.com/saudezap/secretaria/internal/outbound"
	"github.com/saudezap/secretaria/internal/payments"
	"github.com/saudezap/secretaria/internal/scheduling"
	"github.com/saudezap/secretaria/internal/store"
	"github.com/saudezap/secretaria/internal/twiliowhatsapp"
	"github.com/saudezap/secretaria/internal/util"
	"github.com/saudezap/secretaria/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Secretaria state data
	DefaultStateDir = "/var/lib/secretaria"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "secretaria.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	regs, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize registration store", "error", err)
		os.Exit(1)
	}
	defer regs.Close()

	svc, err := buildMessagingService(flags)
	if err != nil {
		slog.Error("Failed to initialize messaging service", "error", err)
		os.Exit(1)
	}

	guard := inbound.NewGuard(inbound.NewCache(), buildGuardOptions()...)
	engine := flow.NewEngine(buildEngineOptions(flags)...)
	dispatcher := outbound.NewDispatcher(svc, regs, buildDispatcherOptions()...)
	extractor := buildExtractor(flags)

	consumer := buildConsumer(regs, svc)
	if consumer != nil {
		if err := consumer.Start(); err != nil {
			slog.Error("Failed to start registration consumer", "error", err)
			os.Exit(1)
		}
	}

	server := api.NewServer(regs, svc, guard, extractor, engine, dispatcher, buildAPIOptions(flags)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		slog.Error("Failed to start messaging service", "error", err)
		os.Exit(1)
	}

	// Transport-delivered events (whatsmeow, Twilio) reach the same pipeline
	// the webhook feeds; the bridge also keeps the receipt channel drained.
	bridge := intake.NewBridge(svc, server.Pipeline())
	bridge.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Secretaria shutting down on signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("Secretaria API server failed", "error", err)
		}
	}

	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	if err := svc.Stop(); err != nil {
		slog.Error("Failed to stop messaging service", "error", err)
	}
	bridge.Wait()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down API server", "error", err)
	}
	slog.Info("Secretaria exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	WhatsAppDSN   string
	OpenAIKey     string
	APIAddr       string
	Provider      string
	WebhookSecret string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	waDSN         *string
	openaiKey     *string
	apiAddr       *string
	provider      *string
	webhookSecret *string
	debug         *bool
}

// initializeLogger sets up structured logging; SECRETARIA_DEBUG raises the level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("SECRETARIA_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:      os.Getenv("SECRETARIA_STATE_DIR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		Provider:      os.Getenv("MESSAGING_PROVIDER"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SECRETARIA_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Provider == "" {
		config.Provider = "zapi"
	}

	slog.Debug("environment variables loaded",
		"SECRETARIA_STATE_DIR", config.StateDir,
		"DATABASE_URL_set", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_set", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_set", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_PROVIDER", config.Provider,
		"WEBHOOK_SECRET_set", config.WebhookSecret != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code (whatsmeow provider)"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for Secretaria data (overrides $SECRETARIA_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "registration database DSN (overrides $DATABASE_URL)"),
		waDSN:         flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		provider:      flag.String("provider", config.Provider, "messaging provider: zapi, whatsmeow, or twilio (overrides $MESSAGING_PROVIDER)"),
		webhookSecret: flag.String("webhook-secret", config.WebhookSecret, "shared secret for webhook endpoints (overrides $WEBHOOK_SECRET)"),
		debug:         flag.Bool("debug", util.ParseBoolEnv("SECRETARIA_DEBUG", false), "enable the admin endpoints"),
	}

	flag.Parse()

	// Follow an overridden state directory when the DSN was defaulted.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKey_set", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"provider", *flags.provider,
		"debug", *flags.debug)

	return flags
}

// buildStore picks the registration store backend from the DSN
func buildStore(flags Flags) (store.RegistrationStore, error) {
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessagingService selects the outbound transport
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch strings.ToLower(*flags.provider) {
	case "whatsmeow":
		var waOpts []whatsapp.Option
		if *flags.waDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	default:
		var zapiOpts []messaging.ZAPIOption
		if url := os.Getenv("ZAPI_URL"); url != "" {
			zapiOpts = append(zapiOpts, messaging.WithZAPIBaseURL(url))
		}
		if token := os.Getenv("ZAPI_CLIENT_TOKEN"); token != "" {
			zapiOpts = append(zapiOpts, messaging.WithZAPIClientToken(token))
		}
		if token := os.Getenv("ZAPI_TOKEN"); token != "" {
			zapiOpts = append(zapiOpts, messaging.WithZAPIToken(token))
		}
		return messaging.NewZAPIService(zapiOpts...), nil
	}
}

// buildGuardOptions configures the loop/echo guard from the environment
func buildGuardOptions() []inbound.GuardOption {
	var opts []inbound.GuardOption
	if blocked := os.Getenv("BLOCKED_PHONES"); blocked != "" {
		opts = append(opts, inbound.WithBlockedPhones(strings.Split(blocked, ",")))
	}
	opts = append(opts, inbound.WithFromMeSuppression(util.ParseBoolEnv("SUPPRESS_FROM_ME", true)))
	opts = append(opts, inbound.WithEchoTTL(util.ParseSecondsEnv("ECHO_TTL_SECONDS", inbound.DefaultEchoTTL)))
	opts = append(opts, inbound.WithDuplicateWindow(util.ParseSecondsEnv("DUPLICATE_WINDOW_SECONDS", inbound.DefaultDuplicateWindow)))
	return opts
}

// buildEngineOptions wires the greeter and payment provider into the engine
func buildEngineOptions(flags Flags) []flow.EngineOption {
	opts := []flow.EngineOption{
		flow.WithSendBackoff(util.ParseSecondsEnv("SEND_BACKOFF_SECONDS", flow.DefaultSendBackoff)),
		flow.WithGreetingDisabled(util.ParseBoolEnv("GREETING_DISABLED", false)),
		flow.WithPaymentAmount(util.ParseIntEnv("PAYMENT_AMOUNT_CENTS", flow.DefaultPaymentAmountCents),
			util.GetenvDefault("PAYMENT_DESCRIPTION", "Consulta")),
	}

	name := util.GetenvDefault("SECRETARY_NAME", flow.DefaultSecretaryName)
	title := util.GetenvDefault("SECRETARY_TITLE", flow.DefaultSecretaryTitle)
	template := flow.NewTemplateGreeter(name, title)
	if *flags.openaiKey != "" {
		ai, err := flow.NewOpenAIGreeter(*flags.openaiKey, os.Getenv("OPENAI_GREETING_MODEL"), name, title)
		if err != nil {
			slog.Warn("OpenAI greeter unavailable, using template greeter", "error", err)
			opts = append(opts, flow.WithGreeter(template))
		} else {
			opts = append(opts, flow.WithGreeter(flow.NewGreeterChain(ai, template)))
		}
	} else {
		opts = append(opts, flow.WithGreeter(template))
	}

	if os.Getenv("INFINITEPAY_DEEPLINK_BASE") != "" || os.Getenv("INFINITEPAY_API_URL") != "" {
		provider, err := payments.NewInfinitePay()
		if err != nil {
			slog.Warn("InfinitePay adapter unavailable, payment nudges disabled", "error", err)
		} else {
			opts = append(opts, flow.WithPaymentCreator(provider))
		}
	} else {
		slog.Info("No payment provider configured, payment nudges disabled")
	}

	return opts
}

// buildDispatcherOptions configures outbound dedup/backoff from the environment
func buildDispatcherOptions() []outbound.Option {
	return []outbound.Option{
		outbound.WithBackoff(util.ParseSecondsEnv("SEND_BACKOFF_SECONDS", outbound.DefaultBackoff)),
		outbound.WithQuietMode(util.ParseBoolEnv("QUIET_MODE", false)),
	}
}

// buildExtractor assembles the extraction chain: OpenAI first when configured,
// heuristics always as the fallback
func buildExtractor(flags Flags) extract.Extractor {
	heuristic := extract.NewHeuristicExtractor()
	if *flags.openaiKey == "" {
		slog.Info("No OpenAI API key set, using heuristic extraction only")
		return extract.NewChain(heuristic)
	}
	ai, err := extract.NewOpenAIExtractor(extract.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("OpenAI extractor unavailable, using heuristic extraction only", "error", err)
		return extract.NewChain(heuristic)
	}
	return extract.NewChain(ai, heuristic)
}

// buildConsumer wires the Terapee booking consumer when configured
func buildConsumer(regs store.RegistrationStore, svc messaging.Service) *scheduling.Consumer {
	if os.Getenv("TERAPEE_API_URL") == "" {
		slog.Info("No Terapee API configured, booking consumer disabled")
		return nil
	}
	booker, err := scheduling.NewTerapeeClient()
	if err != nil {
		slog.Warn("Terapee client unavailable, booking consumer disabled", "error", err)
		return nil
	}
	var opts []scheduling.ConsumerOption
	if expr := os.Getenv("CONSUMER_SCHEDULE"); expr != "" {
		opts = append(opts, scheduling.WithSchedule(expr))
	}
	return scheduling.NewConsumer(regs, booker, svc, opts...)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.webhookSecret != "" {
		apiOpts = append(apiOpts, api.WithWebhookSecret(*flags.webhookSecret))
	}
	if header := os.Getenv("WEBHOOK_SECRET_HEADER"); header != "" {
		apiOpts = append(apiOpts, api.WithSecretHeader(header))
	}
	if *flags.debug {
		apiOpts = append(apiOpts, api.WithDebug(true))
	}
	return apiOpts
}
