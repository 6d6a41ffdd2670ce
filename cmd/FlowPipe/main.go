package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
	// shutdownTimeout bounds graceful shutdown of the server and scheduler
	shutdownTimeout = 30 * time.Second
	// reminderRunTimeout bounds one reminder round
	reminderRunTimeout = 5 * time.Minute
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowPipe with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir             string
	DatabaseURL          string
	RedisURL             string
	APIAddr              string
	PublicURL            string
	CatalogPath          string
	ReminderSchedule     string
	ReminderAfter        time.Duration
	ValidateSignature    bool
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioStatusCallback string
	LogLevel             string
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	redisURL          *string
	apiAddr           *string
	publicURL         *string
	catalogPath       *string
	reminderSchedule  *string
	reminderAfter     *time.Duration
	validateSignature *bool
	twilioAccountSID  *string
	twilioAuthToken   *string
	twilioFromNumber  *string
	twilioCallback    *string
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps FLOWPIPE_LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:             os.Getenv("FLOWPIPE_STATE_DIR"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		APIAddr:              os.Getenv("API_ADDR"),
		PublicURL:            os.Getenv("FLOWPIPE_PUBLIC_URL"),
		CatalogPath:          os.Getenv("FLOWPIPE_CATALOG"),
		ReminderSchedule:     os.Getenv("REMINDER_SCHEDULE"),
		ReminderAfter:        util.ParseDurationEnv("REMINDER_AFTER", scheduler.DefaultReminderAfter),
		ValidateSignature:    util.ParseBoolEnv("FLOWPIPE_VALIDATE_SIGNATURE", true),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioStatusCallback: os.Getenv("TWILIO_STATUS_CALLBACK_URL"),
		LogLevel:             os.Getenv("FLOWPIPE_LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.ReminderSchedule == "" {
		config.ReminderSchedule = scheduler.DefaultReminderSchedule
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_TYPE", store.DetectDSNType(config.DatabaseURL),
		"REDIS_URL_SET", config.RedisURL != "",
		"API_ADDR", config.APIAddr,
		"FLOWPIPE_CATALOG", config.CatalogPath,
		"REMINDER_SCHEDULE", config.ReminderSchedule,
		"REMINDER_AFTER", config.ReminderAfter,
		"FLOWPIPE_VALIDATE_SIGNATURE", config.ValidateSignature,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "")

	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		dbDSN:             fs.String("db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL)"),
		redisURL:          fs.String("redis-url", config.RedisURL, "Redis URL for flow state (overrides $REDIS_URL)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:         fs.String("public-url", config.PublicURL, "public base URL Twilio calls (overrides $FLOWPIPE_PUBLIC_URL)"),
		catalogPath:       fs.String("catalog", config.CatalogPath, "organization catalog YAML (overrides $FLOWPIPE_CATALOG)"),
		reminderSchedule:  fs.String("reminder-schedule", config.ReminderSchedule, "cron schedule of the reminder job (overrides $REMINDER_SCHEDULE)"),
		reminderAfter:     fs.Duration("reminder-after", config.ReminderAfter, "unanswered time before a reminder (overrides $REMINDER_AFTER)"),
		validateSignature: fs.Bool("validate-signature", config.ValidateSignature, "check X-Twilio-Signature on webhooks (overrides $FLOWPIPE_VALIDATE_SIGNATURE)"),
		twilioAccountSID:  fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioAuthToken:   fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFromNumber:  fs.String("twilio-from", config.TwilioFromNumber, "fallback WhatsApp sender (overrides $TWILIO_FROM_NUMBER)"),
		twilioCallback:    fs.String("twilio-status-callback", config.TwilioStatusCallback, "status callback URL (overrides $TWILIO_STATUS_CALLBACK_URL)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// A state dir given on the command line moves the default SQLite file with it.
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbType", store.DetectDSNType(*flags.dbDSN),
		"redisSet", *flags.redisURL != "",
		"apiAddr", *flags.apiAddr,
		"catalog", *flags.catalogPath,
		"reminderSchedule", *flags.reminderSchedule,
		"reminderAfter", *flags.reminderAfter,
		"validateSignature", *flags.validateSignature)
	return flags, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// openStore opens the SQL store the DSN points at.
func openStore(flags Flags) (store.Store, error) {
	opts := buildStoreOptions(flags)
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// openStateStore returns a Redis state store when a Redis URL is configured,
// otherwise fallback.
func openStateStore(ctx context.Context, flags Flags, fallback store.StateStore) (store.StateStore, func() error, error) {
	if *flags.redisURL == "" {
		return fallback, func() error { return nil }, nil
	}
	opt, err := redis.ParseURL(*flags.redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("Using Redis for flow state", "addr", opt.Addr)
	return store.NewRedisStateStore(client, ""), client.Close, nil
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioAccountSID))
	}
	if *flags.twilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioAuthToken))
	}
	if *flags.twilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(*flags.twilioFromNumber))
	}
	if *flags.twilioCallback != "" {
		opts = append(opts, twiliowhatsapp.WithStatusCallback(*flags.twilioCallback))
	}
	return opts
}

// newTwilioAPI returns the REST client, or a mock that only logs when no
// credentials are configured.
func newTwilioAPI(flags Flags) (twiliowhatsapp.API, error) {
	if *flags.twilioAccountSID == "" || *flags.twilioAuthToken == "" {
		slog.Warn("No Twilio credentials configured, outbound messages will be recorded but not sent")
		return twiliowhatsapp.NewMockClient(), nil
	}
	return twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, m *metrics.Metrics) []api.Option {
	apiOpts := []api.Option{api.WithMetrics(m)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.publicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(*flags.publicURL))
	}
	switch {
	case !*flags.validateSignature:
		slog.Warn("Twilio signature validation disabled")
	case *flags.twilioAuthToken == "":
		slog.Warn("No Twilio auth token, webhook signatures cannot be validated")
	default:
		apiOpts = append(apiOpts, api.WithSignatureValidator(twiliowhatsapp.NewSignatureValidator(*flags.twilioAuthToken)))
	}
	return apiOpts
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	states, closeStates, err := openStateStore(ctx, flags, st)
	if err != nil {
		return err
	}
	defer closeStates()

	cat, err := catalog.Load(*flags.catalogPath)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	engine := flow.NewDefaultEngine()
	resolver, err := flow.NewDefaultResolver(engine, cat)
	if err != nil {
		return fmt.Errorf("build content resolver: %w", err)
	}
	ledger := flow.NewLedgerForEngine(st, engine)

	twilioAPI, err := newTwilioAPI(flags)
	if err != nil {
		return fmt.Errorf("create twilio client: %w", err)
	}
	sender := messaging.NewTwilioService(twilioAPI, cat, messaging.WithSendMetrics(m))

	dispatcher, err := flow.NewDispatcher(flow.Dependencies{
		Engine:      engine,
		Resolver:    resolver,
		Ledger:      ledger,
		States:      states,
		Users:       st,
		Permissions: cat,
		Router:      cat,
		Sender:      sender,
	}, flow.WithDedup(st), flow.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	sched := scheduler.NewScheduler()
	reminders := scheduler.NewReminderJob(ledger, dispatcher,
		scheduler.WithContacts(st),
		scheduler.WithReminderAfter(*flags.reminderAfter),
		scheduler.WithReminderMetrics(m))
	if err := reminders.Schedule(sched, *flags.reminderSchedule, reminderRunTimeout); err != nil {
		return err
	}

	server, err := api.NewServer(dispatcher, buildAPIOptions(flags, m)...)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(server.Shutdown(shutdownCtx), sched.Stop(shutdownCtx))
}
