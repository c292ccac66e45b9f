// Command assistant runs the intent-driven orchestration core: the HTTP
// surface for the chat adapter plus the notification scheduler.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/initio/assistant/internal/analytics"
	"github.com/initio/assistant/internal/api"
	"github.com/initio/assistant/internal/dispatch"
	"github.com/initio/assistant/internal/genai"
	"github.com/initio/assistant/internal/notify"
	"github.com/initio/assistant/internal/store"
	"github.com/initio/assistant/internal/transport"
	"github.com/initio/assistant/internal/util"
)

// DefaultDBFileName is the SQLite database used when DATABASE_URL is unset.
const DefaultDBFileName = "assistant.db"

// Exit codes: 1 fatal configuration error, 2 store unreachable at startup.
const (
	exitConfigError = 1
	exitStoreError  = 2
)

func main() {
	initializeLogger()
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(exitStoreError)
	}
	defer st.Close()
	if err := st.Ping(); err != nil {
		slog.Error("Store unreachable at startup", "error", err)
		os.Exit(exitStoreError)
	}

	ai, err := genai.NewClient(
		genai.WithAPIKey(*flags.openaiKey),
		genai.WithBaseURL(*flags.modelURL),
		genai.WithModel(*flags.model),
		genai.WithTemperature(*flags.temperature),
		genai.WithTimeout(*flags.modelTimeout),
	)
	if err != nil {
		slog.Error("Failed to build model client", "error", err)
		os.Exit(exitConfigError)
	}

	sink := buildAnalytics(flags)
	sender := buildSender(flags)

	orch := dispatch.New(st, ai,
		dispatch.WithResultSetCapacity(*flags.resultSetCapacity),
		dispatch.WithResultSetTTL(*flags.resultSetTTL),
		dispatch.WithStateTimeout(*flags.stateTimeout),
		dispatch.WithAnalytics(sink),
	)

	if *flags.notifyEnabled {
		notifier := notify.New(st, sender,
			notify.WithRate(*flags.notifyRate),
			notify.WithAnalytics(sink),
		)
		if err := notifier.Start(); err != nil {
			slog.Error("Failed to start notification scheduler", "error", err)
			os.Exit(exitConfigError)
		}
		defer notifier.Stop()
	} else {
		slog.Info("Notification scheduler disabled by configuration")
	}

	server := api.NewServer(orch, st,
		api.WithAddr(*flags.apiAddr),
		api.WithRequestTimeout(*flags.requestTimeout),
	)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		slog.Info("Shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Warn("Graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("Assistant core starting", "addr", *flags.apiAddr, "dsn_set", *flags.dbDSN != "")
	if err := server.Run(); err != nil {
		slog.Error("Assistant core failed to run", "error", err)
		os.Exit(exitConfigError)
	}
	slog.Info("Assistant core exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseURL       string
	OpenAIKey         string
	ModelAdapterURL   string
	Model             string
	ModelTimeout      time.Duration
	ModelTemperature  float64
	TransportURL      string
	TransportAPIToken string
	AnalyticsURL      string
	APIAddr           string
	RequestTimeout    time.Duration
	StateTimeout      time.Duration
	ResultSetTTL      time.Duration
	ResultSetCapacity int
	NotifyEnabled     bool
	NotifyRate        float64
}

// Flags holds command line flag values, defaulted from the environment.
type Flags struct {
	dbDSN             *string
	openaiKey         *string
	modelURL          *string
	model             *string
	modelTimeout      *time.Duration
	temperature       *float64
	transportURL      *string
	transportToken    *string
	analyticsURL      *string
	apiAddr           *string
	requestTimeout    *time.Duration
	stateTimeout      *time.Duration
	resultSetTTL      *time.Duration
	resultSetCapacity *int
	notifyEnabled     *bool
	notifyRate        *float64
}

// initializeLogger sets up structured logging with the level from LOG_LEVEL.
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and
// the optional .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
	return Config{
		DatabaseURL:       util.GetEnv("DATABASE_URL", DefaultDBFileName),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		ModelAdapterURL:   os.Getenv("MODEL_ADAPTER_URL"),
		Model:             util.GetEnv("MODEL_NAME", genai.DefaultModel),
		ModelTimeout:      time.Duration(util.ParseIntEnv("MODEL_TIMEOUT_MS", 20000)) * time.Millisecond,
		ModelTemperature:  util.ParseFloatEnv("MODEL_TEMPERATURE", genai.DefaultTemperature),
		TransportURL:      os.Getenv("TRANSPORT_URL"),
		TransportAPIToken: os.Getenv("TRANSPORT_API_TOKEN"),
		AnalyticsURL:      os.Getenv("ANALYTICS_URL"),
		APIAddr:           util.GetEnv("API_ADDR", api.DefaultAddr),
		RequestTimeout:    util.ParseDurationEnv("REQUEST_TIMEOUT_S", api.DefaultRequestTimeout),
		StateTimeout:      util.ParseDurationEnv("DIALOG_STATE_TIMEOUT_S", 30*time.Minute),
		ResultSetTTL:      util.ParseDurationEnv("RESULT_SET_TTL_S", time.Hour),
		ResultSetCapacity: util.ParseIntEnv("RESULT_SET_CAPACITY", 64),
		NotifyEnabled:     util.ParseBoolEnv("NOTIFICATIONS_ENABLED", true),
		NotifyRate:        util.ParseFloatEnv("NOTIFICATION_RATE_PER_S", notify.DefaultRatePerSecond),
	}
}

// parseCommandLineFlags defines flags that mirror the environment config.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "Postgres URL or SQLite path"),
		openaiKey:         flag.String("openai-key", config.OpenAIKey, "OpenAI API key"),
		modelURL:          flag.String("model-url", config.ModelAdapterURL, "OpenAI-compatible base URL (empty for default)"),
		model:             flag.String("model", config.Model, "chat model name"),
		modelTimeout:      flag.Duration("model-timeout", config.ModelTimeout, "model call timeout"),
		temperature:       flag.Float64("model-temperature", config.ModelTemperature, "model sampling temperature"),
		transportURL:      flag.String("transport-url", config.TransportURL, "outbound chat adapter URL"),
		transportToken:    flag.String("transport-token", config.TransportAPIToken, "outbound chat adapter bearer token"),
		analyticsURL:      flag.String("analytics-url", config.AnalyticsURL, "analytics collector URL (empty disables)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API listen address"),
		requestTimeout:    flag.Duration("request-timeout", config.RequestTimeout, "inbound request deadline"),
		stateTimeout:      flag.Duration("state-timeout", config.StateTimeout, "dialog stale-state window"),
		resultSetTTL:      flag.Duration("result-set-ttl", config.ResultSetTTL, "result set lifetime"),
		resultSetCapacity: flag.Int("result-set-capacity", config.ResultSetCapacity, "result sets kept per user"),
		notifyEnabled:     flag.Bool("notify-enabled", config.NotifyEnabled, "run the notification scheduler"),
		notifyRate:        flag.Float64("notify-rate", config.NotifyRate, "outbound notifications per second"),
	}
	flag.Parse()
	return flags
}

// buildStore selects the backend by DSN scheme: a postgres URL opens the
// Postgres store, anything else is treated as a SQLite path.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		slog.Info("Opening Postgres store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Opening SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

func buildAnalytics(flags Flags) analytics.Sink {
	if *flags.analyticsURL == "" {
		return analytics.NopSink{}
	}
	return analytics.NewHTTPSink(*flags.analyticsURL, "")
}

func buildSender(flags Flags) transport.Sender {
	if *flags.transportURL == "" {
		slog.Warn("TRANSPORT_URL not set, outbound notifications disabled")
		return transport.NoopSender{}
	}
	sender, err := transport.NewHTTPSender(
		transport.WithURL(*flags.transportURL),
		transport.WithAPIToken(*flags.transportToken),
	)
	if err != nil {
		slog.Warn("Failed to build transport sender, notifications disabled", "error", err)
		return transport.NoopSender{}
	}
	return sender
}
