package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-worksync/internal/api"
	"github.com/npezzotti/go-worksync/internal/config"
	"github.com/npezzotti/go-worksync/internal/session"
	"github.com/npezzotti/go-worksync/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

var (
	serverURL      string
	apiURL         string
	token          string
	envFile        string
	opts           config.Options
	allowedOrigins stringSliceFlag
	rooms          stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[worksync] ", log.LstdFlags)

	// flag defaults come from the environment, so it must be loaded first
	envFile = envFileArg(os.Args[1:])
	if err := config.LoadDotEnv(envFile); err != nil {
		logger.Fatal("env file:", err)
	}

	flag.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flag.StringVar(&serverURL, "server", config.GetEnv("WORKSYNC_SERVER_URL", "ws://localhost:5000/ws"), "push server websocket URL")
	flag.StringVar(&apiURL, "api", config.GetEnv("WORKSYNC_API_URL", "http://localhost:5000"), "REST API base URL")
	flag.StringVar(&token, "token", config.GetEnv("WORKSYNC_TOKEN", ""), "session token")
	flag.StringVar(&opts.InspectAddr, "inspect-addr", config.GetEnv("WORKSYNC_INSPECT_ADDR", "localhost:8081"), "inspector listen address")
	flag.DurationVar(&opts.ReconnectBaseDelay, "reconnect-base-delay", config.GetEnvDuration("WORKSYNC_RECONNECT_BASE_DELAY", 500*time.Millisecond), "first reconnect backoff")
	flag.DurationVar(&opts.ReconnectMaxDelay, "reconnect-max-delay", config.GetEnvDuration("WORKSYNC_RECONNECT_MAX_DELAY", 10*time.Second), "reconnect backoff cap")
	flag.IntVar(&opts.ReconnectMaxAttempts, "reconnect-attempts", config.GetEnvInt("WORKSYNC_RECONNECT_ATTEMPTS", 5), "dials per (re)connect before giving up")
	flag.DurationVar(&opts.TypingTTL, "typing-ttl", config.GetEnvDuration("WORKSYNC_TYPING_TTL", 5*time.Second), "typing indicator lifetime")
	flag.DurationVar(&opts.TypingSweepInterval, "typing-sweep", config.GetEnvDuration("WORKSYNC_TYPING_SWEEP", time.Second), "typing expiry sweep interval")
	flag.IntVar(&opts.NotificationPageSize, "page-size", config.GetEnvInt("WORKSYNC_PAGE_SIZE", 20), "notifications fetched per page")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&rooms, "rooms", "comma-separated rooms to join, as scope:id")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins.Set(config.GetEnv("WORKSYNC_ALLOWED_ORIGINS", ""))
	}
	if len(rooms) == 0 {
		rooms.Set(config.GetEnv("WORKSYNC_ROOMS", ""))
	}
	opts.AllowedOrigins = allowedOrigins
	opts.Rooms = rooms

	cfg, err := config.NewConfig(serverURL, apiURL, token, opts)
	if err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	for _, name := range stats.Metrics {
		statsUpdater.RegisterMetric(name)
	}
	statsUpdater.Run()
	defer statsUpdater.Stop()

	sess := session.New(cfg, session.Deps{Stats: statsUpdater, Logger: logger})
	inspector := api.NewInspector(mux, logger, sess, cfg)

	errCh := make(chan error, 2)
	go func() {
		if err := inspector.Start(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	startCtx, cancelStart := context.WithCancel(context.Background())
	defer cancelStart()
	go func() {
		if err := sess.Start(startCtx); err != nil {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("worksync:", err)
	}
	cancelStart()

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := inspector.Shutdown(shutDownCtx); err != nil {
		logger.Println("inspector shutdown:", err)
	}

	logger.Println("shutting down session...")
	if err := sess.Shutdown(shutDownCtx); err != nil {
		logger.Println("session shutdown:", err)
	}

	logger.Println("shutdown complete")
}

// envFileArg finds -env-file ahead of flag.Parse.
func envFileArg(args []string) string {
	for i, a := range args {
		a = strings.TrimLeft(a, "-")
		if name, value, ok := strings.Cut(a, "="); ok && name == "env-file" {
			return value
		}
		if a == "env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ".env"
}
