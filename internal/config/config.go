package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-worksync/internal/auth"
	"github.com/npezzotti/go-worksync/internal/types"
)

type Config struct {
	// ServerURL is the websocket endpoint of the push server.
	ServerURL string
	// APIURL is the base URL of the REST backend.
	APIURL      string
	Token       string
	InspectAddr string

	AllowedOrigins []string
	// Rooms are joined for the lifetime of the session.
	Rooms []types.RoomRef

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	TypingTTL           time.Duration
	TypingSweepInterval time.Duration

	NotificationPageSize int
}

// Options carries the tunables; zero values take the defaults.
type Options struct {
	InspectAddr          string
	AllowedOrigins       []string
	Rooms                []string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	TypingTTL            time.Duration
	TypingSweepInterval  time.Duration
	NotificationPageSize int
}

func NewConfig(serverURL, apiURL, token string, opts Options) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if err := checkURL(serverURL, "ws", "wss"); err != nil {
		return nil, fmt.Errorf("server URL: %w", err)
	}
	if apiURL == "" {
		return nil, fmt.Errorf("API URL cannot be empty")
	}
	if err := checkURL(apiURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("API URL: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	if _, err := auth.ParseClaims(token); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	rooms := make([]types.RoomRef, 0, len(opts.Rooms))
	for _, name := range opts.Rooms {
		ref, err := types.ParseRoom(name)
		if err != nil {
			return nil, fmt.Errorf("rooms: %w", err)
		}
		rooms = append(rooms, ref)
	}

	cfg := &Config{
		ServerURL:            serverURL,
		APIURL:               apiURL,
		Token:                token,
		InspectAddr:          withDefault(opts.InspectAddr, "localhost:8081"),
		AllowedOrigins:       opts.AllowedOrigins,
		Rooms:                rooms,
		ReconnectBaseDelay:   withDefault(opts.ReconnectBaseDelay, 500*time.Millisecond),
		ReconnectMaxDelay:    withDefault(opts.ReconnectMaxDelay, 10*time.Second),
		ReconnectMaxAttempts: withDefault(opts.ReconnectMaxAttempts, 5),
		TypingTTL:            withDefault(opts.TypingTTL, 5*time.Second),
		TypingSweepInterval:  withDefault(opts.TypingSweepInterval, time.Second),
		NotificationPageSize: withDefault(opts.NotificationPageSize, 20),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.ReconnectBaseDelay < 0 || c.ReconnectMaxDelay < 0 || c.TypingTTL < 0 || c.TypingSweepInterval < 0 {
		errs = append(errs, errors.New("durations cannot be negative"))
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, errors.New("reconnect max delay is below the base delay"))
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect attempts cannot be negative"))
	}
	if c.NotificationPageSize < 0 || c.NotificationPageSize > 100 {
		errs = append(errs, fmt.Errorf("notification page size %d out of range", c.NotificationPageSize))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func withDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// LoadDotEnv loads the given env files, or .env, when present.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
