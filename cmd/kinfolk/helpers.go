package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	kinfolk "github.com/kinfolk-social/kinfolk/sdk/golang"
)

const requestTimeout = 15 * time.Second

// newClient creates a client from the config, failing when no token is set.
func newClient(cfg *Config) (*kinfolk.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token: run 'kinfolk init <token>' or set KINFOLK_TOKEN")
	}
	var opts []kinfolk.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, kinfolk.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Timeout != "" {
		d, err := time.ParseDuration(cfg.Default.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid default.timeout %q: %w", cfg.Default.Timeout, err)
		}
		opts = append(opts, kinfolk.WithTimeout(d))
	}
	return kinfolk.NewClient(cfg.Auth.Token, opts...), nil
}

// openStore builds a store whose identity lives in ~/.kinfolk/identity.
// The caller must Close the store.
func openStore() (*kinfolk.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	identity, err := kinfolk.OpenPebbleIdentityStore(filepath.Join(dir, "identity"))
	if err != nil {
		return nil, err
	}
	return kinfolk.NewStore(client,
		kinfolk.WithLogger(newLogger()),
		kinfolk.WithIdentityStore(identity),
	), nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// requestContext bounds one CLI request.
func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// interruptContext is cancelled on Ctrl-C.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func count(n int) string {
	return humanize.Comma(int64(n))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
