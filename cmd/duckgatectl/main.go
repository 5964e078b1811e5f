package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/duckgate/duckgate/internal/cli/duckgatectl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("DUCKGATE_CLI_TIMEOUT")), 10*time.Second)
	options := duckgatectl.Options{
		BaseURL:    envOr("DUCKGATE_API_URL", "http://localhost:8080"),
		APIKey:     strings.TrimSpace(os.Getenv("DUCKGATE_API_KEY")),
		Identifier: strings.TrimSpace(os.Getenv("DUCKGATE_IDENTIFIER")),
		Timeout:    timeout,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}

	code := duckgatectl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid DUCKGATE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
