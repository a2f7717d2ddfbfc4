// Package main is the one-shot submission CLI: load configuration, compose a
// single message from flags, send it, and print the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shineum/smtp-mailer-lite/internal/config"
	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/logging"
	"github.com/shineum/smtp-mailer-lite/internal/mailer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	to := flag.String("to", "", "comma-separated To recipients")
	cc := flag.String("cc", "", "comma-separated Cc recipients")
	bcc := flag.String("bcc", "", "comma-separated Bcc recipients")
	subject := flag.String("subject", "", "message subject")
	text := flag.String("text", "", "plain text body")
	html := flag.String("html", "", "HTML body")
	attach := flag.String("attach", "", "comma-separated attachment paths")
	priority := flag.String("priority", "", "message priority: high or low")
	verifyOnly := flag.Bool("verify", false, "probe the relay connection and exit")
	showMetrics := flag.Bool("metrics", false, "print the metrics snapshot after sending")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Route default logging through the configured handler too.
	slog.SetDefault(logging.Setup(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		CustomFields: cfg.Logging.CustomFields,
		Destination:  cfg.Logging.Destination,
	}))

	m, err := mailer.New(cfg)
	if err != nil {
		slog.Error("failed to construct mailer", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	// Cancel in-flight work on SIGTERM/SIGINT.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, aborting", "signal", sig)
		cancel()
	}()

	if *verifyOnly {
		if m.VerifyConnection(ctx) {
			slog.Info("connection verified")
			return
		}
		slog.Error("connection verification failed")
		os.Exit(1)
	}

	if *to == "" {
		slog.Error("at least one -to recipient is required")
		os.Exit(2)
	}

	msg := &email.Message{
		To:       splitList(*to),
		Cc:       splitList(*cc),
		Bcc:      splitList(*bcc),
		Subject:  *subject,
		TextBody: *text,
		HtmlBody: *html,
		Priority: *priority,
	}
	for _, path := range splitList(*attach) {
		msg.Attachments = append(msg.Attachments, email.Attachment{Path: path})
	}

	result, sendErr := m.SendMail(ctx, msg)
	printJSON(result)

	if *showMetrics {
		snapshot := m.Metrics()
		printJSON(snapshot)
	}

	if sendErr != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to encode output", "error", err)
	}
}
