// Package logger configures log/slog for the gatekeeper service.
//
// Records are JSON or text, filtered by level, and written to stdout, stderr
// or a file. Every logger built here masks credentials: API keys that appear
// as rate limit identifiers and passwords inside connection strings.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gatekeeper/internal/models"
	"gatekeeper/internal/version"
)

// Setup builds the process logger from cfg and attaches the build fields of
// ver to every record. The returned Closer is non-nil only for file output
// and must be closed by the caller.
func Setup(cfg models.LoggingConfig, ver version.Info) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	writer, closer, err := openWriter(cfg.Output, cfg.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log output: %w", err)
	}

	return New(writer, level, cfg.Format).With(ver.LogAttrs()...), closer, nil
}

// New builds a logger writing to w. Any format other than "json" yields text.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// apiKeyPrefix marks identifiers derived from the X-API-Key header.
const apiKeyPrefix = "key:"

// redact masks secrets in string attributes before they are written.
func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	switch a.Key {
	case "identifier":
		return slog.String(a.Key, MaskIdentifier(a.Value.String()))
	case "dsn", "conn_string":
		return slog.String(a.Key, MaskDSN(a.Value.String()))
	}
	return a
}

// MaskIdentifier keeps the first four characters of an API key identifier.
// Client IPs are returned unchanged.
func MaskIdentifier(identifier string) string {
	key, ok := strings.CutPrefix(identifier, apiKeyPrefix)
	if !ok {
		return identifier
	}
	if len(key) <= 4 {
		return apiKeyPrefix + "****"
	}
	return apiKeyPrefix + key[:4] + "****"
}

// MaskDSN replaces the password of a URL-form connection string. Key/value
// DSNs ("host=... password=...") have their password value replaced too.
func MaskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}

	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}

// parseLevel accepts debug, info, warn and error in any case.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %s", level)
	}
}

func openWriter(output, filePath string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if filePath == "" {
			return nil, nil, fmt.Errorf("file path is required when output is file")
		}
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", filePath, err)
		}
		return f, f, nil
	default:
		return os.Stdout, nil, nil
	}
}
