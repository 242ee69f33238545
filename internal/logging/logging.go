package logging

import (
	"errors"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	// Stderr routes output to stderr so CLI table output on stdout stays clean.
	Stderr bool `mapstructure:"stderr"`
}

// NewLogger constructs a zerolog logger from config.
func NewLogger(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	logger := zerolog.New(logWriter(cfg)).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

func logWriter(cfg Config) io.Writer {
	var out io.Writer = os.Stdout
	if cfg.Stderr {
		out = os.Stderr
	}
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}

// Host strips everything but the host from an endpoint URL. RPC providers
// embed credentials in paths and query strings.
func Host(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	return u.Host
}

// RedactURL rewrites a *url.Error anywhere in err's chain so its message
// carries only the endpoint host. net/http embeds the full request URL in
// transport errors, and providers put API keys in that URL.
func RedactURL(err error) error {
	var ue *url.Error
	if err == nil || !errors.As(err, &ue) || ue.URL == "" {
		return err
	}
	safe := ue.Op + " " + Host(ue.URL)
	if ue.Err != nil {
		safe += ": " + ue.Err.Error()
	}
	msg := strings.ReplaceAll(err.Error(), ue.Error(), safe)
	msg = strings.ReplaceAll(msg, ue.URL, Host(ue.URL))
	return &redactedError{msg: msg, err: ue.Err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// KeyPrefix returns a short, log-safe prefix of a secret.
func KeyPrefix(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..."
}
