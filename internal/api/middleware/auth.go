package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"defi-aggregator/internal/logging"
	"defi-aggregator/internal/storage"
)

// KeyValidator looks keys up in the credential store. *storage.Store
// implements it.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, key string) (*storage.APIKey, error)
}

// AuthConfig drives the API key check.
type AuthConfig struct {
	Enabled     bool
	StaticKeys  []string
	PublicPaths []string
}

// Authenticator enforces API keys on non-public routes.
type Authenticator struct {
	cfg    AuthConfig
	store  KeyValidator
	public map[string]bool
	logger zerolog.Logger
}

// NewAuthenticator builds the checker. store may be nil when only static
// keys are configured.
func NewAuthenticator(cfg AuthConfig, store KeyValidator, logger zerolog.Logger) *Authenticator {
	public := make(map[string]bool, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = true
	}
	return &Authenticator{cfg: cfg, store: store, public: public, logger: logger.With().Str("component", "auth").Logger()}
}

// ExtractAPIKey reads the key from the Authorization header (tolerating a
// doubled "Bearer Bearer " prefix), then x-api-key, then ?api_key.
func ExtractAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		switch {
		case strings.HasPrefix(auth, "Bearer Bearer "):
			return strings.TrimSpace(auth[len("Bearer Bearer "):])
		case strings.HasPrefix(auth, "Bearer "):
			return strings.TrimSpace(auth[len("Bearer "):])
		default:
			return auth
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// Middleware rejects requests without a valid key with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil || !a.cfg.Enabled || a.public[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			WriteError(w, http.StatusUnauthorized, "Unauthorized", "API key is missing")
			return
		}
		if !a.valid(r.Context(), key) {
			zerolog.Ctx(r.Context()).Warn().Str("key_prefix", logging.KeyPrefix(key)).Msg("rejected api key")
			WriteError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or revoked API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) valid(ctx context.Context, key string) bool {
	for _, k := range a.cfg.StaticKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	if a.store == nil {
		return false
	}
	rec, err := a.store.ValidateAPIKey(ctx, key)
	if err != nil {
		a.logger.Error().Err(err).Str("key_prefix", logging.KeyPrefix(key)).Msg("api key lookup failed")
		return false
	}
	return rec != nil
}
