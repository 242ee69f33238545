package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"defi-aggregator/internal/api/middleware"
	"defi-aggregator/internal/model"
)

const maxBodyBytes = 1 << 20

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInsufficientBalance, model.KindInsufficientLiquidity, model.KindInsufficientCollateral,
		model.KindAmbiguousIdentifier, model.KindInvalidInput, model.KindUnsupported:
		return http.StatusBadRequest
	case model.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	middleware.WriteJSON(w, http.StatusOK, v)
}

// writeError renders err in the shared error body. Internal failures are
// logged with their cause and reported without it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	body := middleware.ErrorBody{Error: string(kind), Message: model.PublicMessage(err)}
	var me *model.Error
	if errors.As(err, &me) {
		body.Candidates = me.Candidates
	}

	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("request rejected")
	}
	middleware.WriteJSON(w, status, body)
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.InvalidInput("request body is required")
		}
		var me *model.Error
		if errors.As(err, &me) {
			return me
		}
		return model.InvalidInput("invalid JSON body: %v", err)
	}
	return nil
}
