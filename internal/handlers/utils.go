// internal/handlers/utils.go
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/auth"
	"github.com/jason-s-yu/verdict/internal/errors"
)

const maxBodyBytes = 1 << 20

// writeJSON encodes v with the given status.
func writeJSON(logger *logrus.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("failed to write response: %v", err)
	}
}

// writeError renders err as {"code": n, "message": reason}. Internal causes
// are logged, never returned.
func writeError(logger *logrus.Logger, w http.ResponseWriter, r *http.Request, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal || e.Code == errors.CodeUnavailable {
		logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Errorf("request failed: %v", err)
	}
	writeJSON(logger, w, e.HTTPStatusCode(), e)
}

// decodeJSON reads a bounded JSON body into v. An empty body is allowed
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF && allowEmpty {
			return nil
		}
		return errors.InvalidArgument("invalid request payload: %v", err)
	}
	return nil
}

// pathUUID parses a {name} path value.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.InvalidArgument("invalid %s", name)
	}
	return id, nil
}

// authenticate resolves the caller's player token and checks that it was
// issued for the session in the path.
func authenticate(signer *auth.Signer, r *http.Request, code string) (auth.Claims, error) {
	tok, err := auth.TokenFromHeaders(r.Header.Get("Authorization"), r.Header.Get("Cookie"))
	if err != nil {
		return auth.Claims{}, errors.Unauthenticated("missing auth token")
	}
	claims, err := signer.Verify(tok)
	if err != nil {
		return auth.Claims{}, errors.Unauthenticated("invalid auth token")
	}
	if code != "" && !strings.EqualFold(claims.SessionCode, code) {
		return auth.Claims{}, errors.PermissionDenied("token is not valid for session %s", strings.ToUpper(code))
	}
	return claims, nil
}

// setTokenCookie mirrors the token into the auth_token cookie.
func setTokenCookie(w http.ResponseWriter, signer *auth.Signer, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		MaxAge:   int(signer.TTL().Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
}
