package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/chatrelay/api/responses"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
)

// AdminToken admits requests carrying "Authorization: Bearer <token>".
func AdminToken(token string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := bearerToken(r.Header.Get("Authorization"))
			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
				if logg != nil {
					logg.Warn(r.Context(), "admin.unauthorized")
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
